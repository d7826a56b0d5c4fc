package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sysrescue/rescue-kernel-deb/pkg/mount"
	"github.com/sysrescue/rescue-kernel-deb/pkg/pipeline"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Unmount and remove run directories left behind in the work directory",
	Long: `A build releases its mounts and scratch files on exit. When an unmount
fails (busy mount point, killed process) the run directory is kept so nothing
is deleted through a live mount. This command retries those releases.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if err := pipeline.CheckPrivilege(mount.IsRoot); err != nil {
		return err
	}

	mounter, err := mount.NewMounter()
	if err != nil {
		return err
	}
	defer mounter.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🧹 Sweeping %s...\n", current.WorkDir)

	removed, err := pipeline.Sweep(cmd.Context(), mounter, current.WorkDir)
	for _, dir := range removed {
		fmt.Fprintf(out, "🗑️  Removed %s\n", dir)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ Removed %d stale run directories\n", len(removed))
	return nil
}
