package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sysrescue/rescue-kernel-deb/pkg/db"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded builds, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Show at most this many builds (0 for all)")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg := current
	if cfg.HistoryDB == "" {
		return errors.Usage("build history is disabled, set --history-db or RKD_HISTORY_DB")
	}

	if err := ensureParentDir(cfg.HistoryDB); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.HistoryDB)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	builds, err := repo.List(cmd.Context(), listLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	out := cmd.OutOrStdout()
	if len(builds) == 0 {
		fmt.Fprintln(out, "No builds recorded")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-9s %-20s %-20s %s\n", "RUN ID", "STATUS", "KERNEL", "CREATED", "ARTIFACT / ERROR")
	fmt.Fprintln(out, "----------------------------------------------------------------------------------------------------")

	for _, b := range builds {
		detail := b.ArtifactPath
		if b.Status == db.StatusFailed {
			detail = b.ErrorMessage
		}
		fmt.Fprintf(out, "%-20s %-9s %-20s %-20s %s\n",
			b.RunID, b.Status, dash(b.KernelVersion), b.CreatedAt, dash(detail))
	}

	return nil
}
