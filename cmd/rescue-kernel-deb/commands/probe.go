package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sysrescue/rescue-kernel-deb/pkg/debian"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
	"github.com/sysrescue/rescue-kernel-deb/pkg/layout"
)

var probeCmd = &cobra.Command{
	Use:   "probe <image>",
	Short: "Show which kernel and root filesystem a build would pick, without mounting",
	Args: func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(1)(cmd, args); err != nil {
			return errors.Usage("%v", err)
		}
		return nil
	},
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg := current

	arch := cfg.Arch
	if arch == "" {
		arch = debian.HostArch(cmd.Context())
	}

	entries, err := layout.IndexISO(args[0])
	if err != nil {
		return errors.Discovery("cannot read %s as ISO9660: %v", args[0], err)
	}
	sizes := make(map[string]int64, len(entries))
	for _, e := range entries {
		sizes[e.Path] = e.Size
	}
	index := layout.Paths(entries)

	kernelMatch, rootfsMatch := layout.DefaultMatchers(arch)
	if cfg.KernelName != "" {
		kernelMatch.Name = cfg.KernelName
	}
	if cfg.KernelPathHint != "" {
		kernelMatch.PathHint = cfg.KernelPathHint
	}
	if cfg.RootfsName != "" {
		rootfsMatch.Name = cfg.RootfsName
	}
	if cfg.RootfsPathHint != "" {
		rootfsMatch.PathHint = cfg.RootfsPathHint
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-14s %-50s %s\n", "ARTIFACT", "PATH", "SIZE")

	var missing []string
	for _, m := range []layout.Matcher{kernelMatch, rootfsMatch} {
		p, ok := layout.FindInIndex(index, m)
		if !ok {
			fmt.Fprintf(out, "%-14s %-50s %s\n", m.Label, "-", "-")
			missing = append(missing, m.Label)
			continue
		}
		fmt.Fprintf(out, "%-14s %-50s %s\n", m.Label, p, humanize.Bytes(uint64(sizes[p])))
	}

	if len(missing) > 0 {
		return errors.Discovery("%s: no %v found for architecture %s", args[0], missing, arch)
	}
	return nil
}
