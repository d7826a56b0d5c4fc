package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sysrescue/rescue-kernel-deb/internal/config"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

var logLevel *slog.LevelVar

var rootCmd = &cobra.Command{
	Use:   "rescue-kernel-deb <path-to-source-image> [<output-directory>]",
	Short: "Repackage the kernel of a live rescue image as a Debian package",
	Long: `Mounts a SystemRescue style live image, extracts its kernel and module tree
and builds linux-image-<version>-<suffix>_1~local_<arch>.deb whose maintainer
scripts regenerate the initramfs and the bootloader menu.

The source image may be a local file or an s3://bucket/key URL.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(1, 2)(cmd, args); err != nil {
			return errors.Usage("%v", err)
		}
		return nil
	},
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runBuild,
}

// Execute runs the command line. Errors are printed once, prefixed "Error:",
// usage errors are followed by the usage text.
func Execute(level *slog.LevelVar) {
	logLevel = level

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd, err := rootCmd.ExecuteContextC(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.KindOf(err) == errors.KindUsage {
			fmt.Fprint(os.Stderr, cmd.UsageString())
		}
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("work-dir", "/var/tmp/rescue-kernel-deb", "Scratch directory, each run gets its own subdirectory")
	flags.String("suffix", "sysrescue", "Flavour suffix of the package name")
	flags.String("arch", "", "Debian architecture (default: dpkg --print-architecture)")
	flags.String("maintainer", "rescue-kernel-deb <root@localhost>", "Maintainer field of the package")
	flags.String("kernel-name", "vmlinuz", "File name of the kernel image inside the image")
	flags.String("kernel-path-hint", "", "Path fragment the kernel image must live under (default /boot/)")
	flags.String("rootfs-name", "airootfs.sfs", "File name of the squashfs root filesystem")
	flags.String("rootfs-path-hint", "", "Path fragment the root filesystem must live under (default /<iso-arch>/)")
	flags.String("archiver", "dpkg-deb", "Archive builder: dpkg-deb or native")
	flags.String("history-db", "", "SQLite database recording builds (empty disables history)")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.Bool("s3-anonymous", false, "Access S3 without credentials (public buckets)")
	flags.String("upload", "", "Upload the package to s3://bucket/prefix")
	flags.Int64("max-file-size", config.DefaultMaxFileSize, "Max size of a single copied file in bytes")
	flags.Int64("max-total-size", config.DefaultMaxTotalSize, "Max size of the copied module tree in bytes")
	flags.BoolP("verbose", "v", false, "Debug logging")

	flags.VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(f.Name, f)
	})

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.Usage("%v", err)
	})
}

// setup loads and validates the configuration shared by every command.
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Usage("config load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Usage("config invalid: %v", err)
	}
	if cfg.Verbose && logLevel != nil {
		logLevel.Set(slog.LevelDebug)
	}
	current = cfg
	return nil
}

// current is the configuration loaded by setup.
var current *config.Config
