package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sysrescue/rescue-kernel-deb/pkg/db"
	"github.com/sysrescue/rescue-kernel-deb/pkg/debian"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
	"github.com/sysrescue/rescue-kernel-deb/pkg/layout"
	"github.com/sysrescue/rescue-kernel-deb/pkg/mount"
	"github.com/sysrescue/rescue-kernel-deb/pkg/pipeline"
	"github.com/sysrescue/rescue-kernel-deb/pkg/security"
	"github.com/sysrescue/rescue-kernel-deb/pkg/storage"
)

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := current

	if err := pipeline.ValidateInput(args, mount.IsRoot); err != nil {
		return err
	}

	mounter, err := mount.NewMounter()
	if err != nil {
		return err
	}
	defer mounter.Close()

	archiver, err := debian.NewArchiver(cfg.Archiver)
	if err != nil {
		return err
	}

	builder := &pipeline.Builder{
		Mounter:   mounter,
		Archiver:  archiver,
		Validator: security.NewValidator(cfg.MaxFileSize, cfg.MaxTotalSize),
		IsRoot:    mount.IsRoot,
	}

	if cfg.HistoryDB != "" {
		if err := ensureParentDir(cfg.HistoryDB); err != nil {
			return err
		}
		repo, err := db.NewRepository(cfg.HistoryDB)
		if err != nil {
			return errors.Wrap(err, "history db init failed")
		}
		defer repo.Close()
		builder.History = repo
	}

	if storage.IsURL(args[0]) || cfg.Upload != "" {
		client, err := storage.NewClient(ctx, cfg.S3Region, cfg.S3Anonymous)
		if err != nil {
			return errors.Build("S3 client failed: %v", err)
		}
		builder.Storage = client
	}

	opts := pipeline.Options{
		Source:     args[0],
		OutputDir:  ".",
		WorkDir:    cfg.WorkDir,
		Suffix:     cfg.Suffix,
		Arch:       cfg.Arch,
		Maintainer: cfg.Maintainer,
		Kernel:     layout.Matcher{Name: cfg.KernelName, PathHint: cfg.KernelPathHint},
		Rootfs:     layout.Matcher{Name: cfg.RootfsName, PathHint: cfg.RootfsPathHint},
		Upload:     cfg.Upload,
	}
	if len(args) == 2 {
		opts.OutputDir = args[1]
	}

	res, err := builder.Run(ctx, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Built %s\n", res.ArtifactPath)
	if res.Uploaded != "" {
		fmt.Fprintf(out, "☁️  Uploaded to %s\n", res.Uploaded)
	}
	fmt.Fprintf(out, "\nInspect it with:  dpkg-deb --info %s\n", res.ArtifactPath)
	fmt.Fprintf(out, "Install it with:  apt install %s\n", installPath(res.ArtifactPath))
	return nil
}
