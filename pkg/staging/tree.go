package staging

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sysrescue/rescue-kernel-deb/pkg/debian"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
	"github.com/sysrescue/rescue-kernel-deb/pkg/security"
)

// Tree is a populated staging directory, <work>/<package name>.
type Tree struct {
	Root    string
	Package debian.Package
	// Epoch is the timestamp given to generated entries and the archive.
	Epoch time.Time
}

// Options describe what goes into a Tree.
type Options struct {
	WorkDir     string
	Package     debian.Package
	KernelImage string
	ModuleDir   string
	// PreserveOwner copies uid and gid of the module tree.
	PreserveOwner bool
}

// Build creates the staging tree: the kernel at boot/vmlinuz-<v>-<suffix> and
// the module directory at lib/modules/<v>.
func Build(ctx context.Context, opts Options, validator *security.Validator) (*Tree, error) {
	epoch, err := Epoch(opts.KernelImage)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		Root:    filepath.Join(opts.WorkDir, opts.Package.Name()),
		Package: opts.Package,
		Epoch:   epoch,
	}
	if err := os.Mkdir(t.Root, 0o755); err != nil {
		return nil, errors.Build("failed to create staging directory: %v", err)
	}

	bootDir := filepath.Join(t.Root, "boot")
	if err := os.Mkdir(bootDir, 0o755); err != nil {
		return nil, errors.Build("failed to create boot directory: %v", err)
	}
	if err := copyKernel(opts.KernelImage, filepath.Join(bootDir, opts.Package.KernelFile())); err != nil {
		return nil, errors.Build("failed to copy kernel image: %v", err)
	}

	modulesDir := filepath.Join(t.Root, "lib", "modules")
	if err := os.MkdirAll(modulesDir, 0o755); err != nil {
		return nil, errors.Build("failed to create module directory: %v", err)
	}

	validator.Reset()
	dst := filepath.Join(modulesDir, opts.Package.KernelVersion)
	if err := CopyTree(ctx, opts.ModuleDir, dst, validator, CopyOptions{PreserveOwner: opts.PreserveOwner}); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Build("module copy interrupted: %v", ctx.Err())
		}
		return nil, errors.Build("failed to copy modules from %s: %v", opts.ModuleDir, err)
	}

	slog.Info("staging_tree_built",
		"root", t.Root,
		"modules_size", humanize.Bytes(uint64(validator.GetCurrentTotalSize())))
	return t, nil
}

// copyKernel writes the kernel image with mode 0644 and keeps its mtime.
func copyKernel(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	if err := os.Chmod(dst, 0o644); err != nil {
		return err
	}
	return os.Chtimes(dst, fi.ModTime(), fi.ModTime())
}

// Epoch returns SOURCE_DATE_EPOCH when set, otherwise the kernel image mtime.
func Epoch(kernelImage string) (time.Time, error) {
	if s := os.Getenv("SOURCE_DATE_EPOCH"); s != "" {
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, errors.Usage("invalid SOURCE_DATE_EPOCH %q: %v", s, err)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	fi, err := os.Stat(kernelImage)
	if err != nil {
		return time.Time{}, errors.Discovery("kernel image %s: %v", kernelImage, err)
	}
	return fi.ModTime().UTC().Truncate(time.Second), nil
}

// InstalledSize returns the payload size in KiB the way dpkg-gencontrol
// counts it: every regular file rounded up to a KiB, every other entry as one.
// The control directory is not part of the payload.
func (t *Tree) InstalledSize() (int64, error) {
	var kib int64
	err := filepath.WalkDir(t.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == t.Root {
			return nil
		}
		if d.IsDir() && d.Name() == debian.ControlDir && filepath.Dir(path) == t.Root {
			return fs.SkipDir
		}
		if !d.Type().IsRegular() {
			kib++
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		kib += (fi.Size() + 1023) / 1024
		return nil
	})
	return kib, err
}

// Seal gives the generated entries the epoch as mtime. Copied modules keep
// their own times. It must run after the control files are written.
func (t *Tree) Seal() error {
	generated := []string{
		filepath.Join(t.Root, "boot", t.Package.KernelFile()),
		filepath.Join(t.Root, "boot"),
		filepath.Join(t.Root, "lib", "modules"),
		filepath.Join(t.Root, "lib"),
	}

	controlDir := filepath.Join(t.Root, debian.ControlDir)
	entries, err := os.ReadDir(controlDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		generated = append(generated, filepath.Join(controlDir, e.Name()))
	}
	if len(entries) > 0 {
		generated = append(generated, controlDir)
	}
	generated = append(generated, t.Root)

	for _, p := range generated {
		if err := os.Chtimes(p, t.Epoch, t.Epoch); err != nil {
			return errors.Wrap(err, "failed to set build time")
		}
	}
	return nil
}
