// Package staging lays out the package tree a .deb is built from.
package staging

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sysrescue/rescue-kernel-deb/pkg/security"
)

// CopyOptions controls how CopyTree reproduces metadata.
type CopyOptions struct {
	// PreserveOwner copies uid and gid. Only root can do that.
	PreserveOwner bool
}

type dirMeta struct {
	path  string
	mode  fs.FileMode
	mtime time.Time
}

// CopyTree copies src into dst, which must not exist yet. Modes, modification
// times and symbolic links are reproduced; link targets are copied verbatim.
// Device nodes, fifos and sockets are skipped with a warning.
func CopyTree(ctx context.Context, src, dst string, validator *security.Validator, opts CopyOptions) error {
	var dirs []dirMeta

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := validator.ValidatePath(rel); err != nil {
			return fmt.Errorf("invalid path in tree: %w", err)
		}
		target := filepath.Join(dst, rel)

		fi, err := d.Info()
		if err != nil {
			return err
		}

		switch mode := fi.Mode(); {
		case mode.IsDir():
			// children need a writable parent, the real mode is applied afterwards
			if err := os.Mkdir(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			dirs = append(dirs, dirMeta{path: target, mode: mode.Perm() | mode&(fs.ModeSetgid|fs.ModeSticky), mtime: fi.ModTime()})

		case mode.IsRegular():
			if err := validator.ValidateFileSize(fi.Size()); err != nil {
				return err
			}
			if err := validator.AddCopiedSize(fi.Size()); err != nil {
				return err
			}
			if err := copyFile(path, target, fi, opts.PreserveOwner); err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			return nil

		case mode&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink: %w", err)
			}
			if err := validator.ValidateSymlink(rel, link); err != nil {
				slog.Warn("symlink_leaves_tree", "path", rel, "target", link)
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		default:
			slog.Warn("special_file_skipped", "path", rel, "mode", mode.String())
			return nil
		}

		if opts.PreserveOwner {
			if err := copyOwner(target, fi); err != nil {
				return fmt.Errorf("failed to set owner of %s: %w", rel, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// deepest first, so setting a parent's mtime is not undone by its children
	for i := len(dirs) - 1; i >= 0; i-- {
		dm := dirs[i]
		if err := os.Chmod(dm.path, dm.mode); err != nil {
			return fmt.Errorf("failed to set directory mode: %w", err)
		}
		if err := os.Chtimes(dm.path, dm.mtime, dm.mtime); err != nil {
			return fmt.Errorf("failed to set directory mtime: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string, fi fs.FileInfo, preserveOwner bool) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	// chown clears setuid bits, so it goes first
	if preserveOwner {
		if err := copyOwner(dst, fi); err != nil {
			return fmt.Errorf("failed to set owner: %w", err)
		}
	}
	// explicit chmod so the process umask does not leak into the package
	if err := os.Chmod(dst, fi.Mode().Perm()|fi.Mode()&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)); err != nil {
		return err
	}
	return os.Chtimes(dst, fi.ModTime(), fi.ModTime())
}
