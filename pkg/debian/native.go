package debian

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mholt/archives"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

const (
	arMagic       = "!<arch>\n"
	debianBinary  = "2.0\n"
	controlMember = "control.tar.gz"
	dataMember    = "data.tar.xz"
)

// Native writes .deb files without dpkg: an ar container holding
// debian-binary, control.tar.gz and data.tar.xz. Entries are sorted and owned
// by root, timestamps are clamped to the build epoch.
type Native struct{}

func (n *Native) Name() string { return ArchiverNative }

func (n *Native) Build(ctx context.Context, stagingDir, outputPath string, epoch time.Time) error {
	slog.Info("native_deb_build", "staging", stagingDir, "output", outputPath)

	tmpDir, err := os.MkdirTemp(filepath.Dir(outputPath), ".deb-build-*")
	if err != nil {
		return errors.Build("failed to create build directory: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	controlPath := filepath.Join(tmpDir, controlMember)
	if err := writeCompressedTar(ctx, controlPath, archives.Gz{CompressionLevel: 9}, filepath.Join(stagingDir, ControlDir), nil, epoch); err != nil {
		return errors.Build("failed to write %s: %v", controlMember, err)
	}

	dataPath := filepath.Join(tmpDir, dataMember)
	skipControl := func(rel string) bool { return rel == ControlDir }
	if err := writeCompressedTar(ctx, dataPath, archives.Xz{}, stagingDir, skipControl, epoch); err != nil {
		return errors.Build("failed to write %s: %v", dataMember, err)
	}

	partial := filepath.Join(tmpDir, filepath.Base(outputPath))
	if err := writeAr(partial, epoch, controlPath, dataPath); err != nil {
		return errors.Build("failed to write ar container: %v", err)
	}
	if err := os.Rename(partial, outputPath); err != nil {
		return errors.Build("failed to move package into place: %v", err)
	}

	if fi, err := os.Stat(outputPath); err == nil {
		slog.Info("native_deb_complete", "output", outputPath, "size", humanize.Bytes(uint64(fi.Size())))
	}
	return nil
}

// writeCompressedTar archives the tree under root into path. Directories for
// which skip returns true are left out together with their contents.
func writeCompressedTar(ctx context.Context, path string, compression archives.Compressor, root string, skip func(rel string) bool, epoch time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cw, err := compression.OpenWriter(f)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(cw)
	if err := addTree(ctx, tw, root, skip, epoch); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := cw.Close(); err != nil {
		return err
	}
	return f.Close()
}

// addTree walks root in lexical order and writes one header per entry, named
// ./<rel> the way dpkg-deb names them.
func addTree(ctx context.Context, tw *tar.Writer, root string, skip func(rel string) bool, epoch time.Time) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if skip != nil && d.IsDir() && skip(filepath.ToSlash(rel)) {
			return fs.SkipDir
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if fi.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		hdr.Name = "./"
		if rel != "." {
			hdr.Name = "./" + filepath.ToSlash(rel)
			if d.IsDir() {
				hdr.Name += "/"
			}
		}
		hdr.Format = tar.FormatGNU
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"
		hdr.ModTime = clamp(fi.ModTime(), epoch)
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

func clamp(t, epoch time.Time) time.Time {
	if t.After(epoch) {
		t = epoch
	}
	return t.Truncate(time.Second)
}

// writeAr writes the ar container. The header layout is the common System V
// / GNU format dpkg expects: 16 name, 12 mtime, 6 uid, 6 gid, 8 mode, 10 size, "`\n".
func writeAr(path string, epoch time.Time, controlPath, dataPath string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.WriteString(out, arMagic); err != nil {
		return err
	}
	mtime := epoch.Unix()
	if err := writeArMember(out, "debian-binary", mtime, int64(len(debianBinary)), strings.NewReader(debianBinary)); err != nil {
		return err
	}
	for _, member := range []string{controlPath, dataPath} {
		if err := writeArFile(out, member, mtime); err != nil {
			return err
		}
	}
	return out.Close()
}

func writeArFile(w io.Writer, path string, mtime int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	return writeArMember(w, filepath.Base(path), mtime, fi.Size(), f)
}

func writeArMember(w io.Writer, name string, mtime, size int64, r io.Reader) error {
	if len(name) > 16 {
		return fmt.Errorf("ar member name %q too long", name)
	}
	header := fmt.Sprintf("%-16s%-12d%-6d%-6d%-8s%-10d`\n", name, mtime, 0, 0, "100644", size)
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("ar member %s: wrote %d of %d bytes", name, n, size)
	}
	if size%2 == 1 {
		_, err = io.WriteString(w, "\n")
	}
	return err
}
