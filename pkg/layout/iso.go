package layout

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

// Entry is one regular file listed in an ISO image.
type Entry struct {
	Path string
	Size int64
}

// IndexISO lists every regular file of an ISO9660 image without mounting it.
// Paths are slash-rooted and lowercased, sorted lexically.
func IndexISO(isoPath string) ([]Entry, error) {
	f, err := os.Open(isoPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ISO9660 descriptors")
	}

	root, err := img.RootDir()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read root directory")
	}

	var entries []Entry
	var walk func(dir *iso9660.File, dirPath string) error
	walk = func(dir *iso9660.File, dirPath string) error {
		children, err := dir.GetChildren()
		if err != nil {
			return errors.Wrap(err, "failed to list "+dirPath)
		}
		for _, child := range children {
			name := child.Name()
			if i := strings.IndexByte(name, ';'); i >= 0 {
				// plain ISO9660 identifiers carry a ";1" version suffix
				name = name[:i]
			}
			if name == "" || name == "." || name == ".." || name == "\x00" || name == "\x01" {
				continue
			}
			p := path.Join(dirPath, strings.ToLower(name))
			if child.IsDir() {
				if err := walk(child, p); err != nil {
					return err
				}
				continue
			}
			entries = append(entries, Entry{Path: p, Size: child.Size()})
		}
		return nil
	}

	if err := walk(root, "/"); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Paths returns the paths of entries in order.
func Paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}
