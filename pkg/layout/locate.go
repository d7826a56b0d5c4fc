// Package layout finds the kernel image and the compressed root filesystem
// inside a live image, either on a mounted tree or from the raw ISO9660
// directory records.
package layout

import (
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

// ErrNotFound is returned when no file satisfies a Matcher.
var ErrNotFound = errors.New("not found")

// Matcher selects a file by exact (case-insensitive) base name and a
// substring of its slash-rooted path.
type Matcher struct {
	// Label names the artifact in log lines and errors, e.g. "kernel image".
	Label string
	// Name is the file name, compared case-insensitively.
	Name string
	// PathHint must appear in the lowercased path, e.g. "/boot/". Empty matches anything.
	PathHint string
}

// Match reports whether p (relative to the image root, any case) is selected.
func (m Matcher) Match(p string) bool {
	p = strings.ToLower(filepath.ToSlash(p))
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.EqualFold(path.Base(p), m.Name) {
		return false
	}
	return strings.Contains(p, strings.ToLower(m.PathHint))
}

// Locate walks root in lexical order and returns the absolute path of the first
// regular file selected by m.
func Locate(root string, m Matcher) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtrees are skipped, the image is read-only anyway
			slog.Warn("locate_walk_error", "path", p, "error", err)
			if d != nil && d.IsDir() && p != root {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if m.Match(rel) {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "walk "+root)
	}
	if found == "" {
		return "", ErrNotFound
	}

	slog.Info("located", "artifact", m.Label, "path", found)
	return found, nil
}

// FindInIndex returns the first entry of a sorted path index selected by m.
func FindInIndex(index []string, m Matcher) (string, bool) {
	for _, entry := range index {
		if m.Match(entry) {
			return entry, true
		}
	}
	return "", false
}
