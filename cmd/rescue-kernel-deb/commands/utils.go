package commands

import (
	"os"
	"path/filepath"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

// ensureParentDir creates the directory a database file lives in
func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}
	return nil
}

// installPath returns path in a form apt treats as a local file.
func installPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return "." + string(filepath.Separator) + filepath.Clean(path)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
