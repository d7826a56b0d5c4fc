package pipeline

import (
	"os"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
	"github.com/sysrescue/rescue-kernel-deb/pkg/storage"
)

// CheckPrivilege fails with a usage error unless isRoot reports true.
func CheckPrivilege(isRoot func() bool) error {
	if isRoot == nil || !isRoot() {
		return errors.Usage("must be run as root (loop mounts need CAP_SYS_ADMIN)")
	}
	return nil
}

// CheckImage fails with a usage error unless path names an existing regular file.
func CheckImage(path string) error {
	if path == "" {
		return errors.Usage("no source image given")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return errors.Usage("source image %s: %v", path, err)
	}
	if !fi.Mode().IsRegular() {
		return errors.Usage("source image %s is not a regular file", path)
	}
	return nil
}

// ValidateInput checks the command line of a build before anything is touched.
// Remote sources are only checked for privilege and URL syntax, the file
// check runs once they are downloaded.
func ValidateInput(args []string, isRoot func() bool) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.Usage("expected <path-to-source-image> [<output-directory>], got %d arguments", len(args))
	}
	if err := CheckPrivilege(isRoot); err != nil {
		return err
	}
	if storage.IsURL(args[0]) {
		_, err := storage.ParseURL(args[0], false)
		return err
	}
	return CheckImage(args[0])
}
