package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
	"github.com/sysrescue/rescue-kernel-deb/pkg/mount"
)

// lockName is held by a build for as long as its run directory is in use.
const lockName = ".lock"

var errRunActive = errors.New("run directory is in use by a running build")

// Sweep removes run directories an earlier build could not release, for
// instance because a mount point was busy. Leftover mount points are
// unmounted innermost first. Directories locked by a running build are left
// alone. It returns the directories it removed.
func Sweep(ctx context.Context, m mount.Mounter, workDir string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read work directory")
	}

	var removed []string
	var result error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "run-") {
			continue
		}
		dir := filepath.Join(workDir, e.Name())
		unlock, err := lockRun(dir)
		if errors.Is(err, errRunActive) {
			slog.Info("sweep_skipped_active", "dir", dir)
			continue
		}
		if err != nil {
			slog.Error("sweep_failed", "dir", dir, "error", err)
			result = multierror.Append(result, errors.Wrap(err, "failed to lock run directory"))
			continue
		}
		err = sweepRun(ctx, m, dir)
		unlock()
		if err != nil {
			slog.Error("sweep_failed", "dir", dir, "error", err)
			result = multierror.Append(result, err)
			continue
		}
		slog.Info("sweep_removed", "dir", dir)
		removed = append(removed, dir)
	}
	return removed, result
}

func sweepRun(ctx context.Context, m mount.Mounter, dir string) error {
	for _, name := range []string{innerMountName, outerMountName} {
		p := filepath.Join(dir, name)
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		// an empty directory is a mount point that is already gone
		if err := os.Remove(p); err == nil {
			continue
		}
		if err := m.Unmount(ctx, p); err != nil {
			return errors.Mount("%s: %v", p, err)
		}
		if err := os.Remove(p); err != nil {
			return errors.Wrap(err, "failed to remove mount point")
		}
	}
	return removeRunDir(dir, innerMountName, outerMountName)
}
