package mount

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sysrescue/rescue-kernel-deb/pkg/cleanup"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

// Attach creates parent/name, loop-mounts source there and registers the
// unmount on g. The mount point directory is removed only after a successful
// unmount, so a busy mount is never descended into by later removals.
func Attach(ctx context.Context, m Mounter, g *cleanup.Guard, parent, name, source, fsType string) (string, error) {
	mountPath := filepath.Join(parent, name)
	if err := os.MkdirAll(mountPath, 0o700); err != nil {
		return "", errors.Wrap(err, "failed to create mount point")
	}

	if err := m.MountLoop(ctx, source, mountPath, fsType); err != nil {
		os.Remove(mountPath)
		return "", err
	}

	g.Push("mount "+mountPath, func(ctx context.Context) error {
		if err := m.Unmount(ctx, mountPath); err != nil {
			return err
		}
		return os.Remove(mountPath)
	})
	return mountPath, nil
}
