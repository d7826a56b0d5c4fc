package mount

import "context"

// Mounter attaches image files to directories.
type Mounter interface {
	// MountLoop attaches source read-only through a loop device at mountPath.
	MountLoop(ctx context.Context, source, mountPath, fsType string) error

	// Unmount detaches whatever is mounted at mountPath.
	Unmount(ctx context.Context, mountPath string) error

	// Close cleans up resources
	Close() error
}
