//go:build !linux

package mount

import (
	"context"
	"fmt"
	"runtime"
)

// StubMounter refuses every mount on non-Linux systems
type StubMounter struct{}

// NewMounter creates a stub mounter on non-Linux systems
func NewMounter() (Mounter, error) {
	return &StubMounter{}, nil
}

func (m *StubMounter) MountLoop(ctx context.Context, source, mountPath, fsType string) error {
	return fmt.Errorf("loop mounts not supported on %s", runtime.GOOS)
}

func (m *StubMounter) Unmount(ctx context.Context, mountPath string) error {
	return fmt.Errorf("loop mounts not supported on %s", runtime.GOOS)
}

func (m *StubMounter) Close() error {
	return nil
}

// IsRoot is always false where loop mounts are unavailable.
func IsRoot() bool {
	return false
}
