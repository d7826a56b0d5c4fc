//go:build linux

package mount

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

// LinuxMounter shells out to mount(8) and umount(8).
type LinuxMounter struct {
	mountBin  string
	umountBin string
}

// NewMounter creates a Linux loop mounter
func NewMounter() (Mounter, error) {
	slog.Debug("mounter_init", "platform", "linux")

	mountBin, err := exec.LookPath("mount")
	if err != nil {
		return nil, errors.Mount("mount(8) not found: %v", err)
	}
	umountBin, err := exec.LookPath("umount")
	if err != nil {
		return nil, errors.Mount("umount(8) not found: %v", err)
	}

	return &LinuxMounter{mountBin: mountBin, umountBin: umountBin}, nil
}

func (m *LinuxMounter) MountLoop(ctx context.Context, source, mountPath, fsType string) error {
	slog.Info("mount_loop", "source", source, "mount_path", mountPath, "fs_type", fsType)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.mountBin, "-t", fsType, "-o", LoopReadOnly, source, mountPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		slog.Error("mount_failed", "source", source, "mount_path", mountPath, "fs_type", fsType, "error", err, "stderr", msg)

		if ok, perr := KernelSupports(fsType); perr == nil && !ok {
			return errors.Mount("filesystem type %s is not supported by the running kernel", fsType)
		}
		if msg == "" {
			msg = err.Error()
		}
		return errors.Mount("failed to mount %s (%s) at %s: %s", source, fsType, mountPath, msg)
	}

	slog.Debug("mount_complete", "mount_path", mountPath)
	return nil
}

func (m *LinuxMounter) Unmount(ctx context.Context, mountPath string) error {
	slog.Info("unmount", "mount_path", mountPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.umountBin, mountPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		slog.Error("unmount_failed", "mount_path", mountPath, "error", err, "stderr", strings.TrimSpace(stderr.String()))
		return errors.Wrap(err, "failed to unmount "+mountPath)
	}

	slog.Debug("unmount_complete", "mount_path", mountPath)
	return nil
}

func (m *LinuxMounter) Close() error {
	return nil
}

// IsRoot reports whether the process runs with an effective uid of 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}
