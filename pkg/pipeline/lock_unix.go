//go:build unix

package pipeline

import (
	"os"
	"path/filepath"
	"syscall"
)

// lockRun takes the exclusive lock of a run directory without blocking. The
// lock is dropped when the returned func closes the file, or when the process
// exits.
func lockRun(dir string) (func() error, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, errRunActive
		}
		return nil, err
	}
	return f.Close, nil
}
