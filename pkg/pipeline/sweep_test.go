package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep(t *testing.T) {
	work := t.TempDir()

	// a run whose inner mount is still populated
	stale := filepath.Join(work, "run-abc-1")
	require.NoError(t, writeFiles(filepath.Join(stale, "rootfs"), map[string]string{"usr/lib/modules/6.9.0/x": "x"}))
	require.NoError(t, os.MkdirAll(filepath.Join(stale, "iso"), 0o755))
	require.NoError(t, writeFiles(stale, map[string]string{"linux-image-6.9.0-sysrescue/boot/vmlinuz": "k"}))

	// something that is not ours
	require.NoError(t, os.MkdirAll(filepath.Join(work, "keep"), 0o755))

	m := newFakeMounter()
	removed, err := Sweep(context.Background(), m, work)
	require.NoError(t, err)

	assert.Equal(t, []string{stale}, removed)
	assert.Equal(t, []string{"rootfs"}, m.unmounted)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, filepath.Join(work, "keep"))
}

func TestSweepBusy(t *testing.T) {
	work := t.TempDir()
	stale := filepath.Join(work, "run-abc-2")
	require.NoError(t, writeFiles(filepath.Join(stale, "rootfs"), map[string]string{"etc/hostname": "x"}))

	busy := &busyMounter{fakeMounter: newFakeMounter()}
	removed, err := Sweep(context.Background(), busy, work)
	require.Error(t, err)
	assert.Empty(t, removed)
	assert.FileExists(t, filepath.Join(stale, "rootfs", "etc", "hostname"))
}

func TestSweepMissingWorkDir(t *testing.T) {
	removed, err := Sweep(context.Background(), newFakeMounter(), filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Empty(t, removed)
}
