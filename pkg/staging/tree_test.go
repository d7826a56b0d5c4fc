package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysrescue/rescue-kernel-deb/pkg/debian"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
	"github.com/sysrescue/rescue-kernel-deb/pkg/security"
)

var pkg = debian.Package{KernelVersion: "6.9.0-test", Suffix: "sysrescue", Arch: "amd64"}

func newValidator() *security.Validator {
	return security.NewValidator(1<<20, 10<<20)
}

// moduleFixture creates a small module tree with a nested dir, a read-only
// dir and a relative symlink.
func moduleFixture(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), pkg.KernelVersion)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "kernel", "fs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kernel", "fs", "ext4.ko"), []byte("ext4"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modules.order"), []byte("kernel/fs/ext4.ko\n"), 0o644))
	require.NoError(t, os.Symlink("kernel/fs/ext4.ko", filepath.Join(dir, "ext4-link.ko")))
	require.NoError(t, os.Symlink("/usr/src/linux-headers-6.9.0-test", filepath.Join(dir, "build")))

	old := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "kernel", "fs", "ext4.ko"), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "kernel"), old, old))
	return dir
}

func TestCopyTree(t *testing.T) {
	src := moduleFixture(t)
	dst := filepath.Join(t.TempDir(), "copy")

	require.NoError(t, CopyTree(context.Background(), src, dst, newValidator(), CopyOptions{}))

	fi, err := os.Stat(filepath.Join(dst, "kernel", "fs", "ext4.ko"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), fi.ModTime().UTC())

	di, err := os.Stat(filepath.Join(dst, "kernel"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), di.ModTime().UTC())

	link, err := os.Readlink(filepath.Join(dst, "ext4-link.ko"))
	require.NoError(t, err)
	assert.Equal(t, "kernel/fs/ext4.ko", link)

	link, err = os.Readlink(filepath.Join(dst, "build"))
	require.NoError(t, err)
	assert.Equal(t, "/usr/src/linux-headers-6.9.0-test", link)
}

func TestCopyTreeKeepsEscapingSymlink(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.Symlink("../../etc/passwd", filepath.Join(src, "evil")))
	dst := filepath.Join(t.TempDir(), "copy")

	require.NoError(t, CopyTree(context.Background(), src, dst, newValidator(), CopyOptions{}))

	link, err := os.Readlink(filepath.Join(dst, "evil"))
	require.NoError(t, err)
	assert.Equal(t, "../../etc/passwd", link)
}

func TestCopyTreeSizeLimit(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.ko"), make([]byte, 2048), 0o644))
	dst := filepath.Join(t.TempDir(), "copy")

	err := CopyTree(context.Background(), src, dst, security.NewValidator(1024, 1<<20), CopyOptions{})
	assert.Error(t, err)
}

func TestCopyTreeReadOnlyDirectory(t *testing.T) {
	src := t.TempDir()
	ro := filepath.Join(src, "ro")
	require.NoError(t, os.Mkdir(ro, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ro, "a.ko"), []byte("a"), 0o644))
	require.NoError(t, os.Chmod(ro, 0o555))
	t.Cleanup(func() { os.Chmod(ro, 0o755) })

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, CopyTree(context.Background(), src, dst, newValidator(), CopyOptions{}))
	t.Cleanup(func() { os.Chmod(filepath.Join(dst, "ro"), 0o755) })

	fi, err := os.Stat(filepath.Join(dst, "ro"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o555), fi.Mode().Perm())
	assert.FileExists(t, filepath.Join(dst, "ro", "a.ko"))
}

func TestCopyTreeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := CopyTree(ctx, moduleFixture(t), filepath.Join(t.TempDir(), "copy"), newValidator(), CopyOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuild(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")

	kernel := filepath.Join(t.TempDir(), "vmlinuz")
	require.NoError(t, os.WriteFile(kernel, []byte("kernel image"), 0o600))

	work := t.TempDir()
	tree, err := Build(context.Background(), Options{
		WorkDir:     work,
		Package:     pkg,
		KernelImage: kernel,
		ModuleDir:   moduleFixture(t),
	}, newValidator())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(work, "linux-image-6.9.0-test-sysrescue"), tree.Root)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), tree.Epoch)

	fi, err := os.Stat(filepath.Join(tree.Root, "boot", "vmlinuz-6.9.0-test-sysrescue"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
	assert.FileExists(t, filepath.Join(tree.Root, "lib", "modules", "6.9.0-test", "kernel", "fs", "ext4.ko"))

	_, err = debian.WriteControl(tree.Root, debian.Control{Package: pkg})
	require.NoError(t, err)
	require.NoError(t, tree.Seal())

	for _, p := range []string{"", "boot", "boot/vmlinuz-6.9.0-test-sysrescue", "lib", "DEBIAN", "DEBIAN/control"} {
		fi, err := os.Stat(filepath.Join(tree.Root, p))
		require.NoError(t, err)
		assert.Equal(t, tree.Epoch, fi.ModTime().UTC(), p)
	}

	// kernel 12 bytes + ext4.ko + modules.order round up to 1 KiB each,
	// plus boot, lib, lib/modules, the version dir, kernel, kernel/fs and two symlinks
	size, err := tree.InstalledSize()
	require.NoError(t, err)
	assert.Equal(t, int64(3+8), size)
}

func TestBuildMissingModules(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "")
	kernel := filepath.Join(t.TempDir(), "vmlinuz")
	require.NoError(t, os.WriteFile(kernel, []byte("k"), 0o644))

	_, err := Build(context.Background(), Options{
		WorkDir:     t.TempDir(),
		Package:     pkg,
		KernelImage: kernel,
		ModuleDir:   filepath.Join(t.TempDir(), "missing"),
	}, newValidator())
	require.Error(t, err)
	assert.Equal(t, errors.KindBuild, errors.KindOf(err))
}

func TestEpoch(t *testing.T) {
	kernel := filepath.Join(t.TempDir(), "vmlinuz")
	require.NoError(t, os.WriteFile(kernel, []byte("k"), 0o644))
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(kernel, mtime, mtime))

	t.Setenv("SOURCE_DATE_EPOCH", "")
	got, err := Epoch(kernel)
	require.NoError(t, err)
	assert.Equal(t, mtime, got)

	t.Setenv("SOURCE_DATE_EPOCH", "42")
	got, err = Epoch(kernel)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(42, 0).UTC(), got)

	t.Setenv("SOURCE_DATE_EPOCH", "yesterday")
	_, err = Epoch(kernel)
	assert.Equal(t, errors.KindUsage, errors.KindOf(err))
}
