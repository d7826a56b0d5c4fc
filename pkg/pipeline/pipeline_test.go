package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/mholt/archives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysrescue/rescue-kernel-deb/pkg/db"
	"github.com/sysrescue/rescue-kernel-deb/pkg/debian"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
	"github.com/sysrescue/rescue-kernel-deb/pkg/mount"
	"github.com/sysrescue/rescue-kernel-deb/pkg/security"
	"github.com/sysrescue/rescue-kernel-deb/pkg/storage"
)

const scenarioArtifact = "linux-image-6.9.0-test-sysrescue_1~local_amd64.deb"

// fakeMounter populates the mount point instead of attaching a loop device.
type fakeMounter struct {
	mu        sync.Mutex
	populate  map[string]func(dir string) error
	fail      map[string]error
	mounted   []string
	unmounted []string
}

func (f *fakeMounter) MountLoop(ctx context.Context, source, mountPath, fsType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[fsType]; err != nil {
		return err
	}
	fill, ok := f.populate[fsType]
	if !ok {
		return fmt.Errorf("unexpected %s mount of %s", fsType, source)
	}
	if _, err := os.Stat(source); err != nil {
		return err
	}
	f.mounted = append(f.mounted, filepath.Base(mountPath))
	return fill(mountPath)
}

func (f *fakeMounter) Unmount(ctx context.Context, mountPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounted = append(f.unmounted, filepath.Base(mountPath))
	entries, err := os.ReadDir(mountPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(mountPath, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeMounter) Close() error { return nil }

func writeFiles(dir string, files map[string]string) error {
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func isoLayout(dir string) error {
	return writeFiles(dir, map[string]string{
		"sysresccd/boot/x86_64/vmlinuz": "kernel image",
		"sysresccd/x86_64/airootfs.sfs": "squashfs",
		"EFI/boot/bootx64.efi":          "efi",
	})
}

func rootfsLayout(dir string) error {
	if err := writeFiles(dir, map[string]string{
		"usr/lib/modules/6.9.0-test/kernel/fs/ext4.ko": "ext4",
		"usr/lib/modules/6.9.0-test/modules.dep":       "kernel/fs/ext4.ko:\n",
		"etc/hostname":                                 "sysrescue",
	}); err != nil {
		return err
	}
	return os.Symlink("usr/lib", filepath.Join(dir, "lib"))
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{
		populate: map[string]func(string) error{
			mount.FSTypeISO:      isoLayout,
			mount.FSTypeSquashfs: rootfsLayout,
		},
		fail: map[string]error{},
	}
}

type env struct {
	builder *Builder
	mounter *fakeMounter
	opts    Options
	workDir string
	outDir  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")

	image := filepath.Join(t.TempDir(), "systemrescue-11.01-amd64.iso")
	require.NoError(t, os.WriteFile(image, []byte("iso9660"), 0o644))

	m := newFakeMounter()
	e := &env{
		mounter: m,
		workDir: filepath.Join(t.TempDir(), "work"),
		outDir:  t.TempDir(),
	}
	e.builder = &Builder{
		Mounter:   m,
		Archiver:  &debian.Native{},
		Validator: security.NewValidator(1<<20, 16<<20),
		IsRoot:    func() bool { return true },
	}
	e.opts = Options{
		Source:     image,
		OutputDir:  e.outDir,
		WorkDir:    e.workDir,
		Suffix:     "sysrescue",
		Arch:       "amd64",
		Maintainer: "Test <test@localhost>",
	}
	return e
}

// debPayload lists the entries of the data.tar.xz member of a .deb.
func debPayload(t *testing.T, path string) map[string]bool {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("!<arch>\n")))
	data = data[len("!<arch>\n"):]

	for len(data) >= 60 {
		name := strings.TrimSpace(string(data[:16]))
		size, err := strconv.ParseInt(strings.TrimSpace(string(data[48:58])), 10, 64)
		require.NoError(t, err)
		body := data[60 : 60+size]
		data = data[60+size+size%2:]
		if name != "data.tar.xz" {
			continue
		}

		rc, err := archives.Xz{}.OpenReader(bytes.NewReader(body))
		require.NoError(t, err)
		defer rc.Close()
		entries := make(map[string]bool)
		tr := tar.NewReader(rc)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return entries
			}
			require.NoError(t, err)
			entries[hdr.Name] = true
		}
	}
	t.Fatalf("%s has no data.tar.xz member", path)
	return nil
}

// assertNoLeftovers checks that the work directory holds nothing of the run.
func (e *env) assertNoLeftovers(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.workDir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "run directory left behind")
}

func TestRunScenario(t *testing.T) {
	e := newEnv(t)

	res, err := e.builder.Run(context.Background(), e.opts)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(e.outDir, scenarioArtifact), res.ArtifactPath)
	assert.Equal(t, "linux-image-6.9.0-test-sysrescue", res.Package.Name())
	assert.FileExists(t, res.ArtifactPath)
	assert.NotEmpty(t, res.RunID)
	assert.Empty(t, res.Uploaded)

	assert.Equal(t, []string{"iso", "rootfs"}, e.mounter.mounted)
	assert.Equal(t, []string{"rootfs", "iso"}, e.mounter.unmounted, "releases run newest first")
	e.assertNoLeftovers(t)

	payload := debPayload(t, res.ArtifactPath)
	assert.True(t, payload["./boot/vmlinuz-6.9.0-test-sysrescue"], "kernel image in payload")
	assert.True(t, payload["./lib/modules/6.9.0-test/"], "module tree in payload")
	assert.True(t, payload["./lib/modules/6.9.0-test/kernel/fs/ext4.ko"])
}

func TestRunRemovesWorkDirItCreated(t *testing.T) {
	e := newEnv(t)

	_, err := e.builder.Run(context.Background(), e.opts)
	require.NoError(t, err)
	assert.NoDirExists(t, e.workDir)
}

func TestRunKeepsExistingWorkDir(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.MkdirAll(e.workDir, 0o755))

	_, err := e.builder.Run(context.Background(), e.opts)
	require.NoError(t, err)
	assert.DirExists(t, e.workDir)
	e.assertNoLeftovers(t)
}

func TestRunIsReproducible(t *testing.T) {
	e := newEnv(t)

	first, err := e.builder.Run(context.Background(), e.opts)
	require.NoError(t, err)
	a, err := os.ReadFile(first.ArtifactPath)
	require.NoError(t, err)

	e.opts.OutputDir = t.TempDir()
	second, err := e.builder.Run(context.Background(), e.opts)
	require.NoError(t, err)
	b, err := os.ReadFile(second.ArtifactPath)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, a, b)
}

func TestRunMissingRootfs(t *testing.T) {
	e := newEnv(t)
	e.mounter.populate[mount.FSTypeISO] = func(dir string) error {
		return writeFiles(dir, map[string]string{"sysresccd/boot/x86_64/vmlinuz": "kernel image"})
	}

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindDiscovery, errors.KindOf(err))
	assert.Contains(t, err.Error(), "airootfs.sfs")

	assert.Equal(t, []string{"iso"}, e.mounter.unmounted)
	e.assertNoLeftovers(t)
	assert.NoFileExists(t, filepath.Join(e.outDir, scenarioArtifact))
}

func TestRunRootfsForOtherArch(t *testing.T) {
	e := newEnv(t)
	e.opts.Arch = "arm64"

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindDiscovery, errors.KindOf(err))
}

func TestRunPathHintOverride(t *testing.T) {
	e := newEnv(t)
	e.mounter.populate[mount.FSTypeISO] = func(dir string) error {
		return writeFiles(dir, map[string]string{
			"boot/vmlinuz":        "kernel image",
			"live/filesystem.sfs": "squashfs",
		})
	}
	e.opts.Rootfs.Name = "filesystem.sfs"
	e.opts.Rootfs.PathHint = "/live/"

	res, err := e.builder.Run(context.Background(), e.opts)
	require.NoError(t, err)
	assert.Equal(t, scenarioArtifact, filepath.Base(res.ArtifactPath))
}

func TestRunNoModules(t *testing.T) {
	e := newEnv(t)
	e.mounter.populate[mount.FSTypeSquashfs] = func(dir string) error {
		return writeFiles(dir, map[string]string{"etc/hostname": "sysrescue"})
	}

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindDiscovery, errors.KindOf(err))
	assert.Equal(t, []string{"rootfs", "iso"}, e.mounter.unmounted)
	e.assertNoLeftovers(t)
}

func TestRunUnsafeVersion(t *testing.T) {
	e := newEnv(t)
	e.mounter.populate[mount.FSTypeSquashfs] = func(dir string) error {
		return writeFiles(dir, map[string]string{"lib/modules/6.9.0 $(reboot)/modules.dep": ""})
	}

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindDiscovery, errors.KindOf(err))
	e.assertNoLeftovers(t)
}

func TestRunInnerMountFailure(t *testing.T) {
	e := newEnv(t)
	e.mounter.fail[mount.FSTypeSquashfs] = errors.Mount("filesystem type squashfs is not supported by the running kernel")

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindMount, errors.KindOf(err))
	assert.Contains(t, err.Error(), "not supported by the running kernel")
	assert.Equal(t, []string{"iso"}, e.mounter.unmounted)
	e.assertNoLeftovers(t)
}

func TestRunWithoutPrivilege(t *testing.T) {
	e := newEnv(t)
	e.builder.IsRoot = func() bool { return false }

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindUsage, errors.KindOf(err))
	assert.Empty(t, e.mounter.mounted)
	assert.NoDirExists(t, e.workDir)
}

func TestRunMissingImage(t *testing.T) {
	e := newEnv(t)
	e.opts.Source = filepath.Join(t.TempDir(), "missing.iso")

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindUsage, errors.KindOf(err))
	assert.NoDirExists(t, e.workDir)
}

func TestRunCancelled(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.builder.Run(ctx, e.opts)
	require.Error(t, err)
	assert.Empty(t, e.mounter.mounted)
	e.assertNoLeftovers(t)
}

func TestRunUnmountFailureKeepsPipelineError(t *testing.T) {
	e := newEnv(t)
	e.mounter.populate[mount.FSTypeSquashfs] = func(dir string) error { return nil }
	busy := &busyMounter{fakeMounter: e.mounter}
	e.builder.Mounter = busy

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindDiscovery, errors.KindOf(err))

	// the run directory stays because a mount point could not be released
	entries, rerr := os.ReadDir(e.workDir)
	require.NoError(t, rerr)
	assert.Len(t, entries, 1)
}

// busyMounter refuses to unmount the inner filesystem.
type busyMounter struct {
	*fakeMounter
}

func (b *busyMounter) Unmount(ctx context.Context, mountPath string) error {
	if filepath.Base(mountPath) == "rootfs" {
		return fmt.Errorf("umount: %s: target is busy", mountPath)
	}
	return b.fakeMounter.Unmount(ctx, mountPath)
}

func TestRunRecordsHistory(t *testing.T) {
	e := newEnv(t)
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "builds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	e.builder.History = repo

	res, err := e.builder.Run(context.Background(), e.opts)
	require.NoError(t, err)

	rec, err := repo.GetByRunID(context.Background(), res.RunID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, db.StatusBuilt, rec.Status)
	assert.Equal(t, "6.9.0-test", rec.KernelVersion)
	assert.Equal(t, res.ArtifactPath, rec.ArtifactPath)
	assert.Len(t, rec.ImageSHA256, 64)

	e.mounter.populate[mount.FSTypeSquashfs] = func(dir string) error { return nil }
	_, err = e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)

	builds, err := repo.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, db.StatusFailed, builds[0].Status)
	assert.NotEmpty(t, builds[0].ErrorMessage)
}

// fakeStorage serves downloads from memory and records uploads.
type fakeStorage struct {
	objects map[string][]byte
	uploads []string
	failPut bool
}

func (f *fakeStorage) Download(ctx context.Context, loc storage.Location, localPath string) (*storage.DownloadResult, error) {
	data, ok := f.objects[loc.String()]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", loc)
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return nil, err
	}
	return &storage.DownloadResult{LocalPath: localPath, SHA256: "feed", Size: int64(len(data))}, nil
}

func (f *fakeStorage) Upload(ctx context.Context, localPath string, loc storage.Location) error {
	if f.failPut {
		return fmt.Errorf("AccessDenied")
	}
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	f.uploads = append(f.uploads, loc.String())
	return nil
}

func TestRunRemoteSourceAndUpload(t *testing.T) {
	e := newEnv(t)
	store := &fakeStorage{objects: map[string][]byte{
		"s3://isos/systemrescue-11.01-amd64.iso": []byte("iso9660"),
	}}
	e.builder.Storage = store
	e.opts.Source = "s3://isos/systemrescue-11.01-amd64.iso"
	e.opts.Upload = "s3://debs/pool/"

	res, err := e.builder.Run(context.Background(), e.opts)
	require.NoError(t, err)

	assert.Equal(t, "s3://debs/pool/"+scenarioArtifact, res.Uploaded)
	assert.Equal(t, []string{res.Uploaded}, store.uploads)
	e.assertNoLeftovers(t)
}

func TestRunRemoteSourceMissing(t *testing.T) {
	e := newEnv(t)
	e.builder.Storage = &fakeStorage{objects: map[string][]byte{}}
	e.opts.Source = "s3://isos/missing.iso"

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindDiscovery, errors.KindOf(err))
	assert.Empty(t, e.mounter.mounted)
	e.assertNoLeftovers(t)
}

func TestRunUploadFailure(t *testing.T) {
	e := newEnv(t)
	e.builder.Storage = &fakeStorage{failPut: true}
	e.opts.Upload = "s3://debs"

	_, err := e.builder.Run(context.Background(), e.opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindBuild, errors.KindOf(err))
	assert.FileExists(t, filepath.Join(e.outDir, scenarioArtifact), "artifact stays on disk")
}

func TestValidateInput(t *testing.T) {
	image := filepath.Join(t.TempDir(), "image.iso")
	require.NoError(t, os.WriteFile(image, []byte("x"), 0o644))
	root := func() bool { return true }
	user := func() bool { return false }

	tests := []struct {
		name    string
		args    []string
		isRoot  func() bool
		wantErr bool
	}{
		{"image", []string{image}, root, false},
		{"image and output", []string{image, t.TempDir()}, root, false},
		{"s3 source", []string{"s3://isos/image.iso"}, root, false},
		{"no args", nil, root, true},
		{"too many", []string{image, "out", "extra"}, root, true},
		{"not root", []string{image}, user, true},
		{"missing", []string{image + ".missing"}, root, true},
		{"directory", []string{filepath.Dir(image)}, root, true},
		{"s3 without key", []string{"s3://isos"}, root, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInput(tt.args, tt.isRoot)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errors.KindUsage, errors.KindOf(err))
		})
	}
}

func TestStagesOrder(t *testing.T) {
	assert.Equal(t, StageValidate, Stages[0])
	assert.Equal(t, StageCleanup, Stages[len(Stages)-1])
}
