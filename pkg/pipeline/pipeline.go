// Package pipeline runs one build: it mounts a live image, finds the kernel
// and its modules and turns them into a Debian package.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rs/xid"

	"github.com/sysrescue/rescue-kernel-deb/pkg/cleanup"
	"github.com/sysrescue/rescue-kernel-deb/pkg/db"
	"github.com/sysrescue/rescue-kernel-deb/pkg/debian"
	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
	"github.com/sysrescue/rescue-kernel-deb/pkg/kernel"
	"github.com/sysrescue/rescue-kernel-deb/pkg/layout"
	"github.com/sysrescue/rescue-kernel-deb/pkg/mount"
	"github.com/sysrescue/rescue-kernel-deb/pkg/security"
	"github.com/sysrescue/rescue-kernel-deb/pkg/staging"
	"github.com/sysrescue/rescue-kernel-deb/pkg/storage"
)

// Mount point names inside a run directory.
const (
	outerMountName = "iso"
	innerMountName = "rootfs"
)

// Storage is the subset of the S3 client a build uses.
type Storage interface {
	Download(ctx context.Context, loc storage.Location, localPath string) (*storage.DownloadResult, error)
	Upload(ctx context.Context, localPath string, loc storage.Location) error
}

// Options describe one build request.
type Options struct {
	// Source is a local image path or an s3://bucket/key URL.
	Source string
	// OutputDir receives the .deb, it is created when missing.
	OutputDir string
	// WorkDir holds the per-run scratch directory.
	WorkDir string

	Suffix     string
	Arch       string
	Maintainer string

	// Kernel and Rootfs override the default locate rules field by field.
	Kernel layout.Matcher
	Rootfs layout.Matcher

	// Upload is an s3://bucket/prefix the artifact is copied to, empty skips it.
	Upload string
}

// Result describes a finished build.
type Result struct {
	RunID        string
	Package      debian.Package
	ArtifactPath string
	// Uploaded is the object URL when the artifact was published.
	Uploaded string
}

// Builder wires the collaborators of a build. History and Storage are optional.
type Builder struct {
	Mounter   mount.Mounter
	Archiver  debian.Archiver
	Validator *security.Validator
	History   *db.Repository
	Storage   Storage
	IsRoot    func() bool
}

// run is the state of a single Run call.
type run struct {
	*Builder
	id     string
	opts   Options
	guard  *cleanup.Guard
	record *db.Build

	dir         string
	image       string
	outerMount  string
	kernelImage string
	rootfsImage string
	innerMount  string
	res         *kernel.Resolution
	pkg         debian.Package
	tree        *staging.Tree
	outPath     string
	uploaded    string
}

// Run executes every stage in order. Whatever was acquired is released before
// Run returns, on success, failure and cancellation alike.
func (b *Builder) Run(ctx context.Context, opts Options) (result *Result, err error) {
	r := &run{
		Builder: b,
		id:      xid.New().String(),
		opts:    opts,
		guard:   cleanup.New(),
	}
	log := slog.With("run_id", r.id)
	log.Info("build_start", "source", opts.Source)

	defer func() {
		r.stage(StageCleanup)
		if releaseErr := r.guard.Release(ctx); releaseErr != nil {
			if err == nil {
				result = nil
				err = errors.Build("cleanup failed: %v", releaseErr)
			} else {
				log.Error("cleanup_failed", "error", releaseErr)
			}
		}
		r.finishRecord(ctx, err)
		if err != nil {
			log.Error("build_failed", "kind", errors.KindOf(err).String(), "error", err)
		}
	}()

	steps := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageValidate, r.validate},
		{StageMountOuter, r.mountOuter},
		{StageLocate, r.locate},
		{StageMountInner, r.mountInner},
		{StageResolveVersion, r.resolveVersion},
		{StageStageTree, r.stageTree},
		{StageGenerateMetadata, r.generateMetadata},
		{StageBuildArchive, r.buildArchive},
		{StagePublish, r.publish},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, errors.Build("interrupted before %s: %v", s.stage, err)
		}
		r.stage(s.stage)
		if err := s.fn(ctx); err != nil {
			return nil, err
		}
	}

	log.Info("build_complete", "artifact", r.outPath, "package", r.pkg.Name())
	return &Result{
		RunID:        r.id,
		Package:      r.pkg,
		ArtifactPath: r.outPath,
		Uploaded:     r.uploaded,
	}, nil
}

func (r *run) stage(s Stage) {
	slog.Info("pipeline_stage", "run_id", r.id, "stage", string(s))
}

// validate checks privilege and the source image. Local images are checked
// before the run directory exists so a rejected command line leaves nothing
// behind.
func (r *run) validate(ctx context.Context) error {
	if err := CheckPrivilege(r.IsRoot); err != nil {
		return err
	}

	remote := storage.IsURL(r.opts.Source)
	if !remote {
		if err := CheckImage(r.opts.Source); err != nil {
			return err
		}
		r.image = r.opts.Source
	}

	if err := r.makeRunDir(); err != nil {
		return err
	}

	var sum string
	if remote {
		loc, err := storage.ParseURL(r.opts.Source, false)
		if err != nil {
			return err
		}
		if r.Storage == nil {
			return errors.Usage("%s needs S3 access, which is not configured", r.opts.Source)
		}
		local := filepath.Join(r.dir, "source-"+filepath.Base(loc.Key))
		dl, err := r.Storage.Download(ctx, loc, local)
		if err != nil {
			return errors.Discovery("failed to download %s: %v", loc, err)
		}
		if err := CheckImage(local); err != nil {
			return err
		}
		r.image, sum = local, dl.SHA256
	}

	if r.opts.Arch == "" {
		r.opts.Arch = debian.HostArch(ctx)
	}
	r.startRecord(ctx, sum)
	return nil
}

// makeRunDir creates the scratch directory of this run and locks it against
// a concurrent sweep. Its removal refuses to descend into mount points that
// are still attached. A work directory this run had to create is removed
// again when nothing else is left in it.
func (r *run) makeRunDir() error {
	workDir := r.opts.WorkDir
	if _, err := os.Stat(workDir); os.IsNotExist(err) {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return errors.Build("failed to create work directory: %v", err)
		}
		r.guard.Push("work dir "+workDir, func(context.Context) error {
			return removeIfEmpty(workDir)
		})
	}

	dir, err := os.MkdirTemp(workDir, "run-"+r.id+"-")
	if err != nil {
		return errors.Build("failed to create run directory: %v", err)
	}
	unlock, err := lockRun(dir)
	if err != nil {
		os.Remove(dir)
		return errors.Build("failed to lock run directory: %v", err)
	}
	r.dir = dir
	r.guard.Push("lock "+dir, func(context.Context) error { return unlock() })
	r.guard.Push("dir "+dir, func(context.Context) error {
		return removeRunDir(dir, outerMountName, innerMountName)
	})
	return nil
}

func removeIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return nil
	}
	return os.Remove(dir)
}

func removeRunDir(dir string, mountNames ...string) error {
	for _, name := range mountNames {
		if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
			return fmt.Errorf("left %s in place, %s is still mounted", dir, name)
		}
	}
	return os.RemoveAll(dir)
}

func (r *run) attach(ctx context.Context, name, source, fsType string) (string, error) {
	p, err := mount.Attach(ctx, r.Mounter, r.guard, r.dir, name, source, fsType)
	if err != nil {
		if errors.KindOf(err) == errors.KindUnknown {
			return "", errors.Mount("failed to mount %s: %v", source, err)
		}
		return "", err
	}
	return p, nil
}

func (r *run) mountOuter(ctx context.Context) error {
	p, err := r.attach(ctx, outerMountName, r.image, mount.FSTypeISO)
	r.outerMount = p
	return err
}

func (r *run) mountInner(ctx context.Context) error {
	p, err := r.attach(ctx, innerMountName, r.rootfsImage, mount.FSTypeSquashfs)
	r.innerMount = p
	return err
}

// matchers merges the configured overrides into the defaults for the target
// architecture.
func (r *run) matchers() (kernelMatch, rootfsMatch layout.Matcher) {
	kernelMatch, rootfsMatch = layout.DefaultMatchers(r.opts.Arch)
	override := func(m *layout.Matcher, o layout.Matcher) {
		if o.Name != "" {
			m.Name = o.Name
		}
		if o.PathHint != "" {
			m.PathHint = o.PathHint
		}
	}
	override(&kernelMatch, r.opts.Kernel)
	override(&rootfsMatch, r.opts.Rootfs)
	return kernelMatch, rootfsMatch
}

// locate finds the kernel image and the rootfs image on the outer mount.
func (r *run) locate(context.Context) error {
	kernelMatch, rootfsMatch := r.matchers()

	kernelImage, err := layout.Locate(r.outerMount, kernelMatch)
	if err != nil {
		return notFound(err, kernelMatch)
	}
	rootfsImage, err := layout.Locate(r.outerMount, rootfsMatch)
	if err != nil {
		return notFound(err, rootfsMatch)
	}

	r.kernelImage, r.rootfsImage = kernelImage, rootfsImage
	return nil
}

func notFound(err error, m layout.Matcher) error {
	if errors.Is(err, layout.ErrNotFound) {
		return errors.Discovery("%s %q not found under a path containing %q", m.Label, m.Name, m.PathHint)
	}
	return errors.Discovery("failed to search for %s: %v", m.Label, err)
}

func (r *run) resolveVersion(ctx context.Context) error {
	res, err := kernel.Resolve(r.innerMount)
	if err != nil {
		return err
	}
	if err := r.Validator.ValidateVersion(res.Version); err != nil {
		return errors.Discovery("unusable kernel version %q: %v", res.Version, err)
	}

	pkg := debian.Package{KernelVersion: res.Version, Suffix: r.opts.Suffix, Arch: r.opts.Arch}
	if err := r.Validator.ValidatePackageName(pkg.Name()); err != nil {
		return errors.Discovery("unusable package name: %v", err)
	}

	r.res = res
	r.pkg = pkg
	r.updateRecord(ctx, func(b *db.Build) {
		b.KernelVersion = res.Version
		b.PackageName = pkg.Name()
	})
	return nil
}

func (r *run) stageTree(ctx context.Context) error {
	if err := r.res.Verify(); err != nil {
		return err
	}
	tree, err := staging.Build(ctx, staging.Options{
		WorkDir:       r.dir,
		Package:       r.pkg,
		KernelImage:   r.kernelImage,
		ModuleDir:     r.res.ModuleDir,
		PreserveOwner: r.IsRoot != nil && r.IsRoot(),
	}, r.Validator)
	if err != nil {
		return err
	}
	r.tree = tree
	return nil
}

func (r *run) generateMetadata(context.Context) error {
	size, err := r.tree.InstalledSize()
	if err != nil {
		return errors.Build("failed to measure package payload: %v", err)
	}
	c := debian.Control{Package: r.pkg, Maintainer: r.opts.Maintainer, InstalledSize: size}
	if _, err := debian.WriteControl(r.tree.Root, c); err != nil {
		return errors.Build("failed to write control file: %v", err)
	}
	if _, err := debian.WriteHooks(r.tree.Root, r.pkg); err != nil {
		return errors.Build("failed to write maintainer scripts: %v", err)
	}
	if err := r.tree.Seal(); err != nil {
		return errors.Build("%v", err)
	}
	return nil
}

func (r *run) buildArchive(ctx context.Context) error {
	outputDir := r.opts.OutputDir
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Build("failed to create output directory: %v", err)
	}
	out := filepath.Join(outputDir, r.pkg.ArtifactName())
	if err := r.Archiver.Build(ctx, r.tree.Root, out, r.tree.Epoch); err != nil {
		if errors.KindOf(err) == errors.KindUnknown {
			return errors.Build("%s archiver: %v", r.Archiver.Name(), err)
		}
		return err
	}
	r.outPath = out
	return nil
}

func (r *run) publish(ctx context.Context) error {
	if r.opts.Upload == "" {
		return nil
	}
	if r.Storage == nil {
		return errors.Build("upload to %s requested but S3 access is not configured", r.opts.Upload)
	}
	prefix, err := storage.ParseURL(r.opts.Upload, true)
	if err != nil {
		return err
	}
	loc := prefix.Join(filepath.Base(r.outPath))
	if err := r.Storage.Upload(ctx, r.outPath, loc); err != nil {
		return errors.Build("failed to upload %s: %v", r.outPath, err)
	}
	r.uploaded = loc.String()
	return nil
}

// startRecord writes the pending history row. History is best effort, a
// broken database never fails a build.
func (r *run) startRecord(ctx context.Context, sum string) {
	if r.History == nil {
		return
	}
	if sum == "" {
		var err error
		if sum, err = fileSHA256(r.image); err != nil {
			slog.Warn("image_checksum_failed", "run_id", r.id, "error", err)
		}
	}
	b := &db.Build{
		RunID:       r.id,
		ImagePath:   r.opts.Source,
		ImageSHA256: sum,
		Status:      db.StatusPending,
	}
	if err := r.History.Create(ctx, b); err != nil {
		slog.Warn("history_record_failed", "run_id", r.id, "error", err)
		return
	}
	r.record = b
	r.updateRecord(ctx, func(b *db.Build) { b.Status = db.StatusBuilding })
}

func (r *run) updateRecord(ctx context.Context, mutate func(*db.Build)) {
	if r.History == nil || r.record == nil {
		return
	}
	mutate(r.record)
	if err := r.History.Update(context.WithoutCancel(ctx), r.record); err != nil {
		slog.Warn("history_update_failed", "run_id", r.id, "error", err)
	}
}

func (r *run) finishRecord(ctx context.Context, err error) {
	r.updateRecord(ctx, func(b *db.Build) {
		if err != nil {
			b.Status = db.StatusFailed
			b.ErrorMessage = err.Error()
			return
		}
		b.Status = db.StatusBuilt
		b.ArtifactPath = r.outPath
	})
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
