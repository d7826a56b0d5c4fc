// Package kernel derives the kernel release of a mounted root filesystem.
package kernel

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

// ModuleRoots are probed in order: merged-/usr layout first, then the legacy one.
var ModuleRoots = []string{"usr/lib/modules", "lib/modules"}

// Resolution is the outcome of probing a root filesystem.
type Resolution struct {
	// Version is the kernel release, the first module directory name.
	Version string
	// ModuleRoot is the module root (relative to the filesystem root) that held Version.
	ModuleRoot string
	// ModuleDir is the absolute path of the module tree to package.
	ModuleDir string
	// Candidates lists every version directory under ModuleRoot, sorted.
	Candidates []string
}

// Resolve finds the kernel release under rootfs. The first module root that
// has at least one subdirectory wins and its lexically first subdirectory is
// the version. The returned ModuleDir is the directory the package is built
// from, so version lookup and module copy always agree on the root.
func Resolve(rootfs string) (*Resolution, error) {
	for _, rel := range ModuleRoots {
		root := filepath.Join(rootfs, rel)
		versions, err := subdirectories(root)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Debug("module_root_missing", "root", root)
				continue
			}
			return nil, errors.Discovery("failed to read module root %s: %v", root, err)
		}
		if len(versions) == 0 {
			slog.Warn("module_root_empty", "root", root)
			continue
		}

		res := &Resolution{
			Version:    versions[0],
			ModuleRoot: rel,
			ModuleDir:  filepath.Join(root, versions[0]),
			Candidates: versions,
		}
		if len(versions) > 1 {
			slog.Warn("multiple_kernel_versions", "root", root, "versions", versions, "selected", res.Version)
		}
		checkShadowed(rootfs, res)

		slog.Info("kernel_version_resolved", "version", res.Version, "module_root", rel)
		return res, nil
	}

	return nil, errors.Discovery("no kernel module directory found under %s (looked in %v)", rootfs, ModuleRoots)
}

// Verify re-checks that the resolved module tree is still a directory right
// before it is copied.
func (r *Resolution) Verify() error {
	fi, err := os.Stat(r.ModuleDir)
	if err != nil {
		return errors.Discovery("module directory for %s not found: %v", r.Version, err)
	}
	if !fi.IsDir() {
		return errors.Discovery("module directory %s is not a directory", r.ModuleDir)
	}
	return nil
}

// checkShadowed warns when a later module root holds the same version in a
// different directory than the one selected.
func checkShadowed(rootfs string, res *Resolution) {
	selected, err := os.Stat(res.ModuleDir)
	if err != nil {
		return
	}
	for _, rel := range ModuleRoots {
		if rel == res.ModuleRoot {
			continue
		}
		other := filepath.Join(rootfs, rel, res.Version)
		fi, err := os.Stat(other)
		if err != nil || !fi.IsDir() {
			continue
		}
		if !os.SameFile(selected, fi) {
			slog.Warn("module_root_inconsistent",
				"version", res.Version,
				"selected", res.ModuleDir,
				"ignored", other)
		}
	}
}

func subdirectories(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
