// Package debian renders the control data of a kernel package and turns a
// staging tree into a .deb archive.
package debian

import (
	"fmt"
	"strings"
)

const (
	// NamePrefix starts every generated package name.
	NamePrefix = "linux-image-"
	// Revision is the Debian revision appended to the kernel version.
	Revision = "1~local"
	// ControlDir is the staging subdirectory holding control files.
	ControlDir = "DEBIAN"
)

// Package identifies one generated kernel package.
type Package struct {
	// KernelVersion is the release found in the module tree, e.g. 6.9.0-test.
	KernelVersion string
	// Suffix marks where the kernel came from, e.g. sysrescue.
	Suffix string
	// Arch is the Debian architecture, e.g. amd64.
	Arch string
}

// Name returns linux-image-<version>-<suffix>.
func (p Package) Name() string {
	return NamePrefix + p.KernelVersion + "-" + p.Suffix
}

// Version returns the package version, <version>-1~local.
func (p Package) Version() string {
	return p.KernelVersion + "-" + Revision
}

// KernelFile returns the file name of the kernel image under /boot.
func (p Package) KernelFile() string {
	return "vmlinuz-" + p.KernelVersion + "-" + p.Suffix
}

// ArtifactName returns <name>_1~local_<arch>.deb.
func (p Package) ArtifactName() string {
	return fmt.Sprintf("%s_%s_%s.deb", p.Name(), Revision, p.Arch)
}

// ParseVersion recovers the kernel version from a package name built by
// Package.Name. It is the Go twin of the parameter expansion the maintainer
// scripts perform on $DPKG_MAINTSCRIPT_PACKAGE.
func ParseVersion(packageName, suffix string) (string, error) {
	// dpkg may hand over name:arch for multi-arch packages
	if i := strings.IndexByte(packageName, ':'); i >= 0 {
		packageName = packageName[:i]
	}
	rest, ok := strings.CutPrefix(packageName, NamePrefix)
	if !ok {
		return "", fmt.Errorf("package %q does not start with %q", packageName, NamePrefix)
	}
	version, ok := strings.CutSuffix(rest, "-"+suffix)
	if !ok {
		return "", fmt.Errorf("package %q does not end with %q", packageName, "-"+suffix)
	}
	if version == "" {
		return "", fmt.Errorf("package %q carries no kernel version", packageName)
	}
	return version, nil
}
