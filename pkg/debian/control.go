package debian

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Depends lists what the maintainer scripts call on the target system.
// Alternatives are separated by " | ".
var Depends = []string{
	"kmod",
	"initramfs-tools | dracut",
	"grub-common | grub2-common",
}

// Control is the DEBIAN/control record of a kernel package.
type Control struct {
	Package
	Maintainer string
	// InstalledSize is the payload size in KiB.
	InstalledSize int64
}

var controlTemplate = template.Must(template.New("control").Parse(`Package: {{.Name}}
Version: {{.Version}}
Section: kernel
Priority: optional
Architecture: {{.Arch}}
Maintainer: {{.Maintainer}}
Installed-Size: {{.InstalledSize}}
Depends: {{.DependsLine}}
Provides: linux-image
Description: Linux kernel {{.KernelVersion}} from a {{.Suffix}} rescue image
 This package contains the Linux kernel image {{.KernelVersion}} and its
 modules, repackaged from the {{.Suffix}} rescue system. The post-install
 hook builds an initramfs and refreshes the bootloader configuration.
`))

// DependsLine joins Depends for the control file.
func (c Control) DependsLine() string {
	return strings.Join(Depends, ", ")
}

// Render returns the control file contents.
func (c Control) Render() ([]byte, error) {
	var buf bytes.Buffer
	if err := controlTemplate.Execute(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteControl renders c into <stagingDir>/DEBIAN/control.
func WriteControl(stagingDir string, c Control) (string, error) {
	data, err := c.Render()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(stagingDir, ControlDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "control")
	return path, writeFileMode(path, data, 0o644)
}

// writeFileMode writes data and sets perm regardless of the process umask.
func writeFileMode(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return err
	}
	return os.Chmod(path, perm)
}
