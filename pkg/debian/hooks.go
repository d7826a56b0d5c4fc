package debian

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
)

// Attempt is one way of carrying out a hook step.
type Attempt struct {
	// Requires names a command that must be on PATH for this attempt to run.
	// Empty means the attempt always runs.
	Requires string
	// Run is the shell command line, it may reference $KVER and $SUFFIX.
	Run string
}

// Step is a best-effort unit of work in a maintainer script. The first
// attempt whose required command exists is run; its failure is recorded and
// the script moves on.
type Step struct {
	Name     string
	Attempts []Attempt
}

// Hook is a maintainer script made of best-effort steps. It always exits 0.
type Hook struct {
	// Script is the maintainer script name, postinst or postrm.
	Script string
	Steps  []Step
}

// PostInstSteps regenerate module indexes, the initramfs, the convenience
// symlinks and the bootloader menu for the installed kernel.
func PostInstSteps() []Step {
	return []Step{
		{Name: "module index", Attempts: []Attempt{
			{Requires: "depmod", Run: `depmod -a "$KVER"`},
		}},
		{Name: "initramfs", Attempts: []Attempt{
			{Requires: "update-initramfs", Run: `if [ -e "/boot/initrd.img-$KVER" ]; then update-initramfs -u -k "$KVER"; else update-initramfs -c -k "$KVER"; fi`},
			{Requires: "dracut", Run: `dracut --force "/boot/initrd.img-$KVER" "$KVER"`},
		}},
		{Name: "kernel symlink", Attempts: []Attempt{
			{Run: `ln -sfn "vmlinuz-$KVER-$SUFFIX" "/boot/vmlinuz-$SUFFIX"`},
		}},
		{Name: "initramfs symlink", Attempts: []Attempt{
			{Run: `ln -sfn "initrd.img-$KVER" "/boot/initrd.img-$SUFFIX"`},
		}},
		bootloaderStep(),
	}
}

// PostRmSteps refresh the bootloader menu and drop symlinks left dangling.
func PostRmSteps() []Step {
	return []Step{
		{Name: "dangling symlinks", Attempts: []Attempt{
			{Run: `for l in "/boot/vmlinuz-$SUFFIX" "/boot/initrd.img-$SUFFIX"; do if [ -L "$l" ] && [ ! -e "$l" ]; then rm -f "$l"; fi; done`},
		}},
		bootloaderStep(),
	}
}

func bootloaderStep() Step {
	return Step{Name: "bootloader config", Attempts: []Attempt{
		{Requires: "update-grub", Run: `update-grub`},
		{Requires: "grub-mkconfig", Run: `grub-mkconfig -o /boot/grub/grub.cfg`},
	}}
}

var (
	stepNamePattern = regexp.MustCompile(`^[a-z][a-z ]*$`)
	commandPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9.+_-]*$`)
)

var hookHeader = template.Must(template.New("hook").Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/sh
# {{.Script}} for {{.Package.Name}}, generated by rescue-kernel-deb.
# Every step is best-effort: failures are reported and the script exits 0.
set +e

SUFFIX={{quote .Package.Suffix}}
FAILED=""

warn() {
	echo "{{.Package.Name}} {{.Script}}: warning: $*" >&2
}
`))

// versionBlock derives $KVER from the installed package name. Scripts whose
// steps never use $KVER do not carry it.
var versionBlock = template.Must(template.New("version").Parse(`
PKG="${DPKG_MAINTSCRIPT_PACKAGE:-{{.Package.Name}}}"
PKG="${PKG%%:*}"
REST="${PKG#{{.Prefix}}}"
KVER="${REST%-$SUFFIX}"

if [ "$REST" = "$PKG" ] || [ "$KVER" = "$REST" ] || [ -z "$KVER" ]; then
	warn "cannot derive the kernel version from package $PKG"
	exit 0
fi
`))

const hookFooter = `
if [ -n "$FAILED" ]; then
	warn "finished with failed steps:$FAILED"
fi
exit 0
`

// Guarded reports whether every attempt requires a command, so the rendered
// chain needs a closing else branch.
func (s Step) Guarded() bool {
	for _, a := range s.Attempts {
		if a.Requires == "" {
			return false
		}
	}
	return len(s.Attempts) > 0
}

// Tools lists the required commands of s.
func (s Step) Tools() string {
	var tools []string
	for _, a := range s.Attempts {
		if a.Requires != "" {
			tools = append(tools, a.Requires)
		}
	}
	return strings.Join(tools, ", ")
}

func (s Step) validate() error {
	if !stepNamePattern.MatchString(s.Name) {
		return fmt.Errorf("step name %q must be lowercase words", s.Name)
	}
	if len(s.Attempts) == 0 {
		return fmt.Errorf("step %q has no attempts", s.Name)
	}
	if !s.Guarded() && len(s.Attempts) != 1 {
		return fmt.Errorf("step %q: an unguarded attempt must be the only one", s.Name)
	}
	for _, a := range s.Attempts {
		if a.Requires != "" && !commandPattern.MatchString(a.Requires) {
			return fmt.Errorf("step %q: invalid command name %q", s.Name, a.Requires)
		}
	}
	return nil
}

// render writes s as an if/elif chain over its attempts. A failing attempt is
// reported and appended to $FAILED.
func (s Step) render(w *bytes.Buffer) {
	record := fmt.Sprintf(`FAILED="$FAILED [%s]"`, s.Name)
	fmt.Fprintf(w, "\n# %s\n", s.Name)

	if !s.Guarded() {
		fmt.Fprintf(w, "%s || { warn \"%s failed\"; %s; }\n", s.Attempts[0].Run, s.Name, record)
		return
	}

	for i, a := range s.Attempts {
		keyword := "elif"
		if i == 0 {
			keyword = "if"
		}
		fmt.Fprintf(w, "%s command -v %s >/dev/null 2>&1; then\n", keyword, a.Requires)
		fmt.Fprintf(w, "\t%s || { warn \"%s: %s failed\"; %s; }\n", a.Run, s.Name, a.Requires, record)
	}
	fmt.Fprintf(w, "else\n\twarn \"%s: none of %s found, skipped\"\nfi\n", s.Name, s.Tools())
}

func (h Hook) usesVersion() bool {
	for _, s := range h.Steps {
		for _, a := range s.Attempts {
			if strings.Contains(a.Run, "$KVER") {
				return true
			}
		}
	}
	return false
}

// Render returns the maintainer script for pkg.
func (h Hook) Render(pkg Package) ([]byte, error) {
	for _, s := range h.Steps {
		if err := s.validate(); err != nil {
			return nil, err
		}
	}

	data := struct {
		Script  string
		Package Package
		Prefix  string
	}{h.Script, pkg, NamePrefix}

	var buf bytes.Buffer
	if err := hookHeader.Execute(&buf, data); err != nil {
		return nil, err
	}
	if h.usesVersion() {
		if err := versionBlock.Execute(&buf, data); err != nil {
			return nil, err
		}
	}
	for _, s := range h.Steps {
		s.render(&buf)
	}
	buf.WriteString(hookFooter)
	return buf.Bytes(), nil
}

// WriteHooks renders postinst and postrm into <stagingDir>/DEBIAN.
func WriteHooks(stagingDir string, pkg Package) ([]string, error) {
	hooks := []Hook{
		{Script: "postinst", Steps: PostInstSteps()},
		{Script: "postrm", Steps: PostRmSteps()},
	}

	if err := os.MkdirAll(filepath.Join(stagingDir, ControlDir), 0o755); err != nil {
		return nil, err
	}

	var paths []string
	for _, h := range hooks {
		data, err := h.Render(pkg)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", h.Script, err)
		}
		path := filepath.Join(stagingDir, ControlDir, h.Script)
		if err := writeFileMode(path, data, 0o755); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
