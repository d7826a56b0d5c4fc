package layout

// isoArchDirs maps Debian architectures to the directory names live images use.
var isoArchDirs = map[string]string{
	"amd64": "x86_64",
	"arm64": "aarch64",
	"i386":  "i686",
}

// ISOArchDir returns the per-architecture directory name for a Debian
// architecture, or the architecture itself when no mapping is known.
func ISOArchDir(debArch string) string {
	if dir, ok := isoArchDirs[debArch]; ok {
		return dir
	}
	return debArch
}

// DefaultMatchers returns the kernel and rootfs matchers for a SystemRescue
// style image built for debArch.
func DefaultMatchers(debArch string) (kernel, rootfs Matcher) {
	kernel = Matcher{Label: "kernel image", Name: "vmlinuz", PathHint: "/boot/"}
	rootfs = Matcher{Label: "rootfs image", Name: "airootfs.sfs", PathHint: "/" + ISOArchDir(debArch) + "/"}
	return kernel, rootfs
}
