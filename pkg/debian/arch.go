package debian

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
)

// goArchToDebian maps GOARCH values to Debian architecture names.
var goArchToDebian = map[string]string{
	"amd64":    "amd64",
	"arm64":    "arm64",
	"386":      "i386",
	"arm":      "armhf",
	"ppc64le":  "ppc64el",
	"riscv64":  "riscv64",
	"s390x":    "s390x",
	"loong64":  "loong64",
	"mips64le": "mips64el",
}

// HostArch asks dpkg for the host architecture and falls back to the
// architecture this binary was built for.
func HostArch(ctx context.Context) string {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "dpkg", "--print-architecture")
	cmd.Stdout = &out
	if err := cmd.Run(); err == nil {
		if arch := strings.TrimSpace(out.String()); arch != "" {
			return arch
		}
	} else {
		slog.Debug("dpkg_arch_unavailable", "error", err)
	}
	return ArchFromGOARCH(runtime.GOARCH)
}

// ArchFromGOARCH maps a GOARCH value to a Debian architecture.
func ArchFromGOARCH(goarch string) string {
	if arch, ok := goArchToDebian[goarch]; ok {
		return arch
	}
	return goarch
}
