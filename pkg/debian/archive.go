package debian

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

// Archiver kinds accepted by NewArchiver.
const (
	ArchiverDpkgDeb = "dpkg-deb"
	ArchiverNative  = "native"
)

// Archiver turns a staging tree into a .deb file.
type Archiver interface {
	// Build writes the package for stagingDir to outputPath. Entry timestamps
	// are clamped to epoch so rebuilding the same tree yields the same bytes.
	Build(ctx context.Context, stagingDir, outputPath string, epoch time.Time) error
	Name() string
}

// NewArchiver returns the archiver registered under kind.
func NewArchiver(kind string) (Archiver, error) {
	switch kind {
	case ArchiverDpkgDeb, "":
		return NewDpkgDeb()
	case ArchiverNative:
		return &Native{}, nil
	default:
		return nil, errors.Usage("unknown archiver %q (want %s or %s)", kind, ArchiverDpkgDeb, ArchiverNative)
	}
}

// DpkgDeb builds packages with dpkg-deb(1).
type DpkgDeb struct {
	bin string
}

// NewDpkgDeb locates dpkg-deb on PATH.
func NewDpkgDeb() (*DpkgDeb, error) {
	bin, err := exec.LookPath("dpkg-deb")
	if err != nil {
		return nil, errors.Build("dpkg-deb not found (install dpkg or use the native archiver): %v", err)
	}
	return &DpkgDeb{bin: bin}, nil
}

func (d *DpkgDeb) Name() string { return ArchiverDpkgDeb }

func (d *DpkgDeb) Build(ctx context.Context, stagingDir, outputPath string, epoch time.Time) error {
	slog.Info("dpkg_deb_build", "staging", stagingDir, "output", outputPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.bin, "--root-owner-group", "--build", stagingDir, outputPath)
	cmd.Env = append(os.Environ(), "SOURCE_DATE_EPOCH="+strconv.FormatInt(epoch.Unix(), 10))
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		slog.Error("dpkg_deb_failed", "error", err, "output", msg)
		os.Remove(outputPath)
		if msg == "" {
			msg = err.Error()
		}
		return errors.Build("dpkg-deb failed: %s", msg)
	}
	return nil
}
