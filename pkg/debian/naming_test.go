package debian

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageNaming(t *testing.T) {
	p := Package{KernelVersion: "6.9.0-test", Suffix: "sysrescue", Arch: "amd64"}

	assert.Equal(t, "linux-image-6.9.0-test-sysrescue", p.Name())
	assert.Equal(t, "6.9.0-test-1~local", p.Version())
	assert.Equal(t, "vmlinuz-6.9.0-test-sysrescue", p.KernelFile())
	assert.Equal(t, "linux-image-6.9.0-test-sysrescue_1~local_amd64.deb", p.ArtifactName())
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		pkg     string
		want    string
		wantErr bool
	}{
		{"linux-image-6.9.0-test-sysrescue", "6.9.0-test", false},
		{"linux-image-6.6.32-1-lts-sysrescue", "6.6.32-1-lts", false},
		{"linux-image-6.9.0-test-sysrescue:amd64", "6.9.0-test", false},
		{"linux-image-sysrescue-sysrescue", "sysrescue", false},
		{"linux-image--sysrescue", "", true},
		{"linux-headers-6.9.0-sysrescue", "", true},
		{"linux-image-6.9.0-test-custom", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseVersion(tt.pkg, "sysrescue")
		if tt.wantErr {
			assert.Error(t, err, tt.pkg)
			continue
		}
		require.NoError(t, err, tt.pkg)
		assert.Equal(t, tt.want, got, tt.pkg)
	}
}

func TestParseVersionRoundTrip(t *testing.T) {
	for _, v := range []string{"6.9.0-test", "6.10.3-arch1-1", "5.15.0+rescue"} {
		p := Package{KernelVersion: v, Suffix: "sysrescue"}
		got, err := ParseVersion(p.Name(), p.Suffix)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestArchFromGOARCH(t *testing.T) {
	assert.Equal(t, "amd64", ArchFromGOARCH("amd64"))
	assert.Equal(t, "i386", ArchFromGOARCH("386"))
	assert.Equal(t, "armhf", ArchFromGOARCH("arm"))
	assert.Equal(t, "ppc64el", ArchFromGOARCH("ppc64le"))
	assert.Equal(t, "sparc64", ArchFromGOARCH("sparc64"))
}
