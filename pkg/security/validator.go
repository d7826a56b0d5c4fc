package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	// versionPattern accepts kernel release names such as 6.9.0-arch1-1 or 6.6.32-1-lts.
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+_~-]*$`)
	// packagePattern follows Debian policy 5.6.1 for package names.
	packagePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.+-]+$`)
)

// Validator checks names and paths taken from an untrusted live image
type Validator struct {
	maxFileSize  int64
	maxTotalSize int64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a new security validator
func NewValidator(maxFileSize, maxTotalSize int64) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024)

	return &Validator{
		maxFileSize:  maxFileSize,
		maxTotalSize: maxTotalSize,
	}
}

// ValidateVersion checks that a kernel version token is a single, shell-safe path segment.
// The token ends up in file names and in generated maintainer scripts.
func (v *Validator) ValidateVersion(version string) error {
	if version == "" {
		slog.Error("security_version_validation_failed", "reason", "empty")
		return fmt.Errorf("security: kernel version is empty")
	}
	if version == "." || version == ".." || strings.ContainsRune(version, filepath.Separator) {
		slog.Error("security_version_validation_failed", "version", version, "reason", "path_segment")
		return fmt.Errorf("security: kernel version %q is not a single path segment", version)
	}
	if !versionPattern.MatchString(version) {
		slog.Error("security_version_validation_failed", "version", version, "reason", "unsafe_characters")
		return fmt.Errorf("security: kernel version %q contains unsafe characters", version)
	}
	return nil
}

// ValidatePackageName checks a Debian binary package name.
func (v *Validator) ValidatePackageName(name string) error {
	if !packagePattern.MatchString(name) {
		slog.Error("security_package_name_invalid", "package", name)
		return fmt.Errorf("security: %q is not a valid Debian package name", name)
	}
	return nil
}

// ValidatePath checks for path traversal attacks
// It validates paths relative to the root of a copied tree
func (v *Validator) ValidatePath(relPath string) error {
	// Reject absolute paths
	if filepath.IsAbs(relPath) {
		slog.Error("security_path_validation_failed", "path", relPath, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", relPath)
	}

	clean := filepath.Clean(relPath)

	// Reject paths that start with .. (escape current directory)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", relPath, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", relPath)
	}

	return nil
}

// ValidateSymlink validates a symlink target in the context of the symlink's location
// symlinkPath: where the symlink is located (e.g., "kernel/fs/foo.ko")
// targetPath: where the symlink points to (e.g., "../bar.ko")
func (v *Validator) ValidateSymlink(symlinkPath, targetPath string) error {
	// Absolute symlink targets are allowed, they resolve on the installed system
	// e.g., build -> /usr/src/linux-headers-6.9.0
	if filepath.IsAbs(targetPath) {
		slog.Debug("security_symlink_validated", "symlink", symlinkPath, "target", targetPath, "type", "absolute")
		return nil
	}

	// For relative symlink targets, resolve them in context of the symlink's directory
	symlinkDir := filepath.Dir(symlinkPath)
	cleanResolved := filepath.Clean(filepath.Join(symlinkDir, targetPath))

	// Check if the resolved path tries to escape the tree root
	// by counting directory depth from root
	parts := strings.Split(cleanResolved, string(filepath.Separator))
	depth := 0

	for _, part := range parts {
		if part == ".." {
			depth--
		} else if part != "" && part != "." {
			depth++
		}
	}

	// Negative depth means it escapes above root
	if depth < 0 {
		slog.Error("security_symlink_validation_failed",
			"symlink", symlinkPath,
			"target", targetPath,
			"resolved", cleanResolved,
			"depth", depth)
		return fmt.Errorf("security: path traversal detected: symlink %s -> %s resolves to %s",
			symlinkPath, targetPath, cleanResolved)
	}

	slog.Debug("security_symlink_validated", "symlink", symlinkPath, "target", targetPath, "type", "relative")
	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddCopiedSize tracks total copied size and checks against limit
func (v *Validator) AddCopiedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.currentTotalSize > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.maxTotalSize/1024/1024,
			"file_size_mb", size/1024/1024)
		return fmt.Errorf("security: total copied size %d exceeds max %d",
			v.currentTotalSize, v.maxTotalSize)
	}

	return nil
}

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// GetCurrentTotalSize returns the current total copied size
func (v *Validator) GetCurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
