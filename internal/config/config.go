package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Working directory, every run gets its own subdirectory
	WorkDir string `mapstructure:"work-dir" validate:"required"`

	// Package identity
	Suffix     string `mapstructure:"suffix" validate:"required,lowercase,alphanum"`
	Arch       string `mapstructure:"arch" validate:"omitempty,lowercase,alphanum"`
	Maintainer string `mapstructure:"maintainer" validate:"required"`

	// Where the kernel and the root filesystem live inside the image
	KernelName     string `mapstructure:"kernel-name" validate:"required"`
	KernelPathHint string `mapstructure:"kernel-path-hint"`
	RootfsName     string `mapstructure:"rootfs-name" validate:"required"`
	RootfsPathHint string `mapstructure:"rootfs-path-hint"`

	Archiver string `mapstructure:"archiver" validate:"oneof=dpkg-deb native"`

	// Build history, empty disables it
	HistoryDB string `mapstructure:"history-db"`

	// S3 configuration
	S3Region    string `mapstructure:"s3-region" validate:"required"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`
	Upload      string `mapstructure:"upload" validate:"omitempty,startswith=s3://"`

	// Security limits
	MaxFileSize  int64 `mapstructure:"max-file-size" validate:"gt=0"`
	MaxTotalSize int64 `mapstructure:"max-total-size" validate:"gt=0,gtefield=MaxFileSize"`

	Verbose bool `mapstructure:"verbose"`
}

// Size limits for copied module trees. Typed so they fit on 32-bit targets.
const (
	DefaultMaxFileSize  int64 = 1 << 30
	DefaultMaxTotalSize int64 = 8 << 30
)

// SetDefaults registers the default of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("work-dir", "/var/tmp/rescue-kernel-deb")
	v.SetDefault("suffix", "sysrescue")
	v.SetDefault("arch", "")
	v.SetDefault("maintainer", "rescue-kernel-deb <root@localhost>")
	v.SetDefault("kernel-name", "vmlinuz")
	v.SetDefault("kernel-path-hint", "")
	v.SetDefault("rootfs-name", "airootfs.sfs")
	v.SetDefault("rootfs-path-hint", "")
	v.SetDefault("archiver", "dpkg-deb")
	v.SetDefault("history-db", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-anonymous", false)
	v.SetDefault("upload", "")
	v.SetDefault("max-file-size", DefaultMaxFileSize)
	v.SetDefault("max-total-size", DefaultMaxTotalSize)
	v.SetDefault("verbose", false)
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load on an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (RKD_WORK_DIR, RKD_SUFFIX, etc.)
	v.SetEnvPrefix("RKD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.rescue-kernel-deb")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check", fieldKey(fe.StructField()), fe.Tag())
		}
		return err
	}
	return nil
}

// fieldKey maps a struct field back to its configuration key.
func fieldKey(field string) string {
	keys := map[string]string{
		"WorkDir":        "work-dir",
		"Suffix":         "suffix",
		"Arch":           "arch",
		"Maintainer":     "maintainer",
		"KernelName":     "kernel-name",
		"KernelPathHint": "kernel-path-hint",
		"RootfsName":     "rootfs-name",
		"RootfsPathHint": "rootfs-path-hint",
		"Archiver":       "archiver",
		"HistoryDB":      "history-db",
		"S3Region":       "s3-region",
		"Upload":         "upload",
		"MaxFileSize":    "max-file-size",
		"MaxTotalSize":   "max-total-size",
	}
	if k, ok := keys[field]; ok {
		return k
	}
	return field
}
