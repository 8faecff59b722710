package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Hypervisor connection
	LibvirtSocket string `mapstructure:"libvirt-socket"`

	// Working directory for delta files and memory state. Empty means
	// deltas are placed beside the original disk images.
	Workdir string `mapstructure:"workdir"`

	// Snapshot behavior
	DiskOnly bool `mapstructure:"disk-only"`
	Quiesce  bool `mapstructure:"quiesce"`

	// Block job polling
	PollInterval time.Duration `mapstructure:"poll-interval"`

	// Commit deadline. Zero keeps the poll loop unbounded.
	CommitTimeout time.Duration `mapstructure:"commit-timeout"`

	// Run catalog
	SQLitePath string `mapstructure:"sqlite-path"`

	// Optional artifact upload
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Overwrite existing backup artifacts
	Overwrite bool `mapstructure:"overwrite"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("libvirt-socket", "")
	viper.SetDefault("workdir", "")
	viper.SetDefault("disk-only", true)
	viper.SetDefault("quiesce", false)
	viper.SetDefault("poll-interval", 10*time.Second)
	viper.SetDefault("commit-timeout", time.Duration(0))
	viper.SetDefault("sqlite-path", ".artifacts/vmclone.db")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("overwrite", false)

	// Environment variables (VMCLONE_WORKDIR, etc.)
	viper.SetEnvPrefix("VMCLONE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.vmclone")

	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.CommitTimeout < 0 {
		return fmt.Errorf("commit-timeout must be non-negative")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if !c.DiskOnly && c.Workdir == "" {
		return fmt.Errorf("memory capture (disk-only=false) requires a workdir")
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return fmt.Errorf("s3-region cannot be empty when s3-bucket is set")
	}
	return nil
}
