package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		PollInterval: 10 * time.Second,
		SQLitePath:   ".artifacts/vmclone.db",
		DiskOnly:     true,
		S3Region:     "us-east-1",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "poll interval must be positive",
			mutate:  func(c *Config) { c.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "negative commit timeout",
			mutate:  func(c *Config) { c.CommitTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "empty sqlite path",
			mutate:  func(c *Config) { c.SQLitePath = "" },
			wantErr: true,
		},
		{
			name:    "memory capture without workdir",
			mutate:  func(c *Config) { c.DiskOnly = false },
			wantErr: true,
		},
		{
			name: "memory capture with workdir",
			mutate: func(c *Config) {
				c.DiskOnly = false
				c.Workdir = "/var/tmp/vmclone"
			},
		},
		{
			name: "bucket without region",
			mutate: func(c *Config) {
				c.S3Bucket = "backups"
				c.S3Region = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
