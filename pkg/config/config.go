// Package config loads loom runtime configuration from a TOML file.
// Missing file or fields fall back to defaults, so a bare `loom init` works
// with no config at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the loom runtime configuration.
type Config struct {
	// DBPath is the SQLite database path.
	DBPath string `toml:"db_path"`
	// BlobDir is the directory for offloaded payloads and attachments.
	BlobDir string `toml:"blob_dir"`
	// PlansDir holds workflow plan YAML files.
	PlansDir string `toml:"plans_dir"`
	// InlinePayloadLimit is the event payload size in bytes above which
	// the body is offloaded to the object store.
	InlinePayloadLimit int64 `toml:"inline_payload_limit"`

	Admission AdmissionConfig `toml:"admission"`
}

// AdmissionConfig tunes the run admission queue, including the recovery
// policy for stale running items.
type AdmissionConfig struct {
	// LeaseTimeoutSeconds is how long a running item may go without a
	// heartbeat before the reaper acts on it.
	LeaseTimeoutSeconds int `toml:"lease_timeout_seconds"`
	// MaxAttempts caps requeues before a stale item fails.
	MaxAttempts int `toml:"max_attempts"`
	// Recovery is "requeue" or "fail".
	Recovery string `toml:"recovery"`
}

// LeaseTimeout returns the lease timeout as a duration.
func (a AdmissionConfig) LeaseTimeout() time.Duration {
	return time.Duration(a.LeaseTimeoutSeconds) * time.Second
}

// DefaultDir returns the default loom home directory (~/.loom).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

// Default returns the built-in configuration rooted at dir.
func Default(dir string) Config {
	return Config{
		DBPath:             filepath.Join(dir, "ledger.db"),
		BlobDir:            filepath.Join(dir, "blobs"),
		PlansDir:           filepath.Join(dir, "plans"),
		InlinePayloadLimit: 64 * 1024,
		Admission: AdmissionConfig{
			LeaseTimeoutSeconds: 90,
			MaxAttempts:         3,
			Recovery:            "requeue",
		},
	}
}

// Load reads loom.toml from dir, layering it over the defaults. A missing
// file is not an error.
func Load(dir string) (Config, error) {
	cfg := Default(dir)

	path := filepath.Join(dir, "loom.toml")
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(dir), nil
}

func (c Config) withDefaults(dir string) Config {
	def := Default(dir)
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.BlobDir == "" {
		c.BlobDir = def.BlobDir
	}
	if c.PlansDir == "" {
		c.PlansDir = def.PlansDir
	}
	if c.InlinePayloadLimit == 0 {
		c.InlinePayloadLimit = def.InlinePayloadLimit
	}
	if c.Admission.LeaseTimeoutSeconds == 0 {
		c.Admission.LeaseTimeoutSeconds = def.Admission.LeaseTimeoutSeconds
	}
	if c.Admission.MaxAttempts == 0 {
		c.Admission.MaxAttempts = def.Admission.MaxAttempts
	}
	if c.Admission.Recovery == "" {
		c.Admission.Recovery = def.Admission.Recovery
	}
	return c
}
