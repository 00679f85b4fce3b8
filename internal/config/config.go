// Package config loads and validates the per-mount blobfs configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by DefaultConfig.
const (
	DefaultBlockSize     = 1 << 20  // 1 MiB
	DefaultCacheCapacity = 1 << 30  // 1 GiB
	DefaultUploadWorkers = 4
	DefaultQueueDepth    = 256
	DefaultRetryAttempts = 8
)

// RemoteConfig selects and parameterizes the object-store backend.
type RemoteConfig struct {
	// Backend is "s3" or "local".
	Backend  string `yaml:"backend"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // optional custom endpoint (MinIO etc.)
	Prefix   string `yaml:"prefix"`   // key prefix within the bucket
	LocalDir string `yaml:"local_dir"` // backend=local: object directory
}

// UploadConfig tunes the write-back engine. The retry budget is deliberately
// configuration, not a constant: the right attempt count and backoff curve
// depend on the provider.
type UploadConfig struct {
	Workers           int           `yaml:"workers"`
	QueueDepth        int           `yaml:"queue_depth"`
	RetryAttempts     uint          `yaml:"retry_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
}

// GCConfig controls the periodic garbage-collection sweep.
type GCConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Config is the full mount configuration.
type Config struct {
	// CatalogPath is the SQLite metadata catalog file for this mount.
	CatalogPath string `yaml:"catalog_path"`

	// CacheDir holds cached block plaintext. Reconstructable from empty;
	// it is wiped on mount.
	CacheDir string `yaml:"cache_dir"`

	// CacheCapacity bounds the cache in bytes.
	CacheCapacity int64 `yaml:"cache_capacity"`

	// BlockSize is the fixed block size in bytes. Recorded in the catalog
	// at mkfs time; a mount with a different value is refused.
	BlockSize int64 `yaml:"block_size"`

	// MasterKeyHex is the 32-byte master encryption key, hex encoded.
	// Per-block keys are derived from it; it never leaves the process.
	MasterKeyHex string `yaml:"master_key"`

	Remote RemoteConfig `yaml:"remote"`
	Upload UploadConfig `yaml:"upload"`
	GC     GCConfig     `yaml:"gc"`
}

// DefaultConfig returns a config with all tunables at their defaults.
// CatalogPath, CacheDir, MasterKeyHex and the remote section must still be
// filled in by the caller or the config file.
func DefaultConfig() *Config {
	return &Config{
		CacheCapacity: DefaultCacheCapacity,
		BlockSize:     DefaultBlockSize,
		Remote: RemoteConfig{
			Backend: "s3",
		},
		Upload: UploadConfig{
			Workers:           DefaultUploadWorkers,
			QueueDepth:        DefaultQueueDepth,
			RetryAttempts:     DefaultRetryAttempts,
			RetryInitialDelay: 250 * time.Millisecond,
			RetryMaxDelay:     30 * time.Second,
		},
		GC: GCConfig{
			Enabled:  false,
			Interval: time.Hour,
		},
	}
}

// Load reads a YAML config file over DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog_path is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.CacheCapacity < c.BlockSize {
		return fmt.Errorf("cache_capacity (%d) must hold at least one block (%d)", c.CacheCapacity, c.BlockSize)
	}
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	switch c.Remote.Backend {
	case "s3":
		if c.Remote.Bucket == "" {
			return fmt.Errorf("remote.bucket is required for the s3 backend")
		}
	case "local":
		if c.Remote.LocalDir == "" {
			return fmt.Errorf("remote.local_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("unknown remote.backend %q", c.Remote.Backend)
	}
	if c.Upload.Workers <= 0 {
		return fmt.Errorf("upload.workers must be positive, got %d", c.Upload.Workers)
	}
	if c.Upload.QueueDepth <= 0 {
		return fmt.Errorf("upload.queue_depth must be positive, got %d", c.Upload.QueueDepth)
	}
	if c.Upload.RetryAttempts == 0 {
		return fmt.Errorf("upload.retry_attempts must be at least 1")
	}
	if c.GC.Enabled && c.GC.Interval <= 0 {
		return fmt.Errorf("gc.interval must be positive when gc is enabled")
	}
	return nil
}

// MasterKey decodes MasterKeyHex into the 32-byte master key.
func (c *Config) MasterKey() ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return key, fmt.Errorf("master_key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("master_key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
