package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/lockfs/pkg/lock"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the backend implementations,
//     except for the paths needed to produce a usable config file
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyCoordinationDefaults(&cfg.Coordination)
	applyMetadataDefaults(&cfg.Metadata)
	applyContentDefaults(&cfg.Content)
	applyVFSDefaults(&cfg.VFS)
	applyMetricsDefaults(&cfg.Metrics)
}

// dataDir is where the default embedded databases and content live.
func dataDir() string {
	return filepath.Join(os.TempDir(), "lockfs")
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyCoordinationDefaults sets coordination and registry defaults.
func applyCoordinationDefaults(cfg *CoordinationConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	if cfg.Root == "" {
		cfg.Root = "/lockfs"
	}
	if cfg.Environment == "" {
		cfg.Environment = "default"
	}
	if cfg.Module == "" {
		cfg.Module = "vfs"
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = lock.DefaultTimeout
	}

	// Definitions without a module belong to the default one.
	for i := range cfg.Locks {
		if cfg.Locks[i].Module == "" {
			cfg.Locks[i].Module = cfg.Module
		}
	}

	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.ZooKeeper == nil {
		cfg.ZooKeeper = make(map[string]any)
	}
	if cfg.Redis == nil {
		cfg.Redis = make(map[string]any)
	}

	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = filepath.Join(dataDir(), "coord")
	}
	if _, ok := cfg.ZooKeeper["servers"]; !ok {
		cfg.ZooKeeper["servers"] = []string{"localhost:2181"}
	}
	if _, ok := cfg.Redis["addr"]; !ok {
		cfg.Redis["addr"] = "localhost:6379"
	}
}

// applyMetadataDefaults sets inode store defaults.
func applyMetadataDefaults(cfg *MetadataConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}

	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.Postgres == nil {
		cfg.Postgres = make(map[string]any)
	}

	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = filepath.Join(dataDir(), "metadata")
	}
	if _, ok := cfg.Postgres["table"]; !ok {
		cfg.Postgres["table"] = "inodes"
	}
}

// applyContentDefaults sets content driver defaults.
func applyContentDefaults(cfg *ContentConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Filesystem["root"]; !ok {
		cfg.Filesystem["root"] = filepath.Join(dataDir(), "content")
	}
	if _, ok := cfg.S3["region"]; !ok {
		cfg.S3["region"] = "us-east-1"
	}
}

// DefaultStaleAfter is how long a writer lock may go unrenewed before another
// host reclaims it. Open writers renew at a third of this.
const DefaultStaleAfter = 15 * time.Minute

// applyVFSDefaults sets write/commit defaults.
func applyVFSDefaults(cfg *VFSConfig) {
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(dataDir(), "staging")
	}
	cfg.Compression = strings.ToLower(cfg.Compression)

	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.Domains == nil {
		cfg.Domains = []string{}
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
