package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/lockfs/pkg/lock"
	"github.com/spf13/viper"
)

// Config represents the complete lockfs configuration.
//
// This structure captures all configurable aspects of a lockfs node:
//   - Logging configuration
//   - Coordination backend and lock registry settings
//   - Inode store selection and configuration (store-specific)
//   - Content driver selection and configuration (driver-specific)
//   - Write/commit behavior of the file system facade
//   - Metrics exposure
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (LOCKFS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Backend sections follow the same pattern throughout: a Type field selects
// the implementation, and only the map named after it is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Coordination selects the lock backend and the registry namespace
	Coordination CoordinationConfig `mapstructure:"coordination" yaml:"coordination"`

	// Metadata specifies the inode store type and type-specific configuration
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`

	// Content specifies the content driver type and type-specific configuration
	Content ContentConfig `mapstructure:"content" yaml:"content"`

	// VFS controls staging, compression and orphan handling
	VFS VFSConfig `mapstructure:"vfs" yaml:"vfs"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// CoordinationConfig selects the coordination backend and the namespace the
// lock registry lives in.
//
// Lock definitions are stored under <root>/<environment>/locks/<module>/<name>.
type CoordinationConfig struct {
	// Type specifies which coordination backend to use
	// Valid values: badger, zookeeper, redis
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=badger zookeeper redis"`

	// Root is the namespace root shared by every node (e.g., "/lockfs")
	Root string `mapstructure:"root" yaml:"root" validate:"required,startswith=/"`

	// Environment separates deployments sharing one backend
	Environment string `mapstructure:"environment" yaml:"environment" validate:"required,excludes=/"`

	// Module is the default lock module, also used for path locks
	Module string `mapstructure:"module" yaml:"module" validate:"required,excludes=/"`

	// LockTimeout bounds every lock acquisition. Negative disables the bound.
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`

	// Locks lists definitions registered before the backend is read
	Locks []lock.LockDef `mapstructure:"locks" yaml:"locks,omitempty" validate:"dive"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// ZooKeeper contains ZooKeeper-specific configuration
	// Only used when Type = "zookeeper"
	ZooKeeper map[string]any `mapstructure:"zookeeper" yaml:"zookeeper"`

	// Redis contains Redis-specific configuration
	// Only used when Type = "redis"
	Redis map[string]any `mapstructure:"redis" yaml:"redis"`
}

// MetadataConfig specifies inode store configuration.
type MetadataConfig struct {
	// Type specifies which inode store implementation to use
	// Valid values: memory, badger, postgres
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger postgres"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// Postgres contains PostgreSQL-specific configuration
	// Only used when Type = "postgres"
	Postgres map[string]any `mapstructure:"postgres" yaml:"postgres"`
}

// ContentConfig specifies content driver configuration.
type ContentConfig struct {
	// Type specifies which content driver to use
	// Valid values: filesystem, memory, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=filesystem memory s3"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// VFSConfig controls the write/commit protocol.
type VFSConfig struct {
	// StagingDir holds staging files and materialized reads
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir" validate:"required"`

	// Compression is the codec applied to committed payloads
	// Valid values: "" (raw), gzip, zstd, snappy, brotli
	Compression string `mapstructure:"compression" yaml:"compression" validate:"omitempty,oneof=gzip zstd snappy brotli"`

	// CompressionLevel is passed to the codec; 0 selects its default
	CompressionLevel int `mapstructure:"compression_level" yaml:"compression_level"`

	// StaleAfter marks a writer lock orphaned after this long without
	// renewal. Open writers renew their lock, so only sessions whose process
	// died go stale. Default: 15m
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after" validate:"gte=0"`

	// ReconcileInterval is the period of the background orphan sweep run by
	// "lockfs serve". Zero disables the sweep.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval" validate:"gte=0"`

	// Domains lists the domains the background sweep visits
	Domains []string `mapstructure:"domains" yaml:"domains"`

	// Hostname overrides the host recorded in lock owners
	Hostname string `mapstructure:"hostname" yaml:"hostname,omitempty" validate:"excludes=/"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port of the metrics endpoint
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (LOCKFS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: LOCKFS_COORDINATION_TYPE=redis
	v.SetEnvPrefix("LOCKFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the scalar settings overridable from the environment.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"coordination.type",
	"coordination.root",
	"coordination.environment",
	"coordination.module",
	"coordination.lock_timeout",
	"metadata.type",
	"content.type",
	"vfs.staging_dir",
	"vfs.compression",
	"vfs.compression_level",
	"vfs.stale_after",
	"vfs.reconcile_interval",
	"vfs.hostname",
	"metrics.enabled",
	"metrics.port",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		// An explicit path that does not exist surfaces as a plain fs error.
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "lockfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "lockfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
