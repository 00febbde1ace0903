package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return configPath
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "debug"

coordination:
  type: "redis"
  redis:
    addr: "redis:6379"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Coordination.Type != "redis" {
		t.Errorf("Expected coordination type 'redis', got %q", cfg.Coordination.Type)
	}
	if cfg.Coordination.Redis["addr"] != "redis:6379" {
		t.Errorf("Expected redis addr from file, got %v", cfg.Coordination.Redis["addr"])
	}
	if cfg.Coordination.Root != "/lockfs" {
		t.Errorf("Expected default root '/lockfs', got %q", cfg.Coordination.Root)
	}
	if cfg.Coordination.LockTimeout != 30*time.Second {
		t.Errorf("Expected default lock_timeout 30s, got %v", cfg.Coordination.LockTimeout)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A missing explicit path must not fall back to ~/.config/lockfs/.
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Content.Type != "filesystem" {
		t.Errorf("Expected default content type 'filesystem', got %q", cfg.Content.Type)
	}
	if cfg.Metadata.Type != "badger" {
		t.Errorf("Expected default metadata type 'badger', got %q", cfg.Metadata.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "logging: [unclosed")

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
coordination:
  type: "etcd"
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown coordination type")
	}
}

func TestLoad_DurationsAndLocks(t *testing.T) {
	configPath := writeConfig(t, `
coordination:
  lock_timeout: "2s"
  module: "jobs"
  locks:
    - name: "nightly"
      path: "/jobs/nightly"
    - module: "vfs"
      name: "d1%3A%2Fa"
vfs:
  compression: "ZSTD"
  compression_level: 3
  stale_after: "1h"
  reconcile_interval: "30s"
  domains: ["d1", "d2"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Coordination.LockTimeout != 2*time.Second {
		t.Errorf("Expected lock_timeout 2s, got %v", cfg.Coordination.LockTimeout)
	}
	if len(cfg.Coordination.Locks) != 2 {
		t.Fatalf("Expected 2 lock definitions, got %d", len(cfg.Coordination.Locks))
	}
	if cfg.Coordination.Locks[0].Module != "jobs" {
		t.Errorf("Expected lock without module to default to 'jobs', got %q", cfg.Coordination.Locks[0].Module)
	}
	if cfg.VFS.Compression != "zstd" {
		t.Errorf("Expected normalized compression 'zstd', got %q", cfg.VFS.Compression)
	}
	if cfg.VFS.StaleAfter != time.Hour {
		t.Errorf("Expected stale_after 1h, got %v", cfg.VFS.StaleAfter)
	}
	if len(cfg.VFS.Domains) != 2 {
		t.Errorf("Expected 2 domains, got %v", cfg.VFS.Domains)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "INFO"
`)

	t.Setenv("LOCKFS_LOGGING_LEVEL", "WARN")
	t.Setenv("LOCKFS_COORDINATION_ENVIRONMENT", "staging")
	t.Setenv("LOCKFS_VFS_STALE_AFTER", "5m")
	t.Setenv("LOCKFS_METRICS_ENABLED", "true")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected env level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Coordination.Environment != "staging" {
		t.Errorf("Expected env environment 'staging', got %q", cfg.Coordination.Environment)
	}
	if cfg.VFS.StaleAfter != 5*time.Minute {
		t.Errorf("Expected env stale_after 5m, got %v", cfg.VFS.StaleAfter)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Expected metrics enabled from env")
	}
}
