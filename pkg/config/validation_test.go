package config

import (
	"strings"
	"testing"

	"github.com/marmos91/lockfs/pkg/lock"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_TagRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		tag    string
	}{
		{"invalid log level", func(c *Config) { c.Logging.Level = "TRACE" }, "oneof"},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }, "oneof"},
		{"unknown coordination type", func(c *Config) { c.Coordination.Type = "etcd" }, "oneof"},
		{"relative root", func(c *Config) { c.Coordination.Root = "lockfs" }, "startswith"},
		{"environment with slash", func(c *Config) { c.Coordination.Environment = "a/b" }, "excludes"},
		{"missing module", func(c *Config) { c.Coordination.Module = "" }, "required"},
		{"unknown metadata type", func(c *Config) { c.Metadata.Type = "sqlite" }, "oneof"},
		{"unknown content type", func(c *Config) { c.Content.Type = "gcs" }, "oneof"},
		{"unknown codec", func(c *Config) { c.VFS.Compression = "lz4" }, "oneof"},
		{"negative stale_after", func(c *Config) { c.VFS.StaleAfter = -1 }, "gte"},
		{"missing staging dir", func(c *Config) { c.VFS.StagingDir = "" }, "required"},
		{"hostname with slash", func(c *Config) { c.VFS.Hostname = "a/b" }, "excludes"},
		{"metrics port out of range", func(c *Config) { c.Metrics.Port = 70000 }, "max"},
		{"lock without name", func(c *Config) {
			c.Coordination.Locks = []lock.LockDef{{Module: "vfs"}}
		}, "required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), "'"+tt.tag+"'") {
				t.Errorf("Expected '%s' validation error, got: %v", tt.tag, err)
			}
		})
	}
}

func TestValidate_LowercaseLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "debug"

	if err := Validate(cfg); err != nil {
		t.Errorf("Lowercase log level should be accepted, got: %v", err)
	}
}

func TestValidate_DuplicateLocks(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Coordination.Locks = []lock.LockDef{
		{Module: "vfs", Name: "a", Path: "/x"},
		{Module: "vfs", Name: "a", Path: "/y"},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected error for duplicate lock definitions")
	}
	if !strings.Contains(err.Error(), "duplicate lock") {
		t.Errorf("Expected 'duplicate lock' error, got: %v", err)
	}
}

func TestValidate_CompressionLevelWithoutCodec(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.VFS.CompressionLevel = 5

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected error for compression level without codec")
	}
	if !strings.Contains(err.Error(), "compression_level") {
		t.Errorf("Expected compression_level error, got: %v", err)
	}

	cfg.VFS.Compression = "gzip"
	if err := Validate(cfg); err != nil {
		t.Errorf("Compression level with codec should be valid, got: %v", err)
	}
}

func TestValidate_Domains(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.VFS.Domains = []string{"d1", "bad/domain"}

	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "vfs.domains[1]") {
		t.Errorf("Expected invalid domain error, got: %v", err)
	}

	cfg.VFS.Domains = []string{"d1", "d1"}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "duplicate domain") {
		t.Errorf("Expected duplicate domain error, got: %v", err)
	}
}

func TestValidate_SharedBadgerDirectory(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metadata.Badger["path"] = cfg.Coordination.Badger["path"]

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected error for shared badger directory")
	}
	if !strings.Contains(err.Error(), "must differ") {
		t.Errorf("Expected 'must differ' error, got: %v", err)
	}

	// Only a problem when both sides actually use badger.
	cfg.Metadata.Type = "memory"
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid config with memory metadata, got: %v", err)
	}
}
