package config

import (
	"context"
	"strings"
	"testing"
	"time"

	coordBadger "github.com/marmos91/lockfs/pkg/coord/badger"
	"github.com/marmos91/lockfs/pkg/lock"
	"github.com/marmos91/lockfs/pkg/vfs"
)

// memoryConfig returns a configuration that needs no external service and
// leaves nothing on disk except the staging directory.
func memoryConfig(t *testing.T) *Config {
	t.Helper()
	cfg := GetDefaultConfig()
	cfg.Coordination.Badger = map[string]any{"in_memory": true, "lease_ttl": "2s"}
	cfg.Metadata.Type = "memory"
	cfg.Content.Type = "memory"
	cfg.VFS.StagingDir = t.TempDir()
	cfg.VFS.Hostname = "test-host"
	return cfg
}

func TestDecodeOptions_Durations(t *testing.T) {
	var backendCfg coordBadger.Config
	err := decodeOptions("coordination.badger", map[string]any{
		"in_memory": "true",
		"lease_ttl": "3s",
	}, &backendCfg)
	if err != nil {
		t.Fatalf("decodeOptions failed: %v", err)
	}

	if !backendCfg.InMemory {
		t.Error("Expected weakly typed in_memory to decode as true")
	}
	if backendCfg.LeaseTTL != 3*time.Second {
		t.Errorf("Expected lease_ttl 3s, got %v", backendCfg.LeaseTTL)
	}
}

func TestCreateCoordBackend_Badger(t *testing.T) {
	ctx := context.Background()
	cfg := &CoordinationConfig{Type: "badger", Badger: map[string]any{"path": t.TempDir()}}

	backend, err := CreateCoordBackend(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create badger backend: %v", err)
	}
	defer func() { _ = backend.Close() }()

	if _, err := backend.Create(ctx, "/a/b", []byte("x")); err != nil {
		t.Fatalf("Backend not usable: %v", err)
	}
}

func TestCreateCoordBackend_BadgerMissingPath(t *testing.T) {
	cfg := &CoordinationConfig{Type: "badger", Badger: map[string]any{}}

	_, err := CreateCoordBackend(context.Background(), cfg)
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected 'path is required' error, got: %v", err)
	}
}

func TestCreateCoordBackend_InvalidRemoteConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *CoordinationConfig
		want string
	}{
		{"zookeeper without servers", &CoordinationConfig{Type: "zookeeper", ZooKeeper: map[string]any{}}, "coordination.zookeeper"},
		{"redis without addr", &CoordinationConfig{Type: "redis", Redis: map[string]any{}}, "coordination.redis"},
		{"unknown type", &CoordinationConfig{Type: "etcd"}, "unknown coordination backend type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreateCoordBackend(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected %q in error, got: %v", tt.want, err)
			}
		})
	}
}

func TestCreateMetadataStore(t *testing.T) {
	ctx := context.Background()

	store, err := CreateMetadataStore(ctx, &MetadataConfig{Type: "memory"}, nil)
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	_ = store.Close()

	store, err = CreateMetadataStore(ctx, &MetadataConfig{
		Type:   "badger",
		Badger: map[string]any{"path": t.TempDir()},
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create badger store: %v", err)
	}
	_ = store.Close()

	_, err = CreateMetadataStore(ctx, &MetadataConfig{Type: "postgres", Postgres: map[string]any{}}, nil)
	if err == nil || !strings.Contains(err.Error(), "metadata.postgres") {
		t.Errorf("Expected postgres dsn validation error, got: %v", err)
	}

	_, err = CreateMetadataStore(ctx, &MetadataConfig{Type: "sqlite"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown metadata store type") {
		t.Errorf("Expected unknown type error, got: %v", err)
	}
}

func TestCreateContentDriver(t *testing.T) {
	ctx := context.Background()

	driver, err := CreateContentDriver(ctx, &ContentConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{"root": t.TempDir(), "file_mode": 0600},
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create filesystem driver: %v", err)
	}
	if driver.Name() != "filesystem" {
		t.Errorf("Expected filesystem driver, got %q", driver.Name())
	}

	driver, err = CreateContentDriver(ctx, &ContentConfig{Type: "memory"}, nil)
	if err != nil {
		t.Fatalf("Failed to create memory driver: %v", err)
	}
	if driver.Name() != "memory" {
		t.Errorf("Expected memory driver, got %q", driver.Name())
	}

	_, err = CreateContentDriver(ctx, &ContentConfig{Type: "filesystem", Filesystem: map[string]any{}}, nil)
	if err == nil || !strings.Contains(err.Error(), "content.filesystem") {
		t.Errorf("Expected missing root error, got: %v", err)
	}

	_, err = CreateContentDriver(ctx, &ContentConfig{Type: "s3", S3: map[string]any{"region": "us-east-1"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "content.s3") {
		t.Errorf("Expected missing bucket error, got: %v", err)
	}

	_, err = CreateContentDriver(ctx, &ContentConfig{Type: "gcs"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown content driver type") {
		t.Errorf("Expected unknown type error, got: %v", err)
	}
}

func TestCreateLockRegistry_StaticLocks(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Coordination.Locks = []lock.LockDef{{Module: "vfs", Name: "nightly", Path: "/jobs/nightly"}}

	backend, err := CreateCoordBackend(ctx, &cfg.Coordination)
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	defer func() { _ = backend.Close() }()

	registry, err := CreateLockRegistry(ctx, &cfg.Coordination, backend, nil)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	defer registry.Close(ctx)

	if registry.Module() != "vfs" {
		t.Errorf("Expected module 'vfs', got %q", registry.Module())
	}

	found := false
	for _, def := range registry.Definitions() {
		if def.Key() == "vfs:nightly" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected static lock in registry, got %v", registry.Definitions())
	}
}

func TestBuild_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.VFS.Compression = "gzip"

	stack, err := Build(ctx, cfg, InitializeMetrics(cfg, nil))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer func() {
		if err := stack.Close(ctx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	w, err := stack.FS.OpenWriter(ctx, "d1", "/reports/a.txt", vfs.WriterOptions{})
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	if !strings.HasPrefix(w.Owner(), "test-host/") {
		t.Errorf("Expected owner on test-host, got %q", w.Owner())
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Commit(ctx, true); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := stack.FS.OpenReader(ctx, "d1", "/reports/a.txt")
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer func() { _ = r.Close() }()

	data, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected 'hello', got %q", data)
	}
	if r.Inode().Compression != "gzip" {
		t.Errorf("Expected gzip payload, got %q", r.Inode().Compression)
	}
}

func TestBuild_FailureClosesPartialStack(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Content.Type = "filesystem"
	cfg.Content.Filesystem = map[string]any{}

	_, err := Build(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("Expected Build to fail without a content root")
	}
	if !strings.Contains(err.Error(), "failed to create content driver") {
		t.Errorf("Expected content driver error, got: %v", err)
	}
}
