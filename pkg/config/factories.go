package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/coord"
	coordBadger "github.com/marmos91/lockfs/pkg/coord/badger"
	coordRedis "github.com/marmos91/lockfs/pkg/coord/redis"
	coordZk "github.com/marmos91/lockfs/pkg/coord/zookeeper"
	"github.com/marmos91/lockfs/pkg/lock"
	"github.com/marmos91/lockfs/pkg/store/content"
	contentFs "github.com/marmos91/lockfs/pkg/store/content/fs"
	contentMemory "github.com/marmos91/lockfs/pkg/store/content/memory"
	contentS3 "github.com/marmos91/lockfs/pkg/store/content/s3"
	"github.com/marmos91/lockfs/pkg/store/metadata"
	metadataBadger "github.com/marmos91/lockfs/pkg/store/metadata/badger"
	metadataMemory "github.com/marmos91/lockfs/pkg/store/metadata/memory"
	metadataPostgres "github.com/marmos91/lockfs/pkg/store/metadata/postgres"
	"github.com/marmos91/lockfs/pkg/vfs"
	"github.com/mitchellh/mapstructure"
)

// decodeOptions decodes a backend section into its typed configuration and
// validates the result against its struct tags.
//
// Durations may be written as strings ("10s") and scalars are weakly typed,
// so values coming from YAML, TOML or the environment decode alike.
func decodeOptions(section string, options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s decoder: %w", section, err)
	}

	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode %s config: %w", section, err)
	}

	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%s: %w", section, formatValidationError(err))
	}

	return nil
}

// CreateCoordBackend creates a coordination backend based on configuration.
//
// Supported types:
//   - "badger": Embedded BadgerDB (single process)
//   - "zookeeper": ZooKeeper ensemble
//   - "redis": Redis server with lease-based locks
//
// Parameters:
//   - ctx: Context for connection setup
//   - cfg: Coordination configuration
//
// Returns:
//   - coord.Backend: Connected backend
//   - error: Configuration or connection error
func CreateCoordBackend(ctx context.Context, cfg *CoordinationConfig) (coord.Backend, error) {
	switch cfg.Type {
	case "badger":
		var backendCfg coordBadger.Config
		if err := decodeOptions("coordination.badger", cfg.Badger, &backendCfg); err != nil {
			return nil, err
		}
		if backendCfg.Path == "" && !backendCfg.InMemory {
			return nil, fmt.Errorf("badger coordination backend: path is required")
		}
		return coordBadger.New(ctx, backendCfg)

	case "zookeeper":
		var backendCfg coordZk.Config
		if err := decodeOptions("coordination.zookeeper", cfg.ZooKeeper, &backendCfg); err != nil {
			return nil, err
		}
		return coordZk.New(ctx, backendCfg)

	case "redis":
		var backendCfg coordRedis.Config
		if err := decodeOptions("coordination.redis", cfg.Redis, &backendCfg); err != nil {
			return nil, err
		}
		return coordRedis.New(ctx, backendCfg)

	default:
		return nil, fmt.Errorf("unknown coordination backend type: %q", cfg.Type)
	}
}

// CreateLockRegistry creates and initializes the lock registry over backend.
//
// Static definitions from the configuration are loaded first, then every
// definition already persisted in the backend is merged in.
func CreateLockRegistry(ctx context.Context, cfg *CoordinationConfig, backend coord.Backend, m *MetricsResult) (*lock.Registry, error) {
	registry := lock.NewRegistry(backend, lock.Config{
		Root:        cfg.Root,
		Environment: cfg.Environment,
		Module:      cfg.Module,
		Timeout:     cfg.LockTimeout,
		Static:      cfg.Locks,
	}, m.lockMetrics())

	if err := registry.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize lock registry: %w", err)
	}

	logger.Debug("Lock registry ready (root=%s, environment=%s, module=%s, definitions=%d)",
		cfg.Root, cfg.Environment, cfg.Module, len(registry.Definitions()))
	return registry, nil
}

// CreateMetadataStore creates an inode store based on configuration.
//
// Supported types:
//   - "memory": In-process map (lost on exit)
//   - "badger": Embedded BadgerDB
//   - "postgres": PostgreSQL via pgx
func CreateMetadataStore(ctx context.Context, cfg *MetadataConfig, m *MetricsResult) (metadata.Store, error) {
	switch cfg.Type {
	case "memory":
		return metadataMemory.New(), nil

	case "badger":
		var storeCfg metadataBadger.Config
		if err := decodeOptions("metadata.badger", cfg.Badger, &storeCfg); err != nil {
			return nil, err
		}
		if storeCfg.Path == "" && !storeCfg.InMemory {
			return nil, fmt.Errorf("badger metadata store: path is required")
		}
		return metadataBadger.New(ctx, storeCfg, m.metadataMetrics("badger"))

	case "postgres":
		var storeCfg metadataPostgres.Config
		if err := decodeOptions("metadata.postgres", cfg.Postgres, &storeCfg); err != nil {
			return nil, err
		}
		return metadataPostgres.New(ctx, storeCfg, m.metadataMetrics("postgres"))

	default:
		return nil, fmt.Errorf("unknown metadata store type: %q", cfg.Type)
	}
}

// CreateContentDriver creates a content driver based on configuration.
//
// Supported types:
//   - "filesystem": Local disk, published with rename
//   - "memory": In-process map (lost on exit)
//   - "s3": Amazon S3 or a compatible object store
func CreateContentDriver(ctx context.Context, cfg *ContentConfig, m *MetricsResult) (content.Driver, error) {
	switch cfg.Type {
	case "filesystem":
		var driverCfg contentFs.Config
		if err := decodeOptions("content.filesystem", cfg.Filesystem, &driverCfg); err != nil {
			return nil, err
		}
		return contentFs.New(ctx, driverCfg)

	case "memory":
		return contentMemory.New(), nil

	case "s3":
		var driverCfg contentS3.Config
		if err := decodeOptions("content.s3", cfg.S3, &driverCfg); err != nil {
			return nil, err
		}
		return contentS3.New(ctx, driverCfg, m.s3Metrics())

	default:
		return nil, fmt.Errorf("unknown content driver type: %q", cfg.Type)
	}
}

// CreateFileSystem creates the file system facade over already built
// components.
func CreateFileSystem(cfg *VFSConfig, store metadata.Store, driver content.Driver, locks *lock.Registry, m *MetricsResult) (*vfs.FileSystem, error) {
	return vfs.New(vfs.Options{
		Store:            store,
		Driver:           driver,
		Locks:            locks,
		StagingDir:       cfg.StagingDir,
		Compression:      cfg.Compression,
		CompressionLevel: cfg.CompressionLevel,
		StaleAfter:       cfg.StaleAfter,
		Hostname:         cfg.Hostname,
		Metrics:          m.vfsMetrics(),
	})
}

// Stack bundles every component built from one configuration.
type Stack struct {
	Backend coord.Backend
	Locks   *lock.Registry
	Store   metadata.Store
	Driver  content.Driver
	FS      *vfs.FileSystem
}

// Build creates the complete component stack described by cfg.
//
// Components are created bottom-up: coordination backend, lock registry,
// inode store, content driver and finally the file system. If any step
// fails, everything created so far is closed.
//
// Parameters:
//   - ctx: Context for connection setup
//   - cfg: Loaded and validated configuration
//   - m: Metrics from InitializeMetrics (nil for no-op)
func Build(ctx context.Context, cfg *Config, m *MetricsResult) (*Stack, error) {
	s := &Stack{}

	fail := func(err error) (*Stack, error) {
		_ = s.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	// ========================================================================
	// Step 1: Coordination and locks
	// ========================================================================

	backend, err := CreateCoordBackend(ctx, &cfg.Coordination)
	if err != nil {
		return fail(fmt.Errorf("failed to create coordination backend: %w", err))
	}
	s.Backend = backend

	locks, err := CreateLockRegistry(ctx, &cfg.Coordination, backend, m)
	if err != nil {
		return fail(err)
	}
	s.Locks = locks

	// ========================================================================
	// Step 2: Inode store and content driver
	// ========================================================================

	store, err := CreateMetadataStore(ctx, &cfg.Metadata, m)
	if err != nil {
		return fail(fmt.Errorf("failed to create metadata store: %w", err))
	}
	s.Store = store

	driver, err := CreateContentDriver(ctx, &cfg.Content, m)
	if err != nil {
		return fail(fmt.Errorf("failed to create content driver: %w", err))
	}
	s.Driver = driver

	// ========================================================================
	// Step 3: File system
	// ========================================================================

	fs, err := CreateFileSystem(&cfg.VFS, store, driver, locks, m)
	if err != nil {
		return fail(fmt.Errorf("failed to create file system: %w", err))
	}
	s.FS = fs

	logger.Info("lockfs ready (coordination=%s, metadata=%s, content=%s, compression=%q)",
		cfg.Coordination.Type, cfg.Metadata.Type, cfg.Content.Type, cfg.VFS.Compression)
	return s, nil
}

// Health reports whether the coordination backend still answers.
func (s *Stack) Health(ctx context.Context) error {
	if _, err := s.Backend.Exists(ctx, "/"); err != nil {
		return fmt.Errorf("coordination backend: %w", err)
	}
	return nil
}

// Close shuts the stack down top-down and returns every error encountered.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error

	if s.FS != nil {
		errs = append(errs, s.FS.Close())
	}
	if s.Locks != nil {
		s.Locks.Close(ctx)
	}
	if s.Driver != nil {
		errs = append(errs, s.Driver.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.Backend != nil {
		errs = append(errs, s.Backend.Close())
	}

	return errors.Join(errs...)
}
