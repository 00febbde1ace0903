// Package lock provides named, reference-counted distributed locks on top of
// a coordination backend.
//
// A Registry persists lock definitions under
//
//	<root>/<environment>/locks/<module>/<name>
//
// and hands out one DistributedLock per "module:name" key per process. Every
// CreateLock adds a reference; the backend mutex, stored under
//
//	<root>/<environment>/mutex/<module>/<name>
//
// is released when the last reference is closed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/coord"
	"github.com/marmos91/lockfs/pkg/metrics"
)

// DefaultTimeout is used when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config configures a Registry.
type Config struct {
	// Root is the coordination namespace root (e.g., "/lockfs").
	Root string

	// Environment separates deployments sharing one backend (e.g., "prod").
	Environment string

	// Module is the default module for definitions created without one.
	Module string

	// Timeout bounds every Lock call. Negative disables the bound.
	Timeout time.Duration

	// Static lists definitions known before the backend is read.
	Static []LockDef
}

// Registry is the durable catalog of named locks plus the in-process cache
// of live DistributedLock instances.
//
// All mutation happens under a single mutex. Lock creation is not a hot path
// and strict serialization avoids duplicate node creation within a process.
type Registry struct {
	backend coord.Backend
	config  Config
	metrics metrics.LockMetrics

	mu    sync.Mutex
	defs  map[string]LockDef
	locks map[string]*DistributedLock
}

// NewRegistry creates a registry over backend. Call Init before use to load
// existing definitions.
func NewRegistry(backend coord.Backend, config Config, m metrics.LockMetrics) *Registry {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Root == "" {
		config.Root = "/"
	}
	if m == nil {
		m = metrics.NewNoopLockMetrics()
	}

	return &Registry{
		backend: backend,
		config:  config,
		metrics: m,
		defs:    make(map[string]LockDef),
		locks:   make(map[string]*DistributedLock),
	}
}

// Module returns the registry's default module.
func (r *Registry) Module() string {
	return r.config.Module
}

func (r *Registry) locksRoot() string {
	return coord.Join(r.config.Root, r.config.Environment, "locks")
}

func (r *Registry) defPath(def LockDef) string {
	return coord.Join(r.locksRoot(), def.Module, def.Name)
}

func (r *Registry) mutexPath(def LockDef) string {
	return coord.Join(r.config.Root, r.config.Environment, "mutex", def.Module, def.Name)
}

// Init loads static definitions, then merges every definition persisted in
// the backend. Definitions already cached are never overwritten.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.readLocks()

	if err := r.readBackendLocks(ctx, r.locksRoot()); err != nil {
		return &LockError{Op: "init", Err: err}
	}

	logger.Info("Lock registry initialized: %d definitions under %s", len(r.defs), r.locksRoot())
	return nil
}

func (r *Registry) readLocks() {
	for _, def := range r.config.Static {
		if def.Module == "" {
			def.Module = r.config.Module
		}
		if def.Path == "" {
			def.Path = def.Name
		}
		if _, ok := r.defs[def.Key()]; !ok {
			r.defs[def.Key()] = def
		}
	}
}

// readBackendLocks walks the namespace below p. Every node carrying data is
// decoded as a LockDef; empty nodes are intermediate directories.
func (r *Registry) readBackendLocks(ctx context.Context, p string) error {
	children, err := r.backend.Children(ctx, p)
	if err != nil {
		return err
	}

	for _, name := range children {
		child := coord.Join(p, name)

		data, err := r.backend.Get(ctx, child)
		if errors.Is(err, coord.ErrNoNode) {
			continue
		}
		if err != nil {
			return err
		}

		if len(data) > 0 {
			def, err := decodeDef(data)
			if err != nil {
				logger.Warn("Skipping malformed lock definition at %s: %v", child, err)
			} else if _, ok := r.defs[def.Key()]; !ok {
				r.defs[def.Key()] = def
			}
		}

		if err := r.readBackendLocks(ctx, child); err != nil {
			return err
		}
	}

	return nil
}

// CreateLock returns the lock for module:name, creating and persisting its
// definition if needed, and adds a reference to it. An empty module selects
// the registry default. Each successful call must be paired with Close.
func (r *Registry) CreateLock(ctx context.Context, path, module, name string) (*DistributedLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, _, err := r.findOrCreateLocked(ctx, path, module, name)
	if err != nil {
		return nil, err
	}

	l, ok := r.locks[def.Key()]
	if !ok {
		l = newDistributedLock(r, def)
		r.locks[def.Key()] = l
		r.metrics.SetCachedLocks(len(r.locks))
	}

	l.refs++
	return l, nil
}

// FindOrCreate resolves the definition for module:name without creating a
// DistributedLock.
func (r *Registry) FindOrCreate(ctx context.Context, path, module, name string) (LockDef, Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.findOrCreateLocked(ctx, path, module, name)
}

func (r *Registry) findOrCreateLocked(ctx context.Context, path, module, name string) (LockDef, Outcome, error) {
	if module == "" {
		module = r.config.Module
	}
	if path == "" {
		path = name
	}
	def := LockDef{Module: module, Name: name, Path: path}

	if name == "" || module == "" {
		return LockDef{}, Found, &LockError{Key: def.Key(), Op: "create", Err: fmt.Errorf("module and name are required")}
	}

	if cached, ok := r.defs[def.Key()]; ok {
		return cached, Found, nil
	}

	// Another process may have persisted it after Init.
	data, err := r.backend.Get(ctx, r.defPath(def))
	switch {
	case err == nil && len(data) > 0:
		persisted, decodeErr := decodeDef(data)
		if decodeErr == nil {
			r.defs[def.Key()] = persisted
			return persisted, Found, nil
		}
		logger.Warn("Replacing malformed lock definition %s: %v", def.Key(), decodeErr)
	case err != nil && !errors.Is(err, coord.ErrNoNode):
		return LockDef{}, Found, &LockError{Key: def.Key(), Op: "create", Err: err}
	}

	if err := r.saveDef(ctx, def); err != nil {
		return LockDef{}, Found, &LockError{Key: def.Key(), Op: "create", Err: err}
	}

	r.defs[def.Key()] = def
	logger.Debug("Created lock definition %s (path=%s)", def.Key(), def.Path)

	return def, Created, nil
}

// RemoveLock evicts lock from the in-process cache iff it is unreferenced.
// It returns false while any owner still holds a reference.
func (r *Registry) RemoveLock(l *DistributedLock) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.refs > 0 {
		return false
	}

	if cached, ok := r.locks[l.key]; ok && cached == l {
		delete(r.locks, l.key)
		r.metrics.SetCachedLocks(len(r.locks))
	}
	return true
}

// release drops one reference and reports whether it was the last one. The
// entry is evicted under the registry mutex so a concurrent CreateLock builds
// a fresh instance instead of reviving a released one.
func (r *Registry) release(l *DistributedLock) (last bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.refs <= 0 {
		return false, &LockError{Key: l.key, Op: "close", Err: ErrReleased}
	}

	l.refs--
	if l.refs > 0 {
		return false, nil
	}

	if cached, ok := r.locks[l.key]; ok && cached == l {
		delete(r.locks, l.key)
		r.metrics.SetCachedLocks(len(r.locks))
	}
	return true, nil
}

// Save persists every cached definition.
func (r *Registry) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range r.sortedDefsLocked() {
		if err := r.saveDef(ctx, def); err != nil {
			return &LockError{Key: def.Key(), Op: "save", Err: err}
		}
	}
	return nil
}

// SaveDef persists def and caches it.
func (r *Registry) SaveDef(ctx context.Context, def LockDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Module == "" {
		def.Module = r.config.Module
	}
	if err := r.saveDef(ctx, def); err != nil {
		return &LockError{Key: def.Key(), Op: "save", Err: err}
	}
	r.defs[def.Key()] = def
	return nil
}

// saveDef is idempotent: create-if-absent, then overwrite the data.
func (r *Registry) saveDef(ctx context.Context, def LockDef) error {
	data, err := encodeDef(def)
	if err != nil {
		return err
	}

	p := r.defPath(def)
	created, err := r.backend.Create(ctx, p, data)
	if err != nil {
		return err
	}
	if created {
		return nil
	}
	return r.backend.Set(ctx, p, data)
}

// Definitions returns the cached definitions sorted by key.
func (r *Registry) Definitions() []LockDef {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sortedDefsLocked()
}

func (r *Registry) sortedDefsLocked() []LockDef {
	defs := make([]LockDef, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key() < defs[j].Key() })
	return defs
}

// Close releases every cached lock and clears both caches. Individual
// failures are logged and skipped so the remaining locks are still released.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	locks := make([]*DistributedLock, 0, len(r.locks))
	for _, l := range r.locks {
		l.refs = 0
		locks = append(locks, l)
	}
	r.locks = make(map[string]*DistributedLock)
	r.defs = make(map[string]LockDef)
	r.metrics.SetCachedLocks(0)
	r.mu.Unlock()

	for _, l := range locks {
		if err := l.releaseBackend(ctx); err != nil {
			logger.Warn("Failed to release lock %s on registry close: %v", l.key, err)
		}
	}
}
