// Package vfs implements the staged write/commit protocol over an inode
// store, a physical storage driver and a distributed lock registry.
//
// A FileSystem resolves logical (domain, path) pairs, loads or creates their
// inodes and hands them to Writer and Reader sessions. Every inode mutation
// happens while holding the path's DistributedLock, and only for the short
// metadata windows (open, commit, delete, reconcile), never for the whole
// data transfer.
//
// Writers leave the inode Updating for the duration of a session. Sessions
// that die without committing leave an orphan behind; the FileSystem detects
// and resets orphans when a path is opened and from a background sweep.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/codec"
	"github.com/marmos91/lockfs/pkg/lock"
	"github.com/marmos91/lockfs/pkg/metrics"
	"github.com/marmos91/lockfs/pkg/store/content"
	"github.com/marmos91/lockfs/pkg/store/metadata"
	"github.com/shirou/gopsutil/v3/process"
)

// Options configures a FileSystem.
type Options struct {
	// Store persists inodes. Required.
	Store metadata.Store

	// Driver holds durable content. Required.
	Driver content.Driver

	// Locks hands out the per-path locks. Required; must be initialized.
	Locks *lock.Registry

	// LockModule is the lock module for path locks (default: the registry's).
	LockModule string

	// StagingDir holds staging files and materialized reads
	// (default: <os temp dir>/lockfs).
	StagingDir string

	// Compression is the codec applied to committed payloads ("" for raw).
	Compression string

	// CompressionLevel is passed to the codec; 0 selects its default.
	CompressionLevel int

	// StaleAfter marks an Updating inode orphaned when its lock has not been
	// renewed for this long. Open writers renew every StaleAfter/3. Zero
	// disables both.
	StaleAfter time.Duration

	// Hostname identifies this host in lock owners (default: os.Hostname).
	Hostname string

	// Metrics records writer, reader and reconcile activity (optional).
	Metrics metrics.VFSMetrics
}

// FileSystem is the facade over inodes, content and locks.
type FileSystem struct {
	store      metadata.Store
	driver     content.Driver
	locks      *lock.Registry
	lockModule string
	stagingDir string
	codec      string
	level      int
	staleAfter time.Duration
	metrics    metrics.VFSMetrics

	host     string
	pid      int
	instance string

	now   func() time.Time
	alive func(pid int) bool

	mu       sync.Mutex
	sessions map[string]struct{}
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a FileSystem.
//
// Returns:
//   - *FileSystem: The facade, ready for use
//   - error: Returns error if a required option is missing, the codec is
//     unknown or the staging directory cannot be created
func New(opts Options) (*FileSystem, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("vfs: inode store is required")
	}
	if opts.Driver == nil {
		return nil, fmt.Errorf("vfs: content driver is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("vfs: lock registry is required")
	}
	if err := codec.Valid(opts.Compression); err != nil {
		return nil, fmt.Errorf("vfs: %w", err)
	}

	if opts.LockModule == "" {
		opts.LockModule = opts.Locks.Module()
	}
	if opts.LockModule == "" {
		return nil, fmt.Errorf("vfs: lock module is required")
	}

	if opts.StagingDir == "" {
		opts.StagingDir = filepath.Join(os.TempDir(), "lockfs")
	}
	if err := os.MkdirAll(opts.StagingDir, 0700); err != nil {
		return nil, fmt.Errorf("vfs: failed to create staging directory: %w", err)
	}

	if opts.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("vfs: failed to resolve hostname: %w", err)
		}
		opts.Hostname = host
	}
	if strings.Contains(opts.Hostname, "/") {
		return nil, fmt.Errorf("vfs: hostname %q must not contain '/'", opts.Hostname)
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopVFSMetrics()
	}

	return &FileSystem{
		store:      opts.Store,
		driver:     opts.Driver,
		locks:      opts.Locks,
		lockModule: opts.LockModule,
		stagingDir: opts.StagingDir,
		codec:      opts.Compression,
		level:      opts.CompressionLevel,
		staleAfter: opts.StaleAfter,
		metrics:    opts.Metrics,
		host:       opts.Hostname,
		pid:        os.Getpid(),
		instance:   uuid.NewString()[:8],
		now:        time.Now,
		alive:      processRunning,
		sessions:   make(map[string]struct{}),
		stop:       make(chan struct{}),
	}, nil
}

// ============================================================================
// Locking and ownership
// ============================================================================

// lockName is the lock name guarding domain:path. Query escaping keeps it a
// single coordination node name.
func lockName(domain, path string) string {
	return url.QueryEscape(domain + ":" + path)
}

func (fs *FileSystem) lockKey(domain, path string) string {
	return fs.lockModule + ":" + lockName(domain, path)
}

func (fs *FileSystem) fail(kind error, op, domain, path string, err error) error {
	var vErr *Error
	if errors.As(err, &vErr) {
		return err
	}
	return &Error{Kind: kind, Op: op, Domain: domain, Path: path, LockKey: fs.lockKey(domain, path), Err: err}
}

// withPathLock runs fn inside the critical section of domain:path. The lock
// reference is taken for this window only, so the backend mutex is released
// as soon as no other window of this process needs it.
func (fs *FileSystem) withPathLock(ctx context.Context, op, domain, path string, fn func() error) error {
	name := lockName(domain, path)

	l, err := fs.locks.CreateLock(ctx, domain+":"+path, fs.lockModule, name)
	if err != nil {
		return fs.fail(ErrLock, op, domain, path, err)
	}
	defer func() {
		if err := l.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release lock %s: %v", l.Key(), err)
		}
	}()

	if err := l.Lock(ctx); err != nil {
		return fs.fail(ErrLock, op, domain, path, err)
	}
	defer l.Unlock()

	return fn()
}

// newOwner registers a writer session and returns its owner id
// "<host>/<pid>/<instance>/<session>".
func (fs *FileSystem) newOwner() string {
	owner := fmt.Sprintf("%s/%d/%s/%s", fs.host, fs.pid, fs.instance, uuid.NewString())

	fs.mu.Lock()
	fs.sessions[owner] = struct{}{}
	fs.mu.Unlock()

	return owner
}

func (fs *FileSystem) endSession(owner string) {
	fs.mu.Lock()
	delete(fs.sessions, owner)
	fs.mu.Unlock()
}

func (fs *FileSystem) isLive(owner string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.sessions[owner]
	return ok
}

func (fs *FileSystem) checkOpen() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	return nil
}

// ============================================================================
// Inode operations
// ============================================================================

// Create returns the file inode at domain:path, creating it in state New if
// absent.
func (fs *FileSystem) Create(ctx context.Context, domain, path string) (*metadata.Inode, error) {
	return fs.create(ctx, "create", metadata.NewFileInode(domain, path))
}

// Mkdir returns the directory inode at domain:path, creating it if absent.
func (fs *FileSystem) Mkdir(ctx context.Context, domain, path string) (*metadata.Inode, error) {
	return fs.create(ctx, "mkdir", metadata.NewDirectoryInode(domain, path))
}

func (fs *FileSystem) create(ctx context.Context, op string, inode *metadata.Inode) (*metadata.Inode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := fs.checkOpen(); err != nil {
		return nil, fs.fail(ErrClosed, op, inode.Domain, inode.Path, nil)
	}
	if err := metadata.ValidateDomain(inode.Domain); err != nil {
		return nil, fs.fail(ErrNotSupported, op, inode.Domain, inode.Path, err)
	}

	if !inode.IsDir() {
		info, err := Resolve(fs.driver, inode.Domain, inode.Path)
		if err != nil {
			return nil, fs.fail(ErrNotSupported, op, inode.Domain, inode.Path, err)
		}
		inode.URI = info.Location.URI
	}

	var result *metadata.Inode
	err := fs.withPathLock(ctx, op, inode.Domain, inode.Path, func() error {
		existing, err := fs.store.Get(ctx, inode.Domain, inode.Path)
		if err == nil {
			if existing.Kind != inode.Kind {
				return fs.fail(ErrExists, op, inode.Domain, inode.Path, fmt.Errorf("%s exists as a %s", inode.Key(), existing.Kind))
			}
			result = existing
			return nil
		}
		if !errors.Is(err, metadata.ErrNotFound) {
			return err
		}

		result, err = fs.store.Put(ctx, inode)
		return err
	})
	if err != nil {
		return nil, fs.fail(ErrStorage, op, inode.Domain, inode.Path, err)
	}

	return result, nil
}

// Stat returns the inode at domain:path.
func (fs *FileSystem) Stat(ctx context.Context, domain, path string) (*metadata.Inode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path = metadata.CleanPath(path)
	inode, err := fs.store.Get(ctx, domain, path)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, fs.fail(ErrNotFound, "stat", domain, path, err)
	}
	if err != nil {
		return nil, fs.fail(ErrStorage, "stat", domain, path, err)
	}
	return inode, nil
}

// Exists reports whether an inode exists at domain:path.
func (fs *FileSystem) Exists(ctx context.Context, domain, path string) (bool, error) {
	_, err := fs.Stat(ctx, domain, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns the direct children of the directory domain:dir, sorted by path.
func (fs *FileSystem) List(ctx context.Context, domain, dir string) ([]*metadata.Inode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir = metadata.CleanPath(dir)
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}

	all, err := fs.store.List(ctx, domain, prefix)
	if err != nil {
		return nil, fs.fail(ErrStorage, "list", domain, dir, err)
	}

	children := make([]*metadata.Inode, 0, len(all))
	for _, inode := range all {
		rest := strings.TrimPrefix(inode.Path, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		children = append(children, inode)
	}
	return children, nil
}

// Delete removes domain:path and its durable content. It refuses paths held
// by a live writer and non-empty directories.
func (fs *FileSystem) Delete(ctx context.Context, domain, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = metadata.CleanPath(path)

	return fs.withPathLock(ctx, "delete", domain, path, func() error {
		inode, err := fs.store.Get(ctx, domain, path)
		if errors.Is(err, metadata.ErrNotFound) {
			return fs.fail(ErrNotFound, "delete", domain, path, err)
		}
		if err != nil {
			return fs.fail(ErrStorage, "delete", domain, path, err)
		}

		if inode.State == metadata.StateUpdating {
			if orphan, _ := fs.isOrphan(inode); !orphan {
				return fs.fail(ErrConcurrentWrite, "delete", domain, path, fmt.Errorf("held by %s", inode.Lock.Owner))
			}
		}

		if inode.IsDir() {
			children, err := fs.List(ctx, domain, path)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return fs.fail(ErrNotSupported, "delete", domain, path, fmt.Errorf("directory has %d entries", len(children)))
			}
		}

		if err := fs.purge(ctx, inode); err != nil {
			return fs.fail(ErrStorage, "delete", domain, path, err)
		}

		logger.Debug("Deleted %s", inode.Key())
		return nil
	})
}

// purge marks inode Deleted, removes its content, then its record. A crash in
// between leaves a Deleted inode that reconciliation finishes off.
func (fs *FileSystem) purge(ctx context.Context, inode *metadata.Inode) error {
	inode.State = metadata.StateDeleted
	if _, err := fs.store.Put(ctx, inode); err != nil {
		return err
	}

	if inode.Lock != nil {
		fs.removeLocalStaging(inode.Lock)
	}

	if !inode.IsDir() {
		info, err := Resolve(fs.driver, inode.Domain, inode.Path)
		if err != nil {
			return err
		}
		if err := fs.driver.Delete(ctx, info.Location.Path); err != nil {
			return err
		}
	}

	_, err := fs.store.Delete(ctx, inode.Domain, inode.Path)
	return err
}

// ============================================================================
// Sessions
// ============================================================================

// OpenWriter starts a write session on the file domain:path, creating its
// inode if needed. See Writer for the session lifecycle.
func (fs *FileSystem) OpenWriter(ctx context.Context, domain, path string, opts WriterOptions) (*Writer, error) {
	w, err := fs.openWriter(ctx, domain, metadata.CleanPath(path), opts)
	fs.metrics.RecordOpen(domain, "writer", kindLabel(err))
	return w, err
}

// OpenReader opens the last committed content of domain:path.
func (fs *FileSystem) OpenReader(ctx context.Context, domain, path string) (*Reader, error) {
	r, err := fs.openReader(ctx, domain, metadata.CleanPath(path))
	fs.metrics.RecordOpen(domain, "reader", kindLabel(err))
	return r, err
}

// Close stops the background reconciler. Open writers and readers stay
// usable; the store, driver and registry are owned by the caller.
func (fs *FileSystem) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	close(fs.stop)
	fs.mu.Unlock()

	fs.wg.Wait()
	return nil
}

func (fs *FileSystem) nowMillis() int64 {
	return fs.now().UnixMilli()
}

func (fs *FileSystem) removeLocalStaging(l *metadata.LockInfo) {
	host, _, _ := parseOwner(l.Owner)
	if host != fs.host || l.LocalStagingPath == "" {
		return
	}
	if err := os.Remove(l.LocalStagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove staging file %s: %v", l.LocalStagingPath, err)
	}
}

// processRunning reports whether pid is a running process on this host. When
// that cannot be determined the process is assumed alive.
func processRunning(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		logger.Debug("Cannot check process %d: %v", pid, err)
		return true
	}
	return ok
}

// parseOwner splits an owner id into host, pid and the rest.
func parseOwner(owner string) (host string, pid int, rest string) {
	parts := strings.SplitN(owner, "/", 3)
	if len(parts) < 3 {
		return owner, 0, ""
	}
	pid, _ = strconv.Atoi(parts[1])
	return parts[0], pid, parts[2]
}
