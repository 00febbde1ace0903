// Package zookeeper implements coord.Backend on a ZooKeeper ensemble.
//
// Namespace operations map one-to-one onto znodes. Mutexes use the standard
// ZooKeeper lock recipe (ephemeral sequential children under the mutex path),
// so a crashed holder's lock disappears with its session.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/coord"
)

// Config configures the ZooKeeper coordination backend.
type Config struct {
	// Servers lists the ensemble members as host:port.
	Servers []string `mapstructure:"servers" validate:"required,min=1"`

	// SessionTimeout is the ZooKeeper session timeout (default: 10s).
	SessionTimeout time.Duration `mapstructure:"session_timeout"`

	// ConnectTimeout bounds the wait for the first session (default: 10s).
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Backend is a ZooKeeper-backed coord.Backend.
type Backend struct {
	conn *zk.Conn
	acl  []zk.ACL

	closeOnce sync.Once
}

var _ coord.Backend = (*Backend)(nil)

type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	logger.Debug("zookeeper: "+format, args...)
}

// New connects to the ensemble and waits until a session is established.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("zookeeper servers are required")
	}

	sessionTimeout := cfg.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Second
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	conn, events, err := zk.Connect(cfg.Servers, sessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("zookeeper session not established: %w", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				conn.Close()
				return nil, fmt.Errorf("zookeeper event channel closed: %w", coord.ErrClosed)
			}
			if ev.State == zk.StateHasSession {
				logger.Info("Connected to zookeeper: %v", cfg.Servers)
				return &Backend{conn: conn, acl: zk.WorldACL(zk.PermAll)}, nil
			}
		}
	}
}

// mapError translates zk sentinel errors into coord ones.
func mapError(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%s %s: %w", op, p, coord.ErrNoNode)
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return fmt.Errorf("%s %s: %w", op, p, coord.ErrClosed)
	default:
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
}

// Create implements coord.Backend.
func (b *Backend) Create(ctx context.Context, p string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	for _, parent := range coord.Ancestors(p) {
		if _, err := b.conn.Create(parent, nil, 0, b.acl); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return false, mapError("create", parent, err)
		}
	}

	_, err := b.conn.Create(coord.Clean(p), data, 0, b.acl)
	if errors.Is(err, zk.ErrNodeExists) {
		return false, nil
	}
	if err != nil {
		return false, mapError("create", p, err)
	}

	return true, nil
}

// Get implements coord.Backend.
func (b *Backend) Get(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, _, err := b.conn.Get(coord.Clean(p))
	if err != nil {
		return nil, mapError("get", p, err)
	}
	return data, nil
}

// Set implements coord.Backend.
func (b *Backend) Set(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.conn.Set(coord.Clean(p), data, -1)
	return mapError("set", p, err)
}

// Delete implements coord.Backend.
func (b *Backend) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.conn.Delete(coord.Clean(p), -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return mapError("delete", p, err)
}

// Exists implements coord.Backend.
func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ok, _, err := b.conn.Exists(coord.Clean(p))
	if err != nil {
		return false, mapError("exists", p, err)
	}
	return ok, nil
}

// Children implements coord.Backend.
func (b *Backend) Children(ctx context.Context, p string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names, _, err := b.conn.Children(coord.Clean(p))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("children", p, err)
	}

	sort.Strings(names)
	return names, nil
}

// NewMutex implements coord.Backend.
func (b *Backend) NewMutex(p string) coord.Mutex {
	return &mutex{lock: zk.NewLock(b.conn, coord.Clean(p), b.acl), path: p}
}

// Close implements coord.Backend.
func (b *Backend) Close() error {
	b.closeOnce.Do(b.conn.Close)
	return nil
}

// mutex adapts zk.Lock, which has no context support, to coord.Mutex.
type mutex struct {
	lock *zk.Lock
	path string

	mu   sync.Mutex
	held bool
}

// Lock implements coord.Mutex.
//
// When ctx expires before the recipe completes, the pending acquisition keeps
// running in the background and is released as soon as it succeeds.
func (m *mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held {
		return fmt.Errorf("mutex %s: already held by this handle", m.path)
	}

	result := make(chan error, 1)
	go func() { result <- m.lock.Lock() }()

	select {
	case err := <-result:
		if err != nil {
			return mapError("lock", m.path, err)
		}
		m.held = true
		return nil
	case <-ctx.Done():
		go func() {
			if err := <-result; err == nil {
				if err := m.lock.Unlock(); err != nil {
					logger.Warn("zookeeper: failed to release abandoned lock %s: %v", m.path, err)
				}
			}
		}()
		return ctx.Err()
	}
}

// Unlock implements coord.Mutex.
func (m *mutex) Unlock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		return coord.ErrNotHeld
	}
	m.held = false

	if err := m.lock.Unlock(); err != nil {
		if errors.Is(err, zk.ErrNotLocked) {
			return coord.ErrNotHeld
		}
		return mapError("unlock", m.path, err)
	}
	return nil
}
