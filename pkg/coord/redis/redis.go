// Package redis implements coord.Backend on Redis.
//
// Keys (all under Config.KeyPrefix):
//
//	<prefix>:node:<path>      node data (string)
//	<prefix>:children:<path>  set of direct child names
//	<prefix>:mutex:<path>     redislock lease
//
// Mutexes are bsm/redislock leases refreshed in the background while held.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/coord"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "lockfs"
	defaultLeaseTTL  = 10 * time.Second
	retryInterval    = 50 * time.Millisecond
)

// Config configures the Redis coordination backend.
type Config struct {
	Addr      string        `mapstructure:"addr" validate:"required"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
}

// Backend is a Redis-backed coord.Backend.
type Backend struct {
	rdb      *redis.Client
	locker   *redislock.Client
	prefix   string
	leaseTTL time.Duration
}

var _ coord.Backend = (*Backend)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewWithClient(rdb, cfg), nil
}

// NewWithClient builds a backend on an existing client. The backend takes
// ownership of rdb and closes it on Close.
func NewWithClient(rdb *redis.Client, cfg Config) *Backend {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	lease := cfg.LeaseTTL
	if lease <= 0 {
		lease = defaultLeaseTTL
	}

	return &Backend{
		rdb:      rdb,
		locker:   redislock.New(rdb),
		prefix:   prefix,
		leaseTTL: lease,
	}
}

func (b *Backend) nodeKey(p string) string {
	return b.prefix + ":node:" + coord.Clean(p)
}

func (b *Backend) childrenKey(p string) string {
	return b.prefix + ":children:" + coord.Clean(p)
}

func (b *Backend) mutexKey(p string) string {
	return b.prefix + ":mutex:" + coord.Clean(p)
}

func mapError(op, p string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s %s: %w", op, p, coord.ErrClosed)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

// createNode creates a single node and links it into its parent's child set.
func (b *Backend) createNode(ctx context.Context, p string, data []byte) (bool, error) {
	if data == nil {
		data = []byte{}
	}

	created, err := b.rdb.SetNX(ctx, b.nodeKey(p), data, 0).Result()
	if err != nil {
		return false, mapError("create", p, err)
	}

	// Link unconditionally: a previous create may have died between the two calls.
	if err := b.rdb.SAdd(ctx, b.childrenKey(coord.Parent(p)), coord.Base(p)).Err(); err != nil {
		return false, mapError("create", p, err)
	}

	return created, nil
}

// Create implements coord.Backend.
func (b *Backend) Create(ctx context.Context, p string, data []byte) (bool, error) {
	for _, parent := range coord.Ancestors(p) {
		if _, err := b.createNode(ctx, parent, nil); err != nil {
			return false, err
		}
	}
	return b.createNode(ctx, p, data)
}

// Get implements coord.Backend.
func (b *Backend) Get(ctx context.Context, p string) ([]byte, error) {
	data, err := b.rdb.Get(ctx, b.nodeKey(p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s: %w", p, coord.ErrNoNode)
	}
	if err != nil {
		return nil, mapError("get", p, err)
	}
	return data, nil
}

// Set implements coord.Backend.
func (b *Backend) Set(ctx context.Context, p string, data []byte) error {
	if data == nil {
		data = []byte{}
	}

	ok, err := b.rdb.SetXX(ctx, b.nodeKey(p), data, 0).Result()
	if err != nil {
		return mapError("set", p, err)
	}
	if !ok {
		return fmt.Errorf("set %s: %w", p, coord.ErrNoNode)
	}
	return nil
}

// Delete implements coord.Backend.
func (b *Backend) Delete(ctx context.Context, p string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.nodeKey(p), b.childrenKey(p))
		pipe.SRem(ctx, b.childrenKey(coord.Parent(p)), coord.Base(p))
		return nil
	})
	if err != nil {
		return mapError("delete", p, err)
	}
	return nil
}

// Exists implements coord.Backend.
func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.nodeKey(p)).Result()
	if err != nil {
		return false, mapError("exists", p, err)
	}
	return n > 0, nil
}

// Children implements coord.Backend.
func (b *Backend) Children(ctx context.Context, p string) ([]string, error) {
	names, err := b.rdb.SMembers(ctx, b.childrenKey(p)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, mapError("children", p, err)
	}
	sort.Strings(names)
	return names, nil
}

// NewMutex implements coord.Backend.
func (b *Backend) NewMutex(p string) coord.Mutex {
	return &mutex{backend: b, key: b.mutexKey(p)}
}

// Close implements coord.Backend.
func (b *Backend) Close() error {
	err := b.rdb.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

type mutex struct {
	backend *Backend
	key     string

	mu   sync.Mutex
	lock *redislock.Lock
	stop chan struct{}
	done chan struct{}
}

// Lock implements coord.Mutex.
func (m *mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lock != nil {
		return fmt.Errorf("mutex %s: already held by this handle", m.key)
	}

	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(retryInterval)}

	// Obtain gives up after one lease when ctx has no deadline; keep trying
	// until the caller's ctx says otherwise.
	for {
		lock, err := m.backend.locker.Obtain(ctx, m.key, m.backend.leaseTTL, opts)
		if err == nil {
			m.lock = lock
			break
		}
		if !errors.Is(err, redislock.ErrNotObtained) {
			return mapError("lock", m.key, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.refresh(m.lock, m.stop, m.done)

	return nil
}

func (m *mutex) refresh(lock *redislock.Lock, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.backend.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := lock.Refresh(context.Background(), m.backend.leaseTTL, nil); err != nil {
				logger.Warn("coord: failed to refresh redis lease %s: %v", m.key, err)
				if errors.Is(err, redislock.ErrNotObtained) {
					return
				}
			}
		}
	}
}

// Unlock implements coord.Mutex.
func (m *mutex) Unlock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lock == nil {
		return coord.ErrNotHeld
	}

	close(m.stop)
	<-m.done

	lock := m.lock
	m.lock = nil

	if err := lock.Release(ctx); err != nil {
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("mutex %s: lease expired: %w", m.key, coord.ErrNotHeld)
		}
		return mapError("unlock", m.key, err)
	}
	return nil
}
