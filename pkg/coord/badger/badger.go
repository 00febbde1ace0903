// Package badger implements coord.Backend on top of an embedded BadgerDB.
//
// BadgerDB holds an exclusive directory lock, so this backend coordinates the
// goroutines and registries of a single process (or a single node). It is the
// default backend for development and the one the test suites run against.
//
// Key layout:
//
//	n:<path>   node data
//	m:<path>   mutex lease (owner token, TTL-bound)
package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/lockfs/pkg/coord"
)

const (
	prefixNode  = "n:"
	prefixMutex = "m:"

	defaultLeaseTTL = 10 * time.Second
)

// Config configures the BadgerDB coordination backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps the namespace in memory only.
	InMemory bool `mapstructure:"in_memory"`

	// LeaseTTL bounds how long a mutex survives its holder without refresh
	// (default: 10s). Leases are refreshed every LeaseTTL/3 while held.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// Backend is a BadgerDB-backed coord.Backend.
type Backend struct {
	db       *badger.DB
	leaseTTL time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

var _ coord.Backend = (*Backend)(nil)

// New opens (or creates) the BadgerDB namespace described by cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger coordination path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination db: %w", err)
	}

	lease := cfg.LeaseTTL
	if lease <= 0 {
		lease = defaultLeaseTTL
	}

	return &Backend{
		db:       db,
		leaseTTL: lease,
		closed:   make(chan struct{}),
	}, nil
}

func nodeKey(p string) []byte {
	return []byte(prefixNode + coord.Clean(p))
}

func mutexKey(p string) []byte {
	return []byte(prefixMutex + coord.Clean(p))
}

func (b *Backend) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.closed:
		return coord.ErrClosed
	default:
		return nil
	}
}

// Create implements coord.Backend.
func (b *Backend) Create(ctx context.Context, p string, data []byte) (bool, error) {
	if err := b.check(ctx); err != nil {
		return false, err
	}

	created := false
	err := b.update(func(txn *badger.Txn) error {
		created = false
		for _, parent := range coord.Ancestors(p) {
			if err := setIfAbsent(txn, nodeKey(parent), nil); err != nil {
				return err
			}
		}

		_, err := txn.Get(nodeKey(p))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		created = true
		return txn.Set(nodeKey(p), copyBytes(data))
	})
	if err != nil {
		return false, fmt.Errorf("create %s: %w", p, err)
	}

	return created, nil
}

func setIfAbsent(txn *badger.Txn, key, value []byte) error {
	_, err := txn.Get(key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(key, value)
}

// Get implements coord.Backend.
func (b *Backend) Get(ctx context.Context, p string) ([]byte, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(p))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get %s: %w", p, coord.ErrNoNode)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", p, err)
	}

	return data, nil
}

// Set implements coord.Backend.
func (b *Backend) Set(ctx context.Context, p string, data []byte) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	err := b.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(p)); err != nil {
			return err
		}
		return txn.Set(nodeKey(p), copyBytes(data))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("set %s: %w", p, coord.ErrNoNode)
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}

	return nil
}

// Delete implements coord.Backend.
func (b *Backend) Delete(ctx context.Context, p string) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	if err := b.update(func(txn *badger.Txn) error {
		return txn.Delete(nodeKey(p))
	}); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}

	return nil
}

// Exists implements coord.Backend.
func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	if err := b.check(ctx); err != nil {
		return false, err
	}

	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(nodeKey(p))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p, err)
	}

	return true, nil
}

// Children implements coord.Backend.
func (b *Backend) Children(ctx context.Context, p string) ([]string, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	base := coord.Clean(p)
	prefix := prefixNode + base + "/"
	if base == "/" {
		prefix = prefixNode + "/"
	}

	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), prefix)
			if rest == "" || strings.Contains(rest, "/") {
				continue
			}
			names = append(names, rest)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", p, err)
	}

	sort.Strings(names)
	return names, nil
}

// NewMutex implements coord.Backend.
func (b *Backend) NewMutex(p string) coord.Mutex {
	return &mutex{backend: b, key: mutexKey(p)}
}

// Close implements coord.Backend.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.db.Close()
	})
	return err
}

// update runs fn in a read-write transaction, retrying on optimistic
// concurrency conflicts.
func (b *Backend) update(fn func(txn *badger.Txn) error) error {
	for {
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func copyBytes(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
