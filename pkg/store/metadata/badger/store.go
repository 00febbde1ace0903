// Package badger implements metadata.Store on an embedded BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/metrics"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// Config configures the BadgerDB inode store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps the store in memory only.
	InMemory bool `mapstructure:"in_memory"`
}

// Store is a BadgerDB-backed metadata.Store. Inodes are stored as JSON.
type Store struct {
	db      *badgerdb.DB
	metrics metrics.MetadataMetrics
}

var _ metadata.Store = (*Store)(nil)

// New opens (or creates) the database.
//
// Parameters:
//   - ctx: Cancels opening
//   - cfg: Database location
//   - m: Optional metrics (nil for no-op)
func New(ctx context.Context, cfg Config, m metrics.MetadataMetrics) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger metadata path is required")
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLoggingLevel(badgerdb.WARNING)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	if m == nil {
		m = metrics.NewNoopMetadataMetrics()
	}

	logger.Debug("Opened badger inode store (path=%q, in_memory=%v)", cfg.Path, cfg.InMemory)
	return &Store{db: db, metrics: m}, nil
}

func (s *Store) Get(ctx context.Context, domain, path string) (inode *metadata.Inode, err error) {
	defer s.record("get", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err = s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyInode(domain, metadata.CleanPath(path)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			inode, err = decodeInode(val)
			return err
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inode %s:%s: %w", domain, path, err)
	}

	return inode, nil
}

func (s *Store) Put(ctx context.Context, inode *metadata.Inode) (_ *metadata.Inode, err error) {
	defer s.record("put", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := inode.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(inode)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inode %s: %w", inode.Key(), err)
	}

	if err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyInode(inode.Domain, inode.Path), data)
	}); err != nil {
		return nil, fmt.Errorf("failed to put inode %s: %w", inode.Key(), err)
	}

	return inode.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, domain, path string) (existed bool, err error) {
	defer s.record("delete", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := keyInode(domain, metadata.CleanPath(path))
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete inode %s:%s: %w", domain, path, err)
	}

	return existed, nil
}

func (s *Store) List(ctx context.Context, domain, prefix string) (inodes []*metadata.Inode, err error) {
	defer s.record("list", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scan := keyInodePrefix(domain, prefix)
	err = s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(scan); it.ValidForPrefix(scan); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				inode, err := decodeInode(val)
				if err != nil {
					return err
				}
				inodes = append(inodes, inode)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list inodes %s:%s*: %w", domain, prefix, err)
	}

	return inodes, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) record(op string, start time.Time, err *error) {
	s.metrics.RecordOperation(op, time.Since(start), *err)
}

func decodeInode(data []byte) (*metadata.Inode, error) {
	var inode metadata.Inode
	if err := json.Unmarshal(data, &inode); err != nil {
		return nil, fmt.Errorf("failed to decode inode: %w", err)
	}
	return &inode, nil
}
