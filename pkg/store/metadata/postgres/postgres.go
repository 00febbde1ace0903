// Package postgres implements metadata.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/metrics"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// Config configures the PostgreSQL inode store.
type Config struct {
	// DSN is a libpq connection string or URL.
	DSN string `mapstructure:"dsn" validate:"required"`

	// Table is the inode table name (default: "inodes").
	Table string `mapstructure:"table"`

	// MaxConns caps the pool size (0 keeps the pgx default).
	MaxConns int32 `mapstructure:"max_conns"`
}

// Client is the subset of pgxpool.Pool the store uses.
type Client interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed metadata.Store.
type Store struct {
	db      Client
	pool    *pgxpool.Pool
	table   string
	metrics metrics.MetadataMetrics
}

var _ metadata.Store = (*Store)(nil)

// New connects, pings and ensures the schema exists.
func New(ctx context.Context, cfg Config, m metrics.MetadataMetrics) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := newStore(pool, cfg.Table, m)
	s.pool = pool

	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Connected to postgres inode store (table=%s)", s.table)
	return s, nil
}

func newStore(db Client, table string, m metrics.MetadataMetrics) *Store {
	if table == "" {
		table = "inodes"
	}
	if m == nil {
		m = metrics.NewNoopMetadataMetrics()
	}
	return &Store{db: db, table: pgx.Identifier{table}.Sanitize(), metrics: m}
}

// EnsureSchema creates the inode table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			domain         TEXT   NOT NULL,
			path           TEXT   NOT NULL,
			kind           TEXT   NOT NULL,
			state          TEXT   NOT NULL,
			uri            JSONB  NOT NULL DEFAULT '{}',
			data_size      BIGINT NOT NULL DEFAULT 0,
			synced_size    BIGINT NOT NULL DEFAULT 0,
			sync_timestamp BIGINT NOT NULL DEFAULT 0,
			compression    TEXT   NOT NULL DEFAULT '',
			lock           JSONB,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (domain, path)
		)`, s.table)

	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create inode table: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, domain, path string) (inode *metadata.Inode, err error) {
	defer s.record("get", time.Now(), &err)

	query := fmt.Sprintf(`
		SELECT domain, path, kind, state, uri, data_size, synced_size, sync_timestamp, compression, lock
		FROM %s
		WHERE domain = $1 AND path = $2
	`, s.table)

	inode, err = scanInode(s.db.QueryRow(ctx, query, domain, metadata.CleanPath(path)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inode %s:%s: %w", domain, path, err)
	}
	return inode, nil
}

func (s *Store) Put(ctx context.Context, inode *metadata.Inode) (_ *metadata.Inode, err error) {
	defer s.record("put", time.Now(), &err)

	if err := inode.Validate(); err != nil {
		return nil, err
	}

	uri, err := json.Marshal(inode.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to encode uri of %s: %w", inode.Key(), err)
	}
	if inode.URI == nil {
		uri = []byte("{}")
	}

	var lock *string
	if inode.Lock != nil {
		data, err := json.Marshal(inode.Lock)
		if err != nil {
			return nil, fmt.Errorf("failed to encode lock of %s: %w", inode.Key(), err)
		}
		encoded := string(data)
		lock = &encoded
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (domain, path, kind, state, uri, data_size, synced_size, sync_timestamp, compression, lock, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10::jsonb, NOW())
		ON CONFLICT (domain, path) DO UPDATE SET
			kind = EXCLUDED.kind,
			state = EXCLUDED.state,
			uri = EXCLUDED.uri,
			data_size = EXCLUDED.data_size,
			synced_size = EXCLUDED.synced_size,
			sync_timestamp = EXCLUDED.sync_timestamp,
			compression = EXCLUDED.compression,
			lock = EXCLUDED.lock,
			updated_at = NOW()
	`, s.table)

	_, err = s.db.Exec(ctx, query,
		inode.Domain,
		inode.Path,
		inode.Kind.String(),
		inode.State.String(),
		string(uri),
		inode.DataSize,
		inode.SyncedSize,
		inode.SyncTimestamp,
		inode.Compression,
		lock,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to put inode %s: %w", inode.Key(), err)
	}

	return inode.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, domain, path string) (_ bool, err error) {
	defer s.record("delete", time.Now(), &err)

	query := fmt.Sprintf(`DELETE FROM %s WHERE domain = $1 AND path = $2`, s.table)

	tag, err := s.db.Exec(ctx, query, domain, metadata.CleanPath(path))
	if err != nil {
		return false, fmt.Errorf("failed to delete inode %s:%s: %w", domain, path, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) List(ctx context.Context, domain, prefix string) (inodes []*metadata.Inode, err error) {
	defer s.record("list", time.Now(), &err)

	query := fmt.Sprintf(`
		SELECT domain, path, kind, state, uri, data_size, synced_size, sync_timestamp, compression, lock
		FROM %s
		WHERE domain = $1 AND left(path, length($2)) = $2
		ORDER BY path COLLATE "C"
	`, s.table)

	rows, err := s.db.Query(ctx, query, domain, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list inodes %s:%s*: %w", domain, prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		inode, err := scanInode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inode: %w", err)
		}
		inodes = append(inodes, inode)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list inodes %s:%s*: %w", domain, prefix, err)
	}

	return inodes, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) record(op string, start time.Time, err *error) {
	s.metrics.RecordOperation(op, time.Since(start), *err)
}

func scanInode(row pgx.Row) (*metadata.Inode, error) {
	var (
		inode       metadata.Inode
		kind, state string
		uri, lock   []byte
	)

	if err := row.Scan(
		&inode.Domain,
		&inode.Path,
		&kind,
		&state,
		&uri,
		&inode.DataSize,
		&inode.SyncedSize,
		&inode.SyncTimestamp,
		&inode.Compression,
		&lock,
	); err != nil {
		return nil, err
	}

	if err := inode.Kind.UnmarshalText([]byte(kind)); err != nil {
		return nil, err
	}
	if err := inode.State.UnmarshalText([]byte(state)); err != nil {
		return nil, err
	}
	if len(uri) > 0 {
		if err := json.Unmarshal(uri, &inode.URI); err != nil {
			return nil, fmt.Errorf("invalid uri column: %w", err)
		}
		if len(inode.URI) == 0 {
			inode.URI = nil
		}
	}
	if len(lock) > 0 {
		inode.Lock = &metadata.LockInfo{}
		if err := json.Unmarshal(lock, inode.Lock); err != nil {
			return nil, fmt.Errorf("invalid lock column: %w", err)
		}
	}

	return &inode, nil
}
