// Package metadata defines the inode model and the inode store contract.
//
// The store is the single source of truth for "who owns this path right now".
// It only needs point reads and last-writer-wins upserts; single-writer
// discipline is enforced by the distributed lock held around every mutation.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no inode exists for (domain, path).
	ErrNotFound = errors.New("inode not found")

	// ErrInvalidInode is returned by Put for inodes that fail Validate.
	ErrInvalidInode = errors.New("invalid inode")
)

// Store persists inodes keyed by (domain, path).
//
// Implementations:
//   - memory: in-process map, for tests and ephemeral use
//   - badger: embedded BadgerDB
//   - postgres: PostgreSQL via pgx
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
// Returned inodes are copies; mutating them does not affect the store.
type Store interface {
	// Get returns the inode at domain:path.
	//
	// Returns:
	//   - *Inode: A copy of the stored inode
	//   - error: ErrNotFound if absent, or a backend error
	Get(ctx context.Context, domain, path string) (*Inode, error)

	// Put validates and upserts inode (last writer wins).
	//
	// Returns:
	//   - *Inode: The stored inode
	//   - error: ErrInvalidInode wrapped with details, or a backend error
	Put(ctx context.Context, inode *Inode) (*Inode, error)

	// Delete removes the inode and reports whether it existed.
	Delete(ctx context.Context, domain, path string) (bool, error)

	// List returns every inode in domain whose path starts with prefix,
	// sorted by path. An empty prefix lists the whole domain.
	List(ctx context.Context, domain, prefix string) ([]*Inode, error)

	// Close releases the store's resources.
	Close() error
}
