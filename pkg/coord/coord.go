// Package coord defines the coordination backend used by the lock registry.
//
// A coordination backend provides a hierarchical namespace (ZooKeeper style
// slash-separated paths) with atomic node operations, plus a mutual-exclusion
// primitive addressed by path. lockfs builds named locks and lock-definition
// persistence on top of it; it never implements the backend's own consensus.
//
// Implementations:
//   - badger: embedded, single-process (lease based mutex, useful for tests and
//     single-node deployments)
//   - zookeeper: ZooKeeper ensemble via go-zookeeper/zk lock recipe
//   - redis: Redis via go-redis with bsm/redislock leases
package coord

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	// ErrNoNode indicates the addressed node does not exist.
	ErrNoNode = errors.New("coord: node does not exist")

	// ErrNotHeld indicates Unlock was called on a mutex this handle does not hold.
	ErrNotHeld = errors.New("coord: mutex not held")

	// ErrClosed indicates the backend connection has been closed.
	ErrClosed = errors.New("coord: backend closed")
)

// Backend is a hierarchical namespace with atomic per-node operations.
//
// Paths are absolute, slash separated and never end with a slash (except the
// root "/"). All operations must be safe for concurrent use.
type Backend interface {
	// Create creates the node with data if it does not exist yet, creating any
	// missing parents with empty data. It reports whether this call created the
	// node; an existing node is left untouched.
	Create(ctx context.Context, path string, data []byte) (bool, error)

	// Get returns the node data, or ErrNoNode.
	Get(ctx context.Context, path string) ([]byte, error)

	// Set replaces the node data, or returns ErrNoNode.
	Set(ctx context.Context, path string, data []byte) error

	// Delete removes a leaf node. Deleting a missing node is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether the node exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Children returns the sorted names (not paths) of the direct children.
	// A missing node has no children.
	Children(ctx context.Context, path string) ([]string, error)

	// NewMutex returns a mutual-exclusion handle for path. Handles are not
	// reentrant; two handles for the same path exclude each other even within
	// one process.
	NewMutex(path string) Mutex

	// Close releases the backend connection.
	Close() error
}

// Mutex is a cross-process mutual-exclusion primitive.
type Mutex interface {
	// Lock blocks until the mutex is acquired or ctx is done.
	Lock(ctx context.Context) error

	// Unlock releases the mutex. Returns ErrNotHeld if this handle does not hold it.
	Unlock(ctx context.Context) error
}

// Join joins path elements into a clean absolute node path.
func Join(elem ...string) string {
	p := path.Join(append([]string{"/"}, elem...)...)
	return p
}

// Parent returns the parent node path of p ("/" for top level nodes).
func Parent(p string) string {
	return path.Dir(Clean(p))
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(Clean(p))
}

// Clean normalizes p to an absolute node path.
func Clean(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Ancestors returns every proper ancestor of p from the top down, excluding "/".
//
// Example: Ancestors("/a/b/c") returns ["/a", "/a/b"].
func Ancestors(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}

	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, "/"+strings.Join(parts[:i], "/"))
	}
	return out
}
