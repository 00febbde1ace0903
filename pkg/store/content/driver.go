// Package content defines the physical storage driver contract.
//
// A Driver stores opaque payloads at physical paths. Durable content is only
// ever published through Stage + AtomicReplace, so an observer of the final
// path sees either the previous payload or the new one, never a mix.
package content

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when no content exists at a physical path.
	ErrNotFound = errors.New("content not found")

	// ErrInvalidPath is returned for logical paths that cannot be mapped.
	ErrInvalidPath = errors.New("invalid content path")
)

// Location is the physical location a logical (domain, path) resolves to.
type Location struct {
	// Path is the driver-level address (filesystem path, object key).
	Path string

	// URI describes the location as key/value pairs persisted on the inode
	// (e.g., {"scheme": "s3", "bucket": "b", "key": "k"}).
	URI map[string]string
}

// ReadAtCloser is a positioned reader over a payload of known size.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer

	// Size returns the payload size in bytes.
	Size() int64
}

// Driver is a physical storage backend.
//
// Implementations:
//   - fs: local disk (rename-based atomic replace)
//   - memory: in-process map, for tests
//   - s3: S3-compatible object store (copy-based atomic replace)
//
// Thread Safety:
// Implementations must be safe for concurrent use. Callers serialize writers
// of the same final path; the driver need not.
type Driver interface {
	// Name identifies the driver ("filesystem", "memory", "s3").
	Name() string

	// Locate maps a logical (domain, path) to its physical location.
	// It performs no I/O.
	Locate(domain, path string) (Location, error)

	// Exists reports whether content exists at p.
	Exists(ctx context.Context, p string) (bool, error)

	// Size returns the content size at p, or ErrNotFound.
	Size(ctx context.Context, p string) (int64, error)

	// Open returns a sequential reader over the content at p, or ErrNotFound.
	Open(ctx context.Context, p string) (io.ReadCloser, error)

	// OpenReaderAt returns a positioned reader over the content at p, or ErrNotFound.
	OpenReaderAt(ctx context.Context, p string) (ReadAtCloser, error)

	// Stage uploads the local file to a temporary location next to
	// finalPath and returns that location. Nothing is visible at finalPath.
	Stage(ctx context.Context, localFile, finalPath string) (tempPath string, err error)

	// AtomicReplace publishes tempPath at finalPath, replacing any previous
	// content. It is all-or-nothing for observers of finalPath; on failure
	// the previous content is left in place.
	AtomicReplace(ctx context.Context, tempPath, finalPath string) error

	// Delete removes the content at p. Deleting missing content is not an error.
	Delete(ctx context.Context, p string) error

	// Close releases driver resources.
	Close() error
}
