// Package memory implements an in-process content.Driver. Contents are lost
// on exit; intended for tests and ephemeral use.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/lockfs/pkg/store/content"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// Driver stores payloads in a map keyed by "/<domain><path>".
type Driver struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ content.Driver = (*Driver)(nil)

// New creates an empty driver.
func New() *Driver {
	return &Driver{blobs: make(map[string][]byte)}
}

// Name returns "memory".
func (d *Driver) Name() string {
	return "memory"
}

// Locate maps (domain, path) to the key "/<domain><path>".
func (d *Driver) Locate(domain, path string) (content.Location, error) {
	if err := metadata.ValidateDomain(domain); err != nil {
		return content.Location{}, fmt.Errorf("%w: %v", content.ErrInvalidPath, err)
	}

	clean := metadata.CleanPath(path)
	if clean == "/" {
		return content.Location{}, fmt.Errorf("%w: %s:%s has no content", content.ErrInvalidPath, domain, path)
	}

	key := "/" + domain + clean
	return content.Location{
		Path: key,
		URI:  map[string]string{"scheme": "memory", "key": key},
	}, nil
}

func (d *Driver) get(p string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.blobs[p]
	return data, ok
}

// Exists reports whether a payload is stored at p.
func (d *Driver) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := d.get(p)
	return ok, nil
}

// Size returns the payload size at p, or content.ErrNotFound.
func (d *Driver) Size(ctx context.Context, p string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, ok := d.get(p)
	if !ok {
		return 0, fmt.Errorf("%s: %w", p, content.ErrNotFound)
	}
	return int64(len(data)), nil
}

// Open returns a sequential reader over the payload at p.
func (d *Driver) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	r, err := d.open(ctx, p)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// OpenReaderAt returns a positioned reader over the payload at p.
func (d *Driver) OpenReaderAt(ctx context.Context, p string) (content.ReadAtCloser, error) {
	r, err := d.open(ctx, p)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Driver) open(ctx context.Context, p string) (*reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := d.get(p)
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, content.ErrNotFound)
	}
	// Stored slices are never mutated in place, so readers can share them.
	return &reader{Reader: bytes.NewReader(data)}, nil
}

type reader struct {
	*bytes.Reader
}

func (r *reader) Close() error {
	return nil
}

// Stage stores a copy of localFile under a unique key next to finalPath.
func (d *Driver) Stage(ctx context.Context, localFile, finalPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(localFile)
	if err != nil {
		return "", fmt.Errorf("failed to read staged payload %s: %w", localFile, err)
	}

	tempPath := finalPath + ".stage-" + uuid.NewString()

	d.mu.Lock()
	d.blobs[tempPath] = data
	d.mu.Unlock()

	return tempPath, nil
}

// AtomicReplace moves the payload at tempPath to finalPath under the write lock.
func (d *Driver) AtomicReplace(ctx context.Context, tempPath, finalPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data, ok := d.blobs[tempPath]
	if !ok {
		return fmt.Errorf("staged payload %s: %w", tempPath, content.ErrNotFound)
	}
	d.blobs[finalPath] = data
	delete(d.blobs, tempPath)
	return nil
}

// Delete removes the payload at p. A missing payload is not an error.
func (d *Driver) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blobs, p)
	return nil
}

// Close is a no-op.
func (d *Driver) Close() error {
	return nil
}
