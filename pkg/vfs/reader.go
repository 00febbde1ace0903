package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/codec"
	"github.com/marmos91/lockfs/pkg/store/content"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// Reader reads the last committed content of a file.
//
// Readers never take the distributed lock. They see the content published by
// the latest commit at open time, which is always complete; a concurrent
// write session is invisible until it commits.
type Reader struct {
	fs    *FileSystem
	info  PathInfo
	inode *metadata.Inode

	mu       sync.Mutex
	src      content.ReadAtCloser
	tempPath string
	offset   int64
	closed   bool
}

// localFile is a materialized temp copy.
type localFile struct {
	*os.File
	size int64
}

func (f *localFile) Size() int64 {
	return f.size
}

func (fs *FileSystem) openReader(ctx context.Context, domain, path string) (*Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := Resolve(fs.driver, domain, path)
	if err != nil {
		return nil, fs.fail(ErrNotSupported, "read", domain, path, err)
	}

	// ========================================================================
	// Step 1: Verify the path has committed content
	// ========================================================================

	inode, err := fs.store.Get(ctx, domain, path)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, fs.fail(ErrNotFound, "read", domain, path, err)
	}
	if err != nil {
		return nil, fs.fail(ErrStorage, "read", domain, path, err)
	}
	if inode.IsDir() {
		return nil, fs.fail(ErrNotSupported, "read", domain, path, fmt.Errorf("%s is a directory", inode.Key()))
	}
	if inode.State == metadata.StateDeleted {
		return nil, fs.fail(ErrNotFound, "read", domain, path, fmt.Errorf("%s is being deleted", inode.Key()))
	}

	exists, err := info.Exists(ctx)
	if err != nil {
		return nil, fs.fail(ErrStorage, "read", domain, path, err)
	}
	if !exists {
		return nil, fs.fail(ErrNotFound, "read", domain, path, fmt.Errorf("no committed content"))
	}

	r := &Reader{fs: fs, info: info, inode: inode}

	// ========================================================================
	// Step 2: Read raw content in place, materialize compressed content
	// ========================================================================

	if inode.Compression == codec.None {
		r.src, err = fs.driver.OpenReaderAt(ctx, info.Location.Path)
	} else {
		r.src, r.tempPath, err = fs.materialize(ctx, info, inode.Compression)
	}
	if errors.Is(err, content.ErrNotFound) {
		return nil, fs.fail(ErrNotFound, "read", domain, path, err)
	}
	if err != nil {
		return nil, fs.fail(ErrStorage, "read", domain, path, err)
	}

	return r, nil
}

// materialize decompresses the durable content into a temp file.
func (fs *FileSystem) materialize(ctx context.Context, info PathInfo, name string) (content.ReadAtCloser, string, error) {
	src, err := fs.driver.Open(ctx, info.Location.Path)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = src.Close() }()

	f, err := os.CreateTemp(fs.stagingDir, "lockfs-*.read")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create temp copy: %w", err)
	}
	fail := func(err error) (content.ReadAtCloser, string, error) {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, "", err
	}

	if err := codec.Decompress(name, src, f); err != nil {
		return fail(err)
	}

	fi, err := f.Stat()
	if err != nil {
		return fail(err)
	}

	return &localFile{File: f, size: fi.Size()}, f.Name(), nil
}

// Inode returns the inode as of open time.
func (r *Reader) Inode() *metadata.Inode {
	return r.inode.Clone()
}

// Size returns the content size in bytes.
func (r *Reader) Size() int64 {
	return r.src.Size()
}

func (r *Reader) check(op string) error {
	if r.closed {
		return r.fs.fail(ErrClosed, op, r.info.Domain, r.info.Path, nil)
	}
	return nil
}

// Read reads from the current offset.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("read"); err != nil {
		return 0, err
	}
	if r.offset >= r.src.Size() {
		return 0, io.EOF
	}

	n, err := r.src.ReadAt(p, r.offset)
	r.offset += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt reads len(p) bytes at off. It does not move the offset.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return 0, r.check("read")
	}
	return r.src.ReadAt(p, off)
}

// Seek sets the offset for the next Read.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("seek"); err != nil {
		return 0, err
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.src.Size() + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek: negative position %d", abs)
	}

	r.offset = abs
	return abs, nil
}

// ReadAll reads from the current offset to the end.
func (r *Reader) ReadAll() ([]byte, error) {
	return io.ReadAll(r)
}

// ReadN reads up to n bytes from the current offset. It returns fewer bytes
// only at the end of the content.
func (r *Reader) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) || (errors.Is(err, io.EOF) && read == 0) {
		err = nil
	}
	return buf[:read], err
}

// Mark is not supported; re-open or Seek(0, io.SeekStart) to replay.
func (r *Reader) Mark(int) error {
	return r.fs.fail(ErrNotSupported, "mark", r.info.Domain, r.info.Path, nil)
}

// Reset is not supported; see Mark.
func (r *Reader) Reset() error {
	return r.fs.fail(ErrNotSupported, "reset", r.info.Domain, r.info.Path, nil)
}

// Close releases the handle and removes any materialized copy.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	err := r.src.Close()
	if r.tempPath != "" {
		if rmErr := os.Remove(r.tempPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("Failed to remove temp copy %s: %v", r.tempPath, rmErr)
		}
	}
	return err
}
