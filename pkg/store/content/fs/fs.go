// Package fs implements a content.Driver on the local filesystem.
//
// Logical paths map to <root>/<domain>/<path>. Payloads are staged as hidden
// temp files in the destination directory and published with rename(2), which
// replaces the destination atomically on the same volume.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/lockfs/pkg/store/content"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// Config configures the filesystem driver.
type Config struct {
	// Root is the directory holding every domain.
	Root string `mapstructure:"root" validate:"required"`

	// DirMode and FileMode are the permissions of created entries
	// (defaults 0755 and 0644).
	DirMode  os.FileMode `mapstructure:"dir_mode"`
	FileMode os.FileMode `mapstructure:"file_mode"`
}

// Driver is a filesystem-backed content.Driver.
type Driver struct {
	root     string
	dirMode  os.FileMode
	fileMode os.FileMode
}

var _ content.Driver = (*Driver)(nil)

// New creates the driver, creating Root if needed.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cfg: Driver configuration
//
// Returns:
//   - *Driver: Initialized driver
//   - error: Returns error if the root cannot be created or ctx is cancelled
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Root == "" {
		return nil, fmt.Errorf("filesystem root is required")
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", cfg.Root, err)
	}

	if err := os.MkdirAll(root, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	return &Driver{root: root, dirMode: cfg.DirMode, fileMode: cfg.FileMode}, nil
}

// Name returns "filesystem".
func (d *Driver) Name() string {
	return "filesystem"
}

// Locate maps (domain, path) to <root>/<domain>/<path>. The result always lies
// strictly inside the root.
func (d *Driver) Locate(domain, path string) (content.Location, error) {
	if err := metadata.ValidateDomain(domain); err != nil {
		return content.Location{}, fmt.Errorf("%w: %v", content.ErrInvalidPath, err)
	}

	clean := metadata.CleanPath(path)
	if clean == "/" {
		return content.Location{}, fmt.Errorf("%w: %s:%s has no content", content.ErrInvalidPath, domain, path)
	}

	full := filepath.Join(d.root, domain, filepath.FromSlash(clean))
	if err := d.within(full); err != nil {
		return content.Location{}, err
	}
	return content.Location{
		Path: full,
		URI:  map[string]string{"scheme": "file", "path": full},
	}, nil
}

// within rejects paths outside the driver root.
func (d *Driver) within(p string) error {
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", content.ErrInvalidPath, p, d.root)
	}
	return nil
}

// Exists reports whether a regular file exists at p.
func (d *Driver) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := d.within(p); err != nil {
		return false, err
	}

	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return info.Mode().IsRegular(), nil
}

// Size returns the size of the file at p, or content.ErrNotFound.
func (d *Driver) Size(ctx context.Context, p string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := d.within(p); err != nil {
		return 0, err
	}

	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", p, content.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return info.Size(), nil
}

// Open returns the file at p for sequential reading.
func (d *Driver) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	f, err := d.open(ctx, p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenReaderAt returns the file at p for positioned reads.
func (d *Driver) OpenReaderAt(ctx context.Context, p string) (content.ReadAtCloser, error) {
	f, err := d.open(ctx, p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *Driver) open(ctx context.Context, p string) (*file, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.within(p); err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, content.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", p, err)
	}

	return &file{File: f, size: info.Size()}, nil
}

// file is an *os.File with a fixed size.
type file struct {
	*os.File
	size int64
}

func (f *file) Size() int64 {
	return f.size
}

// Stage copies localFile into a hidden temp file in finalPath's directory and
// fsyncs it. The returned path is only ever published by AtomicReplace.
//
// Parameters:
//   - ctx: Context for cancellation
//   - localFile: Local payload to copy
//   - finalPath: Physical path the payload will be published at
//
// Returns:
//   - string: Temp file path, in the same directory as finalPath
//   - error: ErrInvalidPath if finalPath is outside the root, or an I/O error
func (d *Driver) Stage(ctx context.Context, localFile, finalPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := d.within(finalPath); err != nil {
		return "", err
	}

	// ========================================================================
	// Step 1: Create the temp file next to the destination (same volume)
	// ========================================================================

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, d.dirMode); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(finalPath)+".*.stage")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tempPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
	}

	// ========================================================================
	// Step 2: Copy and fsync the payload
	// ========================================================================

	src, err := os.Open(localFile)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to open staged payload %s: %w", localFile, err)
	}
	defer func() { _ = src.Close() }()

	if _, err := io.Copy(tmp, src); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to copy payload to %s: %w", tempPath, err)
	}
	if err := tmp.Chmod(d.fileMode); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to chmod %s: %w", tempPath, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to sync %s: %w", tempPath, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("failed to close %s: %w", tempPath, err)
	}

	return tempPath, nil
}

// AtomicReplace renames tempPath over finalPath and syncs the directory.
// Both must share a directory so the rename stays on one volume.
func (d *Driver) AtomicReplace(ctx context.Context, tempPath, finalPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.within(finalPath); err != nil {
		return err
	}

	if filepath.Dir(tempPath) != filepath.Dir(finalPath) {
		return fmt.Errorf("%w: %s and %s are in different directories", content.ErrInvalidPath, tempPath, finalPath)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tempPath, finalPath, err)
	}

	// Persist the directory entry as well.
	if dir, err := os.Open(filepath.Dir(finalPath)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	return nil
}

// Delete removes the file at p. A missing file is not an error.
func (d *Driver) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.within(p); err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

// Close is a no-op.
func (d *Driver) Close() error {
	return nil
}
