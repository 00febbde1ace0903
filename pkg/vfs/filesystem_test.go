package vfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/lockfs/pkg/coord"
	coordbadger "github.com/marmos91/lockfs/pkg/coord/badger"
	"github.com/marmos91/lockfs/pkg/lock"
	"github.com/marmos91/lockfs/pkg/store/content"
	contentfs "github.com/marmos91/lockfs/pkg/store/content/fs"
	contentmemory "github.com/marmos91/lockfs/pkg/store/content/memory"
	"github.com/marmos91/lockfs/pkg/store/metadata"
	metadatamemory "github.com/marmos91/lockfs/pkg/store/metadata/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const domain = "d1"

// cluster is the shared state of several simulated processes: one inode
// store, one content driver and one coordination backend.
type cluster struct {
	store   metadata.Store
	driver  content.Driver
	backend coord.Backend
}

func newCluster(t *testing.T) *cluster {
	t.Helper()

	backend, err := coordbadger.New(context.Background(), coordbadger.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	return &cluster{
		store:   metadatamemory.New(),
		driver:  contentmemory.New(),
		backend: backend,
	}
}

// registry returns a lock registry with its own in-process cache, as a
// separate process would have.
func (c *cluster) registry(t *testing.T, timeout time.Duration) *lock.Registry {
	t.Helper()

	r := lock.NewRegistry(c.backend, lock.Config{
		Root:        "/lockfs",
		Environment: "test",
		Module:      "vfs",
		Timeout:     timeout,
	}, nil)
	require.NoError(t, r.Init(context.Background()))
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

// node starts a FileSystem acting as one process on host.
func (c *cluster) node(t *testing.T, host string, opts ...func(*Options)) *FileSystem {
	t.Helper()

	o := Options{
		Store:      c.store,
		Driver:     c.driver,
		Locks:      c.registry(t, 5*time.Second),
		StagingDir: t.TempDir(),
		Hostname:   host,
	}
	for _, fn := range opts {
		fn(&o)
	}

	fs, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func writeFile(t *testing.T, fs *FileSystem, path, data string) {
	t.Helper()
	ctx := context.Background()

	w, err := fs.OpenWriter(ctx, domain, path, WriterOptions{Overwrite: true})
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, true))
	require.NoError(t, w.Close(ctx))
}

func readFile(t *testing.T, fs *FileSystem, path string) string {
	t.Helper()

	r, err := fs.OpenReader(context.Background(), domain, path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	data, err := r.ReadAll()
	require.NoError(t, err)
	return string(data)
}

func stat(t *testing.T, fs *FileSystem, path string) *metadata.Inode {
	t.Helper()
	inode, err := fs.Stat(context.Background(), domain, path)
	require.NoError(t, err)
	return inode
}

func TestNew_RequiresCollaborators(t *testing.T) {
	c := newCluster(t)

	_, err := New(Options{Driver: c.driver, Locks: c.registry(t, time.Second)})
	assert.Error(t, err)

	_, err = New(Options{Store: c.store, Locks: c.registry(t, time.Second)})
	assert.Error(t, err)

	_, err = New(Options{Store: c.store, Driver: c.driver})
	assert.Error(t, err)

	_, err = New(Options{Store: c.store, Driver: c.driver, Locks: c.registry(t, time.Second), Compression: "lzma"})
	assert.Error(t, err)
}

func TestFileSystem_CreateStatExists(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	ok, err := fs.Exists(ctx, domain, "/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = fs.Stat(ctx, domain, "/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	inode, err := fs.Create(ctx, domain, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/a.txt", inode.Path)
	assert.Equal(t, metadata.StateNew, inode.State)
	assert.Equal(t, metadata.KindFile, inode.Kind)
	assert.NotEmpty(t, inode.URI)

	ok, err = fs.Exists(ctx, domain, "/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	writeFile(t, fs, "/a.txt", "data")

	again, err := fs.Create(ctx, domain, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, metadata.StateSynced, again.State, "create returns the existing inode")
}

func TestFileSystem_DomainCannotEscapeContentRoot(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret"), []byte("outside root"), 0644))

	driver, err := contentfs.New(context.Background(), contentfs.Config{Root: filepath.Join(base, "root")})
	require.NoError(t, err)

	c := newCluster(t)
	c.driver = driver
	fs := c.node(t, "node-a")
	ctx := context.Background()

	for _, d := range []string{"..", "."} {
		_, err := fs.Create(ctx, d, "/secret")
		assert.ErrorIs(t, err, ErrNotSupported, "domain %q", d)

		_, err = fs.OpenReader(ctx, d, "/secret")
		assert.Error(t, err, "domain %q", d)

		_, err = fs.OpenWriter(ctx, d, "/secret", WriterOptions{Overwrite: true})
		assert.Error(t, err, "domain %q", d)
	}

	data, err := os.ReadFile(filepath.Join(base, "secret"))
	require.NoError(t, err)
	assert.Equal(t, "outside root", string(data))
}

func TestFileSystem_MkdirAndList(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	dir, err := fs.Mkdir(ctx, domain, "/a")
	require.NoError(t, err)
	assert.True(t, dir.IsDir())
	assert.Equal(t, metadata.StateSynced, dir.State)

	for _, p := range []string{"/a/c.txt", "/a/b.txt", "/a/sub/d.txt", "/ab.txt"} {
		_, err := fs.Create(ctx, domain, p)
		require.NoError(t, err)
	}
	_, err = fs.Mkdir(ctx, domain, "/a/sub")
	require.NoError(t, err)

	children, err := fs.List(ctx, domain, "/a")
	require.NoError(t, err)

	var paths []string
	for _, child := range children {
		paths = append(paths, child.Path)
	}
	assert.Equal(t, []string{"/a/b.txt", "/a/c.txt", "/a/sub"}, paths)

	root, err := fs.List(ctx, domain, "/")
	require.NoError(t, err)
	require.Len(t, root, 2)
	assert.Equal(t, "/a", root[0].Path)
	assert.Equal(t, "/ab.txt", root[1].Path)

	_, err = fs.Mkdir(ctx, domain, "/ab.txt")
	assert.ErrorIs(t, err, ErrExists)

	_, err = fs.OpenWriter(ctx, domain, "/a", WriterOptions{})
	assert.ErrorIs(t, err, ErrNotSupported)

	_, err = fs.OpenReader(ctx, domain, "/a")
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestFileSystem_Delete(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	writeFile(t, fs, "/f.txt", "payload")
	info, err := Resolve(c.driver, domain, "/f.txt")
	require.NoError(t, err)

	require.NoError(t, fs.Delete(ctx, domain, "/f.txt"))

	_, err = fs.Stat(ctx, domain, "/f.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := info.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, fs.Delete(ctx, domain, "/f.txt"), ErrNotFound)
}

func TestFileSystem_DeleteRefusesLiveWriterAndNonEmptyDirectory(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	w, err := fs.OpenWriter(ctx, domain, "/busy", WriterOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Delete(ctx, domain, "/busy"), ErrConcurrentWrite)

	require.NoError(t, w.Close(ctx))
	assert.NoError(t, fs.Delete(ctx, domain, "/busy"), "an aborted session no longer protects the path")

	_, err = fs.Mkdir(ctx, domain, "/dir")
	require.NoError(t, err)
	_, err = fs.Create(ctx, domain, "/dir/x")
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Delete(ctx, domain, "/dir"), ErrNotSupported)
	require.NoError(t, fs.Delete(ctx, domain, "/dir/x"))
	assert.NoError(t, fs.Delete(ctx, domain, "/dir"))
}

func TestFileSystem_ErrorsCarryLocationAndLockKey(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	_, err := fs.OpenReader(ctx, domain, "/missing.txt")
	require.ErrorIs(t, err, ErrNotFound)

	var vErr *Error
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, domain, vErr.Domain)
	assert.Equal(t, "/missing.txt", vErr.Path)
	assert.Equal(t, "vfs:"+lockName(domain, "/missing.txt"), vErr.LockKey)
	assert.Contains(t, err.Error(), "d1:/missing.txt")
	assert.Contains(t, err.Error(), vErr.LockKey)
}

func TestFileSystem_LockTimeout(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	fs := c.node(t, "node-a", func(o *Options) {
		o.Locks = c.registry(t, 200*time.Millisecond)
	})

	// Another process holds the path lock.
	other := c.registry(t, time.Second)
	held, err := other.CreateLock(ctx, "d1:/x", "vfs", lockName(domain, "/x"))
	require.NoError(t, err)
	require.NoError(t, held.Lock(ctx))

	_, err = fs.OpenWriter(ctx, domain, "/x", WriterOptions{})
	assert.ErrorIs(t, err, ErrLock)
	assert.ErrorIs(t, err, lock.ErrTimeout)

	_, err = fs.Stat(ctx, domain, "/x")
	assert.ErrorIs(t, err, ErrNotFound, "a lock failure must not mutate the inode")

	held.Unlock()
	require.NoError(t, held.Close(ctx))

	w, err := fs.OpenWriter(ctx, domain, "/x", WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))
}

func TestFileSystem_ClosedRejectsNewSessions(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close())

	_, err := fs.OpenWriter(ctx, domain, "/x", WriterOptions{})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = fs.Create(ctx, domain, "/x")
	assert.ErrorIs(t, err, ErrClosed)
}

// failingDriver fails AtomicReplace on demand.
type failingDriver struct {
	content.Driver
	fail atomic.Bool
}

func (d *failingDriver) AtomicReplace(ctx context.Context, tempPath, finalPath string) error {
	if d.fail.Load() {
		return errors.New("injected replace failure")
	}
	return d.Driver.AtomicReplace(ctx, tempPath, finalPath)
}

func stagingFiles(t *testing.T, fs *FileSystem) []string {
	t.Helper()
	entries, err := os.ReadDir(fs.stagingDir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
