// Package testing provides a reusable contract suite for metadata.Store
// implementations.
package testing

import (
	"context"
	"testing"

	"github.com/marmos91/lockfs/pkg/store/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the metadata.Store contract, not implementation
// details, so it can be reused across memory, badger and postgres.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &metadatatesting.StoreTestSuite{
//	        NewStore: func() metadata.Store { return mystore.New() },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test. The suite closes it.
	NewStore func() metadata.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("PutGet_RoundTrip", suite.testRoundTrip)
	t.Run("Put_LastWriterWins", suite.testLastWriterWins)
	t.Run("Put_RejectsInvalid", suite.testRejectsInvalid)
	t.Run("Delete", suite.testDelete)
	t.Run("List_PrefixAndOrder", suite.testList)
	t.Run("ReturnsCopies", suite.testReturnsCopies)
}

func (suite *StoreTestSuite) newStore(t *testing.T) metadata.Store {
	t.Helper()
	store := suite.NewStore()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testContext() context.Context {
	return context.Background()
}

func lockedInode(domain, path string) *metadata.Inode {
	inode := metadata.NewFileInode(domain, path)
	inode.State = metadata.StateUpdating
	inode.URI = map[string]string{"path": "/data/" + domain + path}
	inode.DataSize = 11
	inode.SyncedSize = 5
	inode.SyncTimestamp = 1700000000000
	inode.Compression = "zstd"
	inode.Lock = &metadata.LockInfo{
		Owner:            "host-a/1234/0b6c",
		LocalStagingPath: "/tmp/lockfs/stage-1",
		AcquiredAt:       1700000000100,
		RenewedAt:        1700000000200,
	}
	return inode
}

func (suite *StoreTestSuite) testGetNotFound(t *testing.T) {
	store := suite.newStore(t)

	_, err := store.Get(testContext(), "d1", "/missing")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func (suite *StoreTestSuite) testRoundTrip(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	inode := lockedInode("d1", "/a/b.txt")
	_, err := store.Put(ctx, inode)
	require.NoError(t, err)

	got, err := store.Get(ctx, "d1", "/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, inode, got)

	dir := metadata.NewDirectoryInode("d1", "/a")
	_, err = store.Put(ctx, dir)
	require.NoError(t, err)

	got, err = store.Get(ctx, "d1", "/a")
	require.NoError(t, err)
	assert.True(t, got.IsDir())
	assert.Nil(t, got.Lock)
}

func (suite *StoreTestSuite) testLastWriterWins(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	_, err := store.Put(ctx, lockedInode("d1", "/f"))
	require.NoError(t, err)

	synced := metadata.NewFileInode("d1", "/f")
	synced.State = metadata.StateSynced
	synced.DataSize = 3
	synced.SyncedSize = 3
	_, err = store.Put(ctx, synced)
	require.NoError(t, err)

	got, err := store.Get(ctx, "d1", "/f")
	require.NoError(t, err)
	assert.Equal(t, metadata.StateSynced, got.State)
	assert.Nil(t, got.Lock)
	assert.Equal(t, int64(3), got.SyncedSize)
}

func (suite *StoreTestSuite) testRejectsInvalid(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	updating := metadata.NewFileInode("d1", "/u")
	updating.State = metadata.StateUpdating

	syncedLocked := lockedInode("d1", "/s")
	syncedLocked.State = metadata.StateSynced
	syncedLocked.SyncedSize = syncedLocked.DataSize

	syncedShort := metadata.NewFileInode("d1", "/short")
	syncedShort.State = metadata.StateSynced
	syncedShort.DataSize = 10
	syncedShort.SyncedSize = 4

	for name, inode := range map[string]*metadata.Inode{
		"UpdatingWithoutLock": updating,
		"SyncedWithLock":      syncedLocked,
		"SyncedSizeMismatch":  syncedShort,
		"EmptyDomain":         metadata.NewFileInode("", "/x"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := store.Put(ctx, inode)
			assert.ErrorIs(t, err, metadata.ErrInvalidInode)

			_, err = store.Get(ctx, inode.Domain, inode.Path)
			assert.Error(t, err)
		})
	}
}

func (suite *StoreTestSuite) testDelete(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	_, err := store.Put(ctx, metadata.NewFileInode("d1", "/gone"))
	require.NoError(t, err)

	existed, err := store.Delete(ctx, "d1", "/gone")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.Delete(ctx, "d1", "/gone")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = store.Get(ctx, "d1", "/gone")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func (suite *StoreTestSuite) testList(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	for _, p := range []string{"/b/2", "/a", "/b", "/b/1", "/c"} {
		_, err := store.Put(ctx, metadata.NewFileInode("d1", p))
		require.NoError(t, err)
	}
	_, err := store.Put(ctx, metadata.NewFileInode("d2", "/b/1"))
	require.NoError(t, err)

	inodes, err := store.List(ctx, "d1", "/b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/b/1", "/b/2"}, paths(inodes))

	inodes, err = store.List(ctx, "d1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/b/1", "/b/2", "/c"}, paths(inodes))

	inodes, err = store.List(ctx, "d3", "")
	require.NoError(t, err)
	assert.Empty(t, inodes)
}

func (suite *StoreTestSuite) testReturnsCopies(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	inode := lockedInode("d1", "/copy")
	_, err := store.Put(ctx, inode)
	require.NoError(t, err)

	inode.Lock.Owner = "mutated"
	inode.URI["path"] = "mutated"

	got, err := store.Get(ctx, "d1", "/copy")
	require.NoError(t, err)
	assert.Equal(t, "host-a/1234/0b6c", got.Lock.Owner)
	assert.Equal(t, "/data/d1/copy", got.URI["path"])

	got.Lock.Owner = "mutated again"
	again, err := store.Get(ctx, "d1", "/copy")
	require.NoError(t, err)
	assert.Equal(t, "host-a/1234/0b6c", again.Lock.Owner)
}

func paths(inodes []*metadata.Inode) []string {
	out := make([]string, 0, len(inodes))
	for _, inode := range inodes {
		out = append(out, inode.Path)
	}
	return out
}
