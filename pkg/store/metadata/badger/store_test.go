package badger

import (
	"context"
	"testing"

	"github.com/marmos91/lockfs/pkg/store/metadata"
	metadatatesting "github.com/marmos91/lockfs/pkg/store/metadata/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore(t *testing.T) {
	suite := &metadatatesting.StoreTestSuite{
		NewStore: func() metadata.Store {
			store, err := New(context.Background(), Config{InMemory: true}, nil)
			if err != nil {
				t.Fatalf("failed to open store: %v", err)
			}
			return store
		},
	}
	suite.Run(t)
}

func TestBadgerStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := New(ctx, Config{Path: dir}, nil)
	require.NoError(t, err)

	inode := metadata.NewFileInode("d1", "/a/b.txt")
	inode.State = metadata.StateUpdating
	inode.Lock = &metadata.LockInfo{Owner: "host/1/abc", LocalStagingPath: "/tmp/x", AcquiredAt: 42}
	_, err = store.Put(ctx, inode)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = New(ctx, Config{Path: dir}, nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	got, err := store.Get(ctx, "d1", "/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, inode, got)
}

func TestBadgerStore_DomainsDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, Config{InMemory: true}, nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = store.Put(ctx, metadata.NewFileInode("d", "/x"))
	require.NoError(t, err)
	_, err = store.Put(ctx, metadata.NewFileInode("d2", "/x"))
	require.NoError(t, err)

	inodes, err := store.List(ctx, "d", "")
	require.NoError(t, err)
	require.Len(t, inodes, 1)
	assert.Equal(t, "d", inodes[0].Domain)
}
