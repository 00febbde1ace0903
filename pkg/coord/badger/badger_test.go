package badger

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/lockfs/pkg/coord"
	coordtesting "github.com/marmos91/lockfs/pkg/coord/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerBackend(t *testing.T) {
	suite := &coordtesting.BackendTestSuite{
		NewBackend: func() coord.Backend {
			b, err := New(context.Background(), Config{InMemory: true})
			if err != nil {
				t.Fatalf("failed to open backend: %v", err)
			}
			return b
		},
	}
	suite.Run(t)
}

func TestBadgerBackend_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := New(ctx, Config{Path: dir})
	require.NoError(t, err)

	_, err = b.Create(ctx, "/root/dev/locks/m/a", []byte(`{"name":"a"}`))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = New(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	data, err := b.Get(ctx, "/root/dev/locks/m/a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a"}`, string(data))
}

func TestBadgerBackend_ClosedRejectsCalls(t *testing.T) {
	b, err := New(context.Background(), Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.Exists(context.Background(), "/x")
	assert.ErrorIs(t, err, coord.ErrClosed)
	assert.NoError(t, b.Close())
}

func TestBadgerBackend_LeaseRefresh(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, Config{InMemory: true, LeaseTTL: 2 * time.Second})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	held := b.NewMutex("/lease")
	require.NoError(t, held.Lock(ctx))

	// Past the original lease: the holder's refresh must keep others out.
	time.Sleep(3 * time.Second)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.Error(t, b.NewMutex("/lease").Lock(waitCtx))

	require.NoError(t, held.Unlock(ctx))
}

func TestBadgerBackend_RequiresPath(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
