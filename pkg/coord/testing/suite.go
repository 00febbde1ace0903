// Package testing provides a reusable contract suite for coord.Backend
// implementations.
package testing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/lockfs/pkg/coord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BackendTestSuite tests the coord.Backend contract.
//
// Every test works under a fresh random root node, so backends that share
// state across tests (a real ZooKeeper ensemble, a Redis server) stay isolated.
//
// Usage:
//
//	func TestMyBackend(t *testing.T) {
//	    suite := &coordtesting.BackendTestSuite{
//	        NewBackend: func() coord.Backend { return mybackend.New() },
//	    }
//	    suite.Run(t)
//	}
type BackendTestSuite struct {
	// NewBackend creates a backend instance. The suite closes it.
	NewBackend func() coord.Backend
}

// Run executes all tests in the suite.
func (suite *BackendTestSuite) Run(t *testing.T) {
	t.Run("Namespace", suite.RunNamespaceTests)
	t.Run("Mutex", suite.RunMutexTests)
}

// RunNamespaceTests executes the node operation tests.
func (suite *BackendTestSuite) RunNamespaceTests(t *testing.T) {
	t.Run("Create_MakesParents", suite.testCreateMakesParents)
	t.Run("Create_ExistingUntouched", suite.testCreateExisting)
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("Set", suite.testSet)
	t.Run("Delete_Idempotent", suite.testDelete)
	t.Run("Children_DirectAndSorted", suite.testChildren)
}

// RunMutexTests executes the mutual exclusion tests.
func (suite *BackendTestSuite) RunMutexTests(t *testing.T) {
	t.Run("Excludes", suite.testMutexExcludes)
	t.Run("Unlock_NotHeld", suite.testUnlockNotHeld)
	t.Run("Handoff", suite.testMutexHandoff)
}

func (suite *BackendTestSuite) newBackend(t *testing.T) (coord.Backend, string) {
	t.Helper()
	b := suite.NewBackend()
	t.Cleanup(func() { _ = b.Close() })
	return b, coord.Join("lockfs-test-" + uuid.NewString())
}

func (suite *BackendTestSuite) testCreateMakesParents(t *testing.T) {
	b, root := suite.newBackend(t)
	ctx := context.Background()

	created, err := b.Create(ctx, coord.Join(root, "a", "b", "c"), []byte("leaf"))
	require.NoError(t, err)
	assert.True(t, created)

	for _, p := range []string{root, coord.Join(root, "a"), coord.Join(root, "a", "b")} {
		ok, err := b.Exists(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok, "parent %s should exist", p)
	}

	data, err := b.Get(ctx, coord.Join(root, "a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("leaf"), data)
}

func (suite *BackendTestSuite) testCreateExisting(t *testing.T) {
	b, root := suite.newBackend(t)
	ctx := context.Background()
	p := coord.Join(root, "node")

	created, err := b.Create(ctx, p, []byte("first"))
	require.NoError(t, err)
	require.True(t, created)

	created, err = b.Create(ctx, p, []byte("second"))
	require.NoError(t, err)
	assert.False(t, created)

	data, err := b.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func (suite *BackendTestSuite) testGetNotFound(t *testing.T) {
	b, root := suite.newBackend(t)

	_, err := b.Get(context.Background(), coord.Join(root, "missing"))
	assert.ErrorIs(t, err, coord.ErrNoNode)

	ok, err := b.Exists(context.Background(), coord.Join(root, "missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func (suite *BackendTestSuite) testSet(t *testing.T) {
	b, root := suite.newBackend(t)
	ctx := context.Background()
	p := coord.Join(root, "node")

	err := b.Set(ctx, p, []byte("x"))
	assert.ErrorIs(t, err, coord.ErrNoNode)

	_, err = b.Create(ctx, p, nil)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, p, []byte("updated")))

	data, err := b.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), data)
}

func (suite *BackendTestSuite) testDelete(t *testing.T) {
	b, root := suite.newBackend(t)
	ctx := context.Background()
	p := coord.Join(root, "node")

	_, err := b.Create(ctx, p, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, p))
	require.NoError(t, b.Delete(ctx, p))

	ok, err := b.Exists(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func (suite *BackendTestSuite) testChildren(t *testing.T) {
	b, root := suite.newBackend(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := b.Create(ctx, coord.Join(root, "dir", name), nil)
		require.NoError(t, err)
	}
	_, err := b.Create(ctx, coord.Join(root, "dir", "mid", "deep"), nil)
	require.NoError(t, err)

	names, err := b.Children(ctx, coord.Join(root, "dir"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)

	names, err = b.Children(ctx, coord.Join(root, "nothing"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func (suite *BackendTestSuite) testMutexExcludes(t *testing.T) {
	b, root := suite.newBackend(t)
	ctx := context.Background()
	p := coord.Join(root, "mutex")

	first := b.NewMutex(p)
	second := b.NewMutex(p)

	require.NoError(t, first.Lock(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	assert.Error(t, second.Lock(waitCtx))

	require.NoError(t, first.Unlock(ctx))
	require.NoError(t, second.Lock(ctx))
	require.NoError(t, second.Unlock(ctx))
}

func (suite *BackendTestSuite) testUnlockNotHeld(t *testing.T) {
	b, root := suite.newBackend(t)

	m := b.NewMutex(coord.Join(root, "mutex"))
	assert.ErrorIs(t, m.Unlock(context.Background()), coord.ErrNotHeld)
}

func (suite *BackendTestSuite) testMutexHandoff(t *testing.T) {
	b, root := suite.newBackend(t)
	ctx := context.Background()
	p := coord.Join(root, "mutex")

	first := b.NewMutex(p)
	require.NoError(t, first.Lock(ctx))

	acquired := make(chan error, 1)
	go func() {
		second := b.NewMutex(p)
		err := second.Lock(ctx)
		if err == nil {
			err = second.Unlock(ctx)
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("second handle acquired a held mutex: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Unlock(ctx))

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second handle never acquired the released mutex")
	}
}
