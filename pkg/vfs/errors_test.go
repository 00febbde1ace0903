package vfs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/marmos91/lockfs/pkg/lock"
	"github.com/stretchr/testify/assert"
)

func TestError_IsKindAndCause(t *testing.T) {
	cause := &lock.LockError{Key: "vfs:k", Op: "lock", Err: fmt.Errorf("%w: slow", lock.ErrTimeout)}
	err := error(&Error{Kind: ErrLock, Op: "open", Domain: "d1", Path: "/a", LockKey: "vfs:k", Err: cause})

	assert.ErrorIs(t, err, ErrLock)
	assert.ErrorIs(t, err, lock.ErrTimeout)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, lock.IsLockError(err))

	assert.Equal(t, "open d1:/a (lock vfs:k): lock failed: "+cause.Error(), err.Error())

	bare := &Error{Kind: ErrNotSupported, Op: "mark", Domain: "d1", Path: "/a", LockKey: "vfs:k"}
	assert.Equal(t, "mark d1:/a (lock vfs:k): not supported", bare.Error())
	assert.ErrorIs(t, bare, ErrNotSupported)
}

func TestKindLabel(t *testing.T) {
	wrap := func(kind error) error { return &Error{Kind: kind} }

	assert.Equal(t, "success", kindLabel(nil))
	assert.Equal(t, "lock", kindLabel(wrap(ErrLock)))
	assert.Equal(t, "concurrent_write", kindLabel(wrap(ErrConcurrentWrite)))
	assert.Equal(t, "stale_lock", kindLabel(wrap(ErrStaleLock)))
	assert.Equal(t, "durable_replace", kindLabel(wrap(ErrDurableReplace)))
	assert.Equal(t, "not_found", kindLabel(wrap(ErrNotFound)))
	assert.Equal(t, "storage", kindLabel(wrap(ErrStorage)))
	assert.Equal(t, "error", kindLabel(errors.New("boom")))
	assert.Equal(t, "error", kindLabel(context.Canceled))
}

func TestPathInfo(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	info, err := Resolve(c.driver, domain, "a//b.txt")
	assert.NoError(t, err)
	assert.Equal(t, "/a/b.txt", info.Path)
	assert.Equal(t, "d1:/a/b.txt", info.Key())

	exists, err := info.Exists(ctx)
	assert.NoError(t, err)
	assert.False(t, exists)

	writeFile(t, fs, "/a/b.txt", "12345")

	exists, err = info.Exists(ctx)
	assert.NoError(t, err)
	assert.True(t, exists)

	size, err := info.Size(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = Resolve(c.driver, "bad:domain", "/x")
	assert.Error(t, err)

	assert.Equal(t, "d1%3A%2Fa%2Fb.txt", lockName("d1", "/a/b.txt"))
}
