package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/coord"
)

// DistributedLock is a reference-counted mutual-exclusion handle shared by
// every owner in the process that asked the Registry for the same key.
//
// Two layers guard a critical section:
//   - an in-process gate, taken by Lock and returned by Unlock, that serializes
//     owners within this process
//   - the coordination backend mutex, acquired by the first Lock and kept
//     until the last reference is closed, that excludes other processes
//
// The lock is not reentrant: a second Lock from the same owner before Unlock
// waits on the gate and fails with ErrTimeout once the lock timeout elapses.
type DistributedLock struct {
	registry *Registry
	def      LockDef
	key      string
	timeout  time.Duration

	// refs is guarded by registry.mu.
	refs int

	gate chan struct{}

	mu        sync.Mutex
	mutex     coord.Mutex
	held      bool
	heldSince time.Time
	released  bool
}

func newDistributedLock(r *Registry, def LockDef) *DistributedLock {
	return &DistributedLock{
		registry: r,
		def:      def,
		key:      def.Key(),
		timeout:  r.config.Timeout,
		gate:     make(chan struct{}, 1),
		mutex:    r.backend.NewMutex(r.mutexPath(def)),
	}
}

// Key returns the registry key "module:name".
func (l *DistributedLock) Key() string {
	return l.key
}

// Def returns the lock definition.
func (l *DistributedLock) Def() LockDef {
	return l.def
}

// RefCount returns the number of open references.
func (l *DistributedLock) RefCount() int {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	return l.refs
}

// IncrementReference adds an owner. It never acquires anything.
func (l *DistributedLock) IncrementReference() *DistributedLock {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	l.refs++
	return l
}

// Held reports whether this process currently holds the backend mutex.
func (l *DistributedLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Lock enters the critical section. It waits for the in-process gate, then
// acquires the backend mutex unless this process already holds it. Both waits
// are bounded by the lock timeout and ctx.
func (l *DistributedLock) Lock(ctx context.Context) error {
	start := time.Now()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case l.gate <- struct{}{}:
	case <-ctx.Done():
		return l.fail(start, ctx.Err())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		<-l.gate
		return l.fail(start, ErrReleased)
	}

	if !l.held {
		if err := l.mutex.Lock(ctx); err != nil {
			<-l.gate
			return l.fail(start, err)
		}
		l.held = true
		l.heldSince = time.Now()
		logger.Debug("Acquired backend lock %s", l.key)
	}

	l.registry.metrics.RecordAcquire(l.def.Module, time.Since(start), nil)
	return nil
}

func (l *DistributedLock) fail(start time.Time, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, time.Since(start).Round(time.Millisecond), err)
		l.registry.metrics.RecordTimeout(l.def.Module)
	}
	l.registry.metrics.RecordAcquire(l.def.Module, time.Since(start), err)
	return &LockError{Key: l.key, Op: "lock", Err: err}
}

// Unlock leaves the critical section. The backend mutex stays held until the
// last reference is closed.
func (l *DistributedLock) Unlock() {
	select {
	case <-l.gate:
	default:
		logger.Warn("Unlock of lock %s that is not locked", l.key)
	}
}

// Close drops this owner's reference. Closing the last reference evicts the
// lock from the registry and releases the backend mutex.
func (l *DistributedLock) Close(ctx context.Context) error {
	last, err := l.registry.release(l)
	if err != nil || !last {
		return err
	}
	return l.releaseBackend(ctx)
}

func (l *DistributedLock) releaseBackend(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.released = true
	if !l.held {
		return nil
	}

	l.held = false
	l.registry.metrics.RecordBackendHold(l.def.Module, time.Since(l.heldSince))

	if err := l.mutex.Unlock(ctx); err != nil {
		return &LockError{Key: l.key, Op: "release", Err: err}
	}

	logger.Debug("Released backend lock %s", l.key)
	return nil
}
