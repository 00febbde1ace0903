package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates the lock could not be acquired within its timeout.
	ErrTimeout = errors.New("lock acquisition timed out")

	// ErrReleased indicates an operation on a lock whose last reference has
	// already been closed.
	ErrReleased = errors.New("lock already released")
)

// LockError reports a failure to establish exclusivity or to reach the
// coordination backend. Callers must not mutate shared state after a LockError.
type LockError struct {
	// Key is the registry key ("module:name") of the lock.
	Key string

	// Op is the failed operation ("init", "create", "lock", "save").
	Op string

	Err error
}

func (e *LockError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("lock %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("lock %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// IsLockError reports whether err is (or wraps) a LockError.
func IsLockError(err error) bool {
	var lockErr *LockError
	return errors.As(err, &lockErr)
}
