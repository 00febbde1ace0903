package vfs

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrLock indicates exclusivity could not be established (timeout or
	// coordination backend failure). Nothing was mutated.
	ErrLock = errors.New("lock failed")

	// ErrConcurrentWrite indicates another live session holds the path.
	ErrConcurrentWrite = errors.New("concurrent write")

	// ErrStaleLock indicates the session no longer owns the inode at commit
	// time (it was reconciled or taken over). Durable content was not touched.
	ErrStaleLock = errors.New("stale lock")

	// ErrDurableReplace indicates publishing the payload failed. The session
	// is over; durable content is whatever the driver guarantees (unchanged
	// for the bundled drivers).
	ErrDurableReplace = errors.New("durable replace failed")

	// ErrNotFound indicates the path has no inode or no durable content.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported indicates an operation the target does not support.
	ErrNotSupported = errors.New("not supported")

	// ErrExists indicates the path already exists with a different kind.
	ErrExists = errors.New("already exists")

	// ErrClosed indicates use of a closed writer, reader or filesystem.
	ErrClosed = errors.New("closed")

	// ErrStorage indicates an inode store or content driver failure.
	ErrStorage = errors.New("storage error")
)

// Error describes a failed filesystem operation. Every error carries the
// logical location and the lock key guarding it so a stuck inode can be
// correlated with its coordination node.
type Error struct {
	// Kind is one of the Err* sentinels.
	Kind    error
	Op      string
	Domain  string
	Path    string
	LockKey string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s:%s (lock %s): %v", e.Op, e.Domain, e.Path, e.LockKey, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// kindLabel names the kind of err for metrics.
func kindLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrLock):
		return "lock"
	case errors.Is(err, ErrConcurrentWrite):
		return "concurrent_write"
	case errors.Is(err, ErrStaleLock):
		return "stale_lock"
	case errors.Is(err, ErrDurableReplace):
		return "durable_replace"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "error"
	}
}
