package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/codec"
	"github.com/marmos91/lockfs/pkg/store/content"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// WriterOptions configures a write session.
type WriterOptions struct {
	// Overwrite starts from empty content instead of a copy of the last
	// committed content.
	Overwrite bool

	// Append positions the session at the end of the staged content.
	Append bool
}

type writerState int

const (
	writerIdle writerState = iota
	writerOpening
	writerWriting
	writerCommitting
	writerCommitted
	writerAborted
)

func (s writerState) String() string {
	switch s {
	case writerIdle:
		return "idle"
	case writerOpening:
		return "opening"
	case writerWriting:
		return "writing"
	case writerCommitting:
		return "committing"
	case writerCommitted:
		return "committed"
	case writerAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Writer is a staged write session on one file.
//
// Lifecycle: Idle -> Opening -> Writing -> Committing -> {Committed | Aborted}.
//
// While the session is open the inode is Updating and owned by this session;
// writes go to a local staging file and are invisible to readers. Commit
// publishes the staged content atomically. A commit that keeps the lock
// returns the session to Writing. Close without a pending commit aborts: the
// staging file is deleted and the inode stays Updating until reconciled.
//
// A Writer is safe for concurrent use, though writes from several goroutines
// interleave in no particular order.
type Writer struct {
	fs    *FileSystem
	info  PathInfo
	owner string

	mu          sync.Mutex
	state       writerState
	staging     *os.File
	stagingPath string
	dirty       bool
	kept        bool

	// done is closed when the session ends, stopping lock renewal.
	done chan struct{}
}

func (fs *FileSystem) openWriter(ctx context.Context, domain, path string, opts WriterOptions) (*Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := fs.checkOpen(); err != nil {
		return nil, fs.fail(ErrClosed, "open", domain, path, nil)
	}

	info, err := Resolve(fs.driver, domain, path)
	if err != nil {
		return nil, fs.fail(ErrNotSupported, "open", domain, path, err)
	}

	w := &Writer{fs: fs, info: info, state: writerOpening, owner: fs.newOwner()}

	err = fs.withPathLock(ctx, "open", domain, path, func() error {
		return w.open(ctx, opts)
	})
	if err != nil {
		w.finish(writerAborted)
		return nil, fs.fail(ErrStorage, "open", domain, path, err)
	}

	w.state = writerWriting
	if fs.staleAfter > 0 {
		w.done = make(chan struct{})
		go w.renewLoop(w.done, fs.staleAfter/3)
	}

	logger.Debug("Opened writer on %s (owner=%s, staging=%s)", info.Key(), w.owner, w.stagingPath)
	return w, nil
}

// renewLoop refreshes the inode lock every interval so that other hosts do
// not reclaim it as stale while the session is open. It stops when the
// session ends or ownership is lost.
func (w *Writer) renewLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			owned, err := w.renew(done)
			if err != nil {
				logger.Warn("Failed to renew lock on %s: %v", w.info.Key(), err)
				continue
			}
			if !owned {
				select {
				case <-done:
				default:
					logger.Warn("Writer on %s lost ownership, renewal stopped", w.info.Key())
				}
				return
			}
		}
	}
}

func (w *Writer) renew(done <-chan struct{}) (bool, error) {
	ctx := context.Background()
	fs := w.fs
	owned := false

	err := fs.withPathLock(ctx, "renew", w.info.Domain, w.info.Path, func() error {
		select {
		case <-done:
			owned = true
			return nil
		default:
		}

		inode, err := fs.store.Get(ctx, w.info.Domain, w.info.Path)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !w.owns(inode) {
			return nil
		}

		owned = true
		inode.Lock.RenewedAt = fs.nowMillis()
		_, err = fs.store.Put(ctx, inode)
		return err
	})
	return owned, err
}

// open runs inside the path lock.
func (w *Writer) open(ctx context.Context, opts WriterOptions) error {
	fs := w.fs
	domain, path := w.info.Domain, w.info.Path

	// ========================================================================
	// Step 1: Load the inode, refusing live owners and resetting orphans
	// ========================================================================

	inode, err := fs.store.Get(ctx, domain, path)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		inode = metadata.NewFileInode(domain, path)
	case err != nil:
		return err
	}

	if inode.IsDir() {
		return fs.fail(ErrNotSupported, "open", domain, path, fmt.Errorf("%s is a directory", inode.Key()))
	}

	outcome, err := fs.reconcileLocked(ctx, inode)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeLive:
		return fs.fail(ErrConcurrentWrite, "open", domain, path,
			fmt.Errorf("held by %s since %s", inode.Lock.Owner, time.UnixMilli(inode.Lock.AcquiredAt).UTC().Format(time.RFC3339)))
	case OutcomePurged:
		inode = metadata.NewFileInode(domain, path)
	case OutcomeResetSynced, OutcomeResetNew:
		fs.metrics.RecordReconcile(domain, outcome.String())
	}

	// ========================================================================
	// Step 2: Stage, starting from the committed content unless overwriting
	// ========================================================================

	f, err := os.CreateTemp(fs.stagingDir, "lockfs-*.stage")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	w.staging = f
	w.stagingPath = f.Name()

	if !opts.Overwrite && inode.State == metadata.StateSynced {
		if err := w.copyCommitted(ctx, inode); err != nil {
			return err
		}
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to size staging file: %w", err)
	}
	if !opts.Append {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind staging file: %w", err)
		}
	}

	// ========================================================================
	// Step 3: Mark the inode Updating by this session
	// ========================================================================

	inode.State = metadata.StateUpdating
	inode.URI = w.info.Location.URI
	inode.DataSize = size
	inode.Lock = &metadata.LockInfo{
		Owner:            w.owner,
		LocalStagingPath: w.stagingPath,
		AcquiredAt:       fs.nowMillis(),
	}

	_, err = fs.store.Put(ctx, inode)
	return err
}

func (w *Writer) copyCommitted(ctx context.Context, inode *metadata.Inode) error {
	r, err := w.fs.driver.Open(ctx, w.info.Location.Path)
	if errors.Is(err, content.ErrNotFound) {
		logger.Warn("Synced inode %s has no durable content, starting empty", inode.Key())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open committed content: %w", err)
	}
	defer func() { _ = r.Close() }()

	if err := codec.Decompress(inode.Compression, r, w.staging); err != nil {
		return fmt.Errorf("failed to copy committed content: %w", err)
	}
	return nil
}

// Domain returns the logical domain.
func (w *Writer) Domain() string { return w.info.Domain }

// Path returns the logical path.
func (w *Writer) Path() string { return w.info.Path }

// Owner returns the session's lock owner id.
func (w *Writer) Owner() string { return w.owner }

// StagingPath returns the local staging file.
func (w *Writer) StagingPath() string { return w.stagingPath }

// LockKey returns the key of the lock guarding the path.
func (w *Writer) LockKey() string { return w.fs.lockKey(w.info.Domain, w.info.Path) }

func (w *Writer) writable(op string) error {
	if w.state != writerWriting {
		return w.fs.fail(ErrClosed, op, w.info.Domain, w.info.Path, fmt.Errorf("writer is %s", w.state))
	}
	return nil
}

func (w *Writer) ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	return w.fs.fail(ErrStorage, op, w.info.Domain, w.info.Path, err)
}

// Write writes p at the current offset of the staging file.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable("write"); err != nil {
		return 0, err
	}

	n, err := w.staging.Write(p)
	w.dirty = true
	return n, w.ioError("write", err)
}

// WriteAt writes p at offset off of the staging file.
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable("write"); err != nil {
		return 0, err
	}

	n, err := w.staging.WriteAt(p, off)
	w.dirty = true
	return n, w.ioError("write", err)
}

// Seek sets the offset for the next Write.
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable("seek"); err != nil {
		return 0, err
	}

	pos, err := w.staging.Seek(offset, whence)
	return pos, w.ioError("seek", err)
}

// Truncate changes the size of the staged content.
func (w *Writer) Truncate(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable("truncate"); err != nil {
		return err
	}

	w.dirty = true
	return w.ioError("truncate", w.staging.Truncate(size))
}

// Size returns the size of the staged content.
func (w *Writer) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable("size"); err != nil {
		return 0, err
	}
	return w.stagedSize()
}

func (w *Writer) stagedSize() (int64, error) {
	fi, err := w.staging.Stat()
	if err != nil {
		return 0, w.ioError("size", err)
	}
	return fi.Size(), nil
}

// Commit publishes the staged content.
//
// With release set the inode becomes Synced and the session ends. Otherwise
// the inode stays Updating with its lock renewed and the session continues
// from the committed content.
//
// Errors:
//   - ErrLock: exclusivity could not be established; nothing changed and the
//     session may commit again
//   - ErrStaleLock: the session lost ownership; it is aborted and durable
//     content is untouched
//   - ErrDurableReplace: publishing failed; the session is aborted
func (w *Writer) Commit(ctx context.Context, release bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.writable("commit"); err != nil {
		return err
	}

	w.state = writerCommitting
	start := time.Now()

	size, err := w.commit(ctx, release)
	w.fs.metrics.RecordCommit(w.info.Domain, kindLabel(err), size, time.Since(start))

	switch {
	case err == nil && release:
		w.finish(writerCommitted)
		logger.Debug("Committed %s (%d bytes), lock released", w.info.Key(), size)
	case err == nil:
		w.state = writerWriting
		w.dirty = false
		w.kept = true
		logger.Debug("Committed %s (%d bytes), lock kept", w.info.Key(), size)
	case errors.Is(err, ErrStaleLock), errors.Is(err, ErrDurableReplace):
		w.finish(writerAborted)
		logger.Warn("Commit of %s aborted the session: %v", w.info.Key(), err)
	default:
		w.state = writerWriting
	}

	return err
}

func (w *Writer) commit(ctx context.Context, release bool) (int64, error) {
	fs := w.fs
	domain, path := w.info.Domain, w.info.Path
	final := w.info.Location.Path

	// ========================================================================
	// Step 1: Produce the final payload
	// ========================================================================

	if err := w.staging.Sync(); err != nil {
		return 0, w.ioError("commit", err)
	}
	size, err := w.stagedSize()
	if err != nil {
		return 0, err
	}

	payload, codecName, cleanup, err := w.buildPayload(size)
	if err != nil {
		return size, w.ioError("commit", err)
	}
	defer cleanup()

	// ========================================================================
	// Step 2: Upload it next to the durable path
	// ========================================================================

	tempPath, err := fs.driver.Stage(ctx, payload, final)
	if err != nil {
		return size, w.ioError("commit", fmt.Errorf("failed to stage payload: %w", err))
	}

	replaced := false
	defer func() {
		if replaced {
			return
		}
		if err := fs.driver.Delete(context.WithoutCancel(ctx), tempPath); err != nil {
			logger.Warn("Failed to remove staged payload %s: %v", tempPath, err)
		}
	}()

	// ========================================================================
	// Step 3: Verify ownership, publish and update the inode under the lock
	// ========================================================================

	err = fs.withPathLock(ctx, "commit", domain, path, func() error {
		inode, err := fs.store.Get(ctx, domain, path)
		if errors.Is(err, metadata.ErrNotFound) {
			return fs.fail(ErrStaleLock, "commit", domain, path, fmt.Errorf("inode was removed"))
		}
		if err != nil {
			return err
		}
		if !w.owns(inode) {
			return fs.fail(ErrStaleLock, "commit", domain, path, fmt.Errorf("inode is %s, owned by %s", inode.State, ownerOf(inode)))
		}

		if err := fs.driver.AtomicReplace(ctx, tempPath, final); err != nil {
			return fs.fail(ErrDurableReplace, "commit", domain, path, err)
		}
		replaced = true

		now := fs.nowMillis()
		inode.URI = w.info.Location.URI
		inode.DataSize = size
		inode.SyncedSize = size
		inode.SyncTimestamp = now
		inode.Compression = codecName
		if release {
			inode.State = metadata.StateSynced
			inode.Lock = nil
		} else {
			inode.Lock.RenewedAt = now
		}

		_, err = fs.store.Put(ctx, inode)
		return err
	})
	if err != nil {
		return size, fs.fail(ErrStorage, "commit", domain, path, err)
	}

	return size, nil
}

// buildPayload returns the file to upload: the staging file itself for raw
// content, or a compressed copy.
func (w *Writer) buildPayload(size int64) (string, string, func(), error) {
	noop := func() {}

	name := w.fs.codec
	if name == codec.None {
		return w.stagingPath, codec.None, noop, nil
	}

	head := make([]byte, 512)
	n, _ := w.staging.ReadAt(head, 0)
	if !codec.ShouldCompress(w.info.Path, head[:n]) {
		return w.stagingPath, codec.None, noop, nil
	}

	out, err := os.CreateTemp(w.fs.stagingDir, "lockfs-*.payload")
	if err != nil {
		return "", "", noop, fmt.Errorf("failed to create payload file: %w", err)
	}
	remove := func() { _ = os.Remove(out.Name()) }

	if err := codec.Compress(name, w.fs.level, io.NewSectionReader(w.staging, 0, size), out); err != nil {
		_ = out.Close()
		remove()
		return "", "", noop, err
	}
	if err := out.Close(); err != nil {
		remove()
		return "", "", noop, fmt.Errorf("failed to close payload file: %w", err)
	}

	return out.Name(), name, remove, nil
}

func (w *Writer) owns(inode *metadata.Inode) bool {
	return inode.State == metadata.StateUpdating &&
		inode.Lock != nil &&
		inode.Lock.Owner == w.owner &&
		inode.Lock.LocalStagingPath == w.stagingPath
}

func ownerOf(inode *metadata.Inode) string {
	if inode.Lock == nil {
		return "nobody"
	}
	return inode.Lock.Owner
}

// Close ends the session. After a commit that kept the lock and no further
// writes, the inode lock is released and the inode becomes Synced. Otherwise
// uncommitted writes are discarded and the inode is left Updating for
// reconciliation. Closing a finished session is a no-op.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerWriting {
		return nil
	}

	if w.kept && !w.dirty {
		err := w.fs.withPathLock(ctx, "close", w.info.Domain, w.info.Path, func() error {
			inode, err := w.fs.store.Get(ctx, w.info.Domain, w.info.Path)
			if err != nil {
				return err
			}
			if !w.owns(inode) {
				return nil
			}
			inode.State = metadata.StateSynced
			inode.Lock = nil
			_, err = w.fs.store.Put(ctx, inode)
			return err
		})
		w.finish(writerCommitted)
		if err != nil {
			// The staging file is gone, so reconciliation resets the inode
			// to the committed content.
			return w.fs.fail(ErrStorage, "close", w.info.Domain, w.info.Path, err)
		}
		return nil
	}

	w.finish(writerAborted)
	w.fs.metrics.RecordAbort(w.info.Domain)
	logger.Debug("Aborted writer on %s, inode left updating", w.info.Key())
	return nil
}

// finish ends the session: the staging file is deleted and the owner is no
// longer live.
func (w *Writer) finish(state writerState) {
	if w.staging != nil {
		_ = w.staging.Close()
		if err := os.Remove(w.stagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to remove staging file %s: %v", w.stagingPath, err)
		}
		w.staging = nil
	}
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
	w.fs.endSession(w.owner)
	w.state = state
}
