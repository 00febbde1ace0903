package vfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// Outcome is the result of reconciling one inode.
type Outcome int

const (
	// OutcomeClean means the inode needed no reconciliation.
	OutcomeClean Outcome = iota

	// OutcomeLive means the inode is Updating by a live session.
	OutcomeLive

	// OutcomeResetSynced means an orphan was reset to its durable content.
	OutcomeResetSynced

	// OutcomeResetNew means an orphan without durable content was reset to New.
	OutcomeResetNew

	// OutcomePurged means a half-deleted inode was removed.
	OutcomePurged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeLive:
		return "live"
	case OutcomeResetSynced:
		return "reset_synced"
	case OutcomeResetNew:
		return "reset_new"
	case OutcomePurged:
		return "purged"
	default:
		return "unknown"
	}
}

// Result pairs a path with its reconcile outcome.
type Result struct {
	Path    string
	Outcome Outcome
}

// isOrphan reports whether an Updating inode has lost its writer, and why.
//
// An inode is orphaned when any of these hold:
//   - its owner is a session of this FileSystem that is no longer live
//   - its owner ran on this host in a process that has exited
//   - its owner runs on this host and the staging file is gone
//   - its lock was not renewed for StaleAfter
func (fs *FileSystem) isOrphan(inode *metadata.Inode) (bool, string) {
	l := inode.Lock
	if l == nil {
		return true, "no lock"
	}

	host, pid, rest := parseOwner(l.Owner)
	if host == fs.host && pid == fs.pid && strings.HasPrefix(rest, fs.instance+"/") {
		if !fs.isLive(l.Owner) {
			return true, "session ended"
		}
		return false, ""
	}

	if host == fs.host && pid > 0 && pid != fs.pid && !fs.alive(pid) {
		return true, fmt.Sprintf("owner process %d exited", pid)
	}

	if host == fs.host && l.LocalStagingPath != "" {
		if _, err := os.Stat(l.LocalStagingPath); errors.Is(err, os.ErrNotExist) {
			return true, "staging file missing"
		}
	}

	if fs.staleAfter > 0 {
		idle := time.Duration(fs.nowMillis()-l.LastActivity()) * time.Millisecond
		if idle > fs.staleAfter {
			return true, fmt.Sprintf("idle for %s", idle.Round(time.Second))
		}
	}

	return false, ""
}

// reset returns an orphaned inode to its last durable state: Synced if
// durable content exists, New otherwise. The caller holds the path lock and
// persists the result.
func (fs *FileSystem) reset(ctx context.Context, inode *metadata.Inode) (Outcome, error) {
	info, err := Resolve(fs.driver, inode.Domain, inode.Path)
	if err != nil {
		return OutcomeClean, err
	}

	exists, err := info.Exists(ctx)
	if err != nil {
		return OutcomeClean, err
	}

	if inode.Lock != nil {
		fs.removeLocalStaging(inode.Lock)
		inode.Lock = nil
	}

	if !exists {
		inode.State = metadata.StateNew
		inode.DataSize = 0
		inode.SyncedSize = 0
		inode.SyncTimestamp = 0
		inode.Compression = ""
		return OutcomeResetNew, nil
	}

	// Raw content is sized by the driver. Compressed content keeps the last
	// committed logical size.
	size := inode.SyncedSize
	if inode.Compression == "" {
		if size, err = info.Size(ctx); err != nil {
			return OutcomeClean, err
		}
	}

	inode.State = metadata.StateSynced
	inode.DataSize = size
	inode.SyncedSize = size
	return OutcomeResetSynced, nil
}

// reconcileLocked reconciles inode while the caller holds its path lock.
func (fs *FileSystem) reconcileLocked(ctx context.Context, inode *metadata.Inode) (Outcome, error) {
	switch inode.State {
	case metadata.StateDeleted:
		if err := fs.purge(ctx, inode); err != nil {
			return OutcomeClean, err
		}
		return OutcomePurged, nil
	case metadata.StateUpdating:
	default:
		return OutcomeClean, nil
	}

	orphan, reason := fs.isOrphan(inode)
	if !orphan {
		return OutcomeLive, nil
	}

	owner := ""
	if inode.Lock != nil {
		owner = inode.Lock.Owner
	}

	outcome, err := fs.reset(ctx, inode)
	if err != nil {
		return OutcomeClean, err
	}
	if _, err := fs.store.Put(ctx, inode); err != nil {
		return OutcomeClean, err
	}

	logger.Info("Reconciled orphan %s (owner=%s, reason=%s): %s", inode.Key(), owner, reason, outcome)
	return outcome, nil
}

// Reconcile checks domain:path under its lock and resets it if it is an
// orphaned Updating inode.
func (fs *FileSystem) Reconcile(ctx context.Context, domain, path string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeClean, err
	}
	path = metadata.CleanPath(path)

	var outcome Outcome
	err := fs.withPathLock(ctx, "reconcile", domain, path, func() error {
		inode, err := fs.store.Get(ctx, domain, path)
		if errors.Is(err, metadata.ErrNotFound) {
			return fs.fail(ErrNotFound, "reconcile", domain, path, err)
		}
		if err != nil {
			return err
		}

		outcome, err = fs.reconcileLocked(ctx, inode)
		return err
	})
	if err != nil {
		fs.metrics.RecordReconcile(domain, "error")
		return OutcomeClean, fs.fail(ErrStorage, "reconcile", domain, path, err)
	}

	fs.metrics.RecordReconcile(domain, outcome.String())
	return outcome, nil
}

// ReconcileAll reconciles every Updating or Deleted inode of domain. Paths are
// handled independently; the first error is returned after the sweep.
func (fs *FileSystem) ReconcileAll(ctx context.Context, domain string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inodes, err := fs.store.List(ctx, domain, "")
	if err != nil {
		return nil, fs.fail(ErrStorage, "reconcile", domain, "/", err)
	}

	var (
		results  []Result
		firstErr error
	)
	for _, inode := range inodes {
		if inode.State != metadata.StateUpdating && inode.State != metadata.StateDeleted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		outcome, err := fs.Reconcile(ctx, domain, inode.Path)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn("Failed to reconcile %s:%s: %v", domain, inode.Path, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, Result{Path: inode.Path, Outcome: outcome})
	}

	return results, firstErr
}

// StartReconciler sweeps the given domains every interval until ctx is done
// or the FileSystem is closed.
func (fs *FileSystem) StartReconciler(ctx context.Context, interval time.Duration, domains ...string) {
	if interval <= 0 || len(domains) == 0 {
		return
	}

	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Info("Reconciler started (interval=%s, domains=%v)", interval, domains)

		for {
			select {
			case <-ctx.Done():
				return
			case <-fs.stop:
				return
			case <-ticker.C:
				for _, domain := range domains {
					results, err := fs.ReconcileAll(ctx, domain)
					if err != nil && ctx.Err() == nil {
						logger.Warn("Reconcile sweep of %s failed: %v", domain, err)
					}
					for _, r := range results {
						if r.Outcome != OutcomeLive && r.Outcome != OutcomeClean {
							logger.Debug("Reconcile sweep %s:%s -> %s", domain, r.Path, r.Outcome)
						}
					}
				}
			}
		}
	}()
}
