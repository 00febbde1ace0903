package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/lockfs/pkg/codec"
	"github.com/marmos91/lockfs/pkg/store/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_ScenarioA_CommitAndRead(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	w, err := fs.OpenWriter(ctx, domain, "/a/b.txt", WriterOptions{})
	require.NoError(t, err)

	inode := stat(t, fs, "/a/b.txt")
	assert.Equal(t, metadata.StateUpdating, inode.State)
	require.NotNil(t, inode.Lock)
	assert.Equal(t, w.Owner(), inode.Lock.Owner)
	assert.Equal(t, w.StagingPath(), inode.Lock.LocalStagingPath)

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, true))
	require.NoError(t, w.Close(ctx))

	assert.Equal(t, "hello", readFile(t, fs, "/a/b.txt"))

	inode = stat(t, fs, "/a/b.txt")
	assert.Equal(t, metadata.StateSynced, inode.State)
	assert.Nil(t, inode.Lock)
	assert.Equal(t, int64(5), inode.SyncedSize)
	assert.Equal(t, int64(5), inode.DataSize)
	assert.NotZero(t, inode.SyncTimestamp)

	_, err = os.Stat(w.StagingPath())
	assert.True(t, os.IsNotExist(err), "staging file is removed after commit")
}

func TestWriter_ScenarioB_ConcurrentOpen(t *testing.T) {
	c := newCluster(t)
	nodeA := c.node(t, "node-a")
	nodeB := c.node(t, "node-b")
	ctx := context.Background()

	w1, err := nodeA.OpenWriter(ctx, domain, "/a/b.txt", WriterOptions{})
	require.NoError(t, err)

	_, err = nodeA.OpenWriter(ctx, domain, "/a/b.txt", WriterOptions{})
	assert.ErrorIs(t, err, ErrConcurrentWrite, "same process, second session")

	_, err = nodeB.OpenWriter(ctx, domain, "/a/b.txt", WriterOptions{})
	assert.ErrorIs(t, err, ErrConcurrentWrite, "other process")
	assert.Contains(t, err.Error(), w1.Owner())

	_, err = w1.Write([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, w1.Commit(ctx, true))

	w2, err := nodeB.OpenWriter(ctx, domain, "/a/b.txt", WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w2.Close(ctx))
}

func TestWriter_MutualExclusion(t *testing.T) {
	c := newCluster(t)
	nodes := []*FileSystem{c.node(t, "node-a"), c.node(t, "node-b")}
	ctx := context.Background()

	const sessions = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []*Writer
		conflicts int
		other     []error
	)

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(fs *FileSystem) {
			defer wg.Done()
			w, err := fs.OpenWriter(ctx, domain, "/contended", WriterOptions{})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, w)
			case errors.Is(err, ErrConcurrentWrite):
				conflicts++
			default:
				other = append(other, err)
			}
		}(nodes[i%len(nodes)])
	}
	wg.Wait()

	require.Empty(t, other)
	require.Len(t, winners, 1)
	assert.Equal(t, sessions-1, conflicts)

	require.NoError(t, winners[0].Commit(ctx, true))
}

func TestWriter_AbortLeavesDurableContent(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	writeFile(t, fs, "/doc", "original")

	w, err := fs.OpenWriter(ctx, domain, "/doc", WriterOptions{Overwrite: true})
	require.NoError(t, err)
	_, err = w.Write([]byte("partial garbage"))
	require.NoError(t, err)

	assert.Equal(t, "original", readFile(t, fs, "/doc"), "staged writes are invisible")

	require.NoError(t, w.Close(ctx))
	assert.Equal(t, "original", readFile(t, fs, "/doc"))

	_, err = w.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrClosed)

	inode := stat(t, fs, "/doc")
	assert.Equal(t, metadata.StateUpdating, inode.State, "abort leaves the recovery gap")

	_, err = os.Stat(w.StagingPath())
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_ScenarioD_ReopenAfterAbort(t *testing.T) {
	t.Run("NoPriorContent", func(t *testing.T) {
		c := newCluster(t)
		fs := c.node(t, "node-a")
		ctx := context.Background()

		w, err := fs.OpenWriter(ctx, domain, "/new.txt", WriterOptions{})
		require.NoError(t, err)
		_, err = w.Write([]byte("lost"))
		require.NoError(t, err)
		require.NoError(t, w.Close(ctx))

		w, err = fs.OpenWriter(ctx, domain, "/new.txt", WriterOptions{})
		require.NoError(t, err)

		size, err := w.Size()
		require.NoError(t, err)
		assert.Zero(t, size, "reset to New, nothing to copy")

		_, err = w.Write([]byte("kept"))
		require.NoError(t, err)
		require.NoError(t, w.Commit(ctx, true))
		assert.Equal(t, "kept", readFile(t, fs, "/new.txt"))
	})

	t.Run("PriorContent", func(t *testing.T) {
		c := newCluster(t)
		fs := c.node(t, "node-a")
		ctx := context.Background()

		writeFile(t, fs, "/old.txt", "durable")

		w, err := fs.OpenWriter(ctx, domain, "/old.txt", WriterOptions{})
		require.NoError(t, err)
		_, err = w.Write([]byte("XXXXXXXXXXXX"))
		require.NoError(t, err)
		require.NoError(t, w.Close(ctx))

		w, err = fs.OpenWriter(ctx, domain, "/old.txt", WriterOptions{Append: true})
		require.NoError(t, err)
		_, err = w.Write([]byte("!"))
		require.NoError(t, err)
		require.NoError(t, w.Commit(ctx, true))

		assert.Equal(t, "durable!", readFile(t, fs, "/old.txt"))
	})
}

func TestWriter_CrashedProcessOnOtherHost(t *testing.T) {
	c := newCluster(t)
	crashed := c.node(t, "node-a")
	survivor := c.node(t, "node-b", func(o *Options) { o.StaleAfter = time.Minute })
	ctx := context.Background()

	writeFile(t, crashed, "/shared", "v1")

	w1, err := crashed.OpenWriter(ctx, domain, "/shared", WriterOptions{})
	require.NoError(t, err)
	_, err = w1.Write([]byte("never committed"))
	require.NoError(t, err)

	_, err = survivor.OpenWriter(ctx, domain, "/shared", WriterOptions{})
	require.ErrorIs(t, err, ErrConcurrentWrite, "a recent lock on another host is live")

	survivor.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	w2, err := survivor.OpenWriter(ctx, domain, "/shared", WriterOptions{Overwrite: true})
	require.NoError(t, err, "a stale lock is reconciled on open")
	_, err = w2.Write([]byte("v2"))
	require.NoError(t, err)
	require.NoError(t, w2.Commit(ctx, true))

	// The original session wakes up and tries to commit.
	err = w1.Commit(ctx, true)
	require.ErrorIs(t, err, ErrStaleLock)
	assert.Equal(t, "v2", readFile(t, survivor, "/shared"), "a stale commit does not touch durable content")

	_, err = w1.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed, "a stale session is aborted")
}

// exitedPid returns the pid of a child process that has already exited.
func exitedPid(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, cmd.Run())
	return cmd.ProcessState.Pid()
}

// seedOrphan stores an Updating inode left behind by owner, with a staging
// file that still exists.
func seedOrphan(t *testing.T, c *cluster, path, owner string) string {
	t.Helper()

	staging := filepath.Join(t.TempDir(), "lockfs-dead.stage")
	require.NoError(t, os.WriteFile(staging, []byte("half written"), 0600))

	inode := metadata.NewFileInode(domain, path)
	inode.State = metadata.StateUpdating
	inode.DataSize = 12
	inode.Lock = &metadata.LockInfo{Owner: owner, LocalStagingPath: staging, AcquiredAt: 1}
	_, err := c.store.Put(context.Background(), inode)
	require.NoError(t, err)
	return staging
}

func TestWriter_KilledProcessOnSameHost(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	const deadPid, livePid = 999999, 999998
	fs.alive = func(pid int) bool { return pid != deadPid }

	liveStaging := seedOrphan(t, c, "/busy", fmt.Sprintf("node-a/%d/cafebabe/0000", livePid))
	outcome, err := fs.Reconcile(ctx, domain, "/busy")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLive, outcome, "a running process keeps its lock")
	assert.FileExists(t, liveStaging)

	deadStaging := seedOrphan(t, c, "/k", fmt.Sprintf("node-a/%d/deadbeef/0000", deadPid))
	outcome, err = fs.Reconcile(ctx, domain, "/k")
	require.NoError(t, err)
	assert.Equal(t, OutcomeResetNew, outcome)
	assert.NoFileExists(t, deadStaging, "the dead session's staging file is removed")

	inode := stat(t, fs, "/k")
	assert.Equal(t, metadata.StateNew, inode.State)
	assert.Nil(t, inode.Lock)
}

func TestWriter_OpenAfterOwnerProcessExited(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	writeFile(t, fs, "/k", "durable")
	seedOrphan(t, c, "/k", fmt.Sprintf("node-a/%d/deadbeef/0000", exitedPid(t)))

	w, err := fs.OpenWriter(ctx, domain, "/k", WriterOptions{Append: true})
	require.NoError(t, err, "no manual intervention after a crash")
	_, err = w.Write([]byte("!"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, true))

	assert.Equal(t, "durable!", readFile(t, fs, "/k"))
}

func TestProcessRunning(t *testing.T) {
	assert.True(t, processRunning(os.Getpid()))
	assert.False(t, processRunning(exitedPid(t)))
}

func TestWriter_RenewsLockWhileOpen(t *testing.T) {
	c := newCluster(t)
	staleAfter := func(o *Options) { o.StaleAfter = 300 * time.Millisecond }
	holder := c.node(t, "node-a", staleAfter)
	other := c.node(t, "node-b", staleAfter)
	ctx := context.Background()

	w, err := holder.OpenWriter(ctx, domain, "/slow", WriterOptions{})
	require.NoError(t, err)

	time.Sleep(time.Second)

	_, err = other.OpenWriter(ctx, domain, "/slow", WriterOptions{})
	require.ErrorIs(t, err, ErrConcurrentWrite, "a renewed lock is not stale")

	inode := stat(t, other, "/slow")
	require.NotNil(t, inode.Lock)
	assert.Greater(t, inode.Lock.RenewedAt, inode.Lock.AcquiredAt)

	_, err = w.Write([]byte("late"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, true))
	assert.Equal(t, "late", readFile(t, other, "/slow"))

	// An aborted session stops renewing and is reclaimed once stale.
	abortSession(t, holder, "/slow")
	require.Eventually(t, func() bool {
		w, err := other.OpenWriter(ctx, domain, "/slow", WriterOptions{})
		if err != nil {
			return false
		}
		_ = w.Close(ctx)
		return true
	}, 5*time.Second, 100*time.Millisecond)
}

func TestWriter_StagingMissingOnSameHost(t *testing.T) {
	c := newCluster(t)
	first := c.node(t, "node-a")
	second := c.node(t, "node-a")
	ctx := context.Background()

	w1, err := first.OpenWriter(ctx, domain, "/f", WriterOptions{})
	require.NoError(t, err)

	_, err = second.OpenWriter(ctx, domain, "/f", WriterOptions{})
	require.ErrorIs(t, err, ErrConcurrentWrite)

	require.NoError(t, os.Remove(w1.StagingPath()))

	w2, err := second.OpenWriter(ctx, domain, "/f", WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w2.Close(ctx))
}

func TestWriter_KeepLockCommit(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	opened := time.UnixMilli(1_700_000_000_000)
	fs.now = func() time.Time { return opened }

	w, err := fs.OpenWriter(ctx, domain, "/log", WriterOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("v1"))
	require.NoError(t, err)

	renewed := opened.Add(time.Minute)
	fs.now = func() time.Time { return renewed }
	require.NoError(t, w.Commit(ctx, false))

	inode := stat(t, fs, "/log")
	assert.Equal(t, metadata.StateUpdating, inode.State)
	require.NotNil(t, inode.Lock)
	assert.Equal(t, opened.UnixMilli(), inode.Lock.AcquiredAt, "renewal extends the existing lock")
	assert.Equal(t, renewed.UnixMilli(), inode.Lock.RenewedAt)
	assert.Equal(t, int64(2), inode.SyncedSize)
	assert.Equal(t, "v1", readFile(t, fs, "/log"))

	_, err = fs.OpenWriter(ctx, domain, "/log", WriterOptions{})
	assert.ErrorIs(t, err, ErrConcurrentWrite, "the kept lock still excludes others")

	_, err = w.Write([]byte("+v2"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, true))

	assert.Equal(t, "v1+v2", readFile(t, fs, "/log"))
	assert.Equal(t, metadata.StateSynced, stat(t, fs, "/log").State)
}

func TestWriter_CloseAfterKeepLockCommitReleases(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	w, err := fs.OpenWriter(ctx, domain, "/k", WriterOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, false))
	require.NoError(t, w.Close(ctx))

	inode := stat(t, fs, "/k")
	assert.Equal(t, metadata.StateSynced, inode.State)
	assert.Nil(t, inode.Lock)
	assert.Equal(t, int64(3), inode.SyncedSize)
}

func TestWriter_DirtyCloseAfterKeepLockCommit(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	w, err := fs.OpenWriter(ctx, domain, "/k", WriterOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, false))
	_, err = w.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	assert.Equal(t, metadata.StateUpdating, stat(t, fs, "/k").State)

	outcome, err := fs.Reconcile(ctx, domain, "/k")
	require.NoError(t, err)
	assert.Equal(t, OutcomeResetSynced, outcome)

	inode := stat(t, fs, "/k")
	assert.Equal(t, metadata.StateSynced, inode.State)
	assert.Equal(t, int64(3), inode.SyncedSize)
	assert.Equal(t, "abc", readFile(t, fs, "/k"))
}

func TestWriter_StartsFromCommittedContent(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a")
	ctx := context.Background()

	writeFile(t, fs, "/f", "hello world")

	w, err := fs.OpenWriter(ctx, domain, "/f", WriterOptions{})
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("HELLO"), 0)
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, true))
	assert.Equal(t, "HELLO world", readFile(t, fs, "/f"))

	w, err = fs.OpenWriter(ctx, domain, "/f", WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Truncate(5))
	pos, err := w.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)
	_, err = w.Write([]byte("!"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx, true))
	assert.Equal(t, "HELLO!", readFile(t, fs, "/f"))

	w, err = fs.OpenWriter(ctx, domain, "/f", WriterOptions{Overwrite: true})
	require.NoError(t, err)
	size, err := w.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
	require.NoError(t, w.Commit(ctx, true))
	assert.Equal(t, "", readFile(t, fs, "/f"))
}

func TestWriter_DurableReplaceFailure(t *testing.T) {
	c := newCluster(t)
	driver := &failingDriver{Driver: c.driver}
	c.driver = driver
	fs := c.node(t, "node-a")
	ctx := context.Background()

	writeFile(t, fs, "/f", "old")

	driver.fail.Store(true)
	w, err := fs.OpenWriter(ctx, domain, "/f", WriterOptions{Overwrite: true})
	require.NoError(t, err)
	_, err = w.Write([]byte("new content"))
	require.NoError(t, err)

	err = w.Commit(ctx, true)
	require.ErrorIs(t, err, ErrDurableReplace)
	driver.fail.Store(false)

	assert.Equal(t, "old", readFile(t, fs, "/f"))
	assert.Equal(t, metadata.StateUpdating, stat(t, fs, "/f").State)

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed, "the session is over")

	outcome, err := fs.Reconcile(ctx, domain, "/f")
	require.NoError(t, err)
	assert.Equal(t, OutcomeResetSynced, outcome)
	assert.Equal(t, int64(3), stat(t, fs, "/f").SyncedSize)
}

func TestWriter_CommitLockFailureIsRetryable(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	fs := c.node(t, "node-a", func(o *Options) {
		o.Locks = c.registry(t, 200*time.Millisecond)
	})

	w, err := fs.OpenWriter(ctx, domain, "/r", WriterOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)

	other := c.registry(t, time.Second)
	held, err := other.CreateLock(ctx, "d1:/r", "vfs", lockName(domain, "/r"))
	require.NoError(t, err)
	require.NoError(t, held.Lock(ctx))

	err = w.Commit(ctx, true)
	require.ErrorIs(t, err, ErrLock)
	assert.Equal(t, metadata.StateUpdating, stat(t, fs, "/r").State)

	held.Unlock()
	require.NoError(t, held.Close(ctx))

	require.NoError(t, w.Commit(ctx, true))
	assert.Equal(t, "data", readFile(t, fs, "/r"))
}

func TestWriter_CompressionRoundTrip(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 2000)
	binary := make([]byte, 64*1024)
	for i := range binary {
		binary[i] = byte(i*7 + i/251)
	}

	for _, name := range append([]string{codec.None}, codec.Names...) {
		t.Run("codec="+name, func(t *testing.T) {
			c := newCluster(t)
			fs := c.node(t, "node-a", func(o *Options) { o.Compression = name })
			ctx := context.Background()

			writeFile(t, fs, "/text.log", text)
			assert.Equal(t, text, readFile(t, fs, "/text.log"))

			inode := stat(t, fs, "/text.log")
			assert.Equal(t, name, inode.Compression)
			assert.Equal(t, int64(len(text)), inode.SyncedSize)

			writeFile(t, fs, "/blob.bin", string(binary))
			assert.Equal(t, binary, []byte(readFile(t, fs, "/blob.bin")))

			// Partial rewrite starting from compressed committed content.
			w, err := fs.OpenWriter(ctx, domain, "/text.log", WriterOptions{})
			require.NoError(t, err)
			_, err = w.WriteAt([]byte("THE"), 0)
			require.NoError(t, err)
			require.NoError(t, w.Commit(ctx, true))
			assert.Equal(t, "THE"+text[3:], readFile(t, fs, "/text.log"))

			assert.Empty(t, stagingFiles(t, fs), "no temp files left behind")
		})
	}
}

func TestWriter_SkipsCompressingCompressedPayloads(t *testing.T) {
	c := newCluster(t)
	fs := c.node(t, "node-a", func(o *Options) { o.Compression = codec.Zstd })

	var gz bytes.Buffer
	require.NoError(t, codec.Compress(codec.Gzip, 0, strings.NewReader(strings.Repeat("a", 4096)), &gz))

	writeFile(t, fs, "/archive.gz", gz.String())

	inode := stat(t, fs, "/archive.gz")
	assert.Equal(t, codec.None, inode.Compression)
	assert.Equal(t, gz.String(), readFile(t, fs, "/archive.gz"))
}
