package metadata

import (
	"fmt"
	"maps"
	"path"
	"strings"
)

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name so persisted inodes stay readable.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "file":
		*k = KindFile
	case "directory":
		*k = KindDirectory
	default:
		return fmt.Errorf("unknown inode kind %q", text)
	}
	return nil
}

// State is the lifecycle of an inode's content relative to durable storage.
//
//	New      created, never committed
//	Updating a writer owns the path (Lock is set)
//	Synced   durable content matches the inode (Lock is nil)
//	Deleted  being removed
type State int

const (
	StateNew State = iota
	StateUpdating
	StateSynced
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateUpdating:
		return "updating"
	case StateSynced:
		return "synced"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "new":
		*s = StateNew
	case "updating":
		*s = StateUpdating
	case "synced":
		*s = StateSynced
	case "deleted":
		*s = StateDeleted
	default:
		return fmt.Errorf("unknown inode state %q", text)
	}
	return nil
}

// LockInfo records which writer session owns an Updating inode.
type LockInfo struct {
	// Owner identifies the session as "<host>/<pid>/<instance>/<session-uuid>".
	Owner string `json:"owner"`

	// LocalStagingPath is the staging file on the owner's host.
	LocalStagingPath string `json:"local_staging_path"`

	// AcquiredAt is when the session opened (unix millis).
	AcquiredAt int64 `json:"acquired_at"`

	// RenewedAt is when the session last committed while keeping the lock
	// (unix millis, zero if never).
	RenewedAt int64 `json:"renewed_at,omitempty"`
}

// LastActivity returns the most recent of AcquiredAt and RenewedAt.
func (l *LockInfo) LastActivity() int64 {
	return max(l.AcquiredAt, l.RenewedAt)
}

// Inode is the persisted descriptor of a logical file or directory.
type Inode struct {
	Domain string `json:"domain"`
	Path   string `json:"path"`
	Kind   Kind   `json:"kind"`

	// URI is the resolved physical location (driver-specific key/values).
	URI map[string]string `json:"uri,omitempty"`

	State State `json:"state"`

	// DataSize is the logical size written; SyncedSize the size confirmed durable.
	DataSize   int64 `json:"data_size"`
	SyncedSize int64 `json:"synced_size"`

	// SyncTimestamp is the time of the last successful commit (unix millis).
	SyncTimestamp int64 `json:"sync_timestamp"`

	// Compression names the codec of the durable payload, empty for raw.
	Compression string `json:"compression,omitempty"`

	Lock *LockInfo `json:"lock,omitempty"`
}

// NewFileInode returns a New file inode for domain:p.
func NewFileInode(domain, p string) *Inode {
	return &Inode{Domain: domain, Path: CleanPath(p), Kind: KindFile, State: StateNew}
}

// NewDirectoryInode returns a directory inode for domain:p. Directories have
// no durable content, so they start Synced.
func NewDirectoryInode(domain, p string) *Inode {
	return &Inode{Domain: domain, Path: CleanPath(p), Kind: KindDirectory, State: StateSynced}
}

// CleanPath normalizes a logical path to its absolute, slash-separated form.
func CleanPath(p string) string {
	return path.Clean("/" + strings.TrimLeft(p, "/"))
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool {
	return i.Kind == KindDirectory
}

// Key returns "domain:path".
func (i *Inode) Key() string {
	return i.Domain + ":" + i.Path
}

// Clone returns a deep copy.
func (i *Inode) Clone() *Inode {
	if i == nil {
		return nil
	}
	c := *i
	c.URI = maps.Clone(i.URI)
	if i.Lock != nil {
		lock := *i.Lock
		c.Lock = &lock
	}
	return &c
}

// Validate checks the identity fields and the state/lock invariants:
// Updating requires a lock; Synced requires no lock and SyncedSize == DataSize.
func (i *Inode) Validate() error {
	if err := ValidateDomain(i.Domain); err != nil {
		return err
	}
	if i.Path == "" || i.Path != CleanPath(i.Path) {
		return fmt.Errorf("%w: path %q is not clean", ErrInvalidInode, i.Path)
	}

	switch i.State {
	case StateUpdating:
		if i.Lock == nil {
			return fmt.Errorf("%w: %s is updating without a lock", ErrInvalidInode, i.Key())
		}
	case StateSynced:
		if i.Lock != nil {
			return fmt.Errorf("%w: %s is synced but still locked by %s", ErrInvalidInode, i.Key(), i.Lock.Owner)
		}
		if i.SyncedSize != i.DataSize {
			return fmt.Errorf("%w: %s is synced with synced_size %d != data_size %d",
				ErrInvalidInode, i.Key(), i.SyncedSize, i.DataSize)
		}
	}

	return nil
}

// ValidateDomain rejects domains that cannot be used as a key component.
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("%w: empty domain", ErrInvalidInode)
	}
	if domain == "." || domain == ".." {
		return fmt.Errorf("%w: domain %q is a relative path element", ErrInvalidInode, domain)
	}
	if strings.ContainsAny(domain, ":/\\\x00") {
		return fmt.Errorf("%w: domain %q contains a reserved character", ErrInvalidInode, domain)
	}
	return nil
}
