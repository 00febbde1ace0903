package metadata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInodes(t *testing.T) {
	file := NewFileInode("d1", "a//b.txt")
	assert.Equal(t, "/a/b.txt", file.Path)
	assert.Equal(t, StateNew, file.State)
	assert.False(t, file.IsDir())
	assert.Equal(t, "d1:/a/b.txt", file.Key())
	assert.NoError(t, file.Validate())

	dir := NewDirectoryInode("d1", "/a/")
	assert.Equal(t, "/a", dir.Path)
	assert.True(t, dir.IsDir())
	assert.NoError(t, dir.Validate())
}

func TestInode_Validate(t *testing.T) {
	inode := NewFileInode("d1", "/f")

	inode.State = StateUpdating
	assert.ErrorIs(t, inode.Validate(), ErrInvalidInode)

	inode.Lock = &LockInfo{Owner: "o", LocalStagingPath: "/tmp/s", AcquiredAt: 1}
	assert.NoError(t, inode.Validate())

	inode.State = StateSynced
	assert.ErrorIs(t, inode.Validate(), ErrInvalidInode)

	inode.Lock = nil
	inode.DataSize = 5
	assert.ErrorIs(t, inode.Validate(), ErrInvalidInode)

	inode.SyncedSize = 5
	assert.NoError(t, inode.Validate())

	inode.Path = "relative"
	assert.ErrorIs(t, inode.Validate(), ErrInvalidInode)
}

func TestValidateDomain(t *testing.T) {
	assert.NoError(t, ValidateDomain("d1"))
	assert.Error(t, ValidateDomain(""))
	assert.Error(t, ValidateDomain("a:b"))
	assert.Error(t, ValidateDomain("a/b"))
	assert.Error(t, ValidateDomain(`a\b`))
	assert.ErrorIs(t, ValidateDomain("."), ErrInvalidInode)
	assert.ErrorIs(t, ValidateDomain(".."), ErrInvalidInode)
	assert.NoError(t, ValidateDomain("..d"))
}

func TestInode_JSONUsesNames(t *testing.T) {
	inode := NewFileInode("d1", "/f")
	inode.State = StateUpdating
	inode.Lock = &LockInfo{Owner: "o", AcquiredAt: 10, RenewedAt: 20}

	data, err := json.Marshal(inode)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"updating"`)
	assert.Contains(t, string(data), `"kind":"file"`)

	var decoded Inode
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, inode, &decoded)
	assert.Equal(t, int64(20), decoded.Lock.LastActivity())
}

func TestInode_Clone(t *testing.T) {
	inode := NewFileInode("d1", "/f")
	inode.URI = map[string]string{"path": "/x"}
	inode.Lock = &LockInfo{Owner: "o"}

	c := inode.Clone()
	c.URI["path"] = "/y"
	c.Lock.Owner = "p"

	assert.Equal(t, "/x", inode.URI["path"])
	assert.Equal(t, "o", inode.Lock.Owner)
	assert.Nil(t, (*Inode)(nil).Clone())
}
