// Package testing provides a reusable contract suite for content.Driver
// implementations.
package testing

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/marmos91/lockfs/pkg/store/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DriverTestSuite tests the content.Driver contract, not implementation
// details, so it can be reused across filesystem, memory and S3.
//
// Usage:
//
//	func TestMyDriver(t *testing.T) {
//	    suite := &contenttesting.DriverTestSuite{
//	        NewDriver: func() content.Driver { return mydriver.New() },
//	    }
//	    suite.Run(t)
//	}
type DriverTestSuite struct {
	// NewDriver creates a driver for each test. Tests use random domains, so
	// drivers sharing a backend across tests stay isolated.
	NewDriver func() content.Driver
}

// Run executes all tests in the suite.
func (suite *DriverTestSuite) Run(t *testing.T) {
	t.Run("Locate", suite.testLocate)
	t.Run("NotFound", suite.testNotFound)
	t.Run("StageIsInvisible", suite.testStageInvisible)
	t.Run("StageAndReplace", suite.testStageAndReplace)
	t.Run("ReplaceExisting", suite.testReplaceExisting)
	t.Run("ReadAt", suite.testReadAt)
	t.Run("EmptyPayload", suite.testEmptyPayload)
	t.Run("Delete", suite.testDelete)
}

func testContext() context.Context {
	return context.Background()
}

func (suite *DriverTestSuite) setup(t *testing.T) (content.Driver, string) {
	t.Helper()
	d := suite.NewDriver()
	t.Cleanup(func() { _ = d.Close() })
	return d, "d" + uuid.NewString()[:8]
}

// WriteLocal writes data to a fresh file under t.TempDir.
func WriteLocal(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

// Publish stages data and atomically publishes it at finalPath.
func Publish(t *testing.T, d content.Driver, finalPath string, data []byte) {
	t.Helper()
	ctx := testContext()
	temp, err := d.Stage(ctx, WriteLocal(t, data), finalPath)
	require.NoError(t, err)
	require.NoError(t, d.AtomicReplace(ctx, temp, finalPath))
}

// ReadAll reads the full content at p.
func ReadAll(t *testing.T, d content.Driver, p string) []byte {
	t.Helper()
	r, err := d.Open(testContext(), p)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func (suite *DriverTestSuite) testLocate(t *testing.T) {
	d, domain := suite.setup(t)

	a, err := d.Locate(domain, "/a/b.txt")
	require.NoError(t, err)
	again, err := d.Locate(domain, "a//b.txt")
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.NotEmpty(t, a.URI["scheme"])

	other, err := d.Locate(domain+"x", "/a/b.txt")
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, other.Path)

	_, err = d.Locate(domain, "/")
	assert.ErrorIs(t, err, content.ErrInvalidPath)

	_, err = d.Locate("bad:domain", "/a")
	assert.ErrorIs(t, err, content.ErrInvalidPath)
}

func (suite *DriverTestSuite) testNotFound(t *testing.T) {
	d, domain := suite.setup(t)
	ctx := testContext()

	loc, err := d.Locate(domain, "/missing")
	require.NoError(t, err)

	ok, err := d.Exists(ctx, loc.Path)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Size(ctx, loc.Path)
	assert.ErrorIs(t, err, content.ErrNotFound)

	_, err = d.Open(ctx, loc.Path)
	assert.ErrorIs(t, err, content.ErrNotFound)

	_, err = d.OpenReaderAt(ctx, loc.Path)
	assert.ErrorIs(t, err, content.ErrNotFound)
}

func (suite *DriverTestSuite) testStageInvisible(t *testing.T) {
	d, domain := suite.setup(t)
	ctx := testContext()

	loc, err := d.Locate(domain, "/dir/file")
	require.NoError(t, err)

	temp, err := d.Stage(ctx, WriteLocal(t, []byte("pending")), loc.Path)
	require.NoError(t, err)
	assert.NotEqual(t, loc.Path, temp)

	ok, err := d.Exists(ctx, loc.Path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Delete(ctx, temp))
}

func (suite *DriverTestSuite) testStageAndReplace(t *testing.T) {
	d, domain := suite.setup(t)
	ctx := testContext()

	loc, err := d.Locate(domain, "/a/b.txt")
	require.NoError(t, err)

	temp, err := d.Stage(ctx, WriteLocal(t, []byte("hello")), loc.Path)
	require.NoError(t, err)
	require.NoError(t, d.AtomicReplace(ctx, temp, loc.Path))

	ok, err := d.Exists(ctx, loc.Path)
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := d.Size(ctx, loc.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	assert.Equal(t, []byte("hello"), ReadAll(t, d, loc.Path))

	ok, err = d.Exists(ctx, temp)
	require.NoError(t, err)
	assert.False(t, ok, "staging location must be consumed by the replace")
}

func (suite *DriverTestSuite) testReplaceExisting(t *testing.T) {
	d, domain := suite.setup(t)

	loc, err := d.Locate(domain, "/f")
	require.NoError(t, err)

	Publish(t, d, loc.Path, []byte("a much longer first version"))
	Publish(t, d, loc.Path, []byte("v2"))

	assert.Equal(t, []byte("v2"), ReadAll(t, d, loc.Path))
}

func (suite *DriverTestSuite) testReadAt(t *testing.T) {
	d, domain := suite.setup(t)
	ctx := testContext()

	loc, err := d.Locate(domain, "/r")
	require.NoError(t, err)

	data := bytes.Repeat([]byte("0123456789"), 100)
	Publish(t, d, loc.Path, data)

	r, err := d.OpenReaderAt(ctx, loc.Path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, int64(len(data)), r.Size())

	buf := make([]byte, 10)
	n, err := r.ReadAt(buf, 995)
	assert.Equal(t, 5, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []byte("56789"), buf[:n])

	n, err = r.ReadAt(buf, 123)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte("3456789012"), buf)

	_, err = r.ReadAt(buf, int64(len(data)))
	assert.ErrorIs(t, err, io.EOF)
}

func (suite *DriverTestSuite) testEmptyPayload(t *testing.T) {
	d, domain := suite.setup(t)
	ctx := testContext()

	loc, err := d.Locate(domain, "/empty")
	require.NoError(t, err)

	Publish(t, d, loc.Path, nil)

	size, err := d.Size(ctx, loc.Path)
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Empty(t, ReadAll(t, d, loc.Path))
}

func (suite *DriverTestSuite) testDelete(t *testing.T) {
	d, domain := suite.setup(t)
	ctx := testContext()

	loc, err := d.Locate(domain, "/gone")
	require.NoError(t, err)

	Publish(t, d, loc.Path, []byte("x"))
	require.NoError(t, d.Delete(ctx, loc.Path))
	require.NoError(t, d.Delete(ctx, loc.Path))

	ok, err := d.Exists(ctx, loc.Path)
	require.NoError(t, err)
	assert.False(t, ok)
}
