package collection

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.pxc")
	require.NoError(t, os.WriteFile(path, []byte("pixels"), 0o644))
	mtime := time.Unix(1_700_000_000, 0)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	c := NewFileCollection(vfs.Default())
	id := c.Add(path)

	rec, err := c.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, path, rec.Path)
	assert.Equal(t, int64(6), rec.Size)
	assert.True(t, rec.ModTime.Equal(mtime))

	// Changes on disk are seen by the next Resolve.
	later := mtime.Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	rec, err = c.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.ModTime.Equal(later))
}

func TestResolveNotFound(t *testing.T) {
	c := NewFileCollection(nil)
	_, err := c.Resolve(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)

	id := c.Add(filepath.Join(t.TempDir(), "gone.pxc"))
	_, err = c.Resolve(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)

	c.Remove(id)
	assert.Zero(t, c.Len())
}

func TestResolveIOError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.pxc")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fs := vfs.NewFaultInjectionFS(vfs.Default())
	fs.InjectReadError(path)
	c := NewFileCollection(fs)
	id := c.Add(path)

	_, err := c.Resolve(context.Background(), id)
	assert.ErrorIs(t, err, vfs.ErrInjectedReadError)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestIDsAreNeverReused(t *testing.T) {
	c := NewFileCollection(nil)
	a := c.Add("a")
	c.Remove(a)
	b := c.Add("b")
	assert.NotEqual(t, a, b)

	c.Set(100, "c")
	assert.Equal(t, imgtype.ImageID(101), c.Add("d"))
	assert.Equal(t, []imgtype.ImageID{b, 100, 101}, c.IDs())
}

func TestScanDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"7.pxc", "b.PXC", "notes.txt", "a.pxc"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	c := NewFileCollection(vfs.Default())
	ids, err := c.ScanDir(dir, ".pxc")
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, imgtype.ImageID(7), ids[0])
	assert.Equal(t, 3, c.Len())

	rec, err := c.Resolve(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "7.pxc"), rec.Path)
}

func TestResolveCanceled(t *testing.T) {
	c := NewFileCollection(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Resolve(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
