package diskcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	opts := DefaultOptions(dir)
	opts.Logger = logging.Discard
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pixels(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func thumbRequest(id imgtype.ImageID) decoder.Request {
	return decoder.Request{ID: id, Tier: imgtype.TierThumbSmall, Width: 16, Height: 8, Format: imgtype.FormatRGBA8}
}

func TestPathIsShardedPerTier(t *testing.T) {
	s := openStore(t, t.TempDir())

	p := s.Path(42, imgtype.TierThumbSmall)
	assert.True(t, strings.HasSuffix(p, "42"+decoder.ContainerExt))
	assert.Equal(t, p, s.Path(42, imgtype.TierThumbSmall))
	assert.NotEqual(t, p, s.Path(42, imgtype.TierThumbLarge))

	rel, err := filepath.Rel(s.dir, p)
	require.NoError(t, err)
	parts := strings.Split(rel, string(filepath.Separator))
	require.Len(t, parts, 3)
	assert.Equal(t, imgtype.TierThumbSmall.String(), parts[0])
	assert.Len(t, parts[1], 2)
}

func TestPutGet(t *testing.T) {
	s := openStore(t, t.TempDir())
	req := thumbRequest(7)
	mtime := time.Unix(1_700_000_000, 123)

	info := decoder.Info{Width: 16, Height: 8, Format: imgtype.FormatRGBA8, Orientation: 3, ModTime: mtime}
	require.NoError(t, s.Put(req.ID, req.Tier, info, pixels(req.FrameSize(), 0x42)))

	dst := make([]byte, req.FrameSize())
	got, hit, err := s.Get(context.Background(), mtime, dst, req)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, pixels(req.FrameSize(), 0x42), dst)
	assert.Equal(t, uint8(3), got.Orientation)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Writes)
}

func TestGetMissesAndDropsStaleEntries(t *testing.T) {
	s := openStore(t, t.TempDir())
	req := thumbRequest(7)
	mtime := time.Unix(1_700_000_000, 0)
	dst := make([]byte, req.FrameSize())

	_, hit, err := s.Get(context.Background(), mtime, dst, req)
	require.NoError(t, err)
	assert.False(t, hit)

	info := decoder.Info{Width: 16, Height: 8, Format: imgtype.FormatRGBA8, ModTime: mtime}
	require.NoError(t, s.Put(req.ID, req.Tier, info, pixels(req.FrameSize(), 1)))

	_, hit, err = s.Get(context.Background(), mtime.Add(time.Second), dst, req)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NoFileExists(t, s.Path(req.ID, req.Tier))

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, uint64(1), st.Stale)
}

func TestGetDropsEntryWithOtherDimensions(t *testing.T) {
	s := openStore(t, t.TempDir())
	req := thumbRequest(7)
	mtime := time.Unix(1_700_000_000, 0)
	info := decoder.Info{Width: 8, Height: 8, Format: imgtype.FormatRGBA8, ModTime: mtime}
	require.NoError(t, s.Put(req.ID, req.Tier, info, pixels(8*8*4, 1)))

	_, hit, err := s.Get(context.Background(), mtime, make([]byte, req.FrameSize()), req)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NoFileExists(t, s.Path(req.ID, req.Tier))
}

func TestGetDropsCorruptEntry(t *testing.T) {
	s := openStore(t, t.TempDir())
	req := thumbRequest(9)
	path := s.Path(req.ID, req.Tier)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not a container"), 0o644))

	_, hit, err := s.Get(context.Background(), time.Now(), make([]byte, req.FrameSize()), req)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NoFileExists(t, path)
	assert.Equal(t, uint64(1), s.Stats().Errors)
}

func TestOnlyConfiguredTiersArePersisted(t *testing.T) {
	s := openStore(t, t.TempDir())
	assert.True(t, s.Persists(imgtype.TierThumbLarge))
	assert.False(t, s.Persists(imgtype.TierPreview))
	assert.False(t, s.Persists(imgtype.TierAll))

	info := decoder.Info{Width: 4, Height: 4, Format: imgtype.FormatRGBAF32}
	require.NoError(t, s.Put(1, imgtype.TierPreview, info, make([]byte, 4*4*16)))
	assert.NoFileExists(t, s.Path(1, imgtype.TierPreview))
}

func TestRemoveDropsAllTiers(t *testing.T) {
	s := openStore(t, t.TempDir())
	for _, tier := range []imgtype.Tier{imgtype.TierThumbSmall, imgtype.TierThumbLarge} {
		info := decoder.Info{Width: 4, Height: 4, Format: imgtype.FormatRGBA8}
		require.NoError(t, s.Put(3, tier, info, make([]byte, 64)))
		assert.FileExists(t, s.Path(3, tier))
	}
	s.Remove(3)
	assert.NoFileExists(t, s.Path(3, imgtype.TierThumbSmall))
	assert.NoFileExists(t, s.Path(3, imgtype.TierThumbLarge))
}

func TestDirectoryIsLocked(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	_, err := Open(DefaultOptions(dir))
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.Close())
	again, err := Open(DefaultOptions(dir))
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestOpenRejectsBadOptions(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)

	opts := DefaultOptions(t.TempDir())
	opts.Compression = compression.Type(99)
	_, err = Open(opts)
	assert.ErrorIs(t, err, compression.ErrUnsupported)
}

func TestWriteFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := DefaultOptions(dir)
	opts.FS = fs
	opts.Logger = logging.Discard
	s, err := Open(opts)
	require.NoError(t, err)
	defer s.Close()

	fs.InjectWriteError("")
	info := decoder.Info{Width: 4, Height: 4, Format: imgtype.FormatRGBA8}
	err = s.Put(5, imgtype.TierThumbSmall, info, make([]byte, 64))
	assert.Error(t, err)
	assert.Equal(t, uint64(1), s.Stats().Errors)
}

type countingDecoder struct {
	next  decoder.Decoder
	calls atomic.Int32
}

func (d *countingDecoder) Decode(ctx context.Context, path string, dst []byte, req decoder.Request) (decoder.Result, error) {
	d.calls.Add(1)
	return d.next.Decode(ctx, path, dst, req)
}

func writeSource(t *testing.T, path string, w, h int) {
	t.Helper()
	img := &decoder.Image{
		Info:   decoder.Info{Width: w, Height: h, Format: imgtype.FormatRGBA8, Orientation: 1, Loader: imgtype.LoaderContainer},
		Pixels: pixels(w*h*4, 0x7F),
	}
	require.NoError(t, decoder.WriteContainer(vfs.Default(), path, img, compression.NoCompression))
}

func TestDecoderServesFromStoreUntilSourceChanges(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "1"+decoder.ContainerExt)
	writeSource(t, src, 64, 32)

	s := openStore(t, t.TempDir())
	inner := &countingDecoder{next: decoder.NewContainerDecoder(nil, logging.Discard)}
	d := NewDecoder(s, inner)

	req := decoder.Request{ID: 1, Tier: imgtype.TierThumbSmall, Width: 32, Height: 16, Format: imgtype.FormatRGBA8}
	dst := make([]byte, req.FrameSize())

	res, err := d.Decode(context.Background(), src, dst, req)
	require.NoError(t, err)
	assert.Equal(t, 64, res.Source.Width)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.FileExists(t, s.Path(1, imgtype.TierThumbSmall))

	clear(dst)
	res, err = d.Decode(context.Background(), src, dst, req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load(), "second decode must hit the store")
	assert.Zero(t, res.Source.Width)
	assert.Equal(t, uint8(1), res.Source.Orientation)
	assert.Equal(t, byte(0x7F), dst[0])

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, later, later))
	_, err = d.Decode(context.Background(), src, dst, req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, uint64(1), s.Stats().Stale)
}

func TestDecoderPassesThroughOtherTiersAndErrors(t *testing.T) {
	s := openStore(t, t.TempDir())
	inner := &countingDecoder{next: decoder.NewContainerDecoder(nil, logging.Discard)}
	d := NewDecoder(s, inner)

	req := decoder.Request{ID: 2, Tier: imgtype.TierPreview, Width: 4, Height: 4, Format: imgtype.FormatRGBAF32}
	_, err := d.Decode(context.Background(), filepath.Join(t.TempDir(), "missing.pxc"), make([]byte, req.FrameSize()), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, decoder.ErrIOError))

	req = thumbRequest(2)
	_, err = d.Decode(context.Background(), filepath.Join(t.TempDir(), "missing.pxc"), make([]byte, req.FrameSize()), req)
	assert.ErrorIs(t, err, decoder.ErrIOError)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Zero(t, s.Stats().Writes)
}
