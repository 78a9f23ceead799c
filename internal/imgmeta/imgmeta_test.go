package imgmeta

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaglia0/ansel-sub001/internal/collection"
	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

func staticLoader(calls *atomic.Int32, delay time.Duration) Loader {
	return LoaderFunc(func(ctx context.Context, id imgtype.ImageID) (Metadata, error) {
		calls.Add(1)
		time.Sleep(delay)
		if id == 404 {
			return Metadata{}, ErrNotFound
		}
		return Metadata{Width: 6000, Height: 4000, Format: imgtype.FormatRawU16, Loader: imgtype.LoaderRaw}, nil
	})
}

func TestGetOrLoad(t *testing.T) {
	var calls atomic.Int32
	c := New(staticLoader(&calls, 0), logging.Discard)

	md, err := c.GetOrLoad(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, imgtype.ImageID(1), md.ID)
	assert.Equal(t, 6000, md.Width)

	_, err = c.GetOrLoad(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Len())

	_, err = c.GetOrLoad(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, c.Len())
}

func TestGetOrLoadCollapsesConcurrentLoads(t *testing.T) {
	var calls atomic.Int32
	c := New(staticLoader(&calls, 20*time.Millisecond), logging.Discard)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			md, err := c.GetOrLoad(context.Background(), 7)
			if err != nil || md.Width != 6000 {
				t.Errorf("GetOrLoad = %+v, %v", md, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), c.Stats().Loads)
}

func TestGetOrLoadHonorsContext(t *testing.T) {
	var calls atomic.Int32
	c := New(staticLoader(&calls, 100*time.Millisecond), logging.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := c.GetOrLoad(ctx, 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared load still completes and stores the record.
	require.Eventually(t, func() bool {
		_, ok := c.Get(3)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveDuringLoadDoesNotResurrect(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := New(LoaderFunc(func(ctx context.Context, id imgtype.ImageID) (Metadata, error) {
		close(started)
		<-release
		return Metadata{Width: 10, Height: 10}, nil
	}), logging.Discard)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(context.Background(), 5)
		done <- err
	}()
	<-started
	c.Remove(5)
	close(release)
	require.NoError(t, <-done)

	_, ok := c.Get(5)
	assert.False(t, ok)
}

func TestPutMerges(t *testing.T) {
	c := New(nil, nil)
	c.Put(Metadata{ID: 1, Width: 100, Height: 50, Exif: decoder.Exif{Model: "X100V"}})
	md := c.Put(Metadata{ID: 1, Orientation: 6, Loader: imgtype.LoaderJPEG})

	assert.Equal(t, 100, md.Width)
	assert.Equal(t, uint8(6), md.Orientation)
	assert.Equal(t, imgtype.LoaderJPEG, md.Loader)
	assert.Equal(t, "X100V", md.Exif.Model)

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, md, got)

	_, err := c.GetOrLoad(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckDimensions(t *testing.T) {
	c := New(nil, nil)
	assert.ErrorIs(t, c.CheckDimensions(1, 10, 10), ErrNotFound)

	c.Put(Metadata{ID: 1, Width: 10, Height: 20})
	assert.NoError(t, c.CheckDimensions(1, 10, 20))
	err := c.CheckDimensions(1, 20, 10)
	assert.ErrorIs(t, err, ErrConsistency)
	assert.Contains(t, err.Error(), "10x20")
}

func TestProbeLoader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.pxc")
	img := &decoder.Image{
		Info: decoder.Info{
			Width: 8, Height: 4, Format: imgtype.FormatRGBA8, Loader: imgtype.LoaderJPEG,
			Exif: decoder.Exif{Maker: "Sony", ISO: 100},
		},
		Pixels: make([]byte, 8*4*4),
	}
	require.NoError(t, decoder.WriteContainer(vfs.Default(), path, img, compression.NoCompression))

	coll := collection.NewFileCollection(vfs.Default())
	coll.Set(1, path)
	c := New(&ProbeLoader{
		Collection: coll,
		Prober:     decoder.NewContainerDecoder(vfs.Default(), logging.Discard),
	}, logging.Discard)

	md, err := c.GetOrLoad(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 8, md.Width)
	assert.Equal(t, 4, md.Height)
	assert.Equal(t, path, md.Path)
	assert.Equal(t, "Sony", md.Exif.Maker)
	assert.False(t, md.ModTime.IsZero())

	_, err = c.GetOrLoad(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errors.Is(err, ErrNotFound))
}
