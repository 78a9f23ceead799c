// Package imgmeta caches per-image metadata: dimensions, orientation, the
// loader that decoded the image, its native format and capture fields.
//
// Records are created on the first successful probe or decode, updated when
// the source changes and removed when the image leaves the collection. The
// cache is not bounded by the memory budget; one record is a few hundred
// bytes.
package imgmeta

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mpaglia0/ansel-sub001/internal/collection"
	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
)

var (
	// ErrNotFound is returned when no record exists and the loader cannot
	// find the image.
	ErrNotFound = errors.New("imgmeta: image not found")

	// ErrConsistency is returned when decoded pixels disagree with the
	// recorded dimensions.
	ErrConsistency = errors.New("imgmeta: metadata inconsistent with decoded image")
)

// Metadata is the cached description of one image.
type Metadata struct {
	ID          imgtype.ImageID
	Path        string
	Width       int
	Height      int
	Orientation uint8
	Loader      imgtype.Loader
	Format      imgtype.PixelFormat
	ColorMatrix [9]float32
	ModTime     time.Time // source file modification time the record was built from
	Exif        decoder.Exif
}

// merge overlays the non-zero fields of src onto m.
func (m *Metadata) merge(src Metadata) {
	if src.Path != "" {
		m.Path = src.Path
	}
	if src.Width > 0 && src.Height > 0 {
		m.Width, m.Height = src.Width, src.Height
	}
	if src.Orientation != 0 {
		m.Orientation = src.Orientation
	}
	if src.Loader != imgtype.LoaderUnknown {
		m.Loader = src.Loader
	}
	if src.Format.Valid() {
		m.Format = src.Format
	}
	if src.ColorMatrix != ([9]float32{}) {
		m.ColorMatrix = src.ColorMatrix
	}
	if !src.ModTime.IsZero() {
		m.ModTime = src.ModTime
	}
	if src.Exif != (decoder.Exif{}) {
		m.Exif = src.Exif
	}
}

// FromInfo builds a record from a decoder probe or decode result.
func FromInfo(id imgtype.ImageID, rec collection.Record, info decoder.Info) Metadata {
	return Metadata{
		ID:          id,
		Path:        rec.Path,
		Width:       info.Width,
		Height:      info.Height,
		Orientation: info.Orientation,
		Loader:      info.Loader,
		Format:      info.Format,
		ColorMatrix: info.ColorMatrix,
		ModTime:     rec.ModTime,
		Exif:        info.Exif,
	}
}

// Loader builds the record of an image that is not cached.
type Loader interface {
	Load(ctx context.Context, id imgtype.ImageID) (Metadata, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id imgtype.ImageID) (Metadata, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, id imgtype.ImageID) (Metadata, error) {
	return f(ctx, id)
}

// ProbeLoader resolves the image in a collection and probes its file.
type ProbeLoader struct {
	Collection collection.Collection
	Prober     decoder.Prober
}

// Load implements Loader.
func (l *ProbeLoader) Load(ctx context.Context, id imgtype.ImageID) (Metadata, error) {
	rec, err := l.Collection.Resolve(ctx, id)
	if err != nil {
		if errors.Is(err, collection.ErrNotFound) {
			return Metadata{}, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return Metadata{}, err
	}
	info, err := l.Prober.Probe(ctx, rec.Path)
	if err != nil {
		return Metadata{}, err
	}
	return FromInfo(id, rec, info), nil
}

// Cache holds metadata records keyed by image id.
//
// Concurrent loads of the same id are collapsed into one. Remove and Put
// bump a per-id generation so that a load which started earlier cannot
// store a stale record.
type Cache struct {
	loader Loader
	logger logging.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	records map[imgtype.ImageID]Metadata
	gens    map[imgtype.ImageID]uint64

	loads  atomic.Uint64
	shared atomic.Uint64
}

// New creates a cache. loader may be nil, in which case GetOrLoad only
// returns records added with Put.
func New(loader Loader, logger logging.Logger) *Cache {
	return &Cache{
		loader:  loader,
		logger:  logging.OrDefault(logger),
		records: make(map[imgtype.ImageID]Metadata),
		gens:    make(map[imgtype.ImageID]uint64),
	}
}

// Get returns the cached record.
func (c *Cache) Get(id imgtype.ImageID) (Metadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	md, ok := c.records[id]
	return md, ok
}

// GetOrLoad returns the cached record, loading it on a miss.
func (c *Cache) GetOrLoad(ctx context.Context, id imgtype.ImageID) (Metadata, error) {
	if md, ok := c.Get(id); ok {
		return md, nil
	}
	if c.loader == nil {
		return Metadata{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	// The shared load outlives any single caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		return c.load(loadCtx, id)
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return Metadata{}, res.Err
		}
		return res.Val.(Metadata), nil
	case <-ctx.Done():
		return Metadata{}, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, id imgtype.ImageID) (Metadata, error) {
	c.mu.RLock()
	gen := c.gens[id]
	c.mu.RUnlock()

	c.loads.Add(1)
	md, err := c.loader.Load(ctx, id)
	if err != nil {
		c.logger.Debugf("%sload %d: %v", logging.NSMeta, id, err)
		return Metadata{}, err
	}
	md.ID = id

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.records[id]; ok {
		return cur, nil
	}
	if c.gens[id] != gen {
		// Removed or replaced while loading.
		c.logger.Debugf("%sdropped stale load of %d", logging.NSMeta, id)
		return md, nil
	}
	c.records[id] = md
	return md, nil
}

// Put creates or updates the record of md.ID. Non-zero fields of md
// replace the stored ones.
func (c *Cache) Put(md Metadata) Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.records[md.ID]
	cur.ID = md.ID
	cur.merge(md)
	c.records[md.ID] = cur
	c.gens[md.ID]++
	return cur
}

// Remove drops the record of id.
func (c *Cache) Remove(id imgtype.ImageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, id)
	c.gens[id]++
}

// CheckDimensions reports ErrConsistency when the record of id does not
// have the given source dimensions.
func (c *Cache) CheckDimensions(id imgtype.ImageID, width, height int) error {
	md, ok := c.Get(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if md.Width != width || md.Height != height {
		return fmt.Errorf("%w: id %d recorded %dx%d, decoded %dx%d",
			ErrConsistency, id, md.Width, md.Height, width, height)
	}
	return nil
}

// Len returns the number of records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Stats reports loader calls and collapsed concurrent lookups.
type Stats struct {
	Records int
	Loads   uint64
	Shared  uint64
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{Records: c.Len(), Loads: c.loads.Load(), Shared: c.shared.Load()}
}
