package ansel

import (
	"context"
	"fmt"
	"sync"

	"github.com/mpaglia0/ansel-sub001/internal/alignedalloc"
	"github.com/mpaglia0/ansel-sub001/internal/budget"
	"github.com/mpaglia0/ansel-sub001/internal/collection"
	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/diskcache"
	"github.com/mpaglia0/ansel-sub001/internal/imgmeta"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/jobs"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/mipmap"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

type (
	// ImageID identifies an image of the collection.
	ImageID = imgtype.ImageID
	// Tier is a cached resolution level.
	Tier = imgtype.Tier
	// PixelFormat is the memory layout of a buffer.
	PixelFormat = imgtype.PixelFormat
	// Mode selects blocking or best-effort checkout.
	Mode = mipmap.Mode
	// Handle is a checked-out buffer. Release it when done.
	Handle = mipmap.Handle
	// Metadata is the per-image record.
	Metadata = imgmeta.Metadata
	// Budget is a snapshot of the memory budget.
	Budget = budget.Budget
	// Decoder fills a buffer from a source file.
	Decoder = decoder.Decoder
	// Loader names the decoder family of an image.
	Loader = imgtype.Loader
)

const (
	TierThumbSmall = imgtype.TierThumbSmall
	TierThumbLarge = imgtype.TierThumbLarge
	TierPreview    = imgtype.TierPreview
	TierFull       = imgtype.TierFull
	// TierAll selects every tier in Invalidate.
	TierAll = imgtype.TierAll

	ModeBlocking   = mipmap.ModeBlocking
	ModeBestEffort = mipmap.ModeBestEffort
)

// Context owns the shared resources of the image core: the budget, the
// allocator, the worker pool, the metadata cache and the mipmap cache.
type Context struct {
	fs     vfs.FS
	logger logging.Logger
	stats  Statistics

	budget   *budget.Manager
	alloc    alignedalloc.Allocator
	pool     *jobs.Pool
	coll     *collection.FileCollection
	registry *decoder.Registry
	store    *diskcache.Store
	meta     *imgmeta.Cache
	cache    *mipmap.Cache

	closeOnce sync.Once
}

// Open builds a Context from opts. A nil opts means DefaultOptions.
func Open(opts *Options) (*Context, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Context{
		fs:     opts.FS,
		logger: opts.Logger,
		stats:  opts.Statistics,
		alloc:  opts.Allocator,
	}
	if c.fs == nil {
		c.fs = vfs.Default()
	}
	if logging.IsNil(c.logger) {
		c.logger = logging.NewDefaultLogger(opts.LogLevel)
	}
	if c.stats == nil {
		c.stats = NewStatistics()
	}
	if c.alloc == nil {
		c.alloc = alignedalloc.New()
	}

	var mopts []budget.ManagerOption
	if opts.MemoryProbe != nil {
		mopts = append(mopts, budget.WithProbe(opts.MemoryProbe))
	}
	mgr, err := budget.NewManager(opts.BudgetConfig(), mopts...)
	if err != nil {
		return nil, err
	}
	c.budget = mgr
	b := mgr.Current()
	c.logger.Infof("%s%s", logging.NSBudget, b)

	c.registry = decoder.NewRegistry()
	containers := decoder.NewContainerDecoder(c.fs, c.logger)
	c.registry.Register(imgtype.LoaderContainer, containers, decoder.ContainerExt)

	var dec decoder.Decoder = c.registry
	if opts.DiskCacheEnabled {
		store, err := diskcache.Open(diskcache.Options{
			Dir:         opts.DiskCacheDir,
			FS:          c.fs,
			Compression: opts.DiskCacheCompression,
			Logger:      c.logger,
		})
		if err != nil {
			return nil, err
		}
		c.store = store
		dec = diskcache.NewDecoder(store, c.registry)
	}

	c.coll = collection.NewFileCollection(c.fs)
	c.meta = imgmeta.New(&imgmeta.ProbeLoader{Collection: c.coll, Prober: c.registry}, c.logger)
	c.pool = jobs.NewPool(jobs.Options{
		Workers:   b.Workers,
		HeavyJobs: b.HeavyJobs,
		Observer:  c.observeJob,
		Logger:    c.logger,
	})

	c.cache, err = mipmap.New(mipmap.Options{
		Allocator:   c.alloc,
		Budget:      c.budget,
		Metadata:    c.meta,
		Collection:  c.coll,
		Decoder:     dec,
		Runner:      c.pool,
		LoadTimeout: opts.LoadTimeout,
		OnLoad:      c.observeLoad,
		Logger:      c.logger,
	})
	if err != nil {
		c.pool.Close()
		if c.store != nil {
			_ = c.store.Close()
		}
		return nil, err
	}
	return c, nil
}

// Close rejects further checkouts, waits for running jobs and releases
// every unreferenced buffer and the disk cache lock. Handles still held
// stay valid until released.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cache.Close()
		c.pool.Close()
		if c.store != nil {
			err = c.store.Close()
		}
		c.logger.Infof("%sclosed: %s", logging.NSMipmap, c.statsLine())
	})
	return err
}

// RegisterDecoder routes the extensions to d. Images registered before the
// call keep the loader they were probed with.
func (c *Context) RegisterDecoder(loader Loader, d Decoder, exts ...string) {
	c.registry.Register(loader, d, exts...)
}

// AddImage registers the file at path and returns its id.
func (c *Context) AddImage(path string) ImageID {
	return c.coll.Add(path)
}

// ScanDir registers every decodable file in dir.
func (c *Context) ScanDir(dir string) ([]ImageID, error) {
	return c.coll.ScanDir(dir, c.registry.Extensions()...)
}

// RemoveImage drops every cached buffer, the metadata record and the
// stored thumbnails of id and forgets it.
func (c *Context) RemoveImage(id ImageID) {
	c.cache.Invalidate(id, TierAll)
	c.meta.Remove(id)
	c.coll.Remove(id)
	if c.store != nil {
		c.store.Remove(id)
	}
}

// Checkout returns a handle on the (id, tier) buffer. See Mode for the
// waiting behaviour.
func (c *Context) Checkout(ctx context.Context, id ImageID, tier Tier, mode Mode) (*Handle, error) {
	return c.cache.Checkout(ctx, id, tier, mode)
}

// Release drops a handle. Release(nil) is a no-op.
func (c *Context) Release(h *Handle) {
	c.cache.Release(h)
}

// With checks out the buffer, calls fn and releases it, also when fn
// panics.
func (c *Context) With(ctx context.Context, id ImageID, tier Tier, mode Mode, fn func(*Handle) error) error {
	return c.cache.With(ctx, id, tier, mode, fn)
}

// Invalidate drops the cached buffers of id at tier, or every tier for
// TierAll.
func (c *Context) Invalidate(id ImageID, tier Tier) {
	c.cache.Invalidate(id, tier)
}

// Contains reports whether (id, tier) is Ready.
func (c *Context) Contains(id ImageID, tier Tier) bool {
	return c.cache.Contains(id, tier)
}

// Refresh drops id when its source file changed or disappeared.
func (c *Context) Refresh(ctx context.Context, id ImageID) (bool, error) {
	changed, err := c.cache.Refresh(ctx, id)
	if err == nil && changed && c.store != nil {
		c.store.Remove(id)
	}
	return changed, err
}

// Prefetch loads tier of every image in ids.
func (c *Context) Prefetch(ctx context.Context, ids []ImageID, tier Tier) error {
	return c.cache.Prefetch(ctx, ids, tier)
}

// Metadata returns the record of id, loading it on first use.
func (c *Context) Metadata(ctx context.Context, id ImageID) (Metadata, error) {
	return c.meta.GetOrLoad(ctx, id)
}

// Budget returns the published budget.
func (c *Context) Budget() *Budget {
	return c.budget.Current()
}

// Reconfigure recomputes the budget from the memory settings of opts.
// Cached buffers are kept; only later admissions respect a reduced ceiling.
// The worker count is fixed at Open. On error nothing changes.
func (c *Context) Reconfigure(opts *Options) (*Budget, error) {
	b, err := c.budget.Reconfigure(opts.BudgetConfig())
	if err != nil {
		return nil, err
	}
	c.logger.Infof("%sreconfigured: %s", logging.NSBudget, b)
	return b, nil
}

// Shrink evicts unreferenced buffers, least recently used first, until the
// cache fits its current ceiling. Callers use it after a Reconfigure that
// lowered the budget, or under memory pressure. It returns the number of
// evicted buffers.
func (c *Context) Shrink() int {
	return c.cache.Shrink()
}

// Wait blocks until no background job is queued or running.
func (c *Context) Wait() {
	c.pool.Wait()
}

// Stats is a snapshot of every component.
type Stats struct {
	Mipmap    mipmap.Stats
	Metadata  imgmeta.Stats
	Jobs      jobs.Stats
	Alloc     alignedalloc.Stats
	DiskCache diskcache.Stats
	Budget    Budget
}

// Stats returns a snapshot of every component.
func (c *Context) Stats() Stats {
	st := Stats{
		Mipmap:   c.cache.Stats(),
		Metadata: c.meta.Stats(),
		Jobs:     c.pool.Stats(),
		Alloc:    c.alloc.Stats(),
		Budget:   *c.budget.Current(),
	}
	if c.store != nil {
		st.DiskCache = c.store.Stats()
	}
	return st
}

// Statistics returns the collector, with the component counters copied in.
func (c *Context) Statistics() Statistics {
	st := c.Stats()
	c.stats.SetTickerCount(TickerMipmapHit, st.Mipmap.Hits)
	c.stats.SetTickerCount(TickerMipmapMiss, st.Mipmap.Misses)
	c.stats.SetTickerCount(TickerMipmapFallback, st.Mipmap.Fallbacks)
	c.stats.SetTickerCount(TickerMipmapEviction, st.Mipmap.Evictions)
	c.stats.SetTickerCount(TickerMipmapLoad, st.Mipmap.Loads)
	c.stats.SetTickerCount(TickerMipmapLoadFailure, st.Mipmap.LoadFailures)
	c.stats.SetTickerCount(TickerMipmapInvalidation, st.Mipmap.Invalidations)
	c.stats.SetTickerCount(TickerDiskCacheHit, st.DiskCache.Hits)
	c.stats.SetTickerCount(TickerDiskCacheMiss, st.DiskCache.Misses)
	c.stats.SetTickerCount(TickerDiskCacheWrite, st.DiskCache.Writes)
	c.stats.SetTickerCount(TickerAllocFailure, st.Alloc.Failures)
	return c.stats
}

func (c *Context) observeLoad(ev mipmap.LoadEvent) {
	c.stats.MeasureTime(HistogramLoadMicros, uint64(ev.Duration.Microseconds()))
	if ev.Err != nil || ev.Bytes == 0 {
		return
	}
	c.stats.RecordTick(TickerMipmapBytesLoaded, uint64(ev.Bytes))
	c.stats.MeasureTime(HistogramLoadBytes, uint64(ev.Bytes))
}

func (c *Context) observeJob(ev jobs.Event) {
	if ev.Type != jobs.EventFinished {
		return
	}
	if ev.Err != nil {
		c.stats.RecordTick(TickerJobFailed, 1)
		return
	}
	c.stats.RecordTick(TickerJobCompleted, 1)
}

func (c *Context) statsLine() string {
	st := c.cache.Stats()
	return fmt.Sprintf("hits=%d misses=%d fallbacks=%d evictions=%d loads=%d failures=%d",
		st.Hits, st.Misses, st.Fallbacks, st.Evictions, st.Loads, st.LoadFailures)
}
