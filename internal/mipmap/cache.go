// Package mipmap implements the multi-resolution image buffer cache.
//
// Every (image, tier) pair has at most one entry. Entries move through
//
//	Empty -> Loading -> Ready -> (Invalid | Evicted)
//
// A Loading entry owns a reserved buffer that a background job fills; when
// the job publishes Ready, blocked checkouts wake up. Ready entries are kept
// in an LRU list and evicted from its tail, skipping entries that are
// checked out. Entries that are invalidated while checked out stay alive
// until the last Handle is released.
//
// Lock order: Cache.mu before Cache.lruMu. The Ready fast path takes only
// the read lock and bumps the entry's atomic reference count.
//
// This package is internal and not part of the public API.
package mipmap

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpaglia0/ansel-sub001/internal/alignedalloc"
	"github.com/mpaglia0/ansel-sub001/internal/budget"
	"github.com/mpaglia0/ansel-sub001/internal/collection"
	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/imgmeta"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/jobs"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
)

var (
	// ErrCacheFull is returned when a buffer cannot be admitted because the
	// unreferenced entries do not free enough of the budget.
	ErrCacheFull = errors.New("mipmap: cache full")

	// ErrBufferTooLarge is returned when a single buffer exceeds the
	// per-buffer ceiling. It wraps ErrCacheFull.
	ErrBufferTooLarge = fmt.Errorf("%w: buffer exceeds per-buffer ceiling", ErrCacheFull)

	// ErrLoadTimeout is returned by a blocking checkout that waited longer
	// than the load timeout. The load keeps running.
	ErrLoadTimeout = errors.New("mipmap: load timeout")

	// ErrBroken is returned for an (image, tier) whose last decode failed.
	// It is joined with the decode error.
	ErrBroken = errors.New("mipmap: image failed to load")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mipmap: cache closed")

	// ErrInvalidTier is returned for a tier outside the cacheable range.
	ErrInvalidTier = errors.New("mipmap: invalid tier")

	// ErrNotCached is returned by With when a best-effort checkout has
	// nothing to hand out yet.
	ErrNotCached = errors.New("mipmap: no buffer available yet")

	// errInvalidated tells waiters that the entry they waited on was
	// invalidated and they should look again.
	errInvalidated = errors.New("mipmap: entry invalidated while loading")
)

// DefaultLoadTimeout bounds a blocking checkout.
const DefaultLoadTimeout = 10 * time.Second

// Mode selects how Checkout behaves when the requested tier is not Ready.
type Mode uint8

const (
	// ModeBlocking waits for the load to finish.
	ModeBlocking Mode = iota
	// ModeBestEffort never waits. It schedules a load and falls back to the
	// nearest smaller Ready tier.
	ModeBestEffort
)

func (m Mode) String() string {
	switch m {
	case ModeBlocking:
		return "blocking"
	case ModeBestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}

// Key identifies one cache entry.
type Key struct {
	ID   imgtype.ImageID
	Tier imgtype.Tier
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.ID, k.Tier)
}

// LoadEvent describes one finished load.
type LoadEvent struct {
	Key      Key
	Duration time.Duration
	Bytes    int
	Err      error
}

// Options configures a Cache. Allocator, Budget, Metadata, Collection,
// Decoder and Runner are required.
type Options struct {
	Allocator  alignedalloc.Allocator
	Budget     *budget.Manager
	Metadata   *imgmeta.Cache
	Collection collection.Collection
	Decoder    decoder.Decoder
	Runner     jobs.Runner

	// LoadTimeout bounds blocking checkouts. Zero selects DefaultLoadTimeout.
	LoadTimeout time.Duration

	// OnLoad, if set, is called after every load finishes.
	OnLoad func(LoadEvent)

	Logger logging.Logger
}

// brokenRecord remembers a failed decode until the source changes.
type brokenRecord struct {
	err     error
	modTime time.Time
}

// Cache is the mipmap cache. It is safe for concurrent use.
type Cache struct {
	alloc       alignedalloc.Allocator
	budget      *budget.Manager
	meta        *imgmeta.Cache
	coll        collection.Collection
	dec         decoder.Decoder
	runner      jobs.Runner
	loadTimeout time.Duration
	onLoad      func(LoadEvent)
	logger      logging.Logger

	mu         sync.RWMutex
	entries    map[Key]*entry
	broken     map[Key]brokenRecord
	committed  uint64 // bytes charged by Loading, Ready and unreclaimed Invalid entries
	generation uint64
	closed     bool

	lruMu sync.Mutex
	lru   *list.List // Ready entries, most recently used at the front

	hits          atomic.Uint64
	misses        atomic.Uint64
	fallbacks     atomic.Uint64
	evictions     atomic.Uint64
	loads         atomic.Uint64
	loadFailures  atomic.Uint64
	invalidations atomic.Uint64
}

// New creates a cache.
func New(opts Options) (*Cache, error) {
	if opts.Allocator == nil || opts.Budget == nil || opts.Metadata == nil ||
		opts.Collection == nil || opts.Decoder == nil || opts.Runner == nil {
		return nil, errors.New("mipmap: incomplete options")
	}
	timeout := opts.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	return &Cache{
		alloc:       opts.Allocator,
		budget:      opts.Budget,
		meta:        opts.Metadata,
		coll:        opts.Collection,
		dec:         opts.Decoder,
		runner:      opts.Runner,
		loadTimeout: timeout,
		onLoad:      opts.OnLoad,
		logger:      logging.OrDefault(opts.Logger),
		entries:     make(map[Key]*entry),
		broken:      make(map[Key]brokenRecord),
		lru:         list.New(),
	}, nil
}

// Checkout returns a handle on the buffer of (id, tier). The caller must
// Release it.
//
// In ModeBlocking the call waits until the buffer is Ready, the load fails,
// the load timeout expires (ErrLoadTimeout) or ctx is done.
//
// In ModeBestEffort the call never waits for a decode; it only probes the
// image metadata if that is not cached. If the tier is not Ready a load is
// scheduled and the nearest smaller Ready tier is returned instead, with
// Fallback reporting true and Err holding any scheduling error. When
// nothing is Ready the result is nil, nil while the load runs, or nil and
// the error when it could not be scheduled.
func (c *Cache) Checkout(ctx context.Context, id imgtype.ImageID, tier imgtype.Tier, mode Mode) (*Handle, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTier, tier)
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	key := Key{ID: id, Tier: tier}
	if mode == ModeBestEffort {
		return c.checkoutBestEffort(ctx, key)
	}
	return c.checkoutBlocking(ctx, key)
}

// Release drops the reference held by h. It is the same as h.Release.
func (c *Cache) Release(h *Handle) {
	h.Release()
}

// With checks out (id, tier), calls fn and releases the handle on every
// exit path. A best-effort checkout that has nothing to offer yields
// ErrNotCached.
func (c *Cache) With(ctx context.Context, id imgtype.ImageID, tier imgtype.Tier, mode Mode, fn func(*Handle) error) error {
	h, err := c.Checkout(ctx, id, tier, mode)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNotCached, Key{ID: id, Tier: tier})
	}
	defer h.Release()
	return fn(h)
}

func (c *Cache) checkoutBlocking(ctx context.Context, key Key) (*Handle, error) {
	timer := time.NewTimer(c.loadTimeout)
	defer timer.Stop()

	missed := false
	for {
		if h := c.tryAcquire(key); h != nil {
			if !missed {
				c.hits.Add(1)
			}
			return h, nil
		}
		if !missed {
			missed = true
			c.misses.Add(1)
		}

		e, err := c.ensureLoading(ctx, key)
		if err != nil {
			return nil, err
		}

		select {
		case <-e.ready:
			if e.loadErr != nil && !errors.Is(e.loadErr, errInvalidated) {
				return nil, e.loadErr
			}
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %v", ErrLoadTimeout, key, c.loadTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Cache) checkoutBestEffort(ctx context.Context, key Key) (*Handle, error) {
	if h := c.tryAcquire(key); h != nil {
		c.hits.Add(1)
		return h, nil
	}
	c.misses.Add(1)

	var admitErr error
	c.mu.RLock()
	_, pending := c.entries[key]
	b, isBroken := c.broken[key]
	c.mu.RUnlock()

	switch {
	case isBroken:
		admitErr = b.err
	case pending:
		// Loading, or Ready since the fast path looked.
	default:
		admitErr = c.scheduleLoad(ctx, key)
	}

	for t := key.Tier - 1; t >= imgtype.TierThumbSmall; t-- {
		if h := c.tryAcquire(Key{ID: key.ID, Tier: t}); h != nil {
			h.fallback = true
			h.requested = key.Tier
			h.err = admitErr
			c.fallbacks.Add(1)
			return h, nil
		}
	}
	return nil, admitErr
}

// scheduleLoad reserves key and submits its load without waiting for the
// decode. Missing metadata is probed on the calling goroutine, so admission
// failures reach the caller instead of a background job.
func (c *Cache) scheduleLoad(ctx context.Context, key Key) error {
	md, err := c.meta.GetOrLoad(ctx, key.ID)
	if err != nil {
		return fmt.Errorf("metadata for %s: %w", key, err)
	}
	_, err = c.startLoad(key, md)
	return err
}

// tryAcquire takes a reference on a Ready entry.
func (c *Cache) tryAcquire(key Key) *Handle {
	c.mu.RLock()
	e := c.entries[key]
	if e == nil || e.State() != StateReady {
		c.mu.RUnlock()
		return nil
	}
	e.refs.Add(1)
	c.mu.RUnlock()

	c.touch(e)
	return &Handle{c: c, e: e, requested: key.Tier}
}

// ensureLoading returns the Loading or Ready entry of key, reserving and
// scheduling a load when there is none.
func (c *Cache) ensureLoading(ctx context.Context, key Key) (*entry, error) {
	c.mu.RLock()
	e := c.entries[key]
	b, isBroken := c.broken[key]
	c.mu.RUnlock()
	if e != nil {
		return e, nil
	}
	if isBroken {
		return nil, b.err
	}

	md, err := c.meta.GetOrLoad(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	return c.startLoad(key, md)
}

// startLoad reserves a Loading entry for key, allocates its buffer and
// submits the load job. An existing entry is returned as is.
func (c *Cache) startLoad(key Key, md imgmeta.Metadata) (*entry, error) {
	w, h := key.Tier.Fit(md.Width, md.Height)
	format := key.Tier.Format(md.Format)
	size := format.FrameSize(w, h)
	if size <= 0 {
		return nil, fmt.Errorf("%w: %s has no usable dimensions (%dx%d %s)",
			imgmeta.ErrConsistency, key, md.Width, md.Height, md.Format)
	}
	charge := uint64(c.alloc.RoundUp(size))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e := c.entries[key]; e != nil {
		c.mu.Unlock()
		return e, nil
	}
	if b, ok := c.broken[key]; ok {
		c.mu.Unlock()
		return nil, b.err
	}
	if err := c.admitOrEvictLocked(key, charge); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.generation++
	e := newEntry(key, w, h, format, charge, c.generation)
	c.entries[key] = e
	c.committed += charge
	c.mu.Unlock()

	buf, err := c.alloc.Alloc(size)
	if err != nil {
		c.logger.Warnf("%sallocation of %d bytes for %s failed: %v", logging.NSMipmap, size, key, err)
		c.abortLoad(e, err)
		return nil, err
	}
	e.buf = buf
	e.started = time.Now()

	if _, err := c.runner.Submit(&loadJob{c: c, e: e, md: md}); err != nil {
		c.abortLoad(e, err)
		return nil, err
	}
	c.loads.Add(1)
	return e, nil
}

// abortLoad undoes a reservation whose job never ran.
func (c *Cache) abortLoad(e *entry, err error) {
	c.mu.Lock()
	c.unlinkLocked(e, StateEmpty)
	c.reclaimLocked(e)
	e.loadErr = err
	close(e.ready)
	c.mu.Unlock()
}

// Contains reports whether (id, tier) is Ready. It never blocks on a load.
func (c *Cache) Contains(id imgtype.ImageID, tier imgtype.Tier) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[Key{ID: id, Tier: tier}]
	return e != nil && e.State() == StateReady
}

// Peek returns the state and reference count of (id, tier) without taking
// a reference. A key without entry is reported as StateEmpty.
func (c *Cache) Peek(id imgtype.ImageID, tier imgtype.Tier) (State, int32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[Key{ID: id, Tier: tier}]
	if e == nil {
		return StateEmpty, 0
	}
	return e.State(), e.refs.Load()
}

// Broken reports whether the last load of (id, tier) failed.
func (c *Cache) Broken(id imgtype.ImageID, tier imgtype.Tier) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.broken[Key{ID: id, Tier: tier}]
	return ok
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Entries        int
	Loading        int
	CommittedBytes uint64
	PinnedBytes    uint64
	CapacityBytes  uint64
	Hits           uint64
	Misses         uint64
	Fallbacks      uint64
	Evictions      uint64
	Loads          uint64
	LoadFailures   uint64
	Invalidations  uint64
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	st := Stats{
		Entries:        len(c.entries),
		CommittedBytes: c.committed,
		CapacityBytes:  c.budget.Current().MipmapBytes,
	}
	for _, e := range c.entries {
		switch e.State() {
		case StateLoading:
			st.Loading++
		case StateReady:
			if e.refs.Load() > 0 {
				st.PinnedBytes += e.charge
			}
		}
	}
	c.mu.RUnlock()

	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	st.Fallbacks = c.fallbacks.Load()
	st.Evictions = c.evictions.Load()
	st.Loads = c.loads.Load()
	st.LoadFailures = c.loadFailures.Load()
	st.Invalidations = c.invalidations.Load()
	return st
}

// Purge evicts every Ready entry that is not checked out.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked()
}

// Close rejects further checkouts and frees the buffers nobody holds.
// Buffers still checked out are freed by their last Release. Loads already
// scheduled finish on the runner and their results are dropped.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	n := c.purgeLocked()
	held := 0
	for _, e := range c.entries {
		if e.State() != StateReady {
			continue
		}
		c.unlinkLocked(e, StateInvalid)
		if e.refs.Load() == 0 {
			c.reclaimLocked(e)
		}
		held++
	}
	c.logger.Debugf("%sclosed, purged %d entries, %d still held, %d bytes still committed",
		logging.NSMipmap, n, held, c.committed)
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
