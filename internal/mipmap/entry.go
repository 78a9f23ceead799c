package mipmap

import (
	"container/list"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mpaglia0/ansel-sub001/internal/alignedalloc"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
)

// State is the lifecycle state of a cache entry.
type State int32

const (
	// StateEmpty means no buffer is present.
	StateEmpty State = iota
	// StateLoading means a buffer is reserved and a job is filling it.
	StateLoading
	// StateReady means the buffer holds valid pixels.
	StateReady
	// StateInvalid means the entry was invalidated and waits for its last
	// reference to go away.
	StateInvalid
	// StateEvicted means the entry was removed to make room.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateInvalid:
		return "invalid"
	case StateEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// entry is one (image, tier) buffer. The immutable fields are set at
// creation; state changes happen under Cache.mu; elem is guarded by
// Cache.lruMu.
type entry struct {
	key        Key
	width      int
	height     int
	format     imgtype.PixelFormat
	charge     uint64
	generation uint64

	state atomic.Int32
	refs  atomic.Int32

	buf        *alignedalloc.Buffer
	started    time.Time
	srcModTime time.Time
	elem       *list.Element

	// ready is closed once the load finished; loadErr is set before.
	ready   chan struct{}
	loadErr error

	reclaimed atomic.Bool
}

func newEntry(key Key, w, h int, format imgtype.PixelFormat, charge, gen uint64) *entry {
	e := &entry{
		key:        key,
		width:      w,
		height:     h,
		format:     format,
		charge:     charge,
		generation: gen,
		ready:      make(chan struct{}),
	}
	e.state.Store(int32(StateLoading))
	return e
}

func (e *entry) State() State { return State(e.state.Load()) }

func (e *entry) setState(s State) { e.state.Store(int32(s)) }

// Handle is a checked-out reference on a Ready buffer. The buffer stays
// valid, and is never evicted or freed, until Release is called.
type Handle struct {
	c         *Cache
	e         *entry
	requested imgtype.Tier
	fallback  bool
	err       error
	released  atomic.Bool
}

// Bytes returns the pixel data. It must not be used after Release.
func (h *Handle) Bytes() []byte { return h.e.buf.Bytes() }

// Buffer returns the underlying aligned buffer.
func (h *Handle) Buffer() *alignedalloc.Buffer { return h.e.buf }

func (h *Handle) ID() imgtype.ImageID         { return h.e.key.ID }
func (h *Handle) Tier() imgtype.Tier          { return h.e.key.Tier }
func (h *Handle) Width() int                  { return h.e.width }
func (h *Handle) Height() int                 { return h.e.height }
func (h *Handle) Format() imgtype.PixelFormat { return h.e.format }

// Requested returns the tier the caller asked for. It differs from Tier
// for a fallback.
func (h *Handle) Requested() imgtype.Tier { return h.requested }

// Fallback reports whether the handle holds a smaller tier than requested.
func (h *Handle) Fallback() bool { return h.fallback }

// Err returns the error that kept the requested tier from being loaded,
// if any. Only fallback handles carry one.
func (h *Handle) Err() error { return h.err }

// Release drops the reference. Calls after the first are no-ops.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.c.release(h.e)
}

func (c *Cache) release(e *entry) {
	n := e.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("mipmap: negative reference count on %s", e.key))
	}
	if n == 0 && e.State() == StateInvalid {
		c.mu.Lock()
		c.reclaimLocked(e)
		c.mu.Unlock()
	}
}
