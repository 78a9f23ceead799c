// Package alignedalloc provides cache-line aligned pixel buffers.
//
// Every buffer handed to the pixel pipeline starts at an address that is a
// multiple of the machine cache line (64 bytes on most CPUs, 128 on some
// ARM cores) and has a length rounded up to that multiple, so vectorized
// loops may always read and write whole lines. Alignment is established at
// allocation time and never separated from it.
//
// Two implementations sit behind the Allocator interface:
//
//   - Pooled recycles buffers through power-of-two size classes. It is the
//     default allocator.
//   - Guarded surrounds every buffer with canaries, poisons fresh and freed
//     memory and panics on foreign frees, double frees and overruns. It is
//     the default when the module is built with -tags allocdebug.
//
// Out-of-memory conditions are reported as ErrAllocationFailure; nothing in
// this package aborts the process.
//
// This package is internal and not part of the public API.
package alignedalloc

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sys/cpu"
)

var (
	// ErrAllocationFailure is returned when memory cannot be obtained.
	ErrAllocationFailure = errors.New("alignedalloc: allocation failure")

	// ErrInvalidSize is returned for non-positive allocation sizes.
	ErrInvalidSize = errors.New("alignedalloc: invalid size")
)

// minAlignment is the smallest alignment ever used.
const minAlignment = 64

// CacheLine is the detected cache line size in bytes.
var CacheLine = detectCacheLine()

func detectCacheLine() int {
	line := int(unsafe.Sizeof(cpu.CacheLinePad{}))
	if c := cpuid.CPU.CacheLine; c > line {
		line = c
	}
	if line < minAlignment {
		line = minAlignment
	}
	return nextPowerOf2(line)
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Allocator hands out aligned buffers.
//
// Buffers must be released with Free on the allocator that produced them.
// Passing a buffer from any other source is undefined; the guarded
// implementation panics on it.
type Allocator interface {
	// Alloc returns a buffer of at least size bytes. Contents are
	// unspecified.
	Alloc(size int) (*Buffer, error)

	// AllocZeroed returns a buffer of at least size bytes whose whole
	// padded region is zero.
	AllocZeroed(size int) (*Buffer, error)

	// Free releases a buffer. Free(nil) is a no-op.
	Free(b *Buffer)

	// Alignment returns the alignment of every returned buffer.
	Alignment() int

	// RoundUp returns size rounded up to the alignment. This is the number
	// of bytes a buffer of the given size is charged for.
	RoundUp(size int) int

	// Stats returns allocation counters.
	Stats() Stats
}

// Stats contains allocator counters.
type Stats struct {
	Allocs    uint64 // successful allocations
	Frees     uint64 // buffers released
	Failures  uint64 // failed allocations
	PoolHits  uint64 // allocations served from a recycled buffer
	LiveBytes int64  // padded bytes currently handed out
	PeakBytes int64  // high-water mark of LiveBytes
}

// Buffer is an aligned block of memory.
type Buffer struct {
	data  []byte // aligned, len == cap == padded size
	raw   []byte // backing allocation
	size  int    // requested size
	class int    // size class for pooled buffers, -1 otherwise
	owner *owner
	freed atomic.Bool
}

// Bytes returns the requested region of the buffer.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data[:b.size:b.size]
}

// Padded returns the full aligned region, including the tail padding.
func (b *Buffer) Padded() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the requested size.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return b.size
}

// Cap returns the padded size.
func (b *Buffer) Cap() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Addr returns the base address of the buffer.
func (b *Buffer) Addr() uintptr {
	if b == nil || len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.data)))
}

// owner identifies the allocator that produced a buffer.
type owner struct {
	id uint64
}

var ownerSeq atomic.Uint64

func newOwner() *owner {
	return &owner{id: ownerSeq.Add(1)}
}

// Option configures an allocator.
type Option func(*config)

type config struct {
	alignment int
	maxAlloc  int
	limit     int64
}

func defaultConfig() config {
	return config{alignment: CacheLine}
}

// WithAlignment overrides the alignment. Values that are not a power of two
// or are smaller than 64 are ignored.
func WithAlignment(n int) Option {
	return func(c *config) {
		if n >= minAlignment && n&(n-1) == 0 {
			c.alignment = n
		}
	}
}

// WithMaxAlloc caps the size of a single allocation. Zero means no cap.
func WithMaxAlloc(n int) Option {
	return func(c *config) {
		c.maxAlloc = n
	}
}

// WithLimit caps the total live bytes of the allocator. Zero means no cap.
func WithLimit(n int64) Option {
	return func(c *config) {
		c.limit = n
	}
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// alignedView returns the n bytes of raw starting offset bytes past the
// first aligned address inside raw.
func alignedView(raw []byte, align, offset, n int) []byte {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	pad := int((uintptr(align) - base%uintptr(align)) % uintptr(align))
	start := pad + offset
	return raw[start : start+n : start+n]
}

// tryMake allocates n bytes, converting runtime allocation panics into
// ErrAllocationFailure.
func tryMake(n int) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = fmt.Errorf("%w: %d bytes: %v", ErrAllocationFailure, n, r)
		}
	}()
	return make([]byte, n), nil
}

// counters is the shared bookkeeping of both implementations.
type counters struct {
	allocs   atomic.Uint64
	frees    atomic.Uint64
	failures atomic.Uint64
	poolHits atomic.Uint64
	live     atomic.Int64
	peak     atomic.Int64
}

// reserve accounts n live bytes, failing if the limit would be exceeded.
func (c *counters) reserve(n int64, cfg *config) error {
	if cfg.maxAlloc > 0 && n > int64(cfg.maxAlloc) {
		c.failures.Add(1)
		return fmt.Errorf("%w: %d bytes exceeds single allocation cap %d", ErrAllocationFailure, n, cfg.maxAlloc)
	}
	live := c.live.Add(n)
	if cfg.limit > 0 && live > cfg.limit {
		c.live.Add(-n)
		c.failures.Add(1)
		return fmt.Errorf("%w: %d bytes would exceed limit %d (live %d)", ErrAllocationFailure, n, cfg.limit, live-n)
	}
	for {
		peak := c.peak.Load()
		if live <= peak || c.peak.CompareAndSwap(peak, live) {
			break
		}
	}
	return nil
}

func (c *counters) unreserve(n int64) {
	c.live.Add(-n)
}

func (c *counters) snapshot() Stats {
	return Stats{
		Allocs:    c.allocs.Load(),
		Frees:     c.frees.Load(),
		Failures:  c.failures.Load(),
		PoolHits:  c.poolHits.Load(),
		LiveBytes: c.live.Load(),
		PeakBytes: c.peak.Load(),
	}
}
