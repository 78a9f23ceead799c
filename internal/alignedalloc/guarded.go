package alignedalloc

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	guardMagic = 0x70616d70696d6c61 // "almipmap"
	tailMagic  = 0x6c696174fdfdfdfd

	poisonFresh = 0xA5
	poisonFreed = 0xDD

	stateLive  = 1
	stateFreed = 2
)

// Guarded is the debug allocator.
//
// Each allocation reserves one alignment unit in front of the data for a
// header (magic, owner, size, state) and one behind it for a tail canary.
// The data therefore never starts at the base of the underlying block, so a
// buffer can only be released by the allocator that knows the layout. Free
// panics when handed a foreign buffer, a buffer that was already freed, or a
// buffer whose canaries were overwritten.
type Guarded struct {
	cfg   config
	stats counters
	token *owner

	mu   sync.Mutex
	live map[*Buffer]struct{}
}

var _ Allocator = (*Guarded)(nil)

// NewGuarded creates a guarded allocator.
func NewGuarded(opts ...Option) *Guarded {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Guarded{
		cfg:   cfg,
		token: newOwner(),
		live:  make(map[*Buffer]struct{}),
	}
}

// Alignment implements Allocator.
func (g *Guarded) Alignment() int { return g.cfg.alignment }

// RoundUp implements Allocator.
func (g *Guarded) RoundUp(size int) int { return roundUp(size, g.cfg.alignment) }

// Alloc implements Allocator. Fresh memory is filled with a poison pattern.
func (g *Guarded) Alloc(size int) (*Buffer, error) {
	return g.alloc(size, false)
}

// AllocZeroed implements Allocator.
func (g *Guarded) AllocZeroed(size int) (*Buffer, error) {
	return g.alloc(size, true)
}

func (g *Guarded) alloc(size int, zero bool) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	align := g.cfg.alignment
	n := roundUp(size, align)
	if err := g.stats.reserve(int64(n), &g.cfg); err != nil {
		return nil, err
	}

	// alignment slack + header + data + tail
	raw, err := tryMake(align + align + n + align)
	if err != nil {
		g.stats.unreserve(int64(n))
		g.stats.failures.Add(1)
		return nil, err
	}
	data := alignedView(raw, align, align, n)
	if !zero {
		fill(data, poisonFresh)
	}

	b := &Buffer{
		data:  data,
		raw:   raw,
		size:  size,
		class: -1,
		owner: g.token,
	}
	g.writeHeader(b, stateLive)
	binary.LittleEndian.PutUint64(g.tail(b), tailMagic)

	g.mu.Lock()
	g.live[b] = struct{}{}
	g.mu.Unlock()

	g.stats.allocs.Add(1)
	return b, nil
}

// header returns the header region placed directly in front of the data.
func (g *Guarded) header(b *Buffer) []byte {
	align := g.cfg.alignment
	return alignedView(b.raw, align, 0, align)
}

// tail returns the canary region placed directly behind the data.
func (g *Guarded) tail(b *Buffer) []byte {
	align := g.cfg.alignment
	return alignedView(b.raw, align, align+len(b.data), align)
}

func (g *Guarded) writeHeader(b *Buffer, state uint64) {
	h := g.header(b)
	binary.LittleEndian.PutUint64(h[0:], guardMagic)
	binary.LittleEndian.PutUint64(h[8:], g.token.id)
	binary.LittleEndian.PutUint64(h[16:], uint64(b.size))
	binary.LittleEndian.PutUint64(h[24:], state)
}

// Free implements Allocator. It panics on misuse.
func (g *Guarded) Free(b *Buffer) {
	if b == nil {
		return
	}
	if b.owner != g.token {
		panic("alignedalloc: free of buffer not owned by this allocator")
	}
	if !b.freed.CompareAndSwap(false, true) {
		panic("alignedalloc: double free")
	}

	h := g.header(b)
	if binary.LittleEndian.Uint64(h[0:]) != guardMagic ||
		binary.LittleEndian.Uint64(h[8:]) != g.token.id ||
		binary.LittleEndian.Uint64(h[16:]) != uint64(b.size) ||
		binary.LittleEndian.Uint64(h[24:]) != stateLive {
		panic(fmt.Sprintf("alignedalloc: corrupted header in front of buffer at %#x", b.Addr()))
	}
	if binary.LittleEndian.Uint64(g.tail(b)) != tailMagic {
		panic(fmt.Sprintf("alignedalloc: buffer overrun past %d bytes at %#x", len(b.data), b.Addr()))
	}

	g.writeHeader(b, stateFreed)
	fill(b.data, poisonFreed)

	g.mu.Lock()
	delete(g.live, b)
	g.mu.Unlock()

	g.stats.unreserve(int64(len(b.data)))
	g.stats.frees.Add(1)
}

// Outstanding returns the number of buffers that have not been freed.
func (g *Guarded) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Stats implements Allocator.
func (g *Guarded) Stats() Stats {
	return g.stats.snapshot()
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
