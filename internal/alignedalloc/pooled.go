package alignedalloc

import (
	"fmt"
	"sync"
)

// Size classes: 4KB, 8KB, ..., 256MB.
const (
	minClassShift = 12
	maxClassShift = 28
	numClasses    = maxClassShift - minClassShift + 1
)

func classSize(class int) int {
	return 1 << (minClassShift + class)
}

// classFor returns the smallest class holding n bytes, or -1 if n is too
// large to pool.
func classFor(n int) int {
	for i := range numClasses {
		if n <= classSize(i) {
			return i
		}
	}
	return -1
}

// Pooled is the release allocator. Buffers up to 256MB are recycled through
// per-class pools; larger ones are left to the garbage collector on Free.
type Pooled struct {
	cfg     config
	classes [numClasses]sync.Pool
	stats   counters
	token   *owner
}

var _ Allocator = (*Pooled)(nil)

// NewPooled creates a pooled allocator.
func NewPooled(opts ...Option) *Pooled {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pooled{cfg: cfg, token: newOwner()}
}

// Alignment implements Allocator.
func (p *Pooled) Alignment() int { return p.cfg.alignment }

// RoundUp implements Allocator.
func (p *Pooled) RoundUp(size int) int { return roundUp(size, p.cfg.alignment) }

// Alloc implements Allocator.
func (p *Pooled) Alloc(size int) (*Buffer, error) {
	return p.alloc(size, false)
}

// AllocZeroed implements Allocator.
func (p *Pooled) AllocZeroed(size int) (*Buffer, error) {
	return p.alloc(size, true)
}

func (p *Pooled) alloc(size int, zero bool) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	align := p.cfg.alignment
	n := roundUp(size, align)
	if err := p.stats.reserve(int64(n), &p.cfg); err != nil {
		return nil, err
	}

	class := classFor(n)
	var raw []byte
	reused := false
	if class >= 0 {
		if v, ok := p.classes[class].Get().(*[]byte); ok {
			raw = *v
			reused = true
		}
	}
	if raw == nil {
		want := n
		if class >= 0 {
			want = classSize(class)
		}
		var err error
		raw, err = tryMake(want + align)
		if err != nil {
			p.stats.unreserve(int64(n))
			p.stats.failures.Add(1)
			return nil, err
		}
	}

	data := alignedView(raw, align, 0, n)
	if reused {
		p.stats.poolHits.Add(1)
		if zero {
			clear(data)
		}
	}
	p.stats.allocs.Add(1)
	return &Buffer{
		data:  data,
		raw:   raw,
		size:  size,
		class: class,
		owner: p.token,
	}, nil
}

// Free implements Allocator. Buffers from other allocators and repeated
// frees are ignored.
func (p *Pooled) Free(b *Buffer) {
	if b == nil || b.owner != p.token {
		return
	}
	if !b.freed.CompareAndSwap(false, true) {
		return
	}
	p.stats.unreserve(int64(len(b.data)))
	p.stats.frees.Add(1)
	if b.class >= 0 {
		raw := b.raw
		p.classes[b.class].Put(&raw)
	}
	b.data = nil
	b.raw = nil
}

// Stats implements Allocator.
func (p *Pooled) Stats() Stats {
	return p.stats.snapshot()
}
