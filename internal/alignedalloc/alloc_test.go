package alignedalloc

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allocators() map[string]func(...Option) Allocator {
	return map[string]func(...Option) Allocator{
		"pooled":  func(o ...Option) Allocator { return NewPooled(o...) },
		"guarded": func(o ...Option) Allocator { return NewGuarded(o...) },
	}
}

func TestCacheLine(t *testing.T) {
	assert.GreaterOrEqual(t, CacheLine, 64)
	assert.Zero(t, CacheLine&(CacheLine-1), "cache line must be a power of two")
}

func TestAllocAlignment(t *testing.T) {
	for name, newAlloc := range allocators() {
		t.Run(name, func(t *testing.T) {
			a := newAlloc()
			for _, size := range []int{1, 63, 64, 65, 1000, 4096, 100_000, 1 << 20} {
				b, err := a.Alloc(size)
				require.NoError(t, err)
				assert.Zero(t, b.Addr()%uintptr(a.Alignment()), "size %d misaligned", size)
				assert.Equal(t, size, b.Len())
				assert.Equal(t, a.RoundUp(size), b.Cap())
				assert.Zero(t, b.Cap()%a.Alignment())
				assert.Len(t, b.Bytes(), size)
				a.Free(b)
			}
		})
	}
}

func TestAllocCustomAlignment(t *testing.T) {
	for name, newAlloc := range allocators() {
		t.Run(name, func(t *testing.T) {
			a := newAlloc(WithAlignment(128))
			require.Equal(t, 128, a.Alignment())
			b, err := a.Alloc(10)
			require.NoError(t, err)
			assert.Zero(t, b.Addr()%128)
			assert.Equal(t, 128, b.Cap())
			a.Free(b)

			// Not a power of two: ignored.
			a = newAlloc(WithAlignment(96))
			assert.Equal(t, CacheLine, a.Alignment())
		})
	}
}

func TestAllocZeroed(t *testing.T) {
	for name, newAlloc := range allocators() {
		t.Run(name, func(t *testing.T) {
			a := newAlloc()
			b, err := a.Alloc(8192)
			require.NoError(t, err)
			for i := range b.Padded() {
				b.Padded()[i] = 0xFF
			}
			a.Free(b)

			z, err := a.AllocZeroed(8000)
			require.NoError(t, err)
			for i, v := range z.Padded() {
				if v != 0 {
					t.Fatalf("byte %d = %#x, want 0", i, v)
				}
			}
			a.Free(z)
		})
	}
}

func TestAllocFailures(t *testing.T) {
	for name, newAlloc := range allocators() {
		t.Run(name, func(t *testing.T) {
			a := newAlloc(WithMaxAlloc(1024), WithLimit(4096))

			_, err := a.Alloc(0)
			assert.ErrorIs(t, err, ErrInvalidSize)

			_, err = a.Alloc(2048)
			assert.ErrorIs(t, err, ErrAllocationFailure)

			var held []*Buffer
			for range 4 {
				b, err := a.Alloc(1024)
				require.NoError(t, err)
				held = append(held, b)
			}
			_, err = a.Alloc(64)
			assert.True(t, errors.Is(err, ErrAllocationFailure))
			assert.Equal(t, int64(4096), a.Stats().LiveBytes)

			for _, b := range held {
				a.Free(b)
			}
			assert.Zero(t, a.Stats().LiveBytes)
			assert.Equal(t, int64(4096), a.Stats().PeakBytes)
			assert.Equal(t, uint64(2), a.Stats().Failures)
		})
	}
}

func TestTryMakeRecoversFromRuntimePanic(t *testing.T) {
	_, err := tryMake(-1)
	assert.ErrorIs(t, err, ErrAllocationFailure)
}

func TestPooledReuse(t *testing.T) {
	p := NewPooled()
	b, err := p.Alloc(10_000)
	require.NoError(t, err)
	assert.Equal(t, classFor(p.RoundUp(10_000)), b.class)
	p.Free(b)
	p.Free(b) // ignored

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Allocs)
	assert.Equal(t, uint64(1), st.Frees)
	assert.Zero(t, st.LiveBytes)
}

func TestPooledIgnoresForeignBuffer(t *testing.T) {
	p := NewPooled()
	g := NewGuarded()
	b, err := g.Alloc(100)
	require.NoError(t, err)

	p.Free(b)
	assert.Equal(t, 1, g.Outstanding())
	g.Free(b)
	assert.Zero(t, g.Outstanding())
}

func TestGuardedPanicsOnMisuse(t *testing.T) {
	g := NewGuarded()
	other := NewGuarded()

	b, err := g.Alloc(100)
	require.NoError(t, err)
	assert.PanicsWithValue(t, "alignedalloc: free of buffer not owned by this allocator", func() { other.Free(b) })

	g.Free(b)
	assert.PanicsWithValue(t, "alignedalloc: double free", func() { g.Free(b) })

	p := NewPooled()
	pb, err := p.Alloc(100)
	require.NoError(t, err)
	assert.Panics(t, func() { g.Free(pb) })
}

func TestGuardedDetectsOverrun(t *testing.T) {
	g := NewGuarded()
	b, err := g.Alloc(64)
	require.NoError(t, err)

	// Reach past the padded region into the tail canary.
	tail := g.tail(b)
	tail[0] ^= 0xFF
	assert.Panics(t, func() { g.Free(b) })
}

func TestGuardedPoisonsFreshMemory(t *testing.T) {
	g := NewGuarded()
	b, err := g.Alloc(256)
	require.NoError(t, err)
	for _, v := range b.Bytes() {
		require.Equal(t, byte(poisonFresh), v)
	}
	data := b.Padded()
	g.Free(b)
	for _, v := range data {
		require.Equal(t, byte(poisonFreed), v)
	}
}

func TestGuardedDataNeverAtBlockBase(t *testing.T) {
	g := NewGuarded()
	b, err := g.Alloc(64)
	require.NoError(t, err)
	base := uintptr(0)
	if len(b.raw) > 0 {
		base = uintptr(unsafeAddr(b.raw))
	}
	assert.GreaterOrEqual(t, b.Addr()-base, uintptr(g.Alignment()))
	g.Free(b)
}

func TestConcurrentAllocFree(t *testing.T) {
	for name, newAlloc := range allocators() {
		t.Run(name, func(t *testing.T) {
			a := newAlloc()
			var wg sync.WaitGroup
			for w := range 8 {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := range 200 {
						b, err := a.AllocZeroed(1024 * (1 + (w+i)%16))
						if err != nil {
							t.Error(err)
							return
						}
						b.Bytes()[0] = byte(i)
						a.Free(b)
					}
				}(w)
			}
			wg.Wait()
			st := a.Stats()
			assert.Equal(t, st.Allocs, st.Frees)
			assert.Zero(t, st.LiveBytes)
		})
	}
}

func TestNewFollowsBuildTag(t *testing.T) {
	a := New()
	_, guarded := a.(*Guarded)
	assert.Equal(t, DebugBuild, guarded)
}

func unsafeAddr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}
