package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gib = uint64(1) << 30

func TestComputeDefaults(t *testing.T) {
	b, err := Compute(16*gib, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 16*gib, b.TotalMemory)
	assert.Equal(t, 4*gib, b.Headroom)
	assert.Equal(t, 12*gib, b.Usable)
	assert.Equal(t, 6*gib, b.MipmapBytes)
	assert.Equal(t, 6*gib, b.PipelineBytes)
	assert.Equal(t, 3*gib, b.MaxBufferBytes)
	assert.GreaterOrEqual(t, b.Workers, 1)
	assert.LessOrEqual(t, b.Workers, MaxWorkerThreads)
	assert.LessOrEqual(t, b.HeavyJobs, MaxHeavyJobs)
}

func TestComputeOverridesAndCaps(t *testing.T) {
	cfg := Config{
		TotalMemoryOverride: 4 * gib,
		HeadroomFraction:    0.5,
		MipmapRatio:         0.25,
		MaxBufferFraction:   1,
		MaxBufferBytes:      100 << 20,
		WorkerThreads:       12,
	}
	b, err := Compute(64*gib, cfg)
	require.NoError(t, err)

	assert.Equal(t, 4*gib, b.TotalMemory)
	assert.Equal(t, 2*gib, b.Usable)
	assert.Equal(t, gib/2, b.MipmapBytes)
	assert.Equal(t, uint64(100<<20), b.MaxBufferBytes)
	assert.Equal(t, 12, b.Workers)
	assert.Equal(t, 2, b.HeavyJobs)
}

func TestComputeMaxBufferNeverAboveMipmapCeiling(t *testing.T) {
	b, err := Compute(gib, Config{MipmapRatio: 0.1, MaxBufferFraction: 1})
	require.NoError(t, err)
	assert.Equal(t, b.MipmapBytes, b.MaxBufferBytes)
}

func TestComputeUnknownMemory(t *testing.T) {
	b, err := Compute(0, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultTotalMemory, b.TotalMemory)
}

func TestComputeIsPure(t *testing.T) {
	a, err := Compute(8*gib, DefaultConfig())
	require.NoError(t, err)
	b, err := Compute(8*gib, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeInvalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"headroom negative", Config{HeadroomFraction: -0.1}},
		{"headroom one", Config{HeadroomFraction: 1}},
		{"ratio above one", Config{MipmapRatio: 1.5}},
		{"ratio negative", Config{MipmapRatio: -1}},
		{"buffer fraction above one", Config{MaxBufferFraction: 2}},
		{"negative workers", Config{WorkerThreads: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(gib, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestWorkerCount(t *testing.T) {
	assert.Equal(t, 3, WorkerCount(3))
	n := WorkerCount(0)
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, MaxWorkerThreads)
}

func TestManagerReconfigure(t *testing.T) {
	m, err := NewManager(DefaultConfig(), WithProbe(func() uint64 { return 8 * gib }))
	require.NoError(t, err)

	first := m.Current()
	assert.Equal(t, 8*gib, first.TotalMemory)
	assert.Zero(t, first.Generation)

	second, err := m.Reconfigure(Config{HeadroomFraction: 0.5})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Generation)
	assert.Equal(t, second, m.Current())
	assert.Equal(t, 0.5, m.Config().HeadroomFraction)

	// The earlier snapshot is untouched.
	assert.Equal(t, 6*gib, first.Usable)

	_, err = m.Reconfigure(Config{HeadroomFraction: 2})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, second, m.Current())
}

func TestManagerConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	m, err := NewManager(DefaultConfig(), WithProbe(func() uint64 { return 8 * gib }))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b := m.Current()
				if b.MipmapBytes+b.PipelineBytes != b.Usable {
					t.Errorf("torn budget: %s", b)
					return
				}
			}
		}()
	}
	for i := range 100 {
		_, err := m.Reconfigure(Config{MipmapRatio: 0.1 + float64(i%9)/10})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(100), m.Current().Generation)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(Budget{MipmapBytes: 100, MaxBufferBytes: 50})
	assert.Equal(t, uint64(100), m.Current().MipmapBytes)
}
