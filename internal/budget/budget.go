// Package budget derives the memory budgets of the image caches from the
// amount of system memory and user configuration.
//
// The budget is computed once at startup and replaced only on explicit
// reconfiguration. A Manager publishes immutable Budget snapshots so readers
// never observe a half-updated budget.
//
// This package is internal and not part of the public API.
package budget

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
)

// ErrInvalidConfig is returned when a Config cannot produce a budget.
var ErrInvalidConfig = errors.New("budget: invalid config")

const (
	// DefaultTotalMemory is used when system memory cannot be probed and no
	// override is configured.
	DefaultTotalMemory uint64 = 8 << 30

	// DefaultHeadroomFraction is the share of memory left to the OS and
	// other applications.
	DefaultHeadroomFraction = 0.25

	// DefaultMipmapRatio is the share of usable memory given to the mipmap
	// cache. The rest is the pixel pipeline working set.
	DefaultMipmapRatio = 0.5

	// DefaultMaxBufferFraction caps one buffer as a share of usable memory.
	DefaultMaxBufferFraction = 0.25

	// MaxWorkerThreads is the hard cap on background workers.
	MaxWorkerThreads = 8

	// MaxHeavyJobs caps concurrent full-resolution decode and pipeline
	// work. Parallel pipelines do not scale once the cores are saturated by
	// the vectorized inner loops.
	MaxHeavyJobs = 2
)

// Config holds the user-tunable inputs of the budget.
// Zero values select defaults.
type Config struct {
	// TotalMemoryOverride replaces the probed system memory when non-zero.
	TotalMemoryOverride uint64

	// HeadroomFraction is the share of total memory left unused, in [0, 1).
	HeadroomFraction float64

	// MipmapRatio is the share of usable memory given to the mipmap cache,
	// in (0, 1].
	MipmapRatio float64

	// MaxBufferFraction caps one buffer as a share of usable memory,
	// in (0, 1].
	MaxBufferFraction float64

	// MaxBufferBytes caps one buffer in bytes. Zero means no extra cap.
	MaxBufferBytes uint64

	// WorkerThreads overrides the derived worker count when positive.
	WorkerThreads int
}

// DefaultConfig returns a Config populated with the defaults.
func DefaultConfig() Config {
	return Config{
		HeadroomFraction:  DefaultHeadroomFraction,
		MipmapRatio:       DefaultMipmapRatio,
		MaxBufferFraction: DefaultMaxBufferFraction,
	}
}

// Budget is an immutable snapshot of the derived memory budget.
type Budget struct {
	TotalMemory    uint64 // memory the budget was derived from
	Headroom       uint64 // reserved for the OS and other processes
	Usable         uint64 // TotalMemory - Headroom
	MipmapBytes    uint64 // ceiling of committed mipmap cache bytes
	PipelineBytes  uint64 // live pixel pipeline working set
	MaxBufferBytes uint64 // ceiling of one buffer
	Workers        int    // background worker goroutines
	HeavyJobs      int    // concurrent heavy jobs
	Generation     uint64 // incremented on every reconfiguration
}

// String returns a one-line summary of the budget.
func (b *Budget) String() string {
	return fmt.Sprintf("total=%dMB headroom=%dMB mipmap=%dMB pipeline=%dMB max_buffer=%dMB workers=%d heavy=%d gen=%d",
		b.TotalMemory>>20, b.Headroom>>20, b.MipmapBytes>>20, b.PipelineBytes>>20,
		b.MaxBufferBytes>>20, b.Workers, b.HeavyJobs, b.Generation)
}

// Compute derives a budget from the total system memory and cfg.
// It has no side effects. A zero totalSystemMemory means unknown.
func Compute(totalSystemMemory uint64, cfg Config) (Budget, error) {
	cfg = withDefaults(cfg)
	if err := validate(cfg); err != nil {
		return Budget{}, err
	}

	total := totalSystemMemory
	if cfg.TotalMemoryOverride > 0 {
		total = cfg.TotalMemoryOverride
	}
	if total == 0 {
		total = DefaultTotalMemory
	}

	headroom := scale(total, cfg.HeadroomFraction)
	usable := total - headroom
	mipmap := scale(usable, cfg.MipmapRatio)
	maxBuffer := scale(usable, cfg.MaxBufferFraction)
	if cfg.MaxBufferBytes > 0 {
		maxBuffer = min(maxBuffer, cfg.MaxBufferBytes)
	}
	maxBuffer = min(maxBuffer, mipmap)

	workers := WorkerCount(cfg.WorkerThreads)
	return Budget{
		TotalMemory:    total,
		Headroom:       headroom,
		Usable:         usable,
		MipmapBytes:    mipmap,
		PipelineBytes:  usable - mipmap,
		MaxBufferBytes: maxBuffer,
		Workers:        workers,
		HeavyJobs:      min(MaxHeavyJobs, workers),
	}, nil
}

// WorkerCount returns the number of background workers: override when
// positive, otherwise the logical core count clamped to [1, MaxWorkerThreads].
func WorkerCount(override int) int {
	if override > 0 {
		return override
	}
	cores := cpuid.CPU.LogicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	return max(1, min(cores, MaxWorkerThreads))
}

func withDefaults(cfg Config) Config {
	if cfg.MipmapRatio == 0 {
		cfg.MipmapRatio = DefaultMipmapRatio
	}
	if cfg.MaxBufferFraction == 0 {
		cfg.MaxBufferFraction = DefaultMaxBufferFraction
	}
	return cfg
}

func validate(cfg Config) error {
	if cfg.HeadroomFraction < 0 || cfg.HeadroomFraction >= 1 {
		return fmt.Errorf("%w: headroom fraction %v not in [0, 1)", ErrInvalidConfig, cfg.HeadroomFraction)
	}
	if cfg.MipmapRatio <= 0 || cfg.MipmapRatio > 1 {
		return fmt.Errorf("%w: mipmap ratio %v not in (0, 1]", ErrInvalidConfig, cfg.MipmapRatio)
	}
	if cfg.MaxBufferFraction <= 0 || cfg.MaxBufferFraction > 1 {
		return fmt.Errorf("%w: max buffer fraction %v not in (0, 1]", ErrInvalidConfig, cfg.MaxBufferFraction)
	}
	if cfg.WorkerThreads < 0 {
		return fmt.Errorf("%w: worker threads %d", ErrInvalidConfig, cfg.WorkerThreads)
	}
	return nil
}

func scale(n uint64, f float64) uint64 {
	return uint64(float64(n) * f)
}

// Manager holds the process-wide budget.
//
// Readers call Current and get a consistent snapshot without locking.
// Reconfigure is serialized; it builds the new snapshot completely before
// publishing it.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	probe   func() uint64
	current atomic.Pointer[Budget]
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProbe replaces the system memory probe.
func WithProbe(probe func() uint64) ManagerOption {
	return func(m *Manager) {
		m.probe = probe
	}
}

// NewManager computes the initial budget from cfg.
func NewManager(cfg Config, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{probe: SystemMemory}
	for _, opt := range opts {
		opt(m)
	}
	if _, err := m.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStaticManager publishes b as is. It is meant for tests and for callers
// that computed the budget elsewhere.
func NewStaticManager(b Budget) *Manager {
	m := &Manager{probe: SystemMemory}
	m.current.Store(&b)
	return m
}

// Current returns the published budget. The returned value must not be
// modified.
func (m *Manager) Current() *Budget {
	return m.current.Load()
}

// Config returns the configuration of the published budget.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Reconfigure recomputes the budget from cfg and publishes it. On error the
// published budget is unchanged.
func (m *Manager) Reconfigure(cfg Config) (*Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	if cfg.TotalMemoryOverride == 0 {
		total = m.probe()
	}
	b, err := Compute(total, cfg)
	if err != nil {
		return nil, err
	}
	if prev := m.current.Load(); prev != nil {
		b.Generation = prev.Generation + 1
	}
	m.cfg = cfg
	m.current.Store(&b)
	return &b, nil
}
