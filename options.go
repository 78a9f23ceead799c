package ansel

import (
	"errors"
	"fmt"
	"time"

	"github.com/mpaglia0/ansel-sub001/internal/alignedalloc"
	"github.com/mpaglia0/ansel-sub001/internal/budget"
	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/mipmap"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

// Options configures a Context.
type Options struct {
	// TotalMemory replaces the probed system memory when non-zero.
	TotalMemory uint64

	// HeadroomFraction is the share of total memory left to the OS and
	// other processes.
	// Default: 0.25
	HeadroomFraction float64

	// MipmapRatio is the share of usable memory given to the mipmap cache.
	// The rest is the pixel pipeline working set.
	// Default: 0.5
	MipmapRatio float64

	// MaxBufferFraction caps a single buffer as a share of usable memory.
	// Default: 0.25
	MaxBufferFraction float64

	// MaxBufferBytes caps a single buffer in bytes. Zero means no extra cap.
	MaxBufferBytes uint64

	// WorkerThreads overrides the derived worker count when positive.
	WorkerThreads int

	// LoadTimeout bounds a blocking checkout.
	// Default: 10s
	LoadTimeout time.Duration

	// DiskCacheEnabled persists thumbnail tiers under DiskCacheDir.
	DiskCacheEnabled bool

	// DiskCacheDir is the on-disk thumbnail store. Required when
	// DiskCacheEnabled is set.
	DiskCacheDir string

	// DiskCacheCompression is the codec of stored thumbnails.
	// Default: LZ4
	DiskCacheCompression compression.Type

	// LogLevel is used when Logger is nil.
	// Default: WARN
	LogLevel logging.Level

	// Logger receives all log output. If nil, a stderr logger at LogLevel
	// is used.
	Logger logging.Logger

	// FS is the filesystem implementation to use.
	// If nil, the OS filesystem is used.
	FS vfs.FS

	// Allocator hands out the pixel buffers. If nil, the allocator selected
	// by the build configuration is used.
	Allocator alignedalloc.Allocator

	// MemoryProbe replaces the system memory probe. Used by tests.
	MemoryProbe func() uint64

	// Statistics collects counters and histograms. Optional.
	Statistics Statistics
}

// DefaultOptions returns Options populated with the defaults.
func DefaultOptions() *Options {
	return &Options{
		HeadroomFraction:     budget.DefaultHeadroomFraction,
		MipmapRatio:          budget.DefaultMipmapRatio,
		MaxBufferFraction:    budget.DefaultMaxBufferFraction,
		LoadTimeout:          mipmap.DefaultLoadTimeout,
		DiskCacheCompression: compression.LZ4Compression,
		LogLevel:             logging.LevelWarn,
		FS:                   nil, // Will use vfs.Default()
		Logger:               nil, // Will use a stderr logger at LogLevel
	}
}

// BudgetConfig returns the budget inputs of o.
func (o *Options) BudgetConfig() budget.Config {
	return budget.Config{
		TotalMemoryOverride: o.TotalMemory,
		HeadroomFraction:    o.HeadroomFraction,
		MipmapRatio:         o.MipmapRatio,
		MaxBufferFraction:   o.MaxBufferFraction,
		MaxBufferBytes:      o.MaxBufferBytes,
		WorkerThreads:       o.WorkerThreads,
	}
}

// Validate reports the first invalid setting.
func (o *Options) Validate() error {
	if _, err := budget.Compute(1<<30, o.BudgetConfig()); err != nil {
		return err
	}
	if o.LoadTimeout < 0 {
		return fmt.Errorf("%w: negative load timeout %v", ErrInvalidOptions, o.LoadTimeout)
	}
	if o.DiskCacheEnabled {
		if o.DiskCacheDir == "" {
			return fmt.Errorf("%w: disk cache enabled without a directory", ErrInvalidOptions)
		}
		if !o.DiskCacheCompression.IsSupported() {
			return fmt.Errorf("%w: %w: %v", ErrInvalidOptions, compression.ErrUnsupported, o.DiskCacheCompression)
		}
	}
	return nil
}

// ErrInvalidOptions is returned by Open for an unusable Options value.
var ErrInvalidOptions = errors.New("ansel: invalid options")
