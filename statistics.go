package ansel

// statistics.go implements the Statistics interface for collecting cache
// metrics.

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// TickerType represents different types of counters.
type TickerType int

const (
	// TickerMipmapHit is the count of checkouts served from a Ready buffer.
	TickerMipmapHit TickerType = iota
	// TickerMipmapMiss is the count of checkouts that needed a load.
	TickerMipmapMiss
	// TickerMipmapFallback is the count of best-effort checkouts answered
	// with a smaller tier.
	TickerMipmapFallback
	// TickerMipmapEviction is the count of entries evicted to make room.
	TickerMipmapEviction
	// TickerMipmapLoad is the count of loads started.
	TickerMipmapLoad
	// TickerMipmapLoadFailure is the count of loads that failed.
	TickerMipmapLoadFailure
	// TickerMipmapInvalidation is the count of invalidated entries.
	TickerMipmapInvalidation
	// TickerMipmapBytesLoaded is the total bytes of successfully loaded
	// buffers.
	TickerMipmapBytesLoaded

	// TickerDiskCacheHit is the count of thumbnails read from disk.
	TickerDiskCacheHit
	// TickerDiskCacheMiss is the count of thumbnails absent or stale on disk.
	TickerDiskCacheMiss
	// TickerDiskCacheWrite is the count of thumbnails written to disk.
	TickerDiskCacheWrite

	// TickerAllocFailure is the count of failed buffer allocations.
	TickerAllocFailure

	// TickerJobCompleted is the count of background jobs that finished.
	TickerJobCompleted
	// TickerJobFailed is the count of background jobs that returned an error.
	TickerJobFailed

	// TickerEnumMax is the maximum ticker type for sizing arrays.
	TickerEnumMax
)

var tickerNames = [TickerEnumMax]string{
	"ansel.mipmap.hit",
	"ansel.mipmap.miss",
	"ansel.mipmap.fallback",
	"ansel.mipmap.eviction",
	"ansel.mipmap.load",
	"ansel.mipmap.load.failure",
	"ansel.mipmap.invalidation",
	"ansel.mipmap.bytes.loaded",
	"ansel.diskcache.hit",
	"ansel.diskcache.miss",
	"ansel.diskcache.write",
	"ansel.alloc.failure",
	"ansel.job.completed",
	"ansel.job.failed",
}

// String returns the name of the ticker type.
func (t TickerType) String() string {
	if t >= 0 && t < TickerEnumMax {
		return tickerNames[t]
	}
	return "unknown"
}

// HistogramType represents different types of histograms.
type HistogramType int

const (
	// HistogramLoadMicros is the time from reservation to Ready or failure.
	HistogramLoadMicros HistogramType = iota
	// HistogramLoadBytes is the buffer size of each completed load.
	HistogramLoadBytes

	// HistogramEnumMax is the maximum histogram type for sizing arrays.
	HistogramEnumMax
)

// String returns the name of the histogram type.
func (h HistogramType) String() string {
	switch h {
	case HistogramLoadMicros:
		return "ansel.mipmap.load.micros"
	case HistogramLoadBytes:
		return "ansel.mipmap.load.bytes"
	default:
		return "unknown"
	}
}

// HistogramData contains histogram statistics.
type HistogramData struct {
	Average float64
	Max     float64
	Min     float64
	Count   uint64
	Sum     uint64
}

// Statistics collects and reports cache metrics.
type Statistics interface {
	// GetTickerCount returns the current value of a ticker.
	GetTickerCount(tickerType TickerType) uint64

	// RecordTick increments a ticker by count.
	RecordTick(tickerType TickerType, count uint64)

	// SetTickerCount sets the ticker to a specific value.
	SetTickerCount(tickerType TickerType, count uint64)

	// GetHistogramData returns histogram statistics.
	GetHistogramData(histogramType HistogramType) HistogramData

	// MeasureTime records a value to a histogram.
	MeasureTime(histogramType HistogramType, value uint64)

	// Reset clears all statistics.
	Reset()

	// String returns a formatted string of all statistics.
	String() string
}

type statisticsImpl struct {
	tickers    [TickerEnumMax]atomic.Uint64
	histograms [HistogramEnumMax]atomic.Pointer[histogramImpl]
}

type histogramImpl struct {
	min   atomic.Uint64
	max   atomic.Uint64
	sum   atomic.Uint64
	count atomic.Uint64
}

func newHistogram() *histogramImpl {
	h := &histogramImpl{}
	h.min.Store(^uint64(0))
	return h
}

// NewStatistics creates a new Statistics instance.
func NewStatistics() Statistics {
	s := &statisticsImpl{}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
	return s
}

func (s *statisticsImpl) GetTickerCount(tickerType TickerType) uint64 {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return 0
	}
	return s.tickers[tickerType].Load()
}

func (s *statisticsImpl) RecordTick(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Add(count)
}

func (s *statisticsImpl) SetTickerCount(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Store(count)
}

func (s *statisticsImpl) GetHistogramData(histogramType HistogramType) HistogramData {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return HistogramData{}
	}

	h := s.histograms[histogramType].Load()
	count := h.count.Load()
	if count == 0 {
		return HistogramData{}
	}
	sum := h.sum.Load()
	return HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     float64(h.min.Load()),
		Max:     float64(h.max.Load()),
		Average: float64(sum) / float64(count),
	}
}

func (s *statisticsImpl) MeasureTime(histogramType HistogramType, value uint64) {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return
	}

	h := s.histograms[histogramType].Load()
	h.count.Add(1)
	h.sum.Add(value)
	for {
		old := h.min.Load()
		if value >= old || h.min.CompareAndSwap(old, value) {
			break
		}
	}
	for {
		old := h.max.Load()
		if value <= old || h.max.CompareAndSwap(old, value) {
			break
		}
	}
}

func (s *statisticsImpl) Reset() {
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
}

func (s *statisticsImpl) String() string {
	var b strings.Builder

	b.WriteString("TICKERS:\n")
	for i := range TickerEnumMax {
		if count := s.GetTickerCount(i); count > 0 {
			fmt.Fprintf(&b, "  %s : %d\n", i, count)
		}
	}

	b.WriteString("\nHISTOGRAMS:\n")
	for i := range HistogramEnumMax {
		data := s.GetHistogramData(i)
		if data.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s :\n", i)
		fmt.Fprintf(&b, "    Count: %d\n", data.Count)
		fmt.Fprintf(&b, "    Avg: %.2f\n", data.Average)
		fmt.Fprintf(&b, "    Min: %.2f\n", data.Min)
		fmt.Fprintf(&b, "    Max: %.2f\n", data.Max)
	}
	return b.String()
}
