package ansel

import (
	"github.com/mpaglia0/ansel-sub001/internal/alignedalloc"
	"github.com/mpaglia0/ansel-sub001/internal/budget"
	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/diskcache"
	"github.com/mpaglia0/ansel-sub001/internal/imgmeta"
	"github.com/mpaglia0/ansel-sub001/internal/mipmap"
)

// Errors returned by a Context. Test with errors.Is.
var (
	// ErrAllocationFailure means the allocator could not provide a buffer.
	ErrAllocationFailure = alignedalloc.ErrAllocationFailure

	// ErrCacheFull means a buffer could not be admitted without evicting a
	// referenced entry.
	ErrCacheFull = mipmap.ErrCacheFull

	// ErrBufferTooLarge means a single buffer exceeds the per-buffer
	// ceiling. It matches ErrCacheFull as well.
	ErrBufferTooLarge = mipmap.ErrBufferTooLarge

	// ErrLoadTimeout means a blocking checkout gave up waiting.
	ErrLoadTimeout = mipmap.ErrLoadTimeout

	// ErrBroken means the image failed to load and will not be retried
	// until it changes on disk or is invalidated.
	ErrBroken = mipmap.ErrBroken

	// ErrClosed is returned after Close.
	ErrClosed = mipmap.ErrClosed

	// ErrInvalidTier is returned for a tier outside the known range.
	ErrInvalidTier = mipmap.ErrInvalidTier

	// ErrNotCached is returned by a best-effort With when nothing is Ready.
	ErrNotCached = mipmap.ErrNotCached

	// ErrNotFound means the image id is unknown.
	ErrNotFound = imgmeta.ErrNotFound

	// ErrConsistency means a decoded image disagreed with its metadata.
	ErrConsistency = imgmeta.ErrConsistency

	// ErrInvalidConfig means the budget inputs are out of range.
	ErrInvalidConfig = budget.ErrInvalidConfig

	// ErrCorruptFile, ErrUnsupportedFormat and ErrIOError are the decode
	// failure reasons carried by *DecodeError.
	ErrCorruptFile       = decoder.ErrCorruptFile
	ErrUnsupportedFormat = decoder.ErrUnsupportedFormat
	ErrIOError           = decoder.ErrIOError

	// ErrDiskCacheLocked means another process uses the disk cache
	// directory.
	ErrDiskCacheLocked = diskcache.ErrLocked
)

// DecodeError describes a failed decode. Use errors.As to extract it.
type DecodeError = decoder.DecodeError
