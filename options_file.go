package ansel

// options_file.go maps an anselrc file onto Options and writes Options back
// in the same format.
//
// Format:
//
//	[memory]
//	total = 16G
//	headroom = 25%
//	mipmap_ratio = 0.5
//
//	[workers]
//	threads = 4
//	load_timeout = 10s
//
//	[diskcache]
//	enabled = true
//	dir = /var/cache/ansel
//	compression = lz4
//
//	[log]
//	level = warn
//
// Keys that are absent keep their defaults.

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/mpaglia0/ansel-sub001/internal/options"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

// LoadOptionsFile reads the anselrc file at path and applies it on top of
// DefaultOptions. A nil fs means the OS filesystem.
func LoadOptionsFile(fs vfs.FS, path string) (*Options, error) {
	if fs == nil {
		fs = vfs.Default()
	}
	parsed, err := options.ReadOptionsFile(fs, path)
	if err != nil {
		return nil, err
	}
	opts := DefaultOptions()
	opts.FS = fs
	ApplyOptionsFile(opts, parsed)
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

// ApplyOptionsFile copies every key present in parsed onto opts.
func ApplyOptionsFile(opts *Options, parsed *options.ParsedOptions) {
	if parsed.Has(options.KeyTotalMemory) {
		opts.TotalMemory = parsed.TotalMemory
	}
	if parsed.Has(options.KeyHeadroom) {
		opts.HeadroomFraction = parsed.HeadroomFraction
	}
	if parsed.Has(options.KeyMipmapRatio) {
		opts.MipmapRatio = parsed.MipmapRatio
	}
	if parsed.Has(options.KeyMaxBufferFraction) {
		opts.MaxBufferFraction = parsed.MaxBufferFraction
	}
	if parsed.Has(options.KeyMaxBuffer) {
		opts.MaxBufferBytes = parsed.MaxBufferBytes
	}
	if parsed.Has(options.KeyThreads) {
		opts.WorkerThreads = parsed.WorkerThreads
	}
	if parsed.Has(options.KeyLoadTimeout) {
		opts.LoadTimeout = parsed.LoadTimeout
	}
	if parsed.Has(options.KeyDiskCacheEnabled) {
		opts.DiskCacheEnabled = parsed.DiskCacheEnabled
	}
	if parsed.Has(options.KeyDiskCacheDir) {
		opts.DiskCacheDir = parsed.DiskCacheDir
	}
	if parsed.Has(options.KeyDiskCacheCodec) {
		opts.DiskCacheCompression = parsed.DiskCacheCodec
	}
	if parsed.Has(options.KeyLogLevel) {
		opts.LogLevel = parsed.LogLevel
	}
}

// WriteOptionsFile writes the file-backed settings of opts to path,
// replacing any existing file atomically.
func WriteOptionsFile(fs vfs.FS, path string, opts *Options) error {
	if fs == nil {
		fs = vfs.Default()
	}
	var w bytes.Buffer

	fmt.Fprintln(&w, "[memory]")
	if opts.TotalMemory > 0 {
		fmt.Fprintf(&w, "total = %d\n", opts.TotalMemory)
	}
	fmt.Fprintf(&w, "headroom = %s\n", formatFraction(opts.HeadroomFraction))
	fmt.Fprintf(&w, "mipmap_ratio = %s\n", formatFraction(opts.MipmapRatio))
	fmt.Fprintf(&w, "max_buffer_fraction = %s\n", formatFraction(opts.MaxBufferFraction))
	if opts.MaxBufferBytes > 0 {
		fmt.Fprintf(&w, "max_buffer = %d\n", opts.MaxBufferBytes)
	}
	fmt.Fprintln(&w)

	fmt.Fprintln(&w, "[workers]")
	if opts.WorkerThreads > 0 {
		fmt.Fprintf(&w, "threads = %d\n", opts.WorkerThreads)
	}
	if opts.LoadTimeout > 0 {
		fmt.Fprintf(&w, "load_timeout = %s\n", opts.LoadTimeout)
	}
	fmt.Fprintln(&w)

	fmt.Fprintln(&w, "[diskcache]")
	fmt.Fprintf(&w, "enabled = %t\n", opts.DiskCacheEnabled)
	if opts.DiskCacheDir != "" {
		if strings.Contains(opts.DiskCacheDir, "#") {
			return fmt.Errorf("%w: disk cache dir %q cannot be written", ErrInvalidOptions, opts.DiskCacheDir)
		}
		fmt.Fprintf(&w, "dir = %s\n", opts.DiskCacheDir)
	}
	fmt.Fprintf(&w, "compression = %s\n", opts.DiskCacheCompression)
	fmt.Fprintln(&w)

	fmt.Fprintln(&w, "[log]")
	fmt.Fprintf(&w, "level = %s\n", strings.ToLower(opts.LogLevel.String()))

	return vfs.WriteFileAtomic(fs, path, w.Bytes())
}

func formatFraction(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
