// Package options parses anselrc configuration files.
//
// The format is a plain text file of key=value pairs grouped in sections:
//
//	# memory budget
//	[memory]
//	total = 16G
//	headroom = 0.25
//	mipmap_ratio = 0.5
//
//	[workers]
//	threads = 4
//	load_timeout = 10s
//
//	[diskcache]
//	dir = /home/me/.cache/ansel/mipmaps
//	compression = lz4
//
//	[log]
//	level = info
//
// Sizes accept K, M, G and T suffixes (powers of 1024). Unknown sections
// and keys are ignored so that newer files load in older builds.
//
// This package is internal and not part of the public API.
package options

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

// ErrSyntax is returned for a malformed line or value.
var ErrSyntax = errors.New("options: syntax error")

// Keys of the recognized settings, as "section.key".
const (
	KeyTotalMemory       = "memory.total"
	KeyHeadroom          = "memory.headroom"
	KeyMipmapRatio       = "memory.mipmap_ratio"
	KeyMaxBufferFraction = "memory.max_buffer_fraction"
	KeyMaxBuffer         = "memory.max_buffer"
	KeyThreads           = "workers.threads"
	KeyLoadTimeout       = "workers.load_timeout"
	KeyDiskCacheEnabled  = "diskcache.enabled"
	KeyDiskCacheDir      = "diskcache.dir"
	KeyDiskCacheCodec    = "diskcache.compression"
	KeyLogLevel          = "log.level"
)

// ParsedOptions holds the settings found in a file. Only the keys reported
// by Has were present; the other fields are zero.
type ParsedOptions struct {
	TotalMemory       uint64
	HeadroomFraction  float64
	MipmapRatio       float64
	MaxBufferFraction float64
	MaxBufferBytes    uint64
	WorkerThreads     int
	LoadTimeout       time.Duration
	DiskCacheEnabled  bool
	DiskCacheDir      string
	DiskCacheCodec    compression.Type
	LogLevel          logging.Level

	present map[string]struct{}
}

// Has reports whether key was set in the file.
func (p *ParsedOptions) Has(key string) bool {
	_, ok := p.present[key]
	return ok
}

// ReadOptionsFile reads and parses the file at path.
func ReadOptionsFile(fs vfs.FS, path string) (*ParsedOptions, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	opts, err := ParseOptionsFile(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

// ParseOptionsFile parses settings from r.
func ParseOptionsFile(r io.Reader) (*ParsedOptions, error) {
	opts := &ParsedOptions{present: make(map[string]struct{})}

	scanner := bufio.NewScanner(r)
	section := ""
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("%w: line %d: unterminated section %q", ErrSyntax, lineNo, line)
			}
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: expected key=value, got %q", ErrSyntax, lineNo, line)
		}
		name := section + "." + strings.ToLower(strings.TrimSpace(key))
		if err := opts.set(name, strings.TrimSpace(value)); err != nil {
			return nil, fmt.Errorf("%w: line %d: %s: %v", ErrSyntax, lineNo, name, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (p *ParsedOptions) set(name, value string) error {
	var err error
	switch name {
	case KeyTotalMemory:
		p.TotalMemory, err = ParseSize(value)
	case KeyHeadroom:
		p.HeadroomFraction, err = parseFraction(value)
	case KeyMipmapRatio:
		p.MipmapRatio, err = parseFraction(value)
	case KeyMaxBufferFraction:
		p.MaxBufferFraction, err = parseFraction(value)
	case KeyMaxBuffer:
		p.MaxBufferBytes, err = ParseSize(value)
	case KeyThreads:
		p.WorkerThreads, err = strconv.Atoi(value)
		if err == nil && p.WorkerThreads < 0 {
			err = fmt.Errorf("negative thread count %d", p.WorkerThreads)
		}
	case KeyLoadTimeout:
		p.LoadTimeout, err = time.ParseDuration(value)
	case KeyDiskCacheEnabled:
		p.DiskCacheEnabled, err = strconv.ParseBool(value)
	case KeyDiskCacheDir:
		p.DiskCacheDir = value
	case KeyDiskCacheCodec:
		p.DiskCacheCodec, err = compression.ParseType(value)
	case KeyLogLevel:
		p.LogLevel, err = logging.ParseLevel(value)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	p.present[name] = struct{}{}
	return nil
}

// ParseSize parses a byte count with an optional K, M, G or T suffix
// (case-insensitive, optionally followed by "B" or "iB"). Fractional
// values are allowed with a suffix: "1.5G".
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	upper = strings.TrimSuffix(upper, "IB")
	upper = strings.TrimSuffix(upper, "B")

	shift := 0
	if n := len(upper); n > 0 {
		switch upper[n-1] {
		case 'K':
			shift = 10
		case 'M':
			shift = 20
		case 'G':
			shift = 30
		case 'T':
			shift = 40
		}
		if shift > 0 {
			upper = strings.TrimSpace(upper[:n-1])
		}
	}
	if upper == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	if n, err := strconv.ParseUint(upper, 10, 64); err == nil {
		if shift > 0 && n > math.MaxUint64>>shift {
			return 0, fmt.Errorf("size %q overflows", s)
		}
		return n << shift, nil
	}
	f, err := strconv.ParseFloat(upper, 64)
	if err != nil || f < 0 || shift == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	v := f * float64(uint64(1)<<shift)
	if v >= math.MaxUint64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return uint64(v), nil
}

func parseFraction(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, err
	}
	if strings.HasSuffix(s, "%") {
		f /= 100
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("fraction %v not in [0, 1]", f)
	}
	return f, nil
}
