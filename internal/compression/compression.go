// Package compression compresses pixel payloads of image containers and of
// the on-disk thumbnail cache.
//
// Every payload is stored with a 1-byte Type in its container header. The
// uncompressed size is always known up front, so DecompressInto writes the
// pixels straight into a caller-owned (usually aligned) buffer.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	// ErrUnsupported is returned for an unknown compression type.
	ErrUnsupported = errors.New("compression: unsupported type")

	// ErrCorrupt is returned when a payload cannot be decompressed or does
	// not decompress to the expected size.
	ErrCorrupt = errors.New("compression: corrupt payload")
)

// Type represents a compression algorithm.
type Type uint8

const (
	// NoCompression stores pixels as is.
	NoCompression Type = 0x0

	// SnappyCompression uses Google Snappy compression.
	SnappyCompression Type = 0x1

	// ZlibCompression uses zlib compression.
	ZlibCompression Type = 0x2

	// LZ4Compression uses the LZ4 frame format at the fast level.
	LZ4Compression Type = 0x4

	// LZ4HCCompression uses the LZ4 frame format at a high level.
	LZ4HCCompression Type = 0x5

	// ZstdCompression uses Zstandard.
	ZstdCompression Type = 0x7
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZlibCompression:
		return "zlib"
	case LZ4Compression:
		return "lz4"
	case LZ4HCCompression:
		return "lz4hc"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool {
	switch t {
	case NoCompression, SnappyCompression, ZlibCompression, LZ4Compression, LZ4HCCompression, ZstdCompression:
		return true
	default:
		return false
	}
}

// ParseType parses a type name as printed by String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zlib":
		return ZlibCompression, nil
	case "lz4":
		return LZ4Compression, nil
	case "lz4hc":
		return LZ4HCCompression, nil
	case "zstd":
		return ZstdCompression, nil
	default:
		return NoCompression, fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
}

// The zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll
// and expensive to build, so one of each is shared.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress compresses data using the specified compression type.
// NoCompression returns data itself.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		return snappy.Encode(nil, data), nil

	case ZlibCompression:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil

	case LZ4Compression:
		return compressLZ4(data, lz4.Fast)

	case LZ4HCCompression:
		return compressLZ4(data, lz4.Level9)

	case ZstdCompression:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}

func compressLZ4(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decompresses data of unknown uncompressed size.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
		}
		return out, nil

	case ZlibCompression:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
		}
		defer func() { _ = r.Close() }()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
		}
		return out, nil

	case LZ4Compression, LZ4HCCompression:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		return out, nil

	case ZstdCompression:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}

// DecompressInto decompresses src into dst, which must be exactly the
// uncompressed size. dst is never reallocated.
func DecompressInto(t Type, dst, src []byte) error {
	switch t {
	case NoCompression:
		if len(src) != len(dst) {
			return sizeMismatch(t, len(src), len(dst))
		}
		copy(dst, src)
		return nil

	case SnappyCompression:
		n, err := snappy.DecodedLen(src)
		if err != nil {
			return fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
		}
		if n != len(dst) {
			return sizeMismatch(t, n, len(dst))
		}
		if _, err := snappy.Decode(dst, src); err != nil {
			return fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
		}
		return nil

	case ZlibCompression:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
		}
		defer func() { _ = r.Close() }()
		return readExactly(t, r, dst)

	case LZ4Compression, LZ4HCCompression:
		return readExactly(t, lz4.NewReader(bytes.NewReader(src)), dst)

	case ZstdCompression:
		_, dec, err := zstdCodec()
		if err != nil {
			return fmt.Errorf("zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(src, dst[:0])
		if err != nil {
			return fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		if len(out) != len(dst) {
			return sizeMismatch(t, len(out), len(dst))
		}
		if len(out) > 0 && &out[0] != &dst[0] {
			// The decoder outgrew dst and reallocated.
			return sizeMismatch(t, len(out), len(dst))
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}

// readExactly fills dst from r and requires r to be exhausted afterwards.
func readExactly(t Type, r io.Reader, dst []byte) error {
	if _, err := io.ReadFull(r, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, t, err)
	}
	var probe [1]byte
	n, err := r.Read(probe[:])
	if n > 0 {
		return fmt.Errorf("%w: %s: payload longer than %d bytes", ErrCorrupt, t, len(dst))
	}
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, t, err)
	}
	return nil
}

func sizeMismatch(t Type, got, want int) error {
	return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrCorrupt, t, got, want)
}
