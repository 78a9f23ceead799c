// Package decoder defines the contract between the mipmap cache and the
// image decoders, and provides the reference pixel container decoder.
//
// A decoder writes exactly into a caller-owned destination buffer and never
// reallocates it. Failures are reported as *DecodeError carrying one of
// three reasons; callers test them with errors.Is against ErrCorruptFile,
// ErrUnsupportedFormat and ErrIOError.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
)

var (
	// ErrCorruptFile matches decode errors caused by damaged input.
	ErrCorruptFile = errors.New("decoder: corrupt file")

	// ErrUnsupportedFormat matches decode errors for inputs no decoder
	// understands.
	ErrUnsupportedFormat = errors.New("decoder: unsupported format")

	// ErrIOError matches decode errors caused by the filesystem.
	ErrIOError = errors.New("decoder: i/o error")

	// ErrInvalidRequest is returned when the request does not describe the
	// destination buffer.
	ErrInvalidRequest = errors.New("decoder: invalid request")
)

// Reason classifies a DecodeError.
type Reason uint8

const (
	ReasonCorruptFile Reason = iota + 1
	ReasonUnsupportedFormat
	ReasonIOError
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonCorruptFile:
		return "corrupt file"
	case ReasonUnsupportedFormat:
		return "unsupported format"
	case ReasonIOError:
		return "i/o error"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

func (r Reason) sentinel() error {
	switch r {
	case ReasonCorruptFile:
		return ErrCorruptFile
	case ReasonUnsupportedFormat:
		return ErrUnsupportedFormat
	case ReasonIOError:
		return ErrIOError
	default:
		return nil
	}
}

// DecodeError is returned by decoders.
type DecodeError struct {
	Path   string
	Loader imgtype.Loader
	Reason Reason
	Err    error
}

// Error implements error.
func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode %s (%s): %s", e.Path, e.Loader, e.Reason)
	}
	return fmt.Sprintf("decode %s (%s): %s: %v", e.Path, e.Loader, e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's reason.
func (e *DecodeError) Is(target error) bool {
	return target != nil && target == e.Reason.sentinel()
}

func newError(path string, loader imgtype.Loader, reason Reason, err error) *DecodeError {
	return &DecodeError{Path: path, Loader: loader, Reason: reason, Err: err}
}

// Exif holds the capture fields surfaced in the metadata record.
type Exif struct {
	Maker        string
	Model        string
	Lens         string
	ExposureTime float32 // seconds
	Aperture     float32 // f-number
	ISO          uint32
	FocalLength  float32 // millimetres
}

// Info describes a source image without its pixels.
type Info struct {
	Width       int
	Height      int
	Format      imgtype.PixelFormat
	Orientation uint8
	Loader      imgtype.Loader
	ColorMatrix [9]float32
	ModTime     time.Time
	Exif        Exif
}

// Request describes the buffer a decode must fill.
type Request struct {
	ID     imgtype.ImageID
	Tier   imgtype.Tier
	Width  int
	Height int
	Format imgtype.PixelFormat
}

// FrameSize returns the number of bytes the request writes.
func (r Request) FrameSize() int {
	return r.Format.FrameSize(r.Width, r.Height)
}

func (r Request) validate(dst []byte) error {
	if !r.Format.Valid() || r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: %dx%d %s", ErrInvalidRequest, r.Width, r.Height, r.Format)
	}
	if len(dst) != r.FrameSize() {
		return fmt.Errorf("%w: dst is %d bytes, want %d", ErrInvalidRequest, len(dst), r.FrameSize())
	}
	return nil
}

// Result describes what a decode wrote.
type Result struct {
	Width  int
	Height int
	Format imgtype.PixelFormat
	Source Info
}

// Decoder fills dst with the image at path, scaled and converted as req
// asks. dst must be exactly req.FrameSize() bytes.
type Decoder interface {
	Decode(ctx context.Context, path string, dst []byte, req Request) (Result, error)
}

// Prober reads the dimensions and metadata of an image without decoding
// its pixels.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// Registry dispatches to decoders by file extension.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]registered
}

type registered struct {
	loader imgtype.Loader
	dec    Decoder
}

var (
	_ Decoder = (*Registry)(nil)
	_ Prober  = (*Registry)(nil)
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]registered)}
}

// Register routes the extensions (with or without the leading dot,
// case-insensitive) to d.
func (r *Registry) Register(loader imgtype.Loader, d Decoder, exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range exts {
		r.byExt[normExt(ext)] = registered{loader: loader, dec: d}
	}
}

// Extensions returns the registered extensions without the leading dot,
// sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// Loader returns the loader registered for path.
func (r *Registry) Loader(path string) imgtype.Loader {
	reg, ok := r.lookup(path)
	if !ok {
		return imgtype.LoaderUnknown
	}
	return reg.loader
}

func (r *Registry) lookup(path string) (registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byExt[normExt(filepath.Ext(path))]
	return reg, ok
}

func normExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Decode implements Decoder.
func (r *Registry) Decode(ctx context.Context, path string, dst []byte, req Request) (Result, error) {
	reg, ok := r.lookup(path)
	if !ok {
		return Result{}, newError(path, imgtype.LoaderUnknown, ReasonUnsupportedFormat, nil)
	}
	return reg.dec.Decode(ctx, path, dst, req)
}

// Probe implements Prober. Decoders without a Prober report
// ErrUnsupportedFormat.
func (r *Registry) Probe(ctx context.Context, path string) (Info, error) {
	reg, ok := r.lookup(path)
	if !ok {
		return Info{}, newError(path, imgtype.LoaderUnknown, ReasonUnsupportedFormat, nil)
	}
	p, ok := reg.dec.(Prober)
	if !ok {
		return Info{}, newError(path, reg.loader, ReasonUnsupportedFormat, errors.New("decoder cannot probe"))
	}
	return p.Probe(ctx, path)
}
