package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mpaglia0/ansel-sub001/internal/alignedalloc"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

// DefaultMaxScratchBytes caps the source frame a ContainerDecoder expands
// before resampling.
const DefaultMaxScratchBytes = 1 << 30

// ContainerDecoder decodes pixel container files through a vfs.FS.
type ContainerDecoder struct {
	fs      vfs.FS
	logger  logging.Logger
	scratch *alignedalloc.Pooled
}

var (
	_ Decoder = (*ContainerDecoder)(nil)
	_ Prober  = (*ContainerDecoder)(nil)
)

// NewContainerDecoder creates a decoder reading from fs.
func NewContainerDecoder(fs vfs.FS, logger logging.Logger) *ContainerDecoder {
	if fs == nil {
		fs = vfs.Default()
	}
	return &ContainerDecoder{
		fs:      fs,
		logger:  logging.OrDefault(logger),
		scratch: newScratch(DefaultMaxScratchBytes),
	}
}

func newScratch(limit int) *alignedalloc.Pooled {
	return alignedalloc.NewPooled(alignedalloc.WithMaxAlloc(limit))
}

// SetScratchLimit changes the largest source frame Decode expands for a
// resample. Frames above it fail with ReasonCorruptFile. It must be called
// before the decoder is shared.
func (d *ContainerDecoder) SetScratchLimit(n int) {
	d.scratch = newScratch(n)
}

// Probe implements Prober. It reads only the header and metadata block.
func (d *ContainerDecoder) Probe(ctx context.Context, path string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, newError(path, imgtype.LoaderContainer, ReasonIOError, err)
	}
	f, err := d.fs.OpenRandomAccess(path)
	if err != nil {
		return Info{}, newError(path, imgtype.LoaderContainer, ReasonIOError, err)
	}
	defer func() { _ = f.Close() }()

	var hb [headerSize]byte
	if err := readAt(f, hb[:], 0); err != nil {
		return Info{}, classifyRead(path, err)
	}
	h, reason, err := parseHeader(hb[:])
	if err != nil {
		return Info{}, newError(path, imgtype.LoaderContainer, reason, err)
	}
	info := h.info()
	if h.metaLen > 0 {
		meta := make([]byte, h.metaLen)
		if err := readAt(f, meta, headerSize); err != nil {
			return Info{}, classifyRead(path, err)
		}
		if err := unmarshalMeta(meta, &info); err != nil {
			return Info{}, newError(path, imgtype.LoaderContainer, ReasonCorruptFile, err)
		}
	}
	return info, nil
}

// Decode implements Decoder.
func (d *ContainerDecoder) Decode(ctx context.Context, path string, dst []byte, req Request) (Result, error) {
	if err := req.validate(dst); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, newError(path, imgtype.LoaderContainer, ReasonIOError, err)
	}
	data, err := vfs.ReadFile(d.fs, path)
	if err != nil {
		return Result{}, newError(path, imgtype.LoaderContainer, ReasonIOError, err)
	}
	h, body, err := splitContainer(path, data)
	if err != nil {
		return Result{}, err
	}
	info := h.info()
	if err := unmarshalMeta(body[:h.metaLen], &info); err != nil {
		return Result{}, newError(path, imgtype.LoaderContainer, ReasonCorruptFile, err)
	}
	payload := body[h.metaLen:]

	res := Result{Width: req.Width, Height: req.Height, Format: req.Format, Source: info}
	if req.Width == h.width && req.Height == h.height && req.Format == h.format {
		if err := unpack(path, &h, payload, dst); err != nil {
			return Result{}, err
		}
		return res, nil
	}

	sb, err := d.scratch.Alloc(h.frameSize())
	if err != nil {
		return Result{}, newError(path, imgtype.LoaderContainer, ReasonCorruptFile, err)
	}
	defer d.scratch.Free(sb)
	src := sb.Bytes()
	if err := unpack(path, &h, payload, src); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, newError(path, imgtype.LoaderContainer, ReasonIOError, err)
	}
	if err := Resample(dst, req.Width, req.Height, req.Format, src, h.width, h.height, h.format); err != nil {
		return Result{}, err
	}
	d.logger.Debugf("%sresampled %s %dx%d %s -> %dx%d %s", logging.NSDecode, path,
		h.width, h.height, h.format, req.Width, req.Height, req.Format)
	return res, nil
}

func readAt(f vfs.RandomAccessFile, b []byte, off int64) error {
	n, err := f.ReadAt(b, off)
	if n == len(b) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// classifyRead maps a short read to a corrupt file and anything else to an
// I/O error.
func classifyRead(path string, err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(path, imgtype.LoaderContainer, ReasonCorruptFile, fmt.Errorf("truncated: %w", err))
	}
	return newError(path, imgtype.LoaderContainer, ReasonIOError, err)
}
