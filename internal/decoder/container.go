package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

// Pixel container layout, all integers little-endian:
//
//	offset size field
//	     0    4 magic "PXC1"
//	     4    2 version
//	     6    1 pixel format
//	     7    1 compression type
//	     8    4 width
//	    12    4 height
//	    16    1 orientation
//	    17    1 loader that produced the pixels
//	    18    2 reserved
//	    20    8 source modification time (unix nanoseconds)
//	    28    4 metadata block length
//	    32    8 payload length
//	    40    8 xxh3 of the uncompressed pixels
//	    48      metadata block, then payload
const (
	ContainerExt = ".pxc"

	containerMagic   = "PXC1"
	containerVersion = 1
	headerSize       = 48

	maxMetaLen    = 1 << 16
	maxDimension  = 1 << 16
	maxStringSize = 1 << 10
)

var (
	errShortHeader = errors.New("short header")
	errBadMagic    = errors.New("bad magic")
)

// Image is a decoded image with its description.
type Image struct {
	Info
	Pixels []byte
}

type header struct {
	version     uint16
	format      imgtype.PixelFormat
	compression compression.Type
	width       int
	height      int
	orientation uint8
	loader      imgtype.Loader
	modTime     int64
	metaLen     int
	payloadLen  uint64
	checksum    uint64
}

func (h *header) frameSize() int {
	return h.format.FrameSize(h.width, h.height)
}

func (h *header) marshal(b []byte) {
	copy(b[0:4], containerMagic)
	binary.LittleEndian.PutUint16(b[4:], h.version)
	b[6] = byte(h.format)
	b[7] = byte(h.compression)
	binary.LittleEndian.PutUint32(b[8:], uint32(h.width))
	binary.LittleEndian.PutUint32(b[12:], uint32(h.height))
	b[16] = h.orientation
	b[17] = byte(h.loader)
	binary.LittleEndian.PutUint16(b[18:], 0)
	binary.LittleEndian.PutUint64(b[20:], uint64(h.modTime))
	binary.LittleEndian.PutUint32(b[28:], uint32(h.metaLen))
	binary.LittleEndian.PutUint64(b[32:], h.payloadLen)
	binary.LittleEndian.PutUint64(b[40:], h.checksum)
}

// parseHeader validates the fixed header. The returned reason classifies
// the failure.
func parseHeader(b []byte) (header, Reason, error) {
	var h header
	if len(b) < headerSize {
		return h, ReasonCorruptFile, errShortHeader
	}
	if string(b[0:4]) != containerMagic {
		return h, ReasonUnsupportedFormat, errBadMagic
	}
	h.version = binary.LittleEndian.Uint16(b[4:])
	if h.version != containerVersion {
		return h, ReasonUnsupportedFormat, fmt.Errorf("version %d", h.version)
	}
	h.format = imgtype.PixelFormat(b[6])
	if !h.format.Valid() {
		return h, ReasonUnsupportedFormat, fmt.Errorf("pixel format %d", b[6])
	}
	h.compression = compression.Type(b[7])
	if !h.compression.IsSupported() {
		return h, ReasonUnsupportedFormat, fmt.Errorf("compression %d", b[7])
	}
	h.width = int(binary.LittleEndian.Uint32(b[8:]))
	h.height = int(binary.LittleEndian.Uint32(b[12:]))
	if h.width <= 0 || h.height <= 0 || h.width > maxDimension || h.height > maxDimension {
		return h, ReasonCorruptFile, fmt.Errorf("dimensions %dx%d", h.width, h.height)
	}
	h.orientation = b[16]
	h.loader = imgtype.Loader(b[17])
	h.modTime = int64(binary.LittleEndian.Uint64(b[20:]))
	h.metaLen = int(binary.LittleEndian.Uint32(b[28:]))
	if h.metaLen > maxMetaLen {
		return h, ReasonCorruptFile, fmt.Errorf("metadata block of %d bytes", h.metaLen)
	}
	h.payloadLen = binary.LittleEndian.Uint64(b[32:])
	h.checksum = binary.LittleEndian.Uint64(b[40:])
	return h, 0, nil
}

func (h *header) info() Info {
	info := Info{
		Width:       h.width,
		Height:      h.height,
		Format:      h.format,
		Orientation: h.orientation,
		Loader:      h.loader,
	}
	if h.modTime != 0 {
		info.ModTime = time.Unix(0, h.modTime)
	}
	return info
}

// metadata block: color matrix, exposure, aperture, ISO, focal length, then
// maker, model and lens as uint16-length-prefixed strings.
const metaFixedSize = 9*4 + 4*4

func marshalMeta(info *Info) []byte {
	b := make([]byte, metaFixedSize, metaFixedSize+len(info.Exif.Maker)+len(info.Exif.Model)+len(info.Exif.Lens)+6)
	for i, v := range info.ColorMatrix {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	off := 9 * 4
	binary.LittleEndian.PutUint32(b[off:], math.Float32bits(info.Exif.ExposureTime))
	binary.LittleEndian.PutUint32(b[off+4:], math.Float32bits(info.Exif.Aperture))
	binary.LittleEndian.PutUint32(b[off+8:], info.Exif.ISO)
	binary.LittleEndian.PutUint32(b[off+12:], math.Float32bits(info.Exif.FocalLength))
	for _, s := range []string{info.Exif.Maker, info.Exif.Model, info.Exif.Lens} {
		if len(s) > maxStringSize {
			s = s[:maxStringSize]
		}
		b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
		b = append(b, s...)
	}
	return b
}

func unmarshalMeta(b []byte, info *Info) error {
	if len(b) == 0 {
		return nil
	}
	if len(b) < metaFixedSize {
		return fmt.Errorf("metadata block of %d bytes", len(b))
	}
	for i := range info.ColorMatrix {
		info.ColorMatrix[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	off := 9 * 4
	info.Exif.ExposureTime = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
	info.Exif.Aperture = math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:]))
	info.Exif.ISO = binary.LittleEndian.Uint32(b[off+8:])
	info.Exif.FocalLength = math.Float32frombits(binary.LittleEndian.Uint32(b[off+12:]))
	rest := b[metaFixedSize:]
	for _, dst := range []*string{&info.Exif.Maker, &info.Exif.Model, &info.Exif.Lens} {
		if len(rest) < 2 {
			return errors.New("truncated metadata string")
		}
		n := int(binary.LittleEndian.Uint16(rest))
		if len(rest) < 2+n {
			return errors.New("truncated metadata string")
		}
		*dst = string(rest[2 : 2+n])
		rest = rest[2+n:]
	}
	return nil
}

// EncodeContainer serializes img with the given payload compression.
func EncodeContainer(img *Image, ct compression.Type) ([]byte, error) {
	if !img.Format.Valid() || img.Width <= 0 || img.Height <= 0 ||
		img.Width > maxDimension || img.Height > maxDimension {
		return nil, fmt.Errorf("%w: %dx%d %s", ErrInvalidRequest, img.Width, img.Height, img.Format)
	}
	if want := img.Format.FrameSize(img.Width, img.Height); len(img.Pixels) != want {
		return nil, fmt.Errorf("%w: %d pixel bytes, want %d", ErrInvalidRequest, len(img.Pixels), want)
	}
	payload, err := compression.Compress(ct, img.Pixels)
	if err != nil {
		return nil, err
	}
	meta := marshalMeta(&img.Info)

	h := header{
		version:     containerVersion,
		format:      img.Format,
		compression: ct,
		width:       img.Width,
		height:      img.Height,
		orientation: img.Orientation,
		loader:      img.Loader,
		metaLen:     len(meta),
		payloadLen:  uint64(len(payload)),
		checksum:    xxh3.Hash(img.Pixels),
	}
	if !img.ModTime.IsZero() {
		h.modTime = img.ModTime.UnixNano()
	}

	out := make([]byte, headerSize, headerSize+len(meta)+len(payload))
	h.marshal(out)
	out = append(out, meta...)
	out = append(out, payload...)
	return out, nil
}

// DecodeContainer parses a whole container and returns its pixels in the
// stored format. Errors are *DecodeError.
func DecodeContainer(data []byte) (*Image, error) {
	h, body, err := splitContainer("", data)
	if err != nil {
		return nil, err
	}
	if n := h.frameSize(); n > DefaultMaxScratchBytes {
		return nil, newError("", imgtype.LoaderContainer, ReasonCorruptFile,
			fmt.Errorf("frame of %d bytes exceeds %d", n, DefaultMaxScratchBytes))
	}
	img := &Image{Pixels: make([]byte, h.frameSize())}
	img.Info = h.info()
	if err := unmarshalMeta(body[:h.metaLen], &img.Info); err != nil {
		return nil, newError("", imgtype.LoaderContainer, ReasonCorruptFile, err)
	}
	if err := unpack("", &h, body[h.metaLen:], img.Pixels); err != nil {
		return nil, err
	}
	return img, nil
}

// WriteContainer encodes img and writes it atomically to path.
func WriteContainer(fs vfs.FS, path string, img *Image, ct compression.Type) error {
	data, err := EncodeContainer(img, ct)
	if err != nil {
		return err
	}
	return vfs.WriteFileAtomic(fs, path, data)
}

// splitContainer validates the header and returns it with the bytes that
// follow it.
func splitContainer(path string, data []byte) (header, []byte, error) {
	h, reason, err := parseHeader(data)
	if err != nil {
		return h, nil, newError(path, imgtype.LoaderContainer, reason, err)
	}
	body := data[headerSize:]
	if uint64(len(body)) != uint64(h.metaLen)+h.payloadLen {
		return h, nil, newError(path, imgtype.LoaderContainer, ReasonCorruptFile,
			fmt.Errorf("body is %d bytes, header says %d", len(body), uint64(h.metaLen)+h.payloadLen))
	}
	return h, body, nil
}

// unpack decompresses payload into dst, which must be the frame size, and
// verifies the checksum.
func unpack(path string, h *header, payload, dst []byte) error {
	if err := compression.DecompressInto(h.compression, dst, payload); err != nil {
		return newError(path, imgtype.LoaderContainer, ReasonCorruptFile, err)
	}
	if sum := xxh3.Hash(dst); sum != h.checksum {
		return newError(path, imgtype.LoaderContainer, ReasonCorruptFile,
			fmt.Errorf("checksum %016x, want %016x", sum, h.checksum))
	}
	return nil
}
