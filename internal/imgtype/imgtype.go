// Package imgtype holds the vocabulary shared by the cache, the metadata
// store and the decoders: image identities, mip tiers and pixel formats.
//
// This package is internal and not part of the public API.
package imgtype

import "fmt"

// ImageID identifies one image record in the collection.
// IDs are stable for the lifetime of the image and are never reused while a
// cached entry references them.
type ImageID uint64

// PixelFormat describes the memory layout of a decoded buffer.
type PixelFormat uint8

const (
	// FormatUnknown is the zero value and is never a valid buffer format.
	FormatUnknown PixelFormat = iota
	// FormatRGBA8 is 8-bit interleaved RGBA.
	FormatRGBA8
	// FormatRGBAF32 is 32-bit float interleaved RGBA.
	FormatRGBAF32
	// FormatRawU16 is a single-channel 16-bit sensor mosaic.
	FormatRawU16
	// FormatGrayF32 is single-channel 32-bit float.
	FormatGrayF32
)

// String returns the name of the format.
func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA8:
		return "rgba8"
	case FormatRGBAF32:
		return "rgbaf32"
	case FormatRawU16:
		return "rawu16"
	case FormatGrayF32:
		return "grayf32"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// Valid reports whether f is a known format.
func (f PixelFormat) Valid() bool {
	return f >= FormatRGBA8 && f <= FormatGrayF32
}

// Channels returns the number of channels per pixel.
func (f PixelFormat) Channels() int {
	switch f {
	case FormatRGBA8, FormatRGBAF32:
		return 4
	case FormatRawU16, FormatGrayF32:
		return 1
	default:
		return 0
	}
}

// BytesPerPixel returns the size of one pixel in bytes.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGBA8:
		return 4
	case FormatRGBAF32:
		return 16
	case FormatRawU16:
		return 2
	case FormatGrayF32:
		return 4
	default:
		return 0
	}
}

// FrameSize returns the number of bytes needed for a w x h frame.
func (f PixelFormat) FrameSize(w, h int) int {
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h * f.BytesPerPixel()
}

// Loader names the decoder family that produced an image.
type Loader uint8

const (
	LoaderUnknown Loader = iota
	LoaderRaw
	LoaderEXR
	LoaderJPEG
	LoaderTIFF
	LoaderContainer
)

// String returns the loader name.
func (l Loader) String() string {
	switch l {
	case LoaderRaw:
		return "raw"
	case LoaderEXR:
		return "exr"
	case LoaderJPEG:
		return "jpeg"
	case LoaderTIFF:
		return "tiff"
	case LoaderContainer:
		return "container"
	default:
		return "unknown"
	}
}
