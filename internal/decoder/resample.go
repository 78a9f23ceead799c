package decoder

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
)

// Resample scales src (sw x sh in sf) into dst (dw x dh in df) with
// nearest-neighbour sampling, converting the pixel format on the way.
// Both buffers must be exactly their frame size.
func Resample(dst []byte, dw, dh int, df imgtype.PixelFormat, src []byte, sw, sh int, sf imgtype.PixelFormat) error {
	if len(dst) != df.FrameSize(dw, dh) || dw <= 0 || dh <= 0 {
		return fmt.Errorf("%w: dst %d bytes for %dx%d %s", ErrInvalidRequest, len(dst), dw, dh, df)
	}
	if len(src) != sf.FrameSize(sw, sh) || sw <= 0 || sh <= 0 {
		return fmt.Errorf("%w: src %d bytes for %dx%d %s", ErrInvalidRequest, len(src), sw, sh, sf)
	}
	if dw == sw && dh == sh && df == sf {
		copy(dst, src)
		return nil
	}

	sbpp, dbpp := sf.BytesPerPixel(), df.BytesPerPixel()
	xmap := make([]int, dw)
	for x := range dw {
		xmap[x] = (x * sw / dw) * sbpp
	}
	for y := range dh {
		srow := src[(y*sh/dh)*sw*sbpp:]
		drow := dst[y*dw*dbpp : (y+1)*dw*dbpp]
		if sf == df {
			for x, sx := range xmap {
				copy(drow[x*dbpp:(x+1)*dbpp], srow[sx:sx+sbpp])
			}
			continue
		}
		for x, sx := range xmap {
			writePixel(drow[x*dbpp:], df, readPixel(srow[sx:], sf))
		}
	}
	return nil
}

// readPixel returns the pixel as RGBA in [0, 1]. Single-channel formats
// are replicated to gray.
func readPixel(b []byte, f imgtype.PixelFormat) [4]float32 {
	switch f {
	case imgtype.FormatRGBA8:
		return [4]float32{float32(b[0]) / 255, float32(b[1]) / 255, float32(b[2]) / 255, float32(b[3]) / 255}
	case imgtype.FormatRGBAF32:
		var p [4]float32
		for c := range p {
			p[c] = math.Float32frombits(binary.LittleEndian.Uint32(b[c*4:]))
		}
		return p
	case imgtype.FormatRawU16:
		v := float32(binary.LittleEndian.Uint16(b)) / 65535
		return [4]float32{v, v, v, 1}
	case imgtype.FormatGrayF32:
		v := math.Float32frombits(binary.LittleEndian.Uint32(b))
		return [4]float32{v, v, v, 1}
	}
	return [4]float32{}
}

func writePixel(b []byte, f imgtype.PixelFormat, p [4]float32) {
	switch f {
	case imgtype.FormatRGBA8:
		for c := range 4 {
			b[c] = to8(p[c])
		}
	case imgtype.FormatRGBAF32:
		for c := range 4 {
			binary.LittleEndian.PutUint32(b[c*4:], math.Float32bits(p[c]))
		}
	case imgtype.FormatRawU16:
		binary.LittleEndian.PutUint16(b, to16(luma(p)))
	case imgtype.FormatGrayF32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(luma(p)))
	}
}

func luma(p [4]float32) float32 {
	return (p[0] + p[1] + p[2]) / 3
}

func to8(v float32) byte {
	return byte(clamp01(v)*255 + 0.5)
}

func to16(v float32) uint16 {
	return uint16(clamp01(v)*65535 + 0.5)
}

func clamp01(v float32) float32 {
	if v != v || v < 0 {
		return 0
	}
	return min(v, 1)
}
