package imgtype

import "fmt"

// Tier is a discrete resolution class at which an image is cached.
// Tiers are ordered from smallest to largest.
type Tier int8

const (
	// TierThumbSmall is the lighttable grid thumbnail.
	TierThumbSmall Tier = iota
	// TierThumbLarge is the zoomed lighttable / filmstrip thumbnail.
	TierThumbLarge
	// TierPreview is the float preview fed to the darkroom navigation pipe.
	TierPreview
	// TierFull is the full-resolution input buffer in its native format.
	TierFull

	// NumTiers is the number of cacheable tiers.
	NumTiers int = iota
)

// TierAll selects every tier of an image. It is only meaningful for
// invalidation.
const TierAll Tier = -1

// tierBox is the bounding box per tier. Zero means native size.
var tierBox = [NumTiers]int{
	TierThumbSmall: 256,
	TierThumbLarge: 1024,
	TierPreview:    1440,
	TierFull:       0,
}

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierThumbSmall:
		return "thumb-small"
	case TierThumbLarge:
		return "thumb-large"
	case TierPreview:
		return "preview"
	case TierFull:
		return "full"
	case TierAll:
		return "all"
	default:
		return fmt.Sprintf("tier(%d)", int8(t))
	}
}

// ParseTier parses a tier name as printed by String, excluding "all".
func ParseTier(s string) (Tier, error) {
	for t := TierThumbSmall; int(t) < NumTiers; t++ {
		if s == t.String() {
			return t, nil
		}
	}
	return TierAll, fmt.Errorf("imgtype: unknown tier %q", s)
}

// Valid reports whether t names a cacheable tier.
func (t Tier) Valid() bool {
	return t >= TierThumbSmall && int(t) < NumTiers
}

// Box returns the bounding box edge for the tier, or 0 for native size.
func (t Tier) Box() int {
	if !t.Valid() {
		return 0
	}
	return tierBox[t]
}

// Format returns the pixel format buffers of this tier are stored in.
// The full tier keeps the native format of the image.
func (t Tier) Format(native PixelFormat) PixelFormat {
	switch t {
	case TierThumbSmall, TierThumbLarge:
		return FormatRGBA8
	case TierPreview:
		return FormatRGBAF32
	default:
		return native
	}
}

// Fit returns the dimensions of a w x h image scaled down, preserving the
// aspect ratio, to fit the tier's bounding box. Images are never scaled up.
func (t Tier) Fit(w, h int) (int, int) {
	box := t.Box()
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if box == 0 || (w <= box && h <= box) {
		return w, h
	}
	if w >= h {
		return box, max(1, h*box/w)
	}
	return max(1, w*box/h), box
}

// FrameSize returns the byte size of a tier buffer for a w x h image with
// the given native format.
func (t Tier) FrameSize(w, h int, native PixelFormat) int {
	tw, th := t.Fit(w, h)
	return t.Format(native).FrameSize(tw, th)
}
