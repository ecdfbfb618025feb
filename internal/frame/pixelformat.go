package frame

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

var formatNames = map[string]gputypes.TextureFormat{
	"bgra":    gputypes.TextureFormatBGRA8Unorm,
	"rgba":    gputypes.TextureFormatRGBA8Unorm,
	"r8":      gputypes.TextureFormatR8Unorm,
	"rg8":     gputypes.TextureFormatRG8Unorm,
	"rgb10a2": gputypes.TextureFormatRGB10A2Unorm,
	"rgba16f": gputypes.TextureFormatRGBA16Float,
}

// ParseFormat maps a producer format name (bgra, rgba, r8, ...) to a texture format.
func ParseFormat(name string) (gputypes.TextureFormat, error) {
	format, ok := formatNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return gputypes.TextureFormatUndefined, fmt.Errorf("unsupported pixel format %q", name)
	}
	return format, nil
}

// FormatName returns the short producer name for format, or the texture
// format's own name when it has no short alias.
func FormatName(format gputypes.TextureFormat) string {
	for name, candidate := range formatNames {
		if candidate == format {
			return name
		}
	}
	return format.String()
}

// BytesPerPixel returns the texel size of format, or 0 when unknown.
func BytesPerPixel(format gputypes.TextureFormat) int {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRG8Unorm:
		return 2
	case gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGB10A2Unorm:
		return 4
	case gputypes.TextureFormatRGBA16Float:
		return 8
	default:
		return 0
	}
}

// MinStride returns the smallest valid row pitch for width texels of format.
// Unknown formats return 0 and are not checked.
func MinStride(format gputypes.TextureFormat, width int) uint32 {
	bpp := BytesPerPixel(format)
	if bpp == 0 || width <= 0 {
		return 0
	}
	return uint32(bpp * width)
}
