package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned for pixel formats the pipeline does not pass through
	ErrUnsupportedFormat = errors.New("unsupported pixel format")

	// ErrInvalidMetadata is returned when a buffer description is inconsistent
	ErrInvalidMetadata = errors.New("invalid frame metadata")
)

// Format is a wl_shm pixel format code. X11 captures use the same codes.
type Format uint32

const (
	FormatARGB8888 Format = 0
	FormatXRGB8888 Format = 1
	FormatABGR8888 Format = 0x34324241
	FormatXBGR8888 Format = 0x34324258
)

// Layout is the byte order of a pixel in memory as seen by the host
type Layout int

const (
	LayoutUnknown Layout = iota
	LayoutBGRA
	LayoutRGBA
)

func (l Layout) String() string {
	switch l {
	case LayoutBGRA:
		return "BGRA"
	case LayoutRGBA:
		return "RGBA"
	default:
		return "unknown"
	}
}

func (f Format) String() string {
	switch f {
	case FormatARGB8888:
		return "ARGB8888"
	case FormatXRGB8888:
		return "XRGB8888"
	case FormatABGR8888:
		return "ABGR8888"
	case FormatXBGR8888:
		return "XBGR8888"
	default:
		return fmt.Sprintf("0x%08x", uint32(f))
	}
}

// Supported reports whether frames in this format can be handed to the host unchanged
func (f Format) Supported() bool {
	return f.Layout() != LayoutUnknown
}

// Layout returns the little-endian memory layout of the format
func (f Format) Layout() Layout {
	switch f {
	case FormatARGB8888, FormatXRGB8888:
		return LayoutBGRA
	case FormatABGR8888, FormatXBGR8888:
		return LayoutRGBA
	default:
		return LayoutUnknown
	}
}

// HasAlpha is false for the X variants, whose fourth byte is padding
func (f Format) HasAlpha() bool {
	return f == FormatARGB8888 || f == FormatABGR8888
}

// BytesPerPixel returns 0 for unsupported formats
func (f Format) BytesPerPixel() int {
	if !f.Supported() {
		return 0
	}
	return 4
}
