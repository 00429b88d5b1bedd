package frame

import (
	"fmt"
	"image"
	"time"
)

// Metadata describes one frame's pixel buffer as proposed by the compositor
type Metadata struct {
	Format Format `json:"format"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	Stride uint32 `json:"stride"`
}

// Size is the number of bytes needed to hold the frame
func (m Metadata) Size() int {
	return int(m.Height) * int(m.Stride)
}

// Validate checks the format is supported and the stride covers a row
func (m Metadata) Validate() error {
	if !m.Format.Supported() {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, m.Format)
	}
	if m.Width == 0 || m.Height == 0 {
		return fmt.Errorf("%w: empty frame %dx%d", ErrInvalidMetadata, m.Width, m.Height)
	}
	if int(m.Stride) < int(m.Width)*m.Format.BytesPerPixel() {
		return fmt.Errorf("%w: stride %d too small for width %d", ErrInvalidMetadata, m.Stride, m.Width)
	}
	return nil
}

func (m Metadata) String() string {
	return fmt.Sprintf("%s %dx%d stride=%d", m.Format, m.Width, m.Height, m.Stride)
}

// Frame is an owned copy of one captured image. It does not reference shared memory.
type Frame struct {
	Data      []byte
	Metadata  Metadata
	Timestamp time.Time
	YInverted bool
	Seq       uint64
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	return int(f.Metadata.Width)
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	return int(f.Metadata.Height)
}

// Layout reports how the host should interpret Data
func (f *Frame) Layout() Layout {
	return f.Metadata.Format.Layout()
}

// ToRGBA converts the frame for image encoders. Padding bytes become opaque alpha.
func (f *Frame) ToRGBA() (*image.RGBA, error) {
	if err := f.Metadata.Validate(); err != nil {
		return nil, err
	}
	if len(f.Data) < f.Metadata.Size() {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrInvalidMetadata, len(f.Data), f.Metadata.Size())
	}

	w, h := f.Width(), f.Height()
	stride := int(f.Metadata.Stride)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	swap := f.Layout() == LayoutBGRA
	alpha := f.Metadata.Format.HasAlpha()

	for y := 0; y < h; y++ {
		srcY := y
		if f.YInverted {
			srcY = h - 1 - y
		}
		src := f.Data[srcY*stride : srcY*stride+w*4]
		dst := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			if swap {
				dst[x], dst[x+1], dst[x+2] = src[x+2], src[x+1], src[x]
			} else {
				dst[x], dst[x+1], dst[x+2] = src[x], src[x+1], src[x+2]
			}
			if alpha {
				dst[x+3] = src[x+3]
			} else {
				dst[x+3] = 0xff
			}
		}
	}

	return img, nil
}
