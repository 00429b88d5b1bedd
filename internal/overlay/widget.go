package overlay

import (
	"image"
	"image/color"
)

// Widget is something drawn over a presented frame
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Type returns the widget type name
	Type() string

	// Render draws the widget onto img
	Render(img *image.RGBA) error

	IsEnabled() bool
	SetEnabled(enabled bool)
}

// BaseWidget provides position, opacity and the enabled flag
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a new base widget
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{
		id:      id,
		enabled: true,
		x:       x,
		y:       y,
	}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

// IsEnabled returns whether the widget should be rendered
func (w *BaseWidget) IsEnabled() bool {
	return w.enabled
}

// SetEnabled sets whether the widget should be rendered
func (w *BaseWidget) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// GetPosition returns the widget's position
func (w *BaseWidget) GetPosition() (int, int) {
	return w.x, w.y
}

// SetPosition sets the widget's position
func (w *BaseWidget) SetPosition(x, y int) {
	w.x = x
	w.y = y
}

// SetOpacity sets the widget's opacity, clamped to 0.0-1.0
func (w *BaseWidget) SetOpacity(opacity float64) {
	if opacity < 0.0 {
		opacity = 0.0
	}
	if opacity > 1.0 {
		opacity = 1.0
	}
	w.opacity = opacity
}

// BlendImage draws src over dst at (x, y) scaled by opacity. Frames handed to
// the overlay are opaque, so the result keeps dst's alpha.
func BlendImage(dst *image.RGBA, src *image.RGBA, x, y int, opacity float64) {
	sb := src.Bounds()
	db := dst.Bounds()
	op := uint32(opacity*255 + 0.5)
	if op == 0 {
		return
	}

	for sy := sb.Min.Y; sy < sb.Max.Y; sy++ {
		dy := y + (sy - sb.Min.Y)
		if dy < db.Min.Y || dy >= db.Max.Y {
			continue
		}
		for sx := sb.Min.X; sx < sb.Max.X; sx++ {
			dx := x + (sx - sb.Min.X)
			if dx < db.Min.X || dx >= db.Max.X {
				continue
			}

			si := src.PixOffset(sx, sy)
			a := uint32(src.Pix[si+3]) * op / 255
			if a == 0 {
				continue
			}
			di := dst.PixOffset(dx, dy)
			inv := 255 - a
			for c := 0; c < 3; c++ {
				dst.Pix[di+c] = uint8((uint32(src.Pix[si+c])*a + uint32(dst.Pix[di+c])*inv) / 255)
			}
		}
	}
}

// DrawRectangle fills a rectangle with c blended at opacity
func DrawRectangle(dst *image.RGBA, x, y, width, height int, c color.RGBA, opacity float64) {
	if width <= 0 || height <= 0 {
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(tmp.Pix); i += 4 {
		tmp.Pix[i], tmp.Pix[i+1], tmp.Pix[i+2], tmp.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	BlendImage(dst, tmp, x, y, opacity)
}
