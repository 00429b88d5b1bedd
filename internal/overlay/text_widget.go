package overlay

import (
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TextWidget draws one or more lines of text on an optional background box
type TextWidget struct {
	*BaseWidget

	mu        sync.RWMutex
	lines     []string
	textColor color.RGBA
	bgColor   *color.RGBA
	padding   int
}

// NewTextWidget creates a text widget at (x, y) with white text on a dark box
func NewTextWidget(id string, x, y int, lines ...string) *TextWidget {
	bg := color.RGBA{20, 20, 28, 200}
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, 1.0),
		lines:      lines,
		textColor:  color.RGBA{255, 255, 255, 255},
		bgColor:    &bg,
		padding:    5,
	}
}

// Type returns the widget type
func (w *TextWidget) Type() string {
	return "text"
}

// SetLines replaces the text
func (w *TextWidget) SetLines(lines ...string) {
	w.mu.Lock()
	w.lines = lines
	w.mu.Unlock()
}

// Lines returns a copy of the text
func (w *TextWidget) Lines() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.lines...)
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.mu.Lock()
	w.textColor = c
	w.mu.Unlock()
}

// SetBackground sets the background color, nil for none
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.mu.Lock()
	w.bgColor = c
	w.mu.Unlock()
}

// Render draws the text widget
func (w *TextWidget) Render(img *image.RGBA) error {
	w.mu.RLock()
	lines := w.lines
	textColor := w.textColor
	bgColor := w.bgColor
	padding := w.padding
	w.mu.RUnlock()

	if !w.IsEnabled() || len(lines) == 0 {
		return nil
	}

	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()
	ascent := face.Metrics().Ascent.Ceil()

	measure := &font.Drawer{Face: face}
	textWidth := 0
	for _, l := range lines {
		if px := measure.MeasureString(l).Ceil(); px > textWidth {
			textWidth = px
		}
	}
	if textWidth == 0 {
		return nil
	}
	textHeight := lineHeight * len(lines)

	if bgColor != nil {
		DrawRectangle(img, w.x, w.y, textWidth+padding*2, textHeight+padding*2, *bgColor, w.opacity)
	}

	textImg := image.NewRGBA(image.Rect(0, 0, textWidth, textHeight))
	d := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(textColor),
		Face: face,
	}
	for i, l := range lines {
		d.Dot = fixed.P(0, i*lineHeight+ascent)
		d.DrawString(l)
	}

	BlendImage(img, textImg, w.x+padding, w.y+padding, w.opacity)
	return nil
}
