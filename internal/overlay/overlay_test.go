package overlay

import (
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/bryanchriswhite/OutputStreamer/internal/capture"
	"github.com/bryanchriswhite/OutputStreamer/internal/source"
)

func gray(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 0xff
	}
	return img
}

func TestBlendImage(t *testing.T) {
	dst := gray(4, 4, 100)
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+3] = 255, 255
	}

	// Half opacity, hanging off the bottom right corner
	BlendImage(dst, src, 3, 3, 0.5)

	got := dst.RGBAAt(3, 3)
	if got.R < 175 || got.R > 179 || got.G < 49 || got.G > 51 {
		t.Errorf("blended pixel = %v, want about {177 50 50}", got)
	}
	if got.A != 0xff {
		t.Errorf("alpha changed to %d", got.A)
	}
	if untouched := dst.RGBAAt(2, 2); untouched.R != 100 {
		t.Errorf("pixel outside src changed: %v", untouched)
	}
}

func TestBlendImageZeroOpacity(t *testing.T) {
	dst := gray(2, 2, 10)
	src := gray(2, 2, 200)
	BlendImage(dst, src, 0, 0, 0)
	if dst.RGBAAt(0, 0).R != 10 {
		t.Error("zero opacity drew the source")
	}
}

func TestTextWidgetDraws(t *testing.T) {
	img := gray(120, 40, 0)
	w := NewTextWidget("label", 2, 2, "hello", "world")
	w.SetBackground(nil)
	w.SetColor(color.RGBA{255, 255, 255, 255})

	if err := w.Render(img); err != nil {
		t.Fatalf("Render() = %v", err)
	}

	lit := 0
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] > 128 {
			lit++
		}
	}
	if lit == 0 {
		t.Fatal("no text pixels drawn")
	}
	t.Logf("%d text pixels", lit)

	w.SetEnabled(false)
	blank := gray(120, 40, 0)
	w.Render(blank)
	for i := 0; i < len(blank.Pix); i += 4 {
		if blank.Pix[i] != 0 {
			t.Fatal("disabled widget drew")
		}
	}
}

func TestManagerOrderAndDuplicates(t *testing.T) {
	m := NewManager()
	if err := m.AddWidget(NewTextWidget("a", 0, 0, "a")); err != nil {
		t.Fatal(err)
	}
	if err := m.AddWidget(NewTextWidget("a", 0, 0, "again")); err == nil {
		t.Error("duplicate widget ID accepted")
	}
	m.AddWidget(NewTextWidget("b", 0, 0, "b"))

	if err := m.RemoveWidget("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.GetWidget("a"); ok {
		t.Error("removed widget still present")
	}
	if _, ok := m.GetWidget("b"); !ok {
		t.Error("widget b missing")
	}
	if err := m.RemoveWidget("a"); err == nil {
		t.Error("removing a missing widget succeeded")
	}

	img := gray(64, 32, 0)
	m.SetEnabled(false)
	m.Render(img)
	if img.Pix[8*4*64+8*4] != 0 {
		t.Error("disabled manager drew")
	}
}

func TestStatsLines(t *testing.T) {
	lines := StatsLines(source.Stats{
		Backend:    "wayland",
		OutputName: "DP-1",
		Width:      1920,
		Height:     1080,
		Coordinator: source.CoordinatorStats{
			State: source.StateRunning,
			Worker: &capture.WorkerStats{
				Rate:      29.5,
				Delivered: 12,
			},
		},
	})

	joined := strings.Join(lines, "\n")
	for _, want := range []string{"wayland", "DP-1", "running", "1920x1080", "29.5/s"} {
		if !strings.Contains(joined, want) {
			t.Errorf("stats lines missing %q:\n%s", want, joined)
		}
	}
}

func TestStatsWidgetRendersProvider(t *testing.T) {
	calls := 0
	w := NewStatsWidget("stats", func() source.Stats {
		calls++
		return source.Stats{Backend: "x11"}
	})
	if err := w.Render(gray(200, 100, 0)); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}
	if !strings.Contains(w.Lines()[0], "x11") {
		t.Errorf("Lines() = %v", w.Lines())
	}
}
