package overlay

import (
	"fmt"
	"image"

	"github.com/bryanchriswhite/OutputStreamer/internal/source"
)

// StatsWidget draws the pipeline state in the top left corner
type StatsWidget struct {
	*TextWidget
	stats func() source.Stats
}

// NewStatsWidget creates a stats widget reading from provider on every render
func NewStatsWidget(id string, provider func() source.Stats) *StatsWidget {
	return &StatsWidget{
		TextWidget: NewTextWidget(id, 8, 8),
		stats:      provider,
	}
}

// Type returns the widget type
func (w *StatsWidget) Type() string {
	return "stats"
}

// Render refreshes the text from the provider and draws it
func (w *StatsWidget) Render(img *image.RGBA) error {
	w.SetLines(StatsLines(w.stats())...)
	return w.TextWidget.Render(img)
}

// StatsLines formats a pipeline snapshot for display
func StatsLines(s source.Stats) []string {
	name := s.OutputName
	if name == "" {
		name = "-"
	}
	lines := []string{
		fmt.Sprintf("%s  %s  %s", s.Backend, name, s.Coordinator.State),
		fmt.Sprintf("%dx%d", s.Width, s.Height),
	}
	if wk := s.Coordinator.Worker; wk != nil {
		lines = append(lines,
			fmt.Sprintf("capture %.1f/s  delivered %d", wk.Rate, wk.Delivered),
			fmt.Sprintf("buffers %d  failed %d", wk.Assembler.Allocations, wk.Assembler.Failed),
		)
	}
	lines = append(lines, fmt.Sprintf("slot %d  blocked %d", s.Channel.Pending, s.Channel.Blocked))
	return lines
}
