// Package source composes output discovery, capture lifecycle and frame delivery
// into the object the host renders from.
package source

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/capture"
	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/metrics"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/rs/zerolog"
)

// SettingOutput is the persisted settings key holding the selected output name
const SettingOutput = "output"

// Settings is the host-persisted configuration of a source
type Settings struct {
	Output string `json:"output" yaml:"output"`
}

// Options tunes the pipeline
type Options struct {
	OverlayCursor bool
	// CycleTimeout bounds each wait inside a capture cycle
	CycleTimeout time.Duration
	// FrameWait is how long Render waits for a frame after signalling demand
	FrameWait time.Duration
	// SyncTimeout bounds the wait for the initial output enumeration
	SyncTimeout time.Duration
	Allocator   capture.SegmentAllocator
}

// DefaultOptions returns the tuning used when nothing is configured
func DefaultOptions() Options {
	return Options{
		OverlayCursor: true,
		CycleTimeout:  capture.DefaultCycleTimeout,
		FrameWait:     10 * time.Millisecond,
		SyncTimeout:   2 * time.Second,
	}
}

// Property describes one host-visible setting
type Property struct {
	Key   string   `json:"key"`
	Label string   `json:"label"`
	Items []string `json:"items"`
}

// Stats is a snapshot of the whole pipeline
type Stats struct {
	Backend     string               `json:"backend"`
	Wanted      string               `json:"wanted"`
	OutputName  string               `json:"output_name,omitempty"`
	Width       int                  `json:"width"`
	Height      int                  `json:"height"`
	Coordinator CoordinatorStats     `json:"coordinator"`
	Channel     capture.ChannelStats `json:"channel"`
}

// Source is the object the host interacts with
type Source struct {
	backend     remote.Backend
	registry    *Registry
	coordinator *Coordinator
	channel     *capture.Channel
	opts        Options

	mu         sync.Mutex
	wanted     string
	configured bool
	selected   *remote.OutputID
	current    *frame.Frame
	closed     bool

	log *zerolog.Logger
}

// New builds a source on backend and applies settings. The source owns backend
// from here on, including when construction fails.
func New(backend remote.Backend, settings Settings, opts Options) (*Source, error) {
	defaults := DefaultOptions()
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = defaults.CycleTimeout
	}
	if opts.FrameWait < 0 {
		opts.FrameWait = 0
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaults.SyncTimeout
	}

	log := logger.WithComponent("source")

	watcher, err := backend.WatchOutputs()
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to watch outputs: %w", err)
	}

	ch := capture.NewChannel()
	s := &Source{
		backend:  backend,
		registry: NewRegistry(watcher),
		channel:  ch,
		opts:     opts,
		log:      log,
	}
	s.coordinator = NewCoordinator(backend, ch, capture.Options{
		OverlayCursor: opts.OverlayCursor,
		CycleTimeout:  opts.CycleTimeout,
		Allocator:     opts.Allocator,
	})

	s.registry.OnResolved(s.handleResolved)
	s.registry.OnRemoved(s.handleRemoved)
	s.registry.Start()

	if err := s.registry.WaitSynced(opts.SyncTimeout); err != nil {
		if errors.Is(err, ErrWatcherStopped) {
			s.Close()
			return nil, fmt.Errorf("%w: output watcher stopped during enumeration", remote.ErrConnect)
		}
		log.Warn().Err(err).Msg("Initial output enumeration incomplete, continuing")
	}

	log.Info().
		Str("backend", backend.Name()).
		Int("outputs", len(s.registry.Outputs())).
		Msg("Source created")

	s.Update(settings)
	return s, nil
}

// Update applies new settings. It returns immediately; the coordinator applies
// the selection asynchronously.
func (s *Source) Update(settings Settings) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wanted = settings.Output
	s.configured = true
	s.mu.Unlock()

	s.applySelection()
}

// applySelection maps the wanted name onto the registry. An empty name selects
// the first resolved output; an unknown name leaves capture idle until it appears.
func (s *Source) applySelection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *remote.OutputID
	if s.wanted == "" {
		if id, ok := s.registry.First(); ok {
			target = &id
		}
	} else if id, ok := s.registry.Lookup(s.wanted); ok {
		target = &id
	} else {
		s.log.Info().Str("output", s.wanted).Msg("Selected output not available yet")
	}

	s.selected = target
	s.coordinator.Select(target)
}

func (s *Source) handleResolved(o Output) {
	s.mu.Lock()
	apply := !s.closed && s.configured &&
		(s.wanted == o.Name || (s.wanted == "" && s.selected == nil))
	s.mu.Unlock()

	if apply {
		s.applySelection()
	}
}

func (s *Source) handleRemoved(id remote.OutputID) {
	s.mu.Lock()
	if s.selected != nil && *s.selected == id {
		s.selected = nil
	}
	s.mu.Unlock()

	s.coordinator.OutputRemoved(id)
}

// Render signals demand and takes a completed frame if one arrives within
// FrameWait. It returns the frame to present, which is the previous one when
// nothing new arrived, and whether it is new. Without an active capture thread
// it does nothing.
func (s *Source) Render() (*frame.Frame, bool) {
	if !s.coordinator.Demand() {
		return s.Current(), false
	}

	f, ok := s.channel.TryReceive(s.opts.FrameWait)
	if !ok {
		metrics.RenderedFrames.WithLabelValues("stale").Inc()
		return s.Current(), false
	}

	s.mu.Lock()
	s.current = f
	s.mu.Unlock()

	metrics.RenderedFrames.WithLabelValues("new").Inc()
	return f, true
}

// Current returns the most recently presented frame
func (s *Source) Current() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Width of the most recently presented frame, 0 before the first
func (s *Source) Width() int {
	if f := s.Current(); f != nil {
		return f.Width()
	}
	return 0
}

// Height of the most recently presented frame, 0 before the first
func (s *Source) Height() int {
	if f := s.Current(); f != nil {
		return f.Height()
	}
	return 0
}

// Properties lists the selectable outputs by name
func (s *Source) Properties() []Property {
	snap := s.registry.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	return []Property{{
		Key:   SettingOutput,
		Label: "Output",
		Items: names,
	}}
}

// Registry exposes the output registry for listing and subscriptions
func (s *Source) Registry() *Registry {
	return s.registry
}

// Settings returns the currently applied settings
func (s *Source) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Settings{Output: s.wanted}
}

// State returns the coordinator state
func (s *Source) State() State {
	return s.coordinator.State()
}

// Stats returns a snapshot of the pipeline
func (s *Source) Stats() Stats {
	stats := Stats{
		Backend:     s.backend.Name(),
		Width:       s.Width(),
		Height:      s.Height(),
		Coordinator: s.coordinator.Stats(),
		Channel:     s.channel.Stats(),
	}
	stats.Wanted = s.Settings().Output
	if stats.Coordinator.Output != nil {
		stats.OutputName = s.registry.Name(*stats.Coordinator.Output)
	}
	return stats
}

// Close tears the source down: the coordinator and its capture thread first,
// then the registry listener, then the channel and backend.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.coordinator.Close()
	s.registry.Stop()
	s.channel.Close()

	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("failed to close backend: %w", err)
	}
	s.log.Info().Msg("Source closed")
	return nil
}
