// Package host drives a source at a fixed presentation rate, the way a
// compositing host calls render on each of its sources once per video frame.
package host

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/output"
	"github.com/bryanchriswhite/OutputStreamer/internal/overlay"
	"github.com/rs/zerolog"
)

// ErrRunning is returned by Start on a running loop
var ErrRunning = errors.New("host loop already running")

// Renderer is the part of source.Source the host calls every tick
type Renderer interface {
	Render() (*frame.Frame, bool)
}

// Config configures the render loop
type Config struct {
	FPS int
	// Overlay, if set, is drawn over every presented frame
	Overlay *overlay.Manager
}

// Stats counts what the loop did
type Stats struct {
	Ticks      uint64 `json:"ticks"`
	Presented  uint64 `json:"presented"`
	Stale      uint64 `json:"stale"`
	Failed     uint64 `json:"failed"`
	LastWidth  int    `json:"last_width"`
	LastHeight int    `json:"last_height"`
}

// Runner presents frames from a Renderer to its outputs
type Runner struct {
	src Renderer
	cfg Config

	mu      sync.Mutex
	outputs []output.Output
	running bool
	stop    chan struct{}
	done    chan struct{}

	ticks     atomic.Uint64
	presented atomic.Uint64
	stale     atomic.Uint64
	failed    atomic.Uint64
	lastSize  atomic.Uint64

	log *zerolog.Logger
}

// New creates a stopped runner
func New(src Renderer, cfg Config) *Runner {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Runner{
		src: src,
		cfg: cfg,
		log: logger.WithComponent("host"),
	}
}

// AddOutput registers a sink. Outputs are started and stopped by their owner;
// the runner only writes to running ones.
func (r *Runner) AddOutput(o output.Output) {
	r.mu.Lock()
	r.outputs = append(r.outputs, o)
	r.mu.Unlock()
}

// Interval is the time between ticks
func (r *Runner) Interval() time.Duration {
	return time.Second / time.Duration(r.cfg.FPS)
}

// Start runs the loop on its own goroutine
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrRunning
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)

	r.log.Info().
		Int("fps", r.cfg.FPS).
		Dur("interval", r.Interval()).
		Msg("Render loop started")
	return nil
}

// Stop ends the loop and waits for the tick in progress
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	<-done
	r.log.Info().Uint64("presented", r.presented.Load()).Msg("Render loop stopped")
}

// IsRunning returns whether the loop is active
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stats returns the loop counters
func (r *Runner) Stats() Stats {
	size := r.lastSize.Load()
	return Stats{
		Ticks:      r.ticks.Load(),
		Presented:  r.presented.Load(),
		Stale:      r.stale.Load(),
		Failed:     r.failed.Load(),
		LastWidth:  int(size >> 32),
		LastHeight: int(size & 0xffffffff),
	}
}

func (r *Runner) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick renders once. Only new frames are converted and written; outputs keep
// showing the previous one otherwise.
func (r *Runner) tick() {
	r.ticks.Add(1)

	f, fresh := r.src.Render()
	if f == nil || !fresh {
		r.stale.Add(1)
		return
	}

	img, err := f.ToRGBA()
	if err != nil {
		r.failed.Add(1)
		r.log.Debug().Err(err).Str("metadata", f.Metadata.String()).Msg("Cannot present frame")
		return
	}
	r.lastSize.Store(uint64(f.Width())<<32 | uint64(f.Height()))

	if r.cfg.Overlay != nil {
		r.cfg.Overlay.Render(img)
	}

	r.mu.Lock()
	outputs := append([]output.Output(nil), r.outputs...)
	r.mu.Unlock()

	for _, o := range outputs {
		if !o.IsRunning() {
			continue
		}
		if err := o.WriteFrame(img); err != nil {
			r.log.Debug().Err(err).Str("output", o.Name()).Msg("Failed to write frame")
		}
	}
	r.presented.Add(1)
}

// Snapshot renders until a new frame arrives or timeout elapses. It must not
// be used while a Runner drives the same source.
func Snapshot(src Renderer, interval, timeout time.Duration) (*frame.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		if f, fresh := src.Render(); f != nil && fresh {
			return f, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no frame within %s", timeout)
		}
		time.Sleep(interval)
	}
}
