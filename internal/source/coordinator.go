package source

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/OutputStreamer/internal/capture"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/metrics"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/rs/zerolog"
)

// State is the coordinator's capture lifecycle state
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateStarting, StateRunning, StateStopping} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown capture state %q", text)
}

type requestKind int

const (
	requestSelect requestKind = iota
	requestRemoved
	requestShutdown
)

type request struct {
	kind requestKind
	id   *remote.OutputID
}

// CoordinatorStats is a snapshot of the coordinator
type CoordinatorStats struct {
	State  State                `json:"state"`
	Output *remote.OutputID     `json:"output,omitempty"`
	Starts uint64               `json:"starts"`
	Stops  uint64               `json:"stops"`
	Worker *capture.WorkerStats `json:"worker,omitempty"`
}

// Coordinator applies selection changes in order on its own goroutine. A capture
// thread is always joined before the next one starts.
type Coordinator struct {
	backend remote.Backend
	channel *capture.Channel
	opts    capture.Options

	mu     sync.Mutex
	queue  []request
	closed bool
	state  State
	worker *capture.Worker
	starts uint64
	stops  uint64

	wake chan struct{}
	done chan struct{}
	log  *zerolog.Logger
}

// NewCoordinator starts an idle coordinator
func NewCoordinator(backend remote.Backend, ch *capture.Channel, opts capture.Options) *Coordinator {
	c := &Coordinator{
		backend: backend,
		channel: ch,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     logger.WithComponent("coordinator"),
	}
	go c.run()
	return c
}

// Select requests capture of id, or no capture for nil. Selecting the active
// output again has no effect.
func (c *Coordinator) Select(id *remote.OutputID) {
	var target *remote.OutputID
	if id != nil {
		v := *id
		target = &v
	}
	c.enqueue(request{kind: requestSelect, id: target})
}

// OutputRemoved stops capture if id is the active output. The active thread is
// cancelled immediately so it cannot deliver another frame; the join happens on
// the coordinator goroutine.
func (c *Coordinator) OutputRemoved(id remote.OutputID) {
	c.mu.Lock()
	if c.worker != nil && c.worker.Output() == id {
		c.worker.Cancel()
	}
	c.mu.Unlock()

	c.enqueue(request{kind: requestRemoved, id: &id})
}

// Demand wakes the active capture thread. It returns false when none is running.
func (c *Coordinator) Demand() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker == nil || c.state != StateRunning {
		return false
	}
	c.worker.Demand()
	return true
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the output being captured
func (c *Coordinator) Target() (remote.OutputID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker == nil {
		return 0, false
	}
	return c.worker.Output(), true
}

// Stats returns a snapshot including the active thread's counters
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	stats := CoordinatorStats{
		State:  c.state,
		Starts: c.starts,
		Stops:  c.stops,
	}
	w := c.worker
	c.mu.Unlock()

	if w != nil {
		id := w.Output()
		ws := w.Stats()
		stats.Output = &id
		stats.Worker = &ws
	}
	return stats
}

// Close stops any capture thread and joins the coordinator goroutine
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	c.queue = append(c.queue, request{kind: requestShutdown})
	c.mu.Unlock()

	c.signal()
	<-c.done
}

func (c *Coordinator) enqueue(req request) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	c.signal()
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run() {
	defer close(c.done)

	for range c.wake {
		c.mu.Lock()
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, req := range pending {
			if !c.handle(req) {
				return
			}
		}
	}
}

// handle applies one request and returns false on shutdown
func (c *Coordinator) handle(req request) bool {
	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()

	switch req.kind {
	case requestSelect:
		if req.id == nil {
			if w != nil {
				c.stopWorker("selection cleared")
			}
			return true
		}
		if w != nil && w.Output() == *req.id {
			return true
		}
		if w != nil {
			c.stopWorker("selection changed")
		}
		c.startWorker(*req.id)

	case requestRemoved:
		if w != nil && w.Output() == *req.id {
			c.stopWorker("output removed")
		}

	case requestShutdown:
		if w != nil {
			c.stopWorker("shutdown")
		}
		return false
	}
	return true
}

func (c *Coordinator) startWorker(id remote.OutputID) {
	c.mu.Lock()
	c.state = StateStarting
	c.mu.Unlock()

	w := capture.StartWorker(c.backend, id, c.channel, c.opts)

	c.mu.Lock()
	c.worker = w
	c.state = StateRunning
	c.starts++
	c.mu.Unlock()

	metrics.WorkerStarts.Inc()
	c.log.Info().Stringer("output", id).Msg("Capture started")
}

// stopWorker joins the active thread and discards anything it left in the channel
func (c *Coordinator) stopWorker(reason string) {
	c.mu.Lock()
	w := c.worker
	c.state = StateStopping
	c.mu.Unlock()

	w.Stop()
	dropped := c.channel.Drain()

	c.mu.Lock()
	c.worker = nil
	c.state = StateIdle
	c.stops++
	c.mu.Unlock()

	c.log.Info().
		Stringer("output", w.Output()).
		Str("reason", reason).
		Int("discarded", dropped).
		Msg("Capture stopped")
}
