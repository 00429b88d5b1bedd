package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/metrics"
)

var (
	// ErrChannelClosed is returned to a producer once the consumer side is gone
	ErrChannelClosed = errors.New("delivery channel closed")

	// ErrCancelled is returned when a send is abandoned by its producer
	ErrCancelled = errors.New("send cancelled")
)

// ChannelStats is a snapshot of delivery counters
type ChannelStats struct {
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	Blocked   uint64 `json:"blocked"`
	Discarded uint64 `json:"discarded"`
	Pending   int    `json:"pending"`
}

// Channel hands frames from one producer to the consumer through a single slot.
// A send into a full slot blocks until the consumer takes the pending frame.
type Channel struct {
	slot      chan *frame.Frame
	closed    chan struct{}
	closeOnce sync.Once

	sent      atomic.Uint64
	received  atomic.Uint64
	blocked   atomic.Uint64
	discarded atomic.Uint64
}

// NewChannel creates an empty channel
func NewChannel() *Channel {
	return &Channel{
		slot:   make(chan *frame.Frame, 1),
		closed: make(chan struct{}),
	}
}

// Send places f in the slot, waiting while it is occupied. A producer whose
// cancel is already closed never delivers. The wait ends early with
// ErrCancelled when cancel is closed, or ErrChannelClosed on Close.
func (c *Channel) Send(f *frame.Frame, cancel <-chan struct{}) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-cancel:
		return ErrCancelled
	default:
	}

	select {
	case c.slot <- f:
		c.sent.Add(1)
		metrics.FramesDelivered.Inc()
		return nil
	default:
	}

	c.blocked.Add(1)
	metrics.ProducerBlocked.Inc()

	select {
	case c.slot <- f:
		c.sent.Add(1)
		metrics.FramesDelivered.Inc()
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-cancel:
		return ErrCancelled
	}
}

// TryReceive takes the pending frame, waiting up to wait for one to arrive.
// A zero wait only checks the slot.
func (c *Channel) TryReceive(wait time.Duration) (*frame.Frame, bool) {
	select {
	case f := <-c.slot:
		c.received.Add(1)
		return f, true
	default:
	}
	if wait <= 0 {
		return nil, false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case f := <-c.slot:
		c.received.Add(1)
		return f, true
	case <-c.closed:
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

// Drain discards a pending frame, returning how many were dropped
func (c *Channel) Drain() int {
	select {
	case <-c.slot:
		c.discarded.Add(1)
		return 1
	default:
		return 0
	}
}

// Len is 0 or 1
func (c *Channel) Len() int {
	return len(c.slot)
}

// Close wakes blocked producers with ErrChannelClosed and drops the pending frame
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.Drain()
	})
}

// Stats returns a snapshot of the counters
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Sent:      c.sent.Load(),
		Received:  c.received.Load(),
		Blocked:   c.blocked.Load(),
		Discarded: c.discarded.Load(),
		Pending:   c.Len(),
	}
}
