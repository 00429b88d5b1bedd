package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/metrics"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/rs/zerolog"
)

// DefaultCycleTimeout bounds each wait inside a capture cycle
const DefaultCycleTimeout = 2 * time.Second

var (
	// errUnexpectedEvent is returned when an exchange skips a step
	errUnexpectedEvent = errors.New("unexpected capture event")

	errResource = errors.New("shared buffer unavailable")
)

// AssemblerOptions configures a frame assembler
type AssemblerOptions struct {
	OverlayCursor bool
	Timeout       time.Duration
	Allocator     SegmentAllocator
}

// AssemblerStats counts cycles and buffer negotiations
type AssemblerStats struct {
	Cycles      uint64 `json:"cycles"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Allocations uint64 `json:"allocations"`
	Rebinds     uint64 `json:"rebinds"`
	Reuses      uint64 `json:"reuses"`
}

// Assembler drives capture cycles against one output and owns the shared buffer.
// It is not safe for concurrent use; a capture thread owns it exclusively.
type Assembler struct {
	session remote.Session
	output  remote.OutputID
	opts    AssemblerOptions
	buf     *Buffer
	seq     uint64
	stats   AssemblerStats
	log     *zerolog.Logger
}

// NewAssembler creates an assembler. No buffer is allocated until the first proposal.
func NewAssembler(session remote.Session, output remote.OutputID, opts AssemblerOptions) *Assembler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCycleTimeout
	}
	if opts.Allocator == nil {
		opts.Allocator = DefaultAllocator
	}

	log := logger.WithComponent("assembler").With().Stringer("output", output).Logger()
	return &Assembler{
		session: session,
		output:  output,
		opts:    opts,
		log:     &log,
	}
}

// Cycle runs one request, negotiate, copy, complete sequence. An error means no
// frame this cycle; the assembler stays usable.
func (a *Assembler) Cycle() (*frame.Frame, error) {
	a.stats.Cycles++

	f, err := a.cycle()
	if err != nil {
		a.stats.Failed++
		switch {
		case errors.Is(err, frame.ErrUnsupportedFormat):
			metrics.CaptureCycles.WithLabelValues(metrics.ResultUnsupported).Inc()
		case errors.Is(err, errResource):
			metrics.CaptureCycles.WithLabelValues(metrics.ResultResource).Inc()
		default:
			metrics.CaptureCycles.WithLabelValues(metrics.ResultFailed).Inc()
		}
		return nil, err
	}

	a.stats.Completed++
	metrics.CaptureCycles.WithLabelValues(metrics.ResultCompleted).Inc()
	return f, nil
}

func (a *Assembler) cycle() (*frame.Frame, error) {
	ex, err := a.session.Capture(a.output, a.opts.OverlayCursor)
	if err != nil {
		return nil, fmt.Errorf("failed to request capture: %w", err)
	}
	defer ex.Close()

	ev, err := ex.Next(a.opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for buffer proposal: %w", err)
	}
	if ev.Kind != remote.EventProposal {
		return nil, eventError(ev)
	}

	meta := ev.Metadata
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	buf, err := a.prepare(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errResource, err)
	}

	if err := ex.Copy(buf.binding); err != nil {
		return nil, fmt.Errorf("failed to submit copy: %w", err)
	}

	ev, err = ex.Next(a.opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for copy: %w", err)
	}
	if ev.Kind != remote.EventCompleted {
		return nil, eventError(ev)
	}

	data, err := buf.snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errResource, err)
	}

	a.seq++
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &frame.Frame{
		Data:      data,
		Metadata:  meta,
		Timestamp: ts,
		YInverted: ev.YInverted,
		Seq:       a.seq,
	}, nil
}

func eventError(ev remote.Event) error {
	if ev.Kind == remote.EventFailed {
		if ev.Err != nil {
			return fmt.Errorf("%w: %w", remote.ErrCaptureFailed, ev.Err)
		}
		return remote.ErrCaptureFailed
	}
	return fmt.Errorf("%w: %s", errUnexpectedEvent, ev.Kind)
}

// prepare returns a buffer bound with meta. Unchanged metadata reuses the current
// buffer; a same-format proposal that fits is rebound in place; anything else gets
// a new segment. The previous buffer is released only after its replacement is bound.
func (a *Assembler) prepare(meta frame.Metadata) (*Buffer, error) {
	if a.buf != nil && a.buf.meta == meta {
		a.stats.Reuses++
		return a.buf, nil
	}

	if a.buf != nil && a.buf.fits(meta) {
		binding, err := a.session.Bind(a.buf.seg, meta)
		if err != nil {
			return nil, fmt.Errorf("failed to rebind buffer: %w", err)
		}
		old := a.buf.binding
		a.buf.binding = binding
		a.buf.meta = meta
		if err := old.Release(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to release previous binding")
		}

		a.stats.Rebinds++
		metrics.BufferRebinds.Inc()
		a.log.Debug().Stringer("meta", meta).Int("capacity", a.buf.Capacity()).Msg("Buffer rebound")
		return a.buf, nil
	}

	seg, err := a.opts.Allocator(meta.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d bytes: %w", meta.Size(), err)
	}
	binding, err := a.session.Bind(seg, meta)
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("failed to bind buffer: %w", err)
	}

	next := &Buffer{seg: seg, binding: binding, meta: meta}
	if a.buf != nil {
		next.generation = a.buf.generation + 1
		if err := a.buf.release(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to release previous buffer")
		}
	}
	a.buf = next

	a.stats.Allocations++
	metrics.BufferAllocations.Inc()
	a.log.Debug().
		Stringer("meta", meta).
		Int("capacity", seg.Size()).
		Uint64("generation", next.generation).
		Msg("Buffer allocated")
	return next, nil
}

// Buffer returns the current shared buffer, or nil before the first proposal
func (a *Assembler) Buffer() *Buffer {
	return a.buf
}

// Stats returns a copy of the counters
func (a *Assembler) Stats() AssemblerStats {
	return a.stats
}

// Close releases the shared buffer
func (a *Assembler) Close() error {
	if a.buf == nil {
		return nil
	}
	err := a.buf.release()
	a.buf = nil
	return err
}
