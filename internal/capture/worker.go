package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/metrics"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/rs/zerolog"
)

// Options configures a capture thread
type Options struct {
	OverlayCursor bool
	CycleTimeout  time.Duration
	Allocator     SegmentAllocator
}

// WorkerStats is a snapshot of one capture thread
type WorkerStats struct {
	Output    remote.OutputID `json:"output"`
	Delivered uint64          `json:"delivered"`
	Dropped   uint64          `json:"dropped"`
	Rate      float64         `json:"cycles_per_second"`
	Assembler AssemblerStats  `json:"assembler"`
}

// Worker is the capture thread for one output. It parks until the consumer
// signals demand, runs one cycle per demand and publishes the frame to the channel.
type Worker struct {
	backend remote.Backend
	output  remote.OutputID
	channel *Channel
	opts    Options

	demand    chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	cancelled atomic.Bool
	done      chan struct{}

	rate      *RateCounter
	delivered atomic.Uint64
	dropped   atomic.Uint64

	statsMu sync.Mutex
	stats   AssemblerStats

	log *zerolog.Logger
}

// StartWorker spawns a capture thread. The connection is opened on first demand.
func StartWorker(backend remote.Backend, output remote.OutputID, ch *Channel, opts Options) *Worker {
	log := logger.WithComponent("capture").With().Stringer("output", output).Logger()
	w := &Worker{
		backend: backend,
		output:  output,
		channel: ch,
		opts:    opts,
		demand:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		rate:    NewRateCounter(time.Second),
		log:     &log,
	}

	metrics.ActiveWorkers.Inc()
	go w.run()
	return w
}

// Output returns the output this thread captures
func (w *Worker) Output() remote.OutputID {
	return w.output
}

// Demand asks for one more frame. Repeated calls before the thread wakes coalesce.
func (w *Worker) Demand() {
	select {
	case w.demand <- struct{}{}:
	default:
	}
}

// Cancel asks the thread to exit. A cycle in flight finishes but its frame is dropped.
func (w *Worker) Cancel() {
	w.stopOnce.Do(func() {
		w.cancelled.Store(true)
		close(w.stop)
	})
}

// Wait blocks until the thread has exited and released its resources
func (w *Worker) Wait() {
	<-w.done
}

// Stop cancels and joins the thread
func (w *Worker) Stop() {
	w.Cancel()
	w.Wait()
}

// Done is closed when the thread has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stats returns a snapshot of the thread's counters
func (w *Worker) Stats() WorkerStats {
	w.statsMu.Lock()
	asm := w.stats
	w.statsMu.Unlock()

	return WorkerStats{
		Output:    w.output,
		Delivered: w.delivered.Load(),
		Dropped:   w.dropped.Load(),
		Rate:      w.rate.Rate(),
		Assembler: asm,
	}
}

func (w *Worker) run() {
	var (
		session     remote.Session
		asm         *Assembler
		unsupported bool
		unreachable bool
	)

	w.log.Info().Msg("Capture thread started")

	defer func() {
		if asm != nil {
			if err := asm.Close(); err != nil {
				w.log.Warn().Err(err).Msg("Failed to release shared buffer")
			}
		}
		if session != nil {
			if err := session.Close(); err != nil {
				w.log.Warn().Err(err).Msg("Failed to close capture connection")
			}
		}
		metrics.ActiveWorkers.Dec()
		w.log.Info().
			Uint64("delivered", w.delivered.Load()).
			Uint64("dropped", w.dropped.Load()).
			Msg("Capture thread stopped")
		close(w.done)
	}()

	for {
		select {
		case <-w.demand:
		case <-w.stop:
		}
		if w.cancelled.Load() {
			return
		}

		if session == nil {
			s, err := w.backend.Connect()
			if err != nil {
				if !unreachable {
					unreachable = true
					w.log.Warn().Err(err).Msg("Failed to open capture connection, retrying on next demand")
				} else {
					w.log.Debug().Err(err).Msg("Capture connection still unavailable")
				}
				continue
			}
			if unreachable {
				unreachable = false
				w.log.Info().Msg("Capture connection established")
			}
			session = s
			asm = NewAssembler(session, w.output, AssemblerOptions{
				OverlayCursor: w.opts.OverlayCursor,
				Timeout:       w.opts.CycleTimeout,
				Allocator:     w.opts.Allocator,
			})
		}

		f, err := asm.Cycle()
		w.rate.Tick()
		metrics.CaptureRate.Set(w.rate.Rate())
		w.statsMu.Lock()
		w.stats = asm.Stats()
		w.statsMu.Unlock()

		if err != nil {
			switch {
			case errors.Is(err, frame.ErrUnsupportedFormat):
				if !unsupported {
					unsupported = true
					w.log.Warn().Err(err).Msg("Output proposed a pixel format that cannot be passed through")
				}
			case errors.Is(err, remote.ErrClosed):
				w.log.Warn().Err(err).Msg("Capture connection lost, reconnecting on next demand")
				asm.Close()
				session.Close()
				asm, session = nil, nil
			default:
				w.log.Debug().Err(err).Msg("Capture cycle produced no frame")
			}
			continue
		}

		if w.cancelled.Load() {
			w.dropped.Add(1)
			return
		}

		if err := w.channel.Send(f, w.stop); err != nil {
			w.dropped.Add(1)
			w.log.Debug().Err(err).Msg("Delivery abandoned")
			return
		}
		w.delivered.Add(1)
	}
}
