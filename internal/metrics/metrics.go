// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "outputstreamer"

// Cycle results
const (
	ResultCompleted   = "completed"
	ResultFailed      = "failed"
	ResultUnsupported = "unsupported"
	ResultResource    = "resource"
)

var (
	CaptureCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "cycles_total",
		Help:      "Capture cycles by result.",
	}, []string{"result"})

	CaptureRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "cycles_per_second",
		Help:      "Rolling capture rate of the active capture thread.",
	})

	BufferAllocations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "allocations_total",
		Help:      "Shared memory segments allocated for capture.",
	})

	BufferRebinds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "rebinds_total",
		Help:      "Existing segments re-registered with a smaller layout.",
	})

	FramesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "frames_total",
		Help:      "Frames handed to the delivery channel.",
	})

	ProducerBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "producer_blocked_total",
		Help:      "Sends that found the pending slot full.",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "active_threads",
		Help:      "Running capture threads.",
	})

	WorkerStarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "starts_total",
		Help:      "Capture threads started by the coordinator.",
	})

	Outputs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "outputs",
		Help:      "Outputs with a resolved name.",
	})

	RenderedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "renders_total",
		Help:      "Host render calls by whether a new frame was presented.",
	}, []string{"frame"})
)
