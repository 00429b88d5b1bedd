package capture

import (
	"sync"
	"time"
)

// RateCounter reports events per second over a rolling window
type RateCounter struct {
	mu     sync.Mutex
	window time.Duration
	events []time.Time
	now    func() time.Time
}

// NewRateCounter creates a counter over window
func NewRateCounter(window time.Duration) *RateCounter {
	return &RateCounter{
		window: window,
		now:    time.Now,
	}
}

// Tick records one event
func (r *RateCounter) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)
	r.events = append(r.events, now)
}

// Rate returns events per second within the window
func (r *RateCounter) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return float64(len(r.events)) / r.window.Seconds()
}

func (r *RateCounter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.events) && !r.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.events = append(r.events[:0], r.events[i:]...)
	}
}
