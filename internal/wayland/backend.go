package wayland

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds connection setup roundtrips
const DefaultTimeout = 2 * time.Second

// Config selects the compositor to talk to
type Config struct {
	// Display is a socket name or absolute path; empty uses WAYLAND_DISPLAY
	Display string
	Timeout time.Duration
}

// Backend implements remote.Backend on top of wlr-screencopy. Every watcher and
// session dials its own connection.
type Backend struct {
	cfg Config

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	closed   bool

	log *zerolog.Logger
}

// New verifies the compositor is reachable and offers wl_shm and screencopy.
// Errors wrap remote.ErrConnect or remote.ErrNegotiate.
func New(cfg Config) (*Backend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	log := logger.WithComponent("wayland")

	probe, err := connectSession(cfg.Display, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	probe.mu.Lock()
	version := probe.screencopyVersion
	outputs := len(probe.outputs)
	probe.mu.Unlock()
	probe.Close()

	log.Info().
		Str("display", cfg.Display).
		Uint32("screencopy_version", version).
		Int("outputs", outputs).
		Msg("Connected to Wayland compositor")

	return &Backend{
		cfg:      cfg,
		watchers: make(map[*watcher]struct{}),
		log:      log,
	}, nil
}

// Name implements remote.Backend
func (b *Backend) Name() string {
	return "wayland"
}

// WatchOutputs implements remote.Backend
func (b *Backend) WatchOutputs() (remote.OutputWatcher, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, remote.ErrClosed
	}
	b.mu.Unlock()

	w, err := newWatcher(b.cfg.Display, b.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.watchers[w] = struct{}{}
	b.mu.Unlock()

	w.mu.Lock()
	w.onStopped = b.forgetWatcher
	w.mu.Unlock()
	return w, nil
}

func (b *Backend) forgetWatcher(w *watcher) {
	b.mu.Lock()
	delete(b.watchers, w)
	b.mu.Unlock()
}

// Connect implements remote.Backend
func (b *Backend) Connect() (remote.Session, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, remote.ErrClosed
	}

	s, err := connectSession(b.cfg.Display, b.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close stops any watcher still open
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	watchers := make([]*watcher, 0, len(b.watchers))
	for w := range b.watchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
	return nil
}
