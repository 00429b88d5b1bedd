// Package x11 captures RandR outputs of an X server (including XWayland) with
// GetImage, for sessions without wlr-screencopy.
package x11

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/rs/zerolog"
)

// Config selects the X display
type Config struct {
	// Display such as ":0"; empty uses $DISPLAY
	Display string
}

// Backend implements remote.Backend over RandR. Every watcher and session owns
// its own X connection.
type Backend struct {
	cfg Config

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	closed   bool

	log *zerolog.Logger
}

// dial opens a connection with RandR initialized
func dial(display string) (*xgb.Conn, *xproto.ScreenInfo, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}
	if err := randr.Init(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: RandR extension: %v", remote.ErrNegotiate, err)
	}
	screen := xproto.Setup(conn).DefaultScreen(conn)
	return conn, screen, nil
}

// New verifies the X server is reachable and supports RandR
func New(cfg Config) (*Backend, error) {
	log := logger.WithComponent("x11")

	conn, screen, err := dial(cfg.Display)
	if err != nil {
		return nil, err
	}
	outputs, err := enumerate(conn, screen.Root)
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrNegotiate, err)
	}

	log.Info().
		Str("display", cfg.Display).
		Uint8("depth", screen.RootDepth).
		Int("outputs", len(outputs)).
		Msg("Connected to X server")

	return &Backend{
		cfg:      cfg,
		watchers: make(map[*watcher]struct{}),
		log:      log,
	}, nil
}

// Name implements remote.Backend
func (b *Backend) Name() string {
	return "x11"
}

// WatchOutputs implements remote.Backend
func (b *Backend) WatchOutputs() (remote.OutputWatcher, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, remote.ErrClosed
	}
	b.mu.Unlock()

	w, err := newWatcher(b.cfg.Display, b.forgetWatcher)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.watchers[w] = struct{}{}
	b.mu.Unlock()
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
	return connectSession(b.cfg.Display)
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

// crtcOutput is an output that is lit and where it sits on the root window
type crtcOutput struct {
	id     remote.OutputID
	name   string
	x, y   int16
	width  uint16
	height uint16
}

// enumerate lists connected outputs driven by a CRTC
func enumerate(conn *xgb.Conn, root xproto.Window) (map[remote.OutputID]crtcOutput, error) {
	res, err := randr.GetScreenResourcesCurrent(conn, root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get screen resources: %w", err)
	}

	outputs := make(map[remote.OutputID]crtcOutput, len(res.Outputs))
	for _, out := range res.Outputs {
		o, ok, err := describe(conn, out, res.ConfigTimestamp)
		if err != nil {
			return nil, err
		}
		if ok {
			outputs[o.id] = o
		}
	}
	return outputs, nil
}

// describe resolves one output; ok is false when it is not showing anything
func describe(conn *xgb.Conn, out randr.Output, ts xproto.Timestamp) (crtcOutput, bool, error) {
	info, err := randr.GetOutputInfo(conn, out, ts).Reply()
	if err != nil {
		return crtcOutput{}, false, fmt.Errorf("failed to get output info: %w", err)
	}
	if info.Connection != randr.ConnectionConnected || info.Crtc == 0 {
		return crtcOutput{}, false, nil
	}

	crtc, err := randr.GetCrtcInfo(conn, info.Crtc, ts).Reply()
	if err != nil {
		return crtcOutput{}, false, fmt.Errorf("failed to get crtc info: %w", err)
	}
	if crtc.Width == 0 || crtc.Height == 0 {
		return crtcOutput{}, false, nil
	}

	return crtcOutput{
		id:     remote.OutputID(out),
		name:   string(info.Name),
		x:      crtc.X,
		y:      crtc.Y,
		width:  crtc.Width,
		height: crtc.Height,
	}, true, nil
}
