// Package backend opens the display server backend the configuration asks for.
package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/bryanchriswhite/OutputStreamer/internal/wayland"
	"github.com/bryanchriswhite/OutputStreamer/internal/x11"
)

// Backend names accepted in configuration
const (
	Auto    = "auto"
	Wayland = "wayland"
	X11     = "x11"
)

// ErrUnknownBackend is returned for a backend name that is not supported
var ErrUnknownBackend = errors.New("unknown display backend")

// Config selects and parameterizes the backend
type Config struct {
	// Backend is auto, wayland or x11
	Backend string
	// Display overrides the display name or socket; empty uses the environment
	Display string
	Timeout time.Duration
}

// Names lists the accepted backend names
func Names() []string {
	return []string{Auto, Wayland, X11}
}

// Open connects to the configured backend. Auto prefers wlr-screencopy and
// falls back to X11.
func Open(cfg Config) (remote.Backend, error) {
	log := logger.WithComponent("backend")

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case Wayland:
		return openWayland(cfg)
	case X11:
		return openX11(cfg)
	case Auto, "":
	default:
		return nil, fmt.Errorf("%w %q (want one of %s)", ErrUnknownBackend, cfg.Backend, strings.Join(Names(), ", "))
	}

	wl, werr := openWayland(cfg)
	if werr == nil {
		log.Info().Str("backend", wl.Name()).Msg("Display backend selected")
		return wl, nil
	}
	log.Warn().Err(werr).Msg("Wayland screencopy not available")

	// A Wayland socket name is meaningless to X
	xcfg := cfg
	if !strings.Contains(xcfg.Display, ":") {
		xcfg.Display = ""
	}
	x, xerr := openX11(xcfg)
	if xerr == nil {
		log.Info().Str("backend", x.Name()).Msg("Display backend selected")
		return x, nil
	}
	log.Warn().Err(xerr).Msg("X11 capture not available")

	return nil, fmt.Errorf("no capture backends available: %w", errors.Join(werr, xerr))
}

func openWayland(cfg Config) (remote.Backend, error) {
	b, err := wayland.New(wayland.Config{Display: cfg.Display, Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("wayland: %w", err)
	}
	return b, nil
}

func openX11(cfg Config) (remote.Backend, error) {
	b, err := x11.New(x11.Config{Display: cfg.Display})
	if err != nil {
		return nil, fmt.Errorf("x11: %w", err)
	}
	return b, nil
}
