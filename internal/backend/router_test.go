package backend

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
)

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "pipewire"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("Open(pipewire) = %v, want ErrUnknownBackend", err)
	}
}

// TestOpenAutoNothingAvailable validates auto reports both failures when no
// display server can be reached.
func TestOpenAutoNothingAvailable(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)
	t.Setenv("WAYLAND_DISPLAY", "")
	t.Setenv("DISPLAY", ":64999")

	_, err := Open(Config{Backend: Auto, Display: filepath.Join(dir, "missing"), Timeout: 100 * time.Millisecond})
	if err == nil {
		t.Fatal("Open(auto) succeeded without a display server")
	}
	if !errors.Is(err, remote.ErrConnect) {
		t.Errorf("Open(auto) = %v, want it to wrap ErrConnect", err)
	}
}

func TestOpenWaylandMissingSocket(t *testing.T) {
	_, err := Open(Config{Backend: "Wayland", Display: filepath.Join(t.TempDir(), "wayland-9")})
	if !errors.Is(err, remote.ErrConnect) {
		t.Fatalf("Open(wayland) = %v, want ErrConnect", err)
	}
}
