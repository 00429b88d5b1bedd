package source

import (
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote/remotetest"
	"github.com/bryanchriswhite/OutputStreamer/internal/shm"
)

var errTestWatch = errors.New("registry unavailable")

func xrgb(w, h uint32) frame.Metadata {
	return frame.Metadata{Format: frame.FormatXRGB8888, Width: w, Height: h, Stride: w * 4}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.FrameWait = time.Second
	opts.CycleTimeout = time.Second
	opts.SyncTimeout = time.Second
	return opts
}

func newTestSource(t *testing.T, b *remotetest.Backend, output string) *Source {
	t.Helper()
	s, err := New(b, Settings{Output: output}, testOptions())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitRunning(t *testing.T, s *Source) {
	t.Helper()
	waitFor(t, "capture running", func() bool { return s.State() == StateRunning })
}

// TestSourceSteadyOutput validates the common 800x600 path.
//
// Scenario:
//  1. Output "A" proposes 800x600 XRGB on every cycle
//  2. Render three times
//  3. Assert: three new frames, one buffer allocation, reuse afterwards,
//     and the reported dimensions follow the frame
func TestSourceSteadyOutput(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(800, 600))
	s := newTestSource(t, b, "A")

	if s.Width() != 0 || s.Height() != 0 {
		t.Fatalf("dimensions %dx%d before the first frame, want 0x0", s.Width(), s.Height())
	}

	waitRunning(t, s)
	for i := 0; i < 3; i++ {
		f, fresh := s.Render()
		if !fresh {
			t.Fatalf("render %d produced no new frame", i)
		}
		t.Logf("render %d: seq=%d %dx%d", i, f.Seq, f.Width(), f.Height())
	}

	if s.Width() != 800 || s.Height() != 600 {
		t.Errorf("dimensions %dx%d, want 800x600", s.Width(), s.Height())
	}

	stats := s.Stats()
	if stats.Coordinator.Worker == nil {
		t.Fatal("no worker stats while running")
	}
	asm := stats.Coordinator.Worker.Assembler
	if asm.Allocations != 1 || asm.Reuses != 2 {
		t.Errorf("allocations=%d reuses=%d, want 1/2", asm.Allocations, asm.Reuses)
	}
	if bs := b.Stats(); bs.Binds != 1 || bs.Mismatched != 0 {
		t.Errorf("binds=%d mismatched=%d, want 1/0", bs.Binds, bs.Mismatched)
	}
	if stats.OutputName != "A" {
		t.Errorf("OutputName = %q, want A", stats.OutputName)
	}
}

// TestSourceRenderWithoutCapture validates Render is a no-op while idle.
func TestSourceRenderWithoutCapture(t *testing.T) {
	b := remotetest.New()
	s := newTestSource(t, b, "missing")

	f, fresh := s.Render()
	if f != nil || fresh {
		t.Errorf("Render() = %v, %v while idle, want nil, false", f, fresh)
	}
	if bs := b.Stats(); bs.Sessions != 0 {
		t.Errorf("sessions=%d while idle, want 0", bs.Sessions)
	}
}

func TestSourceUpdateIdempotent(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A")
	s := newTestSource(t, b, "A")
	waitRunning(t, s)

	for i := 0; i < 5; i++ {
		s.Update(Settings{Output: "A"})
	}
	time.Sleep(20 * time.Millisecond)

	if stats := s.Stats().Coordinator; stats.Starts != 1 || stats.Stops != 0 {
		t.Errorf("starts=%d stops=%d, want 1/0", stats.Starts, stats.Stops)
	}
}

// TestSourceAtMostOneCapture validates rapid reconfiguration never runs two
// capture threads at once.
func TestSourceAtMostOneCapture(t *testing.T) {
	b := remotetest.New()
	names := []string{"A", "B", "C"}
	for i, name := range names {
		b.AddOutput(remote.OutputID(i+1), name, xrgb(32, 32))
	}
	opts := testOptions()
	opts.FrameWait = time.Millisecond
	s, err := New(b, Settings{Output: "A"}, opts)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer s.Close()

	for i := 0; i < 45; i++ {
		s.Update(Settings{Output: names[i%len(names)]})
		s.Render()
	}
	s.Update(Settings{Output: "C"})

	waitFor(t, "capture on C", func() bool {
		target, ok := s.coordinator.Target()
		return ok && target == 3 && s.State() == StateRunning
	})

	if maxOpen := b.Stats().MaxOpenSessions; maxOpen > 1 {
		t.Errorf("max concurrent sessions=%d, want at most 1", maxOpen)
	}
}

// TestSourceOutputRemovedMidCycle validates a removed output stops capture even
// while a copy is in flight, and nothing captured from it is delivered.
//
// Scenario:
//  1. Hold copies against "A" and demand a frame
//  2. Remove "A" once the copy has been submitted
//  3. Assert: capture is idle, the channel is empty, later renders are no-ops
func TestSourceOutputRemovedMidCycle(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(64, 64))
	b.Hold(1)

	opts := testOptions()
	opts.FrameWait = 0
	s, err := New(b, Settings{Output: "A"}, opts)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer s.Close()
	waitRunning(t, s)

	s.Render()
	select {
	case <-b.Copied():
	case <-time.After(2 * time.Second):
		t.Fatal("copy never submitted")
	}

	b.RemoveOutput(1)
	waitFor(t, "idle after removal", func() bool { return s.State() == StateIdle })

	if pending := s.Stats().Channel.Pending; pending != 0 {
		t.Errorf("pending=%d after removal, want 0", pending)
	}
	if f, fresh := s.Render(); fresh || f != nil {
		t.Errorf("Render() = %v, %v after removal, want nil, false", f, fresh)
	}
	if items := s.Properties()[0].Items; len(items) != 0 {
		t.Errorf("Properties items = %v, want none", items)
	}
	if bs := b.Stats(); bs.OpenSessions != 0 || bs.LiveBindings != 0 {
		t.Errorf("open sessions=%d live bindings=%d after removal, want 0", bs.OpenSessions, bs.LiveBindings)
	}
}

// TestSourceWatcherDropped validates capture stops when the output watcher
// connection goes away under a running source.
func TestSourceWatcherDropped(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(32, 32))
	s := newTestSource(t, b, "A")
	waitRunning(t, s)

	b.Close()
	waitFor(t, "idle after watcher dropped", func() bool { return s.State() == StateIdle })

	if items := s.Properties()[0].Items; len(items) != 0 {
		t.Errorf("Properties items = %v, want none", items)
	}
	if f, fresh := s.Render(); fresh {
		t.Errorf("Render() = %v, true after watcher dropped", f)
	}
}

// TestSourcePendingSelection validates a configured name that is not present yet
// is applied once the output appears.
func TestSourcePendingSelection(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A")
	s := newTestSource(t, b, "B")

	time.Sleep(20 * time.Millisecond)
	if s.State() != StateIdle {
		t.Fatalf("State() = %s with B absent, want idle", s.State())
	}

	b.AddOutput(2, "")
	time.Sleep(20 * time.Millisecond)
	if s.State() != StateIdle {
		t.Fatalf("State() = %s before B resolved, want idle", s.State())
	}

	b.Resolve(2, "B")
	waitFor(t, "capture on B", func() bool {
		target, ok := s.coordinator.Target()
		return ok && target == 2
	})
}

func TestSourceEmptySelectionPicksFirst(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(5, "HDMI-A-1")
	b.AddOutput(3, "DP-1")
	s := newTestSource(t, b, "")

	waitFor(t, "capture on the first output", func() bool {
		target, ok := s.coordinator.Target()
		return ok && target == 3
	})
}

func TestSourceProperties(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "eDP-1")
	b.AddOutput(2, "DP-1")
	b.AddOutput(3, "")
	s := newTestSource(t, b, "")

	props := s.Properties()
	if len(props) != 1 || props[0].Key != SettingOutput {
		t.Fatalf("Properties() = %+v, want one %q property", props, SettingOutput)
	}
	items := props[0].Items
	if len(items) != 2 || items[0] != "DP-1" || items[1] != "eDP-1" {
		t.Errorf("items = %v, want [DP-1 eDP-1]", items)
	}
}

// TestSourceCloseReleasesEverything validates teardown joins the capture thread
// and returns every remote and local resource.
func TestSourceCloseReleasesEverything(t *testing.T) {
	before := shm.Live()

	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(320, 240))
	s, err := New(b, Settings{Output: "A"}, testOptions())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	waitRunning(t, s)
	if _, fresh := s.Render(); !fresh {
		t.Fatal("no frame before close")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}

	if s.State() != StateIdle {
		t.Errorf("State() = %s after close, want idle", s.State())
	}
	if bs := b.Stats(); bs.OpenSessions != 0 || bs.LiveBindings != 0 {
		t.Errorf("open sessions=%d live bindings=%d after close, want 0", bs.OpenSessions, bs.LiveBindings)
	}
	if shm.Live() != before {
		t.Errorf("live segments=%d after close, want %d", shm.Live(), before)
	}

	// Settings updates after close are ignored
	s.Update(Settings{Output: "A"})
	if s.State() != StateIdle {
		t.Error("Update after close restarted capture")
	}
}

func TestNewFailsWhenWatchFails(t *testing.T) {
	b := remotetest.New()
	b.SetWatchError(errTestWatch)

	s, err := New(b, Settings{}, testOptions())
	if err == nil {
		s.Close()
		t.Fatal("New() succeeded without an output watcher")
	}
	if !errors.Is(err, errTestWatch) {
		t.Errorf("New() = %v, want it to wrap %v", err, errTestWatch)
	}
}
