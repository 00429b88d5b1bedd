package capture

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote/remotetest"
	"github.com/bryanchriswhite/OutputStreamer/internal/shm"
	"github.com/rs/zerolog"
)

var errTestConnect = errors.New("connection refused")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestWorkerParksWithoutDemand validates the thread does no work until asked.
func TestWorkerParksWithoutDemand(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(64, 64))
	ch := NewChannel()

	w := StartWorker(b, 1, ch, Options{CycleTimeout: time.Second})
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	if bs := b.Stats(); bs.Sessions != 0 || bs.Captures != 0 {
		t.Fatalf("idle thread did work: %+v", bs)
	}

	w.Demand()
	f, ok := ch.TryReceive(2 * time.Second)
	if !ok {
		t.Fatal("no frame after demand")
	}
	if f.Width() != 64 || f.Height() != 64 {
		t.Errorf("frame %dx%d, want 64x64", f.Width(), f.Height())
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.Stats().Captures; got != 1 {
		t.Errorf("captures=%d after one demand, want 1", got)
	}
}

// TestWorkerStopReleasesResources validates a stopped thread has closed its
// connection, unregistered its buffer and closed its segment.
func TestWorkerStopReleasesResources(t *testing.T) {
	before := shm.Live()

	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(128, 96))
	ch := NewChannel()

	w := StartWorker(b, 1, ch, Options{CycleTimeout: time.Second})
	for i := 0; i < 3; i++ {
		w.Demand()
		if _, ok := ch.TryReceive(2 * time.Second); !ok {
			t.Fatalf("no frame for demand %d", i)
		}
	}

	w.Stop()

	select {
	case <-w.Done():
	default:
		t.Fatal("Done() not closed after Stop")
	}

	bs := b.Stats()
	if bs.OpenSessions != 0 || bs.LiveBindings != 0 {
		t.Errorf("open sessions=%d live bindings=%d after stop, want 0", bs.OpenSessions, bs.LiveBindings)
	}
	if shm.Live() != before {
		t.Errorf("live segments=%d after stop, want %d", shm.Live(), before)
	}
	if got := w.Stats().Delivered; got != 3 {
		t.Errorf("delivered=%d, want 3", got)
	}
}

// TestWorkerBlockedSendReleasedByStop validates a producer blocked on a full slot
// still exits promptly when cancelled.
//
// Scenario:
//  1. Demand twice without consuming: frame 1 fills the slot, frame 2 blocks
//  2. Stop the thread
//  3. Assert: Stop returns, frame 2 counted as dropped, slot still holds frame 1
func TestWorkerBlockedSendReleasedByStop(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(32, 32))
	ch := NewChannel()

	w := StartWorker(b, 1, ch, Options{CycleTimeout: time.Second})
	w.Demand()
	waitFor(t, "first frame", func() bool { return ch.Len() == 1 })
	w.Demand()
	waitFor(t, "blocked send", func() bool { return ch.Stats().Blocked == 1 })

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return while the producer was blocked")
	}

	if got := w.Stats().Dropped; got != 1 {
		t.Errorf("dropped=%d, want 1", got)
	}
	if ch.Len() != 1 {
		t.Errorf("slot holds %d frames, want 1", ch.Len())
	}
}

// TestWorkerExitsOnChannelClose validates a closed channel is treated as shutdown.
func TestWorkerExitsOnChannelClose(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(32, 32))
	ch := NewChannel()

	w := StartWorker(b, 1, ch, Options{CycleTimeout: time.Second})
	defer w.Stop()

	w.Demand()
	waitFor(t, "first frame", func() bool { return ch.Len() == 1 })
	w.Demand()
	waitFor(t, "blocked send", func() bool { return ch.Stats().Blocked == 1 })

	ch.Close()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("thread kept running after the channel closed")
	}
}

// TestWorkerSurvivesFailedCycles validates per-cycle errors are absorbed.
func TestWorkerSurvivesFailedCycles(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(48, 48))
	b.SetFailing(1, true)
	ch := NewChannel()

	w := StartWorker(b, 1, ch, Options{CycleTimeout: time.Second})
	defer w.Stop()

	for i := 0; i < 3; i++ {
		w.Demand()
		if _, ok := ch.TryReceive(50 * time.Millisecond); ok {
			t.Fatal("frame delivered from a failing output")
		}
	}
	waitFor(t, "failed cycles", func() bool { return b.Stats().Failed >= 3 })

	b.SetFailing(1, false)
	w.Demand()
	if _, ok := ch.TryReceive(2 * time.Second); !ok {
		t.Fatal("no frame after the output recovered")
	}
}

// TestWorkerRetriesConnect validates a connection failure is retried on the next demand.
func TestWorkerRetriesConnect(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(16, 16))
	b.SetConnectError(errTestConnect)
	ch := NewChannel()

	w := StartWorker(b, 1, ch, Options{CycleTimeout: time.Second})
	defer w.Stop()

	w.Demand()
	if _, ok := ch.TryReceive(50 * time.Millisecond); ok {
		t.Fatal("frame delivered without a connection")
	}

	b.SetConnectError(nil)
	w.Demand()
	if _, ok := ch.TryReceive(2 * time.Second); !ok {
		t.Fatal("no frame after the connection became available")
	}
}

// TestWorkerWarnsOnceWhileUnreachable validates an unreachable display server
// is reported once, not on every demand.
//
// Scenario:
//  1. Connect fails for three demands in a row
//  2. Assert: a single warning, later attempts log at debug
func TestWorkerWarnsOnceWhileUnreachable(t *testing.T) {
	var buf bytes.Buffer
	saved := logger.Logger
	logger.Logger = zerolog.New(&buf)
	t.Cleanup(func() { logger.Logger = saved })

	b := remotetest.New()
	b.AddOutput(1, "A", xrgb(16, 16))
	b.SetConnectError(errTestConnect)
	ch := NewChannel()

	w := StartWorker(b, 1, ch, Options{CycleTimeout: time.Second})
	for i := 1; i <= 3; i++ {
		w.Demand()
		waitFor(t, "connect attempt", func() bool { return b.Stats().ConnectFailures >= i })
	}
	w.Stop()

	warnings := strings.Count(buf.String(), `"level":"warn"`)
	if warnings != 1 {
		t.Errorf("%d warnings for one outage, want 1:\n%s", warnings, buf.String())
	}
	t.Logf("connect failures=%d", b.Stats().ConnectFailures)
}
