package source

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/capture"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote/remotetest"
)

func newTestCoordinator(t *testing.T, b *remotetest.Backend) (*Coordinator, *capture.Channel) {
	t.Helper()
	ch := capture.NewChannel()
	c := NewCoordinator(b, ch, capture.Options{CycleTimeout: time.Second})
	t.Cleanup(func() {
		c.Close()
		ch.Close()
	})
	return c, ch
}

func outputRef(v remote.OutputID) *remote.OutputID {
	return &v
}

func TestCoordinatorStartsIdle(t *testing.T) {
	b := remotetest.New()
	c, _ := newTestCoordinator(t, b)

	if c.State() != StateIdle {
		t.Errorf("State() = %s, want idle", c.State())
	}
	if c.Demand() {
		t.Error("Demand() = true with no capture thread")
	}
	if _, ok := c.Target(); ok {
		t.Error("Target() reported an output while idle")
	}
}

// TestStateTextRoundTrip validates stats written as JSON decode back.
func TestStateTextRoundTrip(t *testing.T) {
	for _, st := range []State{StateIdle, StateStarting, StateRunning, StateStopping} {
		data, err := json.Marshal(CoordinatorStats{State: st})
		if err != nil {
			t.Fatal(err)
		}
		var got CoordinatorStats
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s) = %v", data, err)
		}
		if got.State != st {
			t.Errorf("state %s decoded as %s", st, got.State)
		}
	}

	var st State
	if err := st.UnmarshalText([]byte("paused")); err == nil {
		t.Error("UnmarshalText accepted an unknown state")
	}
}

// TestCoordinatorSelectIdempotent validates reselecting the active output does
// not restart capture.
//
// Contract:
//   - Select(A) twice starts exactly one thread
//   - Select(B) stops A before starting B
//   - Select(nil) leaves the coordinator idle
func TestCoordinatorSelectIdempotent(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A")
	b.AddOutput(2, "B")
	c, _ := newTestCoordinator(t, b)

	c.Select(outputRef(1))
	waitFor(t, "running", func() bool { return c.State() == StateRunning })
	c.Select(outputRef(1))
	c.Select(outputRef(1))
	time.Sleep(20 * time.Millisecond)

	stats := c.Stats()
	if stats.Starts != 1 || stats.Stops != 0 {
		t.Fatalf("starts=%d stops=%d after repeated selection, want 1/0", stats.Starts, stats.Stops)
	}

	c.Select(outputRef(2))
	waitFor(t, "switch to B", func() bool {
		target, ok := c.Target()
		return ok && target == 2
	})
	stats = c.Stats()
	if stats.Starts != 2 || stats.Stops != 1 {
		t.Errorf("starts=%d stops=%d after switch, want 2/1", stats.Starts, stats.Stops)
	}

	c.Select(nil)
	waitFor(t, "idle", func() bool { return c.State() == StateIdle })
	if _, ok := c.Target(); ok {
		t.Error("Target() reported an output after clearing the selection")
	}
}

// TestCoordinatorAtMostOneThread validates concurrent selection churn never
// leaves two capture threads alive.
func TestCoordinatorAtMostOneThread(t *testing.T) {
	b := remotetest.New()
	for i := remote.OutputID(1); i <= 3; i++ {
		b.AddOutput(i, "")
	}
	c, ch := newTestCoordinator(t, b)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if c.Demand() {
				ch.TryReceive(time.Millisecond)
			}
		}
	}()

	for i := 0; i < 60; i++ {
		c.Select(outputRef(remote.OutputID(i%3 + 1)))
		if i%7 == 0 {
			c.Select(nil)
		}
		time.Sleep(time.Millisecond)
	}
	<-done

	c.Select(outputRef(3))
	time.Sleep(50 * time.Millisecond)
	waitFor(t, "settled on output 3", func() bool {
		target, ok := c.Target()
		return ok && target == 3 && c.State() == StateRunning
	})

	stats := c.Stats()
	if live := stats.Starts - stats.Stops; live != 1 {
		t.Errorf("starts-stops=%d, want exactly one live thread", live)
	}
	if maxOpen := b.Stats().MaxOpenSessions; maxOpen > 1 {
		t.Errorf("max concurrent sessions=%d, want at most 1", maxOpen)
	}
}

func TestCoordinatorIgnoresRemovalOfInactiveOutput(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A")
	b.AddOutput(2, "B")
	c, _ := newTestCoordinator(t, b)

	c.Select(outputRef(1))
	waitFor(t, "running", func() bool { return c.State() == StateRunning })

	c.OutputRemoved(2)
	time.Sleep(20 * time.Millisecond)

	if c.State() != StateRunning {
		t.Errorf("State() = %s after unrelated removal, want running", c.State())
	}
	if c.Stats().Stops != 0 {
		t.Error("unrelated removal stopped capture")
	}
}

func TestCoordinatorCloseJoins(t *testing.T) {
	b := remotetest.New()
	b.AddOutput(1, "A")
	ch := capture.NewChannel()
	defer ch.Close()
	c := NewCoordinator(b, ch, capture.Options{CycleTimeout: time.Second})

	c.Select(outputRef(1))
	waitFor(t, "running", func() bool { return c.State() == StateRunning })
	c.Demand()
	if _, ok := ch.TryReceive(2 * time.Second); !ok {
		t.Fatal("no frame delivered")
	}

	c.Close()
	c.Close()

	if c.State() != StateIdle {
		t.Errorf("State() = %s after Close, want idle", c.State())
	}
	if bs := b.Stats(); bs.OpenSessions != 0 {
		t.Errorf("open sessions=%d after Close, want 0", bs.OpenSessions)
	}

	// Requests after close are ignored
	c.Select(outputRef(1))
	if c.State() != StateIdle {
		t.Error("Select after Close started capture")
	}
}
