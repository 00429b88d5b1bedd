// Package remote defines what the capture pipeline needs from a display server:
// output discovery with asynchronous names, and a screen-copy exchange into
// caller-provided shared memory.
package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/shm"
)

var (
	// ErrConnect means the display server could not be reached
	ErrConnect = errors.New("cannot connect to display server")

	// ErrNegotiate means a required protocol interface or version is missing
	ErrNegotiate = errors.New("required display server interface unavailable")

	// ErrOutputGone means the output was removed before or during a capture
	ErrOutputGone = errors.New("output no longer available")

	// ErrCaptureFailed means the compositor rejected or aborted the copy
	ErrCaptureFailed = errors.New("capture failed")

	// ErrTimeout means an exchange did not progress in time
	ErrTimeout = errors.New("capture timed out")

	// ErrClosed is returned by operations on a closed session or exchange
	ErrClosed = errors.New("remote connection closed")
)

// OutputID is the display server's handle for an output. It is stable across
// connections to the same server.
type OutputID uint32

func (id OutputID) String() string {
	return fmt.Sprintf("output-%d", uint32(id))
}

// UnknownName is reported for outputs whose name has not resolved
const UnknownName = "<unknown>"

// OutputEventKind tags an OutputEvent
type OutputEventKind int

const (
	OutputAdded OutputEventKind = iota
	OutputNamed
	OutputRemoved
	// OutputsSynced follows the initial enumeration and name exchange
	OutputsSynced
)

func (k OutputEventKind) String() string {
	switch k {
	case OutputAdded:
		return "added"
	case OutputNamed:
		return "named"
	case OutputRemoved:
		return "removed"
	case OutputsSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// OutputEvent is one change in the set of outputs
type OutputEvent struct {
	Kind OutputEventKind
	ID   OutputID
	Name string
}

// Backend is a connection factory for one display server
type Backend interface {
	// Name identifies the backend in logs and the API
	Name() string

	// WatchOutputs starts listening for output changes on a dedicated connection
	WatchOutputs() (OutputWatcher, error)

	// Connect opens a capture session with its own connection
	Connect() (Session, error)

	// Close releases backend-wide resources. Sessions and watchers are closed by their owners.
	Close() error
}

// OutputWatcher streams output changes until closed. The channel is closed when the
// watcher stops, whether by Close or because the connection dropped.
type OutputWatcher interface {
	Events() <-chan OutputEvent
	Close() error
}

// Session is one connection used by a single capture thread
type Session interface {
	// Capture starts a screen-copy exchange against output
	Capture(output OutputID, overlayCursor bool) (Exchange, error)

	// Bind describes seg to the display server as a buffer with the given layout
	Bind(seg *shm.Segment, meta frame.Metadata) (Binding, error)

	Close() error
}

// Binding is a buffer registered with the display server
type Binding interface {
	Metadata() frame.Metadata
	Release() error
}

// EventKind tags an exchange Event
type EventKind int

const (
	EventProposal EventKind = iota
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProposal:
		return "proposal"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one step of a screen-copy exchange
type Event struct {
	Kind EventKind

	// Proposal
	Metadata frame.Metadata

	// Completed
	Timestamp time.Time
	YInverted bool

	// Failed
	Err error
}

// Exchange is a single capture request. Events arrive in the order
// Proposal, then Completed or Failed after Copy.
type Exchange interface {
	Next(timeout time.Duration) (Event, error)
	Copy(b Binding) error
	Close() error
}
