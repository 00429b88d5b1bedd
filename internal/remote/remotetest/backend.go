// Package remotetest provides a scripted in-memory display server for pipeline tests.
package remotetest

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/bryanchriswhite/OutputStreamer/internal/shm"
)

type output struct {
	id        remote.OutputID
	name      string
	proposals []frame.Metadata
	gate      chan struct{}
	gone      chan struct{}
	fail      bool
}

func (o *output) next() frame.Metadata {
	meta := o.proposals[0]
	if len(o.proposals) > 1 {
		o.proposals = o.proposals[1:]
	}
	return meta
}

// Stats counts what the pipeline asked of the fake server
type Stats struct {
	Sessions        int
	OpenSessions    int
	MaxOpenSessions int
	Captures        int
	Completed       int
	Failed          int
	Binds           int
	Releases        int
	LiveBindings    int
	// Mismatched counts copies into a buffer smaller than, or described differently from, the proposal
	Mismatched int
	// ConnectFailures counts Connect calls refused by SetConnectError
	ConnectFailures int
}

// Backend is a fake remote.Backend. Outputs are scripted with a sequence of
// proposals; the last proposal repeats.
type Backend struct {
	mu       sync.Mutex
	outputs  map[remote.OutputID]*output
	watchers map[*watcher]struct{}
	stats    Stats
	copied   chan remote.OutputID

	connectErr error
	watchErr   error
}

// New creates an empty fake server
func New() *Backend {
	return &Backend{
		outputs:  make(map[remote.OutputID]*output),
		watchers: make(map[*watcher]struct{}),
		copied:   make(chan remote.OutputID, 64),
	}
}

// Name implements remote.Backend
func (b *Backend) Name() string {
	return "fake"
}

// AddOutput announces an output and, if name is not empty, resolves its name
func (b *Backend) AddOutput(id remote.OutputID, name string, proposals ...frame.Metadata) {
	if len(proposals) == 0 {
		proposals = []frame.Metadata{{Format: frame.FormatXRGB8888, Width: 64, Height: 48, Stride: 256}}
	}

	b.mu.Lock()
	b.outputs[id] = &output{
		id:        id,
		proposals: proposals,
		gone:      make(chan struct{}),
	}
	b.broadcastLocked(remote.OutputEvent{Kind: remote.OutputAdded, ID: id})
	b.mu.Unlock()

	if name != "" {
		b.Resolve(id, name)
	}
}

// Resolve completes the name exchange for an output
func (b *Backend) Resolve(id remote.OutputID, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.outputs[id]; ok {
		o.name = name
		b.broadcastLocked(remote.OutputEvent{Kind: remote.OutputNamed, ID: id, Name: name})
	}
}

// RemoveOutput withdraws an output. Exchanges waiting on it fail.
func (b *Backend) RemoveOutput(id remote.OutputID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.outputs[id]
	if !ok {
		return
	}
	delete(b.outputs, id)
	close(o.gone)
	b.broadcastLocked(remote.OutputEvent{Kind: remote.OutputRemoved, ID: id})
}

// SetProposals replaces the remaining proposal script of an output
func (b *Backend) SetProposals(id remote.OutputID, proposals ...frame.Metadata) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.outputs[id]; ok && len(proposals) > 0 {
		o.proposals = proposals
	}
}

// SetFailing makes copies against id fail
func (b *Backend) SetFailing(id remote.OutputID, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.outputs[id]; ok {
		o.fail = fail
	}
}

// Hold keeps copies against id in flight until Release
func (b *Backend) Hold(id remote.OutputID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.outputs[id]; ok && o.gate == nil {
		o.gate = make(chan struct{})
	}
}

// Release lets held copies against id complete
func (b *Backend) Release(id remote.OutputID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.outputs[id]; ok && o.gate != nil {
		close(o.gate)
		o.gate = nil
	}
}

// SetConnectError makes Connect fail with err until cleared with nil
func (b *Backend) SetConnectError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// SetWatchError makes WatchOutputs fail with err until cleared with nil
func (b *Backend) SetWatchError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchErr = err
}

// Copied receives the output id each time a copy is submitted
func (b *Backend) Copied() <-chan remote.OutputID {
	return b.copied
}

// Stats returns a snapshot of the counters
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// WatchOutputs implements remote.Backend. The current outputs are replayed
// first, followed by OutputsSynced.
func (b *Backend) WatchOutputs() (remote.OutputWatcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.watchErr != nil {
		return nil, b.watchErr
	}

	w := &watcher{
		b:      b,
		events: make(chan remote.OutputEvent, 1024),
	}
	for id, o := range b.outputs {
		w.events <- remote.OutputEvent{Kind: remote.OutputAdded, ID: id}
		if o.name != "" {
			w.events <- remote.OutputEvent{Kind: remote.OutputNamed, ID: id, Name: o.name}
		}
	}
	w.events <- remote.OutputEvent{Kind: remote.OutputsSynced}
	b.watchers[w] = struct{}{}
	return w, nil
}

func (b *Backend) broadcastLocked(ev remote.OutputEvent) {
	for w := range b.watchers {
		select {
		case w.events <- ev:
		default:
		}
	}
}

// Connect implements remote.Backend
func (b *Backend) Connect() (remote.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connectErr != nil {
		b.stats.ConnectFailures++
		return nil, b.connectErr
	}

	b.stats.Sessions++
	b.stats.OpenSessions++
	if b.stats.OpenSessions > b.stats.MaxOpenSessions {
		b.stats.MaxOpenSessions = b.stats.OpenSessions
	}
	return &session{b: b}, nil
}

// Close implements remote.Backend
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for w := range b.watchers {
		delete(b.watchers, w)
		close(w.events)
	}
	return nil
}

type watcher struct {
	b      *Backend
	events chan remote.OutputEvent
}

func (w *watcher) Events() <-chan remote.OutputEvent {
	return w.events
}

func (w *watcher) Close() error {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()

	if _, ok := w.b.watchers[w]; ok {
		delete(w.b.watchers, w)
		close(w.events)
	}
	return nil
}

type session struct {
	b      *Backend
	closed bool
}

func (s *session) Capture(id remote.OutputID, overlayCursor bool) (remote.Exchange, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if s.closed {
		return nil, remote.ErrClosed
	}
	o, ok := s.b.outputs[id]
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", id, remote.ErrOutputGone)
	}
	s.b.stats.Captures++
	return &exchange{b: s.b, out: o, proposal: o.next()}, nil
}

func (s *session) Bind(seg *shm.Segment, meta frame.Metadata) (remote.Binding, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if s.closed {
		return nil, remote.ErrClosed
	}
	if seg.Size() < meta.Size() {
		return nil, fmt.Errorf("segment of %d bytes cannot hold %s", seg.Size(), meta)
	}
	s.b.stats.Binds++
	s.b.stats.LiveBindings++
	return &binding{b: s.b, seg: seg, meta: meta}, nil
}

func (s *session) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.b.stats.OpenSessions--
	}
	return nil
}

type binding struct {
	b        *Backend
	seg      *shm.Segment
	meta     frame.Metadata
	released bool
}

func (bd *binding) Metadata() frame.Metadata {
	return bd.meta
}

func (bd *binding) Release() error {
	bd.b.mu.Lock()
	defer bd.b.mu.Unlock()

	if !bd.released {
		bd.released = true
		bd.b.stats.Releases++
		bd.b.stats.LiveBindings--
	}
	return nil
}

type exchange struct {
	b        *Backend
	out      *output
	proposal frame.Metadata
	proposed bool
	target   *binding
}

func (e *exchange) Next(timeout time.Duration) (remote.Event, error) {
	if !e.proposed {
		e.proposed = true
		return remote.Event{Kind: remote.EventProposal, Metadata: e.proposal}, nil
	}
	if e.target == nil {
		return remote.Event{}, fmt.Errorf("no copy submitted")
	}

	e.b.mu.Lock()
	gate := e.out.gate
	e.b.mu.Unlock()

	if gate != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-gate:
		case <-e.out.gone:
		case <-timer.C:
			return remote.Event{}, remote.ErrTimeout
		}
	}

	select {
	case <-e.out.gone:
		e.b.mu.Lock()
		e.b.stats.Failed++
		e.b.mu.Unlock()
		return remote.Event{Kind: remote.EventFailed, Err: remote.ErrOutputGone}, nil
	default:
	}

	e.b.mu.Lock()
	fail := e.out.fail
	if fail {
		e.b.stats.Failed++
	} else {
		e.b.stats.Completed++
	}
	seq := e.b.stats.Completed
	e.b.mu.Unlock()

	if fail {
		return remote.Event{Kind: remote.EventFailed, Err: remote.ErrCaptureFailed}, nil
	}

	data, err := e.target.seg.Map(true)
	if err != nil {
		return remote.Event{Kind: remote.EventFailed, Err: err}, nil
	}
	for i := 0; i < e.proposal.Size(); i++ {
		data[i] = byte(seq)
	}
	shm.Unmap(data)

	return remote.Event{Kind: remote.EventCompleted, Timestamp: time.Now()}, nil
}

func (e *exchange) Copy(b remote.Binding) error {
	bd, ok := b.(*binding)
	if !ok {
		return fmt.Errorf("foreign binding %T", b)
	}

	e.b.mu.Lock()
	if bd.released {
		e.b.mu.Unlock()
		return fmt.Errorf("binding already released")
	}
	if bd.seg.Size() < e.proposal.Size() || bd.meta != e.proposal {
		e.b.stats.Mismatched++
	}
	e.b.mu.Unlock()

	e.target = bd
	select {
	case e.b.copied <- e.out.id:
	default:
	}
	return nil
}

func (e *exchange) Close() error {
	return nil
}
