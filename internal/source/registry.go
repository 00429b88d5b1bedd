package source

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/metrics"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/rs/zerolog"
)

// ErrWatcherStopped means the output watcher ended before the initial enumeration
var ErrWatcherStopped = errors.New("output watcher stopped")

// Output is a registry entry
type Output struct {
	ID       remote.OutputID `json:"id"`
	Name     string          `json:"name"`
	Resolved bool            `json:"resolved"`
}

// Registry tracks the outputs a display server reports. Outputs become
// selectable once their name resolves.
type Registry struct {
	mu         sync.RWMutex
	outputs    map[remote.OutputID]*Output
	listeners  []chan []Output
	onRemoved  []func(remote.OutputID)
	onResolved []func(Output)

	watcher  remote.OutputWatcher
	synced   chan struct{}
	syncOnce sync.Once
	done     chan struct{}
	started  bool
	stopping atomic.Bool
	log      *zerolog.Logger
}

// NewRegistry creates a registry fed by watcher. Call Start to begin listening.
func NewRegistry(watcher remote.OutputWatcher) *Registry {
	return &Registry{
		outputs: make(map[remote.OutputID]*Output),
		watcher: watcher,
		synced:  make(chan struct{}),
		done:    make(chan struct{}),
		log:     logger.WithComponent("registry"),
	}
}

// OnRemoved registers fn to run after an output is removed
func (r *Registry) OnRemoved(fn func(remote.OutputID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemoved = append(r.onRemoved, fn)
}

// OnResolved registers fn to run after an output's name resolves
func (r *Registry) OnResolved(fn func(Output)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResolved = append(r.onResolved, fn)
}

// Start launches the listener goroutine
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.listen()
}

func (r *Registry) listen() {
	defer close(r.done)

	for ev := range r.watcher.Events() {
		r.apply(ev)
	}
	if r.stopping.Load() {
		r.log.Debug().Msg("Output listener stopped")
		return
	}

	// Nothing will report on these outputs any more
	stale := r.Outputs()
	r.log.Warn().Int("outputs", len(stale)).Msg("Output watcher ended, dropping its outputs")
	for _, o := range stale {
		r.apply(remote.OutputEvent{Kind: remote.OutputRemoved, ID: o.ID})
	}
}

func (r *Registry) apply(ev remote.OutputEvent) {
	switch ev.Kind {
	case remote.OutputAdded:
		r.mu.Lock()
		if _, ok := r.outputs[ev.ID]; !ok {
			r.outputs[ev.ID] = &Output{ID: ev.ID, Name: remote.UnknownName}
		}
		r.mu.Unlock()
		r.log.Debug().Stringer("id", ev.ID).Msg("Output added")

	case remote.OutputNamed:
		r.mu.Lock()
		o, ok := r.outputs[ev.ID]
		if !ok || o.Resolved {
			r.mu.Unlock()
			return
		}
		o.Name = ev.Name
		o.Resolved = true
		resolved := *o
		callbacks := append([]func(Output){}, r.onResolved...)
		r.mu.Unlock()

		r.log.Info().Stringer("id", ev.ID).Str("name", ev.Name).Msg("Output available")
		for _, fn := range callbacks {
			fn(resolved)
		}

	case remote.OutputRemoved:
		r.mu.Lock()
		o, ok := r.outputs[ev.ID]
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.outputs, ev.ID)
		callbacks := append([]func(remote.OutputID){}, r.onRemoved...)
		r.mu.Unlock()

		r.log.Info().Stringer("id", ev.ID).Str("name", o.Name).Msg("Output removed")
		for _, fn := range callbacks {
			fn(ev.ID)
		}

	case remote.OutputsSynced:
		r.syncOnce.Do(func() { close(r.synced) })
		r.log.Debug().Int("outputs", len(r.Outputs())).Msg("Initial output enumeration complete")
		return
	}

	r.notifyListeners()
}

// WaitSynced waits for the initial enumeration
func (r *Registry) WaitSynced(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.synced:
		return nil
	case <-r.done:
		return ErrWatcherStopped
	case <-timer.C:
		return remote.ErrTimeout
	}
}

// Snapshot returns the selectable outputs keyed by name. When two outputs share
// a name the lower identifier wins.
func (r *Registry) Snapshot() map[string]remote.OutputID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]remote.OutputID, len(r.outputs))
	for id, o := range r.outputs {
		if !o.Resolved {
			continue
		}
		if prev, ok := snap[o.Name]; ok && prev < id {
			continue
		}
		snap[o.Name] = id
	}
	return snap
}

// Outputs returns every known output, resolved or not, ordered by identifier
func (r *Registry) Outputs() []Output {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outputsLocked()
}

func (r *Registry) outputsLocked() []Output {
	list := make([]Output, 0, len(r.outputs))
	for _, o := range r.outputs {
		list = append(list, *o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Lookup resolves a display name to an identifier
func (r *Registry) Lookup(name string) (remote.OutputID, bool) {
	id, ok := r.Snapshot()[name]
	return id, ok
}

// First returns the resolved output with the lowest identifier
func (r *Registry) First() (remote.OutputID, bool) {
	for _, o := range r.Outputs() {
		if o.Resolved {
			return o.ID, true
		}
	}
	return 0, false
}

// Name returns the display name of id, or UnknownName
func (r *Registry) Name(id remote.OutputID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if o, ok := r.outputs[id]; ok {
		return o.Name
	}
	return remote.UnknownName
}

// Has reports whether id is currently present
func (r *Registry) Has(id remote.OutputID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.outputs[id]
	return ok
}

// Subscribe adds a listener that receives the output list after each change
func (r *Registry) Subscribe() chan []Output {
	ch := make(chan []Output, 10)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener
func (r *Registry) Unsubscribe(ch chan []Output) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, listener := range r.listeners {
		if listener == ch {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.outputsLocked()
	resolved := 0
	for _, o := range list {
		if o.Resolved {
			resolved++
		}
	}
	metrics.Outputs.Set(float64(resolved))

	for _, ch := range r.listeners {
		select {
		case ch <- list:
		default:
			// Slow listener, it will catch up on the next change
		}
	}
}

// Stop closes the watcher and joins the listener
func (r *Registry) Stop() {
	r.stopping.Store(true)
	if err := r.watcher.Close(); err != nil {
		r.log.Warn().Err(err).Msg("Failed to close output watcher")
	}

	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if started {
		<-r.done
	}

	r.mu.Lock()
	for _, ch := range r.listeners {
		close(ch)
	}
	r.listeners = nil
	r.mu.Unlock()
}
