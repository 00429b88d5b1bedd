package wayland

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/rs/zerolog"
)

type nameSource int

const (
	nameFromXdgOutput nameSource = iota
	nameFromOutput
	nameFromID
)

type watchedOutput struct {
	global  uint32
	version uint32
	wlID    uint32
	xdgID   uint32
	source  nameSource
	named   bool
}

// watcher follows wl_output globals on a dedicated connection and resolves
// their names through xdg-output when the compositor offers it.
type watcher struct {
	conn     *Conn
	registry uint32

	mu          sync.Mutex
	outputs     map[uint32]*watchedOutput
	ready       bool
	xdgGlobal   uint32
	xdgVersion  uint32
	xdgManager  uint32
	queue       []remote.OutputEvent
	onStopped   func(*watcher)
	stoppedOnce sync.Once

	events    chan remote.OutputEvent
	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}
	log       *zerolog.Logger
}

func newWatcher(display string, timeout time.Duration) (*watcher, error) {
	conn, err := Dial(display)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}

	w := &watcher{
		conn:     conn,
		outputs:  make(map[uint32]*watchedOutput),
		events:   make(chan remote.OutputEvent, 16),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		log:      logger.WithComponent("wayland"),
	}

	registry, err := conn.Registry(w.onRegistry)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}
	w.registry = registry

	// First roundtrip collects the globals
	if err := conn.Roundtrip(timeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}

	if err := w.setup(); err != nil {
		conn.Close()
		return nil, err
	}

	// Names for the initial outputs arrive before this callback fires
	if err := conn.Sync(func() { w.emit(remote.OutputEvent{Kind: remote.OutputsSynced}) }); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}

	go w.pump()
	return w, nil
}

// setup binds the xdg-output manager and every output seen in the first roundtrip
func (w *watcher) setup() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.xdgGlobal != 0 {
		id, err := w.conn.bind(w.registry, w.xdgGlobal, ifaceXdgOutputManager, w.xdgVersion, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", remote.ErrConnect, err)
		}
		w.xdgManager = id
	}

	for _, o := range w.outputs {
		if err := w.bindOutputLocked(o); err != nil {
			return fmt.Errorf("%w: %v", remote.ErrConnect, err)
		}
	}
	w.ready = true

	w.log.Debug().
		Int("outputs", len(w.outputs)).
		Bool("xdg_output", w.xdgManager != 0).
		Msg("Output watcher connected")
	return nil
}

func (w *watcher) onRegistry(m Message) {
	d := m.decoder()

	switch m.Opcode {
	case registryGlobal:
		global, iface, version := d.uint(), d.string(), d.uint()
		if d.err != nil {
			return
		}

		w.mu.Lock()
		defer w.mu.Unlock()

		switch iface {
		case ifaceXdgOutputManager:
			if !w.ready {
				w.xdgGlobal = global
				w.xdgVersion = min(version, maxXdgOutputVersion)
			}
		case ifaceOutput:
			o := &watchedOutput{global: global, version: min(version, maxOutputVersion)}
			w.outputs[global] = o
			if w.ready {
				if err := w.bindOutputLocked(o); err != nil {
					w.log.Warn().Err(err).Uint32("global", global).Msg("Failed to bind output")
				}
			}
		}

	case registryGlobalRemove:
		global := d.uint()

		w.mu.Lock()
		defer w.mu.Unlock()

		o, ok := w.outputs[global]
		if !ok {
			return
		}
		delete(w.outputs, global)
		if !w.ready {
			return
		}

		if o.xdgID != 0 {
			w.conn.forget(o.xdgID)
			w.conn.send(newRequest(o.xdgID, xdgOutputDestroy))
		}
		w.conn.forget(o.wlID)
		if o.version >= 3 {
			w.conn.send(newRequest(o.wlID, outputRelease))
		}
		w.emitLocked(remote.OutputEvent{Kind: remote.OutputRemoved, ID: remote.OutputID(global)})
	}
}

// bindOutputLocked binds the output and requests its name
func (w *watcher) bindOutputLocked(o *watchedOutput) error {
	switch {
	case w.xdgManager != 0 && w.xdgVersion >= 2:
		o.source = nameFromXdgOutput
	case o.version >= 4:
		o.source = nameFromOutput
	default:
		o.source = nameFromID
	}

	wlID, err := w.conn.bind(w.registry, o.global, ifaceOutput, o.version, func(m Message) { w.onOutput(o, m) })
	if err != nil {
		return err
	}
	o.wlID = wlID
	w.emitLocked(remote.OutputEvent{Kind: remote.OutputAdded, ID: remote.OutputID(o.global)})

	if o.source == nameFromXdgOutput {
		o.xdgID = w.conn.newObject(func(m Message) { w.onXdgOutput(o, m) })
		req := newRequest(w.xdgManager, xdgOutputManagerGetXdgOutput).uint(o.xdgID).uint(o.wlID)
		if err := w.conn.send(req); err != nil {
			return err
		}
	}
	return nil
}

func (w *watcher) onOutput(o *watchedOutput, m Message) {
	switch m.Opcode {
	case outputName:
		if o.source == nameFromOutput {
			w.resolve(o, m.decoder().string())
		}
	case outputDone:
		if o.source == nameFromID {
			w.resolve(o, remote.OutputID(o.global).String())
		}
	}
}

func (w *watcher) onXdgOutput(o *watchedOutput, m Message) {
	if m.Opcode == xdgOutputName {
		w.resolve(o, m.decoder().string())
	}
}

func (w *watcher) resolve(o *watchedOutput, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if o.named || name == "" {
		return
	}
	if _, ok := w.outputs[o.global]; !ok {
		return
	}
	o.named = true
	w.emitLocked(remote.OutputEvent{Kind: remote.OutputNamed, ID: remote.OutputID(o.global), Name: name})
}

func (w *watcher) emit(ev remote.OutputEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emitLocked(ev)
}

func (w *watcher) emitLocked(ev remote.OutputEvent) {
	w.queue = append(w.queue, ev)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// pump forwards queued events so the read goroutine never blocks on a slow consumer
func (w *watcher) pump() {
	defer close(w.pumpDone)
	defer close(w.events)

	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, ev := range batch {
			select {
			case w.events <- ev:
			case <-w.stop:
				return
			}
		}

		select {
		case <-w.wake:
		case <-w.stop:
			return
		case <-w.conn.Done():
			w.mu.Lock()
			pending := len(w.queue)
			w.mu.Unlock()
			if pending > 0 {
				continue
			}
			w.log.Warn().Err(w.conn.Err()).Msg("Output watcher connection lost")
			w.stopped()
			return
		}
	}
}

func (w *watcher) stopped() {
	w.stoppedOnce.Do(func() {
		w.mu.Lock()
		fn := w.onStopped
		w.mu.Unlock()
		if fn != nil {
			fn(w)
		}
	})
}

// Events implements remote.OutputWatcher
func (w *watcher) Events() <-chan remote.OutputEvent {
	return w.events
}

// Close implements remote.OutputWatcher
func (w *watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
		w.conn.Close()
		<-w.pumpDone
		w.stopped()
	})
	return nil
}
