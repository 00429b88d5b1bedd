package x11

import (
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/rs/zerolog"
)

// watcher re-enumerates RandR outputs whenever the server reports a change
type watcher struct {
	conn    *xgb.Conn
	root    xproto.Window
	known   map[remote.OutputID]string
	events  chan remote.OutputEvent
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func(*watcher)
	log     *zerolog.Logger
}

func newWatcher(display string, onClose func(*watcher)) (*watcher, error) {
	conn, screen, err := dial(display)
	if err != nil {
		return nil, err
	}

	mask := uint16(randr.NotifyMaskScreenChange | randr.NotifyMaskCrtcChange | randr.NotifyMaskOutputChange)
	if err := randr.SelectInputChecked(conn, screen.Root, mask).Check(); err != nil {
		conn.Close()
		return nil, err
	}

	w := &watcher{
		conn:    conn,
		root:    screen.Root,
		known:   make(map[remote.OutputID]string),
		events:  make(chan remote.OutputEvent, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onClose: onClose,
		log:     logger.WithComponent("x11"),
	}
	go w.run()
	return w, nil
}

func (w *watcher) run() {
	defer close(w.done)
	defer close(w.events)

	// RandR names are synchronous, so the first pass is already complete
	if !w.refresh() {
		return
	}
	if !w.send(remote.OutputEvent{Kind: remote.OutputsSynced}) {
		return
	}

	for {
		ev, xerr := w.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			w.log.Debug().Msg("Output watcher connection closed")
			return
		}
		if xerr != nil {
			w.log.Debug().Str("error", xerr.Error()).Msg("X error on output watcher")
			continue
		}

		switch ev.(type) {
		case randr.ScreenChangeNotifyEvent, randr.NotifyEvent:
			if !w.refresh() {
				return
			}
		}
	}
}

// refresh diffs the current outputs against the last pass and reports the
// changes. It returns false once the watcher is stopping.
func (w *watcher) refresh() bool {
	current, err := enumerate(w.conn, w.root)
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to enumerate outputs")
		return true
	}

	for id := range w.known {
		if _, ok := current[id]; !ok {
			delete(w.known, id)
			if !w.send(remote.OutputEvent{Kind: remote.OutputRemoved, ID: id}) {
				return false
			}
		}
	}
	for id, o := range current {
		if _, ok := w.known[id]; ok {
			continue
		}
		w.known[id] = o.name
		if !w.send(remote.OutputEvent{Kind: remote.OutputAdded, ID: id}) {
			return false
		}
		if !w.send(remote.OutputEvent{Kind: remote.OutputNamed, ID: id, Name: o.name}) {
			return false
		}
	}
	return true
}

func (w *watcher) send(ev remote.OutputEvent) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.stop:
		return false
	}
}

// Events implements remote.OutputWatcher
func (w *watcher) Events() <-chan remote.OutputEvent {
	return w.events
}

// Close implements remote.OutputWatcher
func (w *watcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.conn.Close()
		<-w.done
		if w.onClose != nil {
			w.onClose(w)
		}
	})
	return nil
}
