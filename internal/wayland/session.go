package wayland

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/bryanchriswhite/OutputStreamer/internal/shm"
	"github.com/rs/zerolog"
)

type global struct {
	name    uint32
	version uint32
}

type sessionOutput struct {
	global
	wlID uint32
	gone chan struct{}
}

// session is the connection one capture thread owns
type session struct {
	conn     *Conn
	registry uint32

	mu                sync.Mutex
	globals           map[string]global
	outputs           map[remote.OutputID]*sessionOutput
	shm               uint32
	screencopy        uint32
	screencopyVersion uint32
	closed            bool

	log *zerolog.Logger
}

// connectSession dials and binds wl_shm and the screencopy manager
func connectSession(display string, timeout time.Duration) (*session, error) {
	conn, err := Dial(display)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}

	s := &session{
		conn:    conn,
		globals: make(map[string]global),
		outputs: make(map[remote.OutputID]*sessionOutput),
		log:     logger.WithComponent("wayland"),
	}

	registry, err := conn.Registry(s.onRegistry)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}
	s.registry = registry

	if err := conn.Roundtrip(timeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}

	if err := s.bindManagers(); err != nil {
		conn.Close()
		return nil, err
	}

	// Surface a protocol error from a bad bind now rather than on first capture
	if err := conn.Roundtrip(timeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", remote.ErrNegotiate, err)
	}
	return s, nil
}

func (s *session) bindManagers() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shmGlobal, ok := s.globals[ifaceShm]
	if !ok {
		return fmt.Errorf("%w: compositor does not advertise %s", remote.ErrNegotiate, ifaceShm)
	}
	scGlobal, ok := s.globals[ifaceScreencopyManager]
	if !ok {
		return fmt.Errorf("%w: compositor does not advertise %s", remote.ErrNegotiate, ifaceScreencopyManager)
	}

	var err error
	if s.shm, err = s.conn.bind(s.registry, shmGlobal.name, ifaceShm, 1, nil); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}

	s.screencopyVersion = min(scGlobal.version, maxScreencopyVersion)
	if s.screencopy, err = s.conn.bind(s.registry, scGlobal.name, ifaceScreencopyManager, s.screencopyVersion, nil); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrConnect, err)
	}
	return nil
}

func (s *session) onRegistry(m Message) {
	d := m.decoder()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Opcode {
	case registryGlobal:
		name, iface, version := d.uint(), d.string(), d.uint()
		if d.err != nil {
			return
		}
		if iface == ifaceOutput {
			s.outputs[remote.OutputID(name)] = &sessionOutput{
				global: global{name: name, version: version},
				gone:   make(chan struct{}),
			}
			return
		}
		if _, seen := s.globals[iface]; !seen {
			s.globals[iface] = global{name: name, version: version}
		}

	case registryGlobalRemove:
		id := remote.OutputID(d.uint())
		if o, ok := s.outputs[id]; ok {
			delete(s.outputs, id)
			close(o.gone)
		}
	}
}

// Capture implements remote.Session
func (s *session) Capture(output remote.OutputID, overlayCursor bool) (remote.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, remote.ErrClosed
	}
	if err := s.conn.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrClosed, err)
	}

	o, ok := s.outputs[output]
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", output, remote.ErrOutputGone)
	}
	if o.wlID == 0 {
		// Version 1 is enough to name the output in capture requests
		id, err := s.conn.bind(s.registry, o.name, ifaceOutput, 1, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrClosed, err)
		}
		o.wlID = id
	}

	cursor := int32(0)
	if overlayCursor {
		cursor = 1
	}

	e := &exchange{
		s:       s,
		output:  output,
		version: s.screencopyVersion,
		gone:    o.gone,
		events:  make(chan Message, 32),
	}
	e.id = s.conn.newObject(nil)
	s.conn.handle(e.id, e.onEvent)

	req := newRequest(s.screencopy, screencopyCaptureOutput).uint(e.id).int(cursor).uint(o.wlID)
	if err := s.conn.send(req); err != nil {
		s.conn.forget(e.id)
		return nil, fmt.Errorf("%w: %v", remote.ErrClosed, err)
	}
	return e, nil
}

// Bind implements remote.Session. The segment is shared through a one-buffer pool
// that is destroyed right away; the buffer keeps the memory referenced.
func (s *session) Bind(seg *shm.Segment, meta frame.Metadata) (remote.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, remote.ErrClosed
	}
	if seg.Size() < meta.Size() {
		return nil, fmt.Errorf("segment of %d bytes cannot hold %s", seg.Size(), meta)
	}
	fd := seg.FD()
	if fd < 0 {
		return nil, shm.ErrClosed
	}

	pool := s.conn.newObject(nil)
	req := newRequest(s.shm, shmCreatePool).uint(pool).fd(fd).int(int32(seg.Size()))
	if err := s.conn.send(req); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrClosed, err)
	}

	buffer := s.conn.newObject(nil)
	req = newRequest(pool, shmPoolCreateBuffer).
		uint(buffer).
		int(0).
		int(int32(meta.Width)).
		int(int32(meta.Height)).
		int(int32(meta.Stride)).
		uint(uint32(meta.Format))
	if err := s.conn.send(req); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrClosed, err)
	}
	if err := s.conn.send(newRequest(pool, shmPoolDestroy)); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrClosed, err)
	}

	s.log.Debug().Uint32("buffer", buffer).Stringer("meta", meta).Msg("Buffer registered")
	return &binding{conn: s.conn, id: buffer, meta: meta}, nil
}

// Close implements remote.Session
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.conn.Close()
}

type binding struct {
	conn *Conn
	id   uint32
	meta frame.Metadata
	once sync.Once
}

func (b *binding) Metadata() frame.Metadata {
	return b.meta
}

func (b *binding) Release() error {
	var err error
	b.once.Do(func() {
		if b.conn.Err() != nil {
			return
		}
		err = b.conn.send(newRequest(b.id, bufferDestroy))
	})
	return err
}

// exchange is one zwlr_screencopy_frame_v1
type exchange struct {
	s       *session
	id      uint32
	output  remote.OutputID
	version uint32
	gone    <-chan struct{}
	events  chan Message

	buffers  []frame.Metadata
	proposed bool
	yInvert  bool
	once     sync.Once
}

func (e *exchange) onEvent(m Message) {
	select {
	case e.events <- m:
	default:
		e.s.log.Warn().Uint16("opcode", m.Opcode).Msg("Screencopy event dropped")
	}
}

// Next implements remote.Exchange
func (e *exchange) Next(timeout time.Duration) (remote.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case m := <-e.events:
			if ev, ok := e.handle(m); ok {
				return ev, nil
			}
		case <-e.gone:
			return remote.Event{Kind: remote.EventFailed, Err: remote.ErrOutputGone}, nil
		case <-e.s.conn.Done():
			return remote.Event{}, fmt.Errorf("%w: %v", remote.ErrClosed, e.s.conn.Err())
		case <-timer.C:
			return remote.Event{}, remote.ErrTimeout
		}
	}
}

// handle folds one frame event into the exchange and reports whether it completes a step
func (e *exchange) handle(m Message) (remote.Event, bool) {
	d := m.decoder()

	switch m.Opcode {
	case frameBuffer:
		meta := frame.Metadata{
			Format: frame.Format(d.uint()),
			Width:  d.uint(),
			Height: d.uint(),
			Stride: d.uint(),
		}
		if d.err != nil || e.proposed {
			return remote.Event{}, false
		}
		if e.version < 3 {
			e.proposed = true
			return remote.Event{Kind: remote.EventProposal, Metadata: meta}, true
		}
		e.buffers = append(e.buffers, meta)

	case frameBufferDone:
		if e.proposed {
			return remote.Event{}, false
		}
		e.proposed = true
		if len(e.buffers) == 0 {
			// Only dmabuf was offered
			return remote.Event{Kind: remote.EventFailed, Err: fmt.Errorf("%w: no shared memory buffer offered", remote.ErrCaptureFailed)}, true
		}
		pick := e.buffers[0]
		for _, meta := range e.buffers {
			if meta.Format.Supported() {
				pick = meta
				break
			}
		}
		return remote.Event{Kind: remote.EventProposal, Metadata: pick}, true

	case frameFlags:
		e.yInvert = d.uint()&frameFlagYInvert != 0

	case frameReady:
		hi, lo, nsec := d.uint(), d.uint(), d.uint()
		ts := time.Unix(int64(uint64(hi)<<32|uint64(lo)), int64(nsec))
		return remote.Event{Kind: remote.EventCompleted, Timestamp: ts, YInverted: e.yInvert}, true

	case frameFailed:
		return remote.Event{Kind: remote.EventFailed, Err: remote.ErrCaptureFailed}, true
	}
	return remote.Event{}, false
}

// Copy implements remote.Exchange
func (e *exchange) Copy(b remote.Binding) error {
	bd, ok := b.(*binding)
	if !ok || bd.conn != e.s.conn {
		return fmt.Errorf("binding %T does not belong to this connection", b)
	}
	if err := e.s.conn.send(newRequest(e.id, screencopyFrameCopy).uint(bd.id)); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrClosed, err)
	}
	return nil
}

// Close implements remote.Exchange
func (e *exchange) Close() error {
	var err error
	e.once.Do(func() {
		e.s.conn.forget(e.id)
		if e.s.conn.Err() != nil {
			return
		}
		err = e.s.conn.send(newRequest(e.id, screencopyFrameDestroy))
	})
	return err
}
