package wayland

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ErrDisconnected means the compositor connection is gone
var ErrDisconnected = errors.New("wayland connection closed")

// handler receives the events addressed to one object. It runs on the read
// goroutine and must not block.
type handler func(Message)

// Conn is one client connection. Requests may be sent from any goroutine;
// events are dispatched from a single read goroutine.
type Conn struct {
	sock *net.UnixConn

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[uint32]handler
	nextID   uint32
	freeIDs  []uint32
	err      error

	done      chan struct{}
	closeOnce sync.Once
	log       *zerolog.Logger
}

// SocketPath resolves a display name the way libwayland does: absolute names are
// used as is, others live under XDG_RUNTIME_DIR. An empty name falls back to
// WAYLAND_DISPLAY, then wayland-0.
func SocketPath(name string) (string, error) {
	if name == "" {
		name = os.Getenv("WAYLAND_DISPLAY")
	}
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}

	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR is not set, cannot locate %s", name)
	}
	return filepath.Join(dir, name), nil
}

// Dial connects to the named display
func Dial(name string) (*Conn, error) {
	path, err := SocketPath(name)
	if err != nil {
		return nil, err
	}

	sock, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", path, err)
	}
	return newConn(sock), nil
}

func newConn(sock *net.UnixConn) *Conn {
	c := &Conn{
		sock:     sock,
		handlers: make(map[uint32]handler),
		nextID:   displayID + 1,
		done:     make(chan struct{}),
		log:      logger.WithComponent("wayland"),
	}
	go c.readLoop()
	return c
}

// Done is closed when the read goroutine exits
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection stopped, or nil while it is up
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// newObject allocates a client-side id and registers its handler
func (c *Conn) newObject(h handler) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id uint32
	if n := len(c.freeIDs); n > 0 {
		id = c.freeIDs[n-1]
		c.freeIDs = c.freeIDs[:n-1]
	} else {
		id = c.nextID
		c.nextID++
	}
	if h != nil {
		c.handlers[id] = h
	}
	return id
}

// handle replaces the handler of id
func (c *Conn) handle(id uint32, h handler) {
	c.mu.Lock()
	c.handlers[id] = h
	c.mu.Unlock()
}

// forget stops dispatching to id. The id is recycled once the compositor
// acknowledges the destruction with delete_id.
func (c *Conn) forget(id uint32) {
	c.mu.Lock()
	delete(c.handlers, id)
	c.mu.Unlock()
}

func (c *Conn) send(e *encoder) error {
	if err := c.Err(); err != nil {
		return err
	}

	var oob []byte
	if len(e.fds) > 0 {
		oob = unix.UnixRights(e.fds...)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, _, err := c.sock.WriteMsgUnix(e.bytes(), oob, nil); err != nil {
		err = fmt.Errorf("%w: %v", ErrDisconnected, err)
		c.fail(err)
		return err
	}
	return nil
}

// Registry sends wl_display.get_registry with h receiving the registry events
func (c *Conn) Registry(h handler) (uint32, error) {
	id := c.newObject(h)
	if err := c.send(newRequest(displayID, displayGetRegistry).uint(id)); err != nil {
		return 0, err
	}
	return id, nil
}

// Sync asks the compositor to call fn after every request sent so far has been processed
func (c *Conn) Sync(fn func()) error {
	id := c.newObject(nil)
	c.handle(id, func(m Message) {
		if m.Opcode == callbackDone {
			c.forget(id)
			fn()
		}
	})
	return c.send(newRequest(displayID, displaySync).uint(id))
}

// Roundtrip blocks until the compositor has processed every request sent so far,
// and every event it sent in response has been dispatched.
func (c *Conn) Roundtrip(timeout time.Duration) error {
	ack := make(chan struct{})
	if err := c.Sync(func() { close(ack) }); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ack:
		return nil
	case <-c.done:
		return c.Err()
	case <-timer.C:
		return fmt.Errorf("roundtrip not acknowledged within %s", timeout)
	}
}

// bind sends wl_registry.bind for a global
func (c *Conn) bind(registry, name uint32, iface string, version uint32, h handler) (uint32, error) {
	id := c.newObject(h)
	req := newRequest(registry, registryBind).
		uint(name).
		string(iface).
		uint(version).
		uint(id)
	if err := c.send(req); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)

	var (
		pending []byte
		chunk   = make([]byte, 4096)
		oob     = make([]byte, unix.CmsgSpace(28*4))
	)

	for {
		n, oobn, _, _, err := c.sock.ReadMsgUnix(chunk, oob)
		if oobn > 0 {
			c.closeReceivedFDs(oob[:oobn])
		}
		if err != nil || n == 0 {
			if err == nil {
				err = errors.New("compositor hung up")
			}
			c.fail(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}

		pending = append(pending, chunk[:n]...)
		for len(pending) >= headerSize {
			object, opcode, size := parseHeader(pending)
			if size < headerSize || size%4 != 0 {
				c.fail(fmt.Errorf("%w: bad size %d", ErrMalformed, size))
				return
			}
			if len(pending) < size {
				break
			}

			args := make([]byte, size-headerSize)
			copy(args, pending[headerSize:size])
			pending = pending[size:]

			if !c.dispatch(Message{Object: object, Opcode: opcode, Args: args}) {
				return
			}
		}
	}
}

// closeReceivedFDs closes descriptors the compositor attached. None of the
// events this client handles carries one.
func (c *Conn) closeReceivedFDs(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.Close(fd)
		}
	}
}

// dispatch routes one event and returns false when the connection must stop
func (c *Conn) dispatch(m Message) bool {
	if m.Object == displayID {
		d := m.decoder()
		switch m.Opcode {
		case displayError:
			perr := &ProtocolError{Object: d.uint(), Code: d.uint(), Message: d.string()}
			c.log.Error().Err(perr).Msg("Compositor reported a protocol error")
			c.fail(perr)
			return false
		case displayDeleteID:
			id := d.uint()
			c.mu.Lock()
			delete(c.handlers, id)
			c.freeIDs = append(c.freeIDs, id)
			c.mu.Unlock()
		}
		return true
	}

	c.mu.Lock()
	h := c.handlers[m.Object]
	c.mu.Unlock()

	if h == nil {
		c.log.Trace().Uint32("object", m.Object).Uint16("opcode", m.Opcode).Msg("Event for unknown object dropped")
		return true
	}
	h(m)
	return true
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.sock.Close()
}

// Close tears the connection down and waits for the read goroutine
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.fail(ErrDisconnected)
	})
	<-c.done
	return nil
}
