// Package wayland is a minimal Wayland client speaking just enough of the core
// protocol, xdg-output and wlr-screencopy to enumerate outputs and copy their
// contents into shared memory.
package wayland

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Interface names advertised by the registry
const (
	ifaceOutput            = "wl_output"
	ifaceShm               = "wl_shm"
	ifaceXdgOutputManager  = "zxdg_output_manager_v1"
	ifaceScreencopyManager = "zwlr_screencopy_manager_v1"
)

const displayID uint32 = 1

// Requests
const (
	displaySync        uint16 = 0
	displayGetRegistry uint16 = 1

	registryBind uint16 = 0

	outputRelease uint16 = 0 // v3

	shmCreatePool uint16 = 0

	shmPoolCreateBuffer uint16 = 0
	shmPoolDestroy      uint16 = 1

	bufferDestroy uint16 = 0

	xdgOutputManagerGetXdgOutput uint16 = 1

	xdgOutputDestroy uint16 = 0

	screencopyCaptureOutput uint16 = 0

	screencopyFrameCopy    uint16 = 0
	screencopyFrameDestroy uint16 = 1
)

// Events
const (
	displayError    uint16 = 0
	displayDeleteID uint16 = 1

	registryGlobal       uint16 = 0
	registryGlobalRemove uint16 = 1

	callbackDone uint16 = 0

	outputDone uint16 = 2
	outputName uint16 = 4 // v4

	xdgOutputName uint16 = 3 // v2

	frameBuffer      uint16 = 0
	frameFlags       uint16 = 1
	frameReady       uint16 = 2
	frameFailed      uint16 = 3
	frameLinuxDmabuf uint16 = 5 // v3
	frameBufferDone  uint16 = 6 // v3
)

// Highest versions this client understands
const (
	maxOutputVersion     = 4
	maxXdgOutputVersion  = 3
	maxScreencopyVersion = 3
)

const frameFlagYInvert = 1

const headerSize = 8

// ErrMalformed means a message could not be decoded
var ErrMalformed = errors.New("malformed wayland message")

// ProtocolError is a fatal error reported by the compositor
type ProtocolError struct {
	Object  uint32
	Code    uint32
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wayland protocol error on object %d (code %d): %s", e.Object, e.Code, e.Message)
}

// Message is one decoded event
type Message struct {
	Object uint32
	Opcode uint16
	Args   []byte
}

func (m Message) decoder() *decoder {
	return &decoder{buf: m.Args}
}

// encoder builds a request
type encoder struct {
	buf []byte
	fds []int
}

func newRequest(object uint32, opcode uint16) *encoder {
	e := &encoder{buf: make([]byte, headerSize, 64)}
	binary.NativeEndian.PutUint32(e.buf[0:4], object)
	binary.NativeEndian.PutUint32(e.buf[4:8], uint32(opcode))
	return e
}

func (e *encoder) uint(v uint32) *encoder {
	e.buf = binary.NativeEndian.AppendUint32(e.buf, v)
	return e
}

func (e *encoder) int(v int32) *encoder {
	return e.uint(uint32(v))
}

func (e *encoder) string(s string) *encoder {
	n := len(s) + 1
	e.uint(uint32(n))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	e.pad()
	return e
}

// fd is sent out of band and takes no space in the body
func (e *encoder) fd(fd int) *encoder {
	e.fds = append(e.fds, fd)
	return e
}

func (e *encoder) pad() {
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
}

// bytes finalizes the size field
func (e *encoder) bytes() []byte {
	word := binary.NativeEndian.Uint32(e.buf[4:8])
	binary.NativeEndian.PutUint32(e.buf[4:8], uint32(len(e.buf))<<16|word&0xffff)
	return e.buf
}

// decoder reads event arguments. The first error sticks.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uint() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 4 {
		d.err = fmt.Errorf("%w: truncated argument", ErrMalformed)
		return 0
	}
	v := binary.NativeEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) int() int32 {
	return int32(d.uint())
}

func (d *decoder) string() string {
	n := int(d.uint())
	if d.err != nil || n == 0 {
		return ""
	}
	padded := (n + 3) &^ 3
	if len(d.buf) < padded {
		d.err = fmt.Errorf("%w: string of %d bytes overruns message", ErrMalformed, n)
		return ""
	}
	s := string(d.buf[:n-1])
	d.buf = d.buf[padded:]
	return s
}

func (d *decoder) array() []byte {
	n := int(d.uint())
	if d.err != nil {
		return nil
	}
	padded := (n + 3) &^ 3
	if len(d.buf) < padded {
		d.err = fmt.Errorf("%w: array of %d bytes overruns message", ErrMalformed, n)
		return nil
	}
	a := d.buf[:n]
	d.buf = d.buf[padded:]
	return a
}

// parseHeader returns the object, opcode and total size of the message at the start of b
func parseHeader(b []byte) (object uint32, opcode uint16, size int) {
	object = binary.NativeEndian.Uint32(b[0:4])
	word := binary.NativeEndian.Uint32(b[4:8])
	return object, uint16(word & 0xffff), int(word >> 16)
}
