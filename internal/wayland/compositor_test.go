package wayland

import (
	"net"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

const (
	testReadySeconds = 1700000000
	testReadyNanos   = 5
	testFill         = 0x5a
)

// fakeCompositor is an in-process Wayland server implementing the subset of
// requests the client sends.
type fakeCompositor struct {
	t    *testing.T
	ln   *net.UnixListener
	path string

	mu                sync.Mutex
	outputs           map[uint32]string
	screencopyVersion uint32
	xdg               bool
	outputVersion     uint32
	failCopies        bool
	yInvert           bool
	width, height     uint32
	clients           map[*fakeClient]struct{}
	wg                sync.WaitGroup
}

func newFakeCompositor(t *testing.T) *fakeCompositor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wayland-test")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	c := &fakeCompositor{
		t:                 t,
		ln:                ln,
		path:              path,
		outputs:           make(map[uint32]string),
		screencopyVersion: 3,
		xdg:               true,
		outputVersion:     4,
		width:             64,
		height:            32,
		clients:           make(map[*fakeClient]struct{}),
	}
	c.wg.Add(1)
	go c.accept()
	t.Cleanup(c.close)
	return c
}

// set changes the compositor's behaviour for later requests
func (c *fakeCompositor) set(fn func(c *fakeCompositor)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *fakeCompositor) addOutput(global uint32, name string) {
	c.mu.Lock()
	c.outputs[global] = name
	clients := c.clientsLocked()
	c.mu.Unlock()

	for _, cl := range clients {
		cl.announce(global, ifaceOutput)
	}
}

func (c *fakeCompositor) removeOutput(global uint32) {
	c.mu.Lock()
	delete(c.outputs, global)
	clients := c.clientsLocked()
	c.mu.Unlock()

	for _, cl := range clients {
		cl.withdraw(global)
	}
}

// protocolError sends wl_display.error to every client
func (c *fakeCompositor) protocolError(code uint32, msg string) {
	c.mu.Lock()
	clients := c.clientsLocked()
	c.mu.Unlock()

	for _, cl := range clients {
		cl.send(newRequest(displayID, displayError).uint(displayID).uint(code).string(msg))
	}
}

func (c *fakeCompositor) clientsLocked() []*fakeClient {
	list := make([]*fakeClient, 0, len(c.clients))
	for cl := range c.clients {
		list = append(list, cl)
	}
	return list
}

func (c *fakeCompositor) accept() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.AcceptUnix()
		if err != nil {
			return
		}
		cl := &fakeClient{
			c:       c,
			conn:    conn,
			objects: make(map[uint32]string),
			outputs: make(map[uint32]uint32),
			frames:  make(map[uint32]uint32),
			pools:   make(map[uint32]fakePool),
			buffers: make(map[uint32]fakeBuffer),
		}
		c.mu.Lock()
		c.clients[cl] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go cl.serve()
	}
}

func (c *fakeCompositor) close() {
	c.ln.Close()
	c.mu.Lock()
	for cl := range c.clients {
		cl.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

type fakePool struct {
	fd   int
	size int
}

type fakeBuffer struct {
	fd                    int
	size                  int
	width, height, stride uint32
}

type fakeClient struct {
	c    *fakeCompositor
	conn *net.UnixConn
	wmu  sync.Mutex

	mu         sync.Mutex
	registries []uint32

	// owned by serve
	objects map[uint32]string
	outputs map[uint32]uint32
	frames  map[uint32]uint32
	pools   map[uint32]fakePool
	buffers map[uint32]fakeBuffer
	fds     []int
}

func (cl *fakeClient) send(e *encoder) {
	cl.wmu.Lock()
	defer cl.wmu.Unlock()
	cl.conn.Write(e.bytes())
}

func (cl *fakeClient) deleteID(id uint32) {
	cl.send(newRequest(displayID, displayDeleteID).uint(id))
}

func (cl *fakeClient) announce(global uint32, iface string) {
	cl.mu.Lock()
	registries := append([]uint32{}, cl.registries...)
	cl.mu.Unlock()

	for _, reg := range registries {
		cl.sendGlobal(reg, global, iface)
	}
}

func (cl *fakeClient) withdraw(global uint32) {
	cl.mu.Lock()
	registries := append([]uint32{}, cl.registries...)
	cl.mu.Unlock()

	for _, reg := range registries {
		cl.send(newRequest(reg, registryGlobalRemove).uint(global))
	}
}

func (cl *fakeClient) sendGlobal(registry, global uint32, iface string) {
	cl.c.mu.Lock()
	var version uint32
	switch iface {
	case ifaceShm:
		version = 1
	case ifaceScreencopyManager:
		version = cl.c.screencopyVersion
	case ifaceXdgOutputManager:
		version = 3
	case ifaceOutput:
		version = cl.c.outputVersion
	}
	cl.c.mu.Unlock()
	cl.send(newRequest(registry, registryGlobal).uint(global).string(iface).uint(version))
}

func (cl *fakeClient) serve() {
	defer cl.c.wg.Done()
	defer func() {
		for _, fd := range cl.fds {
			unix.Close(fd)
		}
		for _, p := range cl.pools {
			unix.Close(p.fd)
		}
		for _, b := range cl.buffers {
			unix.Close(b.fd)
		}
		cl.c.mu.Lock()
		delete(cl.c.clients, cl)
		cl.c.mu.Unlock()
	}()

	var pending []byte
	chunk := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(28*4))

	for {
		n, oobn, _, _, err := cl.conn.ReadMsgUnix(chunk, oob)
		if oobn > 0 {
			msgs, _ := unix.ParseSocketControlMessage(oob[:oobn])
			for i := range msgs {
				fds, _ := unix.ParseUnixRights(&msgs[i])
				cl.fds = append(cl.fds, fds...)
			}
		}
		if err != nil || n == 0 {
			return
		}

		pending = append(pending, chunk[:n]...)
		for len(pending) >= headerSize {
			object, opcode, size := parseHeader(pending)
			if len(pending) < size {
				break
			}
			args := append([]byte{}, pending[headerSize:size]...)
			pending = pending[size:]
			cl.request(Message{Object: object, Opcode: opcode, Args: args})
		}
	}
}

func (cl *fakeClient) takeFD() int {
	if len(cl.fds) == 0 {
		return -1
	}
	fd := cl.fds[0]
	cl.fds = cl.fds[1:]
	return fd
}

func (cl *fakeClient) request(m Message) {
	d := m.decoder()

	if m.Object == displayID {
		switch m.Opcode {
		case displaySync:
			cb := d.uint()
			cl.send(newRequest(cb, callbackDone).uint(0))
			cl.deleteID(cb)
		case displayGetRegistry:
			reg := d.uint()
			cl.mu.Lock()
			cl.registries = append(cl.registries, reg)
			cl.mu.Unlock()

			cl.c.mu.Lock()
			screencopy, xdg := cl.c.screencopyVersion > 0, cl.c.xdg
			cl.c.mu.Unlock()

			cl.sendGlobal(reg, 1, ifaceShm)
			if screencopy {
				cl.sendGlobal(reg, 2, ifaceScreencopyManager)
			}
			if xdg {
				cl.sendGlobal(reg, 3, ifaceXdgOutputManager)
			}
			cl.c.mu.Lock()
			globals := make([]uint32, 0, len(cl.c.outputs))
			for g := range cl.c.outputs {
				globals = append(globals, g)
			}
			cl.c.mu.Unlock()
			for _, g := range globals {
				cl.sendGlobal(reg, g, ifaceOutput)
			}
		}
		return
	}

	switch cl.objects[m.Object] {
	case "":
		// registry
		if m.Opcode != registryBind {
			return
		}
		global, iface, version, id := d.uint(), d.string(), d.uint(), d.uint()
		cl.objects[id] = iface
		if iface == ifaceOutput {
			cl.outputs[id] = global
			cl.c.mu.Lock()
			name := cl.c.outputs[global]
			xdg := cl.c.xdg
			cl.c.mu.Unlock()
			if version >= 4 && !xdg {
				cl.send(newRequest(id, outputName).string(name))
			}
			cl.send(newRequest(id, outputDone))
		}

	case ifaceXdgOutputManager:
		if m.Opcode != xdgOutputManagerGetXdgOutput {
			return
		}
		id, output := d.uint(), d.uint()
		cl.objects[id] = "zxdg_output_v1"
		cl.c.mu.Lock()
		name := cl.c.outputs[cl.outputs[output]]
		cl.c.mu.Unlock()
		cl.send(newRequest(id, xdgOutputName).string(name))

	case ifaceShm:
		if m.Opcode != shmCreatePool {
			return
		}
		id, size := d.uint(), d.int()
		cl.objects[id] = "wl_shm_pool"
		cl.pools[id] = fakePool{fd: cl.takeFD(), size: int(size)}

	case "wl_shm_pool":
		switch m.Opcode {
		case shmPoolCreateBuffer:
			id, _, w, h, stride, _ := d.uint(), d.int(), d.uint(), d.uint(), d.uint(), d.uint()
			pool := cl.pools[m.Object]
			fd, _ := unix.Dup(pool.fd)
			cl.objects[id] = "wl_buffer"
			cl.buffers[id] = fakeBuffer{fd: fd, size: pool.size, width: w, height: h, stride: stride}
		case shmPoolDestroy:
			unix.Close(cl.pools[m.Object].fd)
			delete(cl.pools, m.Object)
			delete(cl.objects, m.Object)
			cl.deleteID(m.Object)
		}

	case "wl_buffer":
		if m.Opcode == bufferDestroy {
			unix.Close(cl.buffers[m.Object].fd)
			delete(cl.buffers, m.Object)
			delete(cl.objects, m.Object)
			cl.deleteID(m.Object)
		}

	case ifaceScreencopyManager:
		if m.Opcode != screencopyCaptureOutput {
			return
		}
		id, _, output := d.uint(), d.int(), d.uint()
		cl.objects[id] = "zwlr_screencopy_frame_v1"
		cl.frames[id] = output

		cl.c.mu.Lock()
		w, h, version := cl.c.width, cl.c.height, cl.c.screencopyVersion
		_, present := cl.c.outputs[cl.outputs[output]]
		cl.c.mu.Unlock()

		if !present {
			cl.send(newRequest(id, frameFailed))
			return
		}
		if version >= 3 {
			// An unsupported format first to exercise the selection
			cl.send(newRequest(id, frameBuffer).uint(0x36314752).uint(w).uint(h).uint(w * 2))
		}
		cl.send(newRequest(id, frameBuffer).uint(1).uint(w).uint(h).uint(w * 4))
		if version >= 3 {
			cl.send(newRequest(id, frameBufferDone))
		}

	case "zwlr_screencopy_frame_v1":
		switch m.Opcode {
		case screencopyFrameCopy:
			buf := cl.buffers[d.uint()]
			cl.c.mu.Lock()
			fail, yInvert := cl.c.failCopies, cl.c.yInvert
			cl.c.mu.Unlock()

			if fail {
				cl.send(newRequest(m.Object, frameFailed))
				return
			}
			data, err := unix.Mmap(buf.fd, 0, buf.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				cl.send(newRequest(m.Object, frameFailed))
				return
			}
			for i := 0; i < int(buf.height*buf.stride); i++ {
				data[i] = testFill
			}
			unix.Munmap(data)

			flags := uint32(0)
			if yInvert {
				flags = frameFlagYInvert
			}
			cl.send(newRequest(m.Object, frameFlags).uint(flags))
			cl.send(newRequest(m.Object, frameReady).uint(0).uint(testReadySeconds).uint(testReadyNanos))
		case screencopyFrameDestroy:
			delete(cl.frames, m.Object)
			delete(cl.objects, m.Object)
			cl.deleteID(m.Object)
		}
	}
}
