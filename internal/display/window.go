// Package display presents frames in a local X11 window.
package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
)

// Config sizes the preview window
type Config struct {
	// Display is the X display name; empty uses $DISPLAY
	Display string
	Width   int
	Height  int
	Title   string
}

// Window is an output.Output drawing into an X11 window. Frames are scaled to
// fit and letterboxed.
type Window struct {
	cfg Config

	mu      sync.Mutex
	conn    *xgb.Conn
	screen  *xproto.ScreenInfo
	window  xproto.Window
	gc      xproto.Gcontext
	format  pixmapFormat
	maxReq  int
	canvas  *image.RGBA
	running bool
}

type pixmapFormat struct {
	depth         byte
	bytesPerPixel int
	scanlinePad   int
}

// NewWindow creates an unstarted preview window
func NewWindow(cfg Config) *Window {
	if cfg.Width <= 0 {
		cfg.Width = 960
	}
	if cfg.Height <= 0 {
		cfg.Height = 540
	}
	if cfg.Title == "" {
		cfg.Title = "OutputStreamer Preview"
	}
	return &Window{cfg: cfg}
}

// Name returns the output type name
func (w *Window) Name() string {
	return "X11 Preview Window"
}

// IsRunning returns whether the window is mapped
func (w *Window) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start connects to the X server and maps the window
func (w *Window) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("display already running")
	}

	conn, err := xgb.NewConnDisplay(w.cfg.Display)
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	format, err := findFormat(setup, screen.RootDepth)
	if err != nil {
		conn.Close()
		return err
	}

	win, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window ID: %w", err)
	}

	err = xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		win,
		screen.Root,
		0, 0,
		uint16(w.cfg.Width), uint16(w.cfg.Height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		xproto.CwBackPixel|xproto.CwEventMask,
		[]uint32{0x000000, xproto.EventMaskExposure | xproto.EventMaskStructureNotify},
	).Check()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window: %w", err)
	}

	w.conn = conn
	w.screen = screen
	w.window = win
	w.format = format
	// MaximumRequestLength is in 4-byte units
	w.maxReq = int(setup.MaximumRequestLength) * 4

	log := logger.WithComponent("display")
	if err := w.setWindowTitle(w.cfg.Title); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := w.setWindowClass("outputstreamer", "OutputStreamer"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(conn, win).Check(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(conn, gc, xproto.Drawable(win), 0, nil).Check(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create GC: %w", err)
	}
	w.gc = gc
	go drain(conn)
	w.canvas = image.NewRGBA(image.Rect(0, 0, w.cfg.Width, w.cfg.Height))
	w.running = true

	log.Info().
		Int("width", w.cfg.Width).
		Int("height", w.cfg.Height).
		Uint32("window_id", uint32(win)).
		Msg("Preview window created")
	return nil
}

// Stop destroys the window and closes the connection
func (w *Window) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	xproto.FreeGC(w.conn, w.gc)
	xproto.DestroyWindow(w.conn, w.window)
	w.conn.Sync()
	w.conn.Close()

	logger.WithComponent("display").Info().Msg("Preview window closed")
	return nil
}

// WriteFrame scales the frame into the window
func (w *Window) WriteFrame(img *image.RGBA) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return fmt.Errorf("display not running")
	}

	letterbox(w.canvas, img)
	data, stride, err := toZPixmap(w.canvas, w.format)
	if err != nil {
		return err
	}

	h := w.canvas.Bounds().Dy()
	for _, b := range bands(h, stride, w.maxReq) {
		err := xproto.PutImageChecked(
			w.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(w.window),
			w.gc,
			uint16(w.cfg.Width), uint16(b[1]-b[0]),
			0, int16(b[0]),
			0,
			w.format.depth,
			data[b[0]*stride:b[1]*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// drain discards window events so the connection's event queue never fills
func drain(conn *xgb.Conn) {
	for {
		ev, err := conn.WaitForEvent()
		if ev == nil && err == nil {
			return
		}
	}
}

func findFormat(setup *xproto.SetupInfo, depth byte) (pixmapFormat, error) {
	for _, f := range setup.PixmapFormats {
		if f.Depth == depth {
			bpp := int(f.BitsPerPixel) / 8
			if bpp != 3 && bpp != 4 {
				return pixmapFormat{}, fmt.Errorf("unsupported bytes per pixel: %d", bpp)
			}
			return pixmapFormat{depth: depth, bytesPerPixel: bpp, scanlinePad: int(f.ScanlinePad) / 8}, nil
		}
	}
	return pixmapFormat{}, fmt.Errorf("no format found for depth %d", depth)
}

// letterbox scales src into dst with nearest-neighbour sampling, keeping the
// aspect ratio and filling the border black
func letterbox(dst, src *image.RGBA) {
	for i := range dst.Pix {
		if i%4 == 3 {
			dst.Pix[i] = 0xff
		} else {
			dst.Pix[i] = 0
		}
	}

	sb := src.Bounds()
	dw, dh := dst.Bounds().Dx(), dst.Bounds().Dy()
	sw, sh := sb.Dx(), sb.Dy()
	if sw == 0 || sh == 0 {
		return
	}

	// Fit by whichever axis is tighter
	tw, th := dw, sh*dw/sw
	if th > dh {
		tw, th = sw*dh/sh, dh
	}
	ox, oy := (dw-tw)/2, (dh-th)/2

	for y := 0; y < th; y++ {
		sy := sb.Min.Y + y*sh/th
		drow := dst.PixOffset(ox, oy+y)
		for x := 0; x < tw; x++ {
			si := src.PixOffset(sb.Min.X+x*sw/tw, sy)
			copy(dst.Pix[drow+x*4:drow+x*4+4], src.Pix[si:si+4])
		}
	}
}

// toZPixmap converts RGBA to the server's BGR(x) layout with padded scanlines
func toZPixmap(img *image.RGBA, f pixmapFormat) ([]byte, int, error) {
	if f.bytesPerPixel != 3 && f.bytesPerPixel != 4 {
		return nil, 0, fmt.Errorf("unsupported bytes per pixel: %d", f.bytesPerPixel)
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	pad := f.scanlinePad
	if pad <= 0 {
		pad = 1
	}
	stride := (width*f.bytesPerPixel + pad - 1) / pad * pad

	data := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		src := img.Pix[y*img.Stride:]
		dst := data[y*stride:]
		for x := 0; x < width; x++ {
			s := x * 4
			d := x * f.bytesPerPixel
			dst[d], dst[d+1], dst[d+2] = src[s+2], src[s+1], src[s]
			if f.bytesPerPixel == 4 && f.depth == 32 {
				dst[d+3] = src[s+3]
			}
		}
	}
	return data, stride, nil
}

// bands splits height rows into [start, end) ranges whose PutImage requests
// stay under maxReq bytes
func bands(height, stride, maxReq int) [][2]int {
	const putImageHeader = 24
	rows := 1
	if stride > 0 && maxReq > putImageHeader+stride {
		rows = (maxReq - putImageHeader) / stride
	}

	var out [][2]int
	for start := 0; start < height; start += rows {
		out = append(out, [2]int{start, min(start+rows, height)})
	}
	return out
}

func (w *Window) setWindowTitle(title string) error {
	titleAtom, err := w.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := w.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		w.conn,
		xproto.PropModeReplace,
		w.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (w *Window) setWindowClass(instance, class string) error {
	classAtom, err := w.getAtom("WM_CLASS")
	if err != nil {
		return err
	}

	// WM_CLASS format: instance\0class\0
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		w.conn,
		xproto.PropModeReplace,
		w.window,
		classAtom,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

func (w *Window) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(w.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
