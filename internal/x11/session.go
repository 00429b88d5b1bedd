package x11

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote"
	"github.com/bryanchriswhite/OutputStreamer/internal/shm"
	"github.com/rs/zerolog"
)

// formatRGB565 is proposed for 16-bit roots so the pipeline rejects it explicitly
const formatRGB565 frame.Format = 0x36314752

type session struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	cursor bool

	mu     sync.Mutex
	closed bool

	log *zerolog.Logger
}

func connectSession(display string) (*session, error) {
	conn, screen, err := dial(display)
	if err != nil {
		return nil, err
	}

	s := &session{
		conn:   conn,
		screen: screen,
		log:    logger.WithComponent("x11"),
	}

	if err := xfixes.Init(conn); err != nil {
		s.log.Debug().Err(err).Msg("XFixes unavailable, cursor will not be drawn")
	} else if _, err := xfixes.QueryVersion(conn, 4, 0).Reply(); err != nil {
		s.log.Debug().Err(err).Msg("XFixes version query failed, cursor will not be drawn")
	} else {
		s.cursor = true
	}
	return s, nil
}

func (s *session) proposal(o crtcOutput) frame.Metadata {
	format := frame.FormatXRGB8888
	bpp := uint32(4)
	if depth := s.screen.RootDepth; depth != 24 && depth != 32 {
		format = formatRGB565
		bpp = 2
	}
	return frame.Metadata{
		Format: format,
		Width:  uint32(o.width),
		Height: uint32(o.height),
		Stride: uint32(o.width) * bpp,
	}
}

// Capture implements remote.Session. The output's geometry is read now so the
// proposal matches what GetImage will return.
func (s *session) Capture(output remote.OutputID, overlayCursor bool) (remote.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, remote.ErrClosed
	}

	res, err := randr.GetScreenResourcesCurrent(s.conn, s.screen.Root).Reply()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrClosed, err)
	}
	o, ok, err := describe(s.conn, randr.Output(output), res.ConfigTimestamp)
	if err != nil {
		// BadOutput once the server has forgotten it
		return nil, fmt.Errorf("capture %s: %w: %v", output, remote.ErrOutputGone, err)
	}
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", output, remote.ErrOutputGone)
	}

	return &exchange{
		s:      s,
		output: o,
		meta:   s.proposal(o),
		cursor: overlayCursor && s.cursor,
	}, nil
}

// Bind implements remote.Session. X has no notion of the segment; the binding
// keeps it mapped so copies can land in it.
func (s *session) Bind(seg *shm.Segment, meta frame.Metadata) (remote.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, remote.ErrClosed
	}
	if seg.Size() < meta.Size() {
		return nil, fmt.Errorf("segment of %d bytes cannot hold %s", seg.Size(), meta)
	}

	data, err := seg.Map(true)
	if err != nil {
		return nil, fmt.Errorf("failed to map segment: %w", err)
	}
	return &binding{data: data, meta: meta}, nil
}

// Close implements remote.Session
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.conn.Close()
	return nil
}

type binding struct {
	mu   sync.Mutex
	data []byte
	meta frame.Metadata
}

func (b *binding) Metadata() frame.Metadata {
	return b.meta
}

func (b *binding) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return nil
	}
	err := shm.Unmap(b.data)
	b.data = nil
	return err
}

type exchange struct {
	s        *session
	output   crtcOutput
	meta     frame.Metadata
	cursor   bool
	proposed bool
	target   *binding
}

// Next implements remote.Exchange. X replies are synchronous, so the copy
// happens here and timeout is not used.
func (e *exchange) Next(timeout time.Duration) (remote.Event, error) {
	if !e.proposed {
		e.proposed = true
		return remote.Event{Kind: remote.EventProposal, Metadata: e.meta}, nil
	}
	if e.target == nil {
		return remote.Event{}, errors.New("no copy submitted")
	}

	e.s.mu.Lock()
	closed := e.s.closed
	e.s.mu.Unlock()
	if closed {
		return remote.Event{}, remote.ErrClosed
	}

	reply, err := xproto.GetImage(
		e.s.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(e.s.screen.Root),
		e.output.x, e.output.y,
		e.output.width, e.output.height,
		0xffffffff,
	).Reply()
	if err != nil {
		return remote.Event{Kind: remote.EventFailed, Err: fmt.Errorf("failed to get image: %w", err)}, nil
	}

	e.target.mu.Lock()
	defer e.target.mu.Unlock()
	if e.target.data == nil {
		return remote.Event{}, fmt.Errorf("%w: binding released", remote.ErrClosed)
	}

	copyRows(e.target.data, int(e.meta.Stride), reply.Data, int(e.meta.Height))

	if e.cursor && e.meta.Format == frame.FormatXRGB8888 {
		if cur, err := xfixes.GetCursorImage(e.s.conn).Reply(); err == nil {
			compositeCursor(e.target.data, int(e.meta.Stride), int(e.meta.Width), int(e.meta.Height), cursorImage{
				x:      int(cur.X) - int(cur.Xhot) - int(e.output.x),
				y:      int(cur.Y) - int(cur.Yhot) - int(e.output.y),
				width:  int(cur.Width),
				height: int(cur.Height),
				pixels: cur.CursorImage,
			})
		} else {
			e.s.log.Debug().Err(err).Msg("Failed to read cursor image")
		}
	}

	return remote.Event{Kind: remote.EventCompleted, Timestamp: time.Now()}, nil
}

// Copy implements remote.Exchange
func (e *exchange) Copy(b remote.Binding) error {
	bd, ok := b.(*binding)
	if !ok {
		return fmt.Errorf("foreign binding %T", b)
	}
	e.target = bd
	return nil
}

// Close implements remote.Exchange
func (e *exchange) Close() error {
	return nil
}

// copyRows copies an image of rows scanlines into dst, where the source
// scanline length is derived from its size
func copyRows(dst []byte, dstStride int, src []byte, rows int) {
	if rows == 0 {
		return
	}
	srcStride := len(src) / rows
	n := min(srcStride, dstStride)
	for y := 0; y < rows; y++ {
		d := y * dstStride
		s := y * srcStride
		if d+n > len(dst) || s+n > len(src) {
			return
		}
		copy(dst[d:d+n], src[s:s+n])
	}
}
