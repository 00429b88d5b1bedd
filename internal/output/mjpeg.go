package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
)

// ErrNotRunning is returned when writing to a stopped output
var ErrNotRunning = errors.New("MJPEG output not running")

// MJPEGOutput streams presented frames as Motion JPEG over HTTP
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	// Latest encoded frame, sent to clients as soon as they connect
	frameMu    sync.RWMutex
	lastJPEG   []byte
	lastUpdate time.Time
	width      int
	height     int

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frameCount atomic.Uint64
	dropped    atomic.Uint64
	startTime  time.Time
}

// Stats describes the stream
type Stats struct {
	Running    bool    `json:"running"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	TargetFPS  int     `json:"target_fps"`
	ActualFPS  float64 `json:"actual_fps"`
	Frames     uint64  `json:"frames"`
	Dropped    uint64  `json:"dropped"`
	Clients    int     `json:"clients"`
	LastUpdate string  `json:"last_update,omitempty"`
	Uptime     string  `json:"uptime,omitempty"`
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.Quality < 1 || config.Quality > 100 {
		config.Quality = 80
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start initializes the MJPEG output. The HTTP handlers are mounted separately.
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount.Store(0)
	m.dropped.Store(0)

	logger.WithComponent("mjpeg").Info().
		Int("fps", m.config.FPS).
		Int("quality", m.config.Quality).
		Msg("Output started")
	return nil
}

// Stop cleanly shuts down the output and disconnects all clients
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().
		Uint64("frames", m.frameCount.Load()).
		Msg("Output stopped")
	return nil
}

// WriteFrame encodes the frame and sends it to every connected client. Slow
// clients skip frames.
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	if !m.IsRunning() {
		return ErrNotRunning
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.lastJPEG = jpegData
	m.lastUpdate = time.Now()
	m.width = frame.Bounds().Dx()
	m.height = frame.Bounds().Dy()
	m.frameMu.Unlock()

	m.frameCount.Add(1)

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			m.dropped.Add(1)
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Clients returns the number of connected stream clients
func (m *MJPEGOutput) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Stats returns a snapshot of the stream counters
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	running := m.running
	startTime := m.startTime
	m.mu.RUnlock()

	m.frameMu.RLock()
	lastUpdate := m.lastUpdate
	width, height := m.width, m.height
	m.frameMu.RUnlock()

	s := Stats{
		Running:   running,
		Width:     width,
		Height:    height,
		TargetFPS: m.config.FPS,
		Frames:    m.frameCount.Load(),
		Dropped:   m.dropped.Load(),
		Clients:   m.Clients(),
	}
	if running && !startTime.IsZero() {
		if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
			s.ActualFPS = float64(s.Frames) / elapsed
		}
		s.Uptime = time.Since(startTime).Round(time.Second).String()
	}
	if !lastUpdate.IsZero() {
		s.LastUpdate = time.Since(lastUpdate).Round(time.Millisecond).String()
	}
	return s
}

func (m *MJPEGOutput) subscribe() (chan []byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return nil, false
	}

	frameChan := make(chan []byte, 2)
	m.frameMu.RLock()
	if m.lastJPEG != nil {
		frameChan <- m.lastJPEG
	}
	m.frameMu.RUnlock()

	m.clientsMu.Lock()
	m.clients[frameChan] = struct{}{}
	m.clientsMu.Unlock()
	return frameChan, true
}

func (m *MJPEGOutput) unsubscribe(ch chan []byte) {
	m.clientsMu.Lock()
	delete(m.clients, ch)
	m.clientsMu.Unlock()
}

// GetHTTPHandler returns the multipart stream handler. Mount it at /stream.
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithComponent("mjpeg")

		frameChan, ok := m.subscribe()
		if !ok {
			http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}
		defer m.unsubscribe(frameChan)

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		log.Info().Int("clients", m.Clients()).Msg("Client connected")
		defer log.Info().Msg("Client disconnected")

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
					return
				}
				if _, err := w.Write(jpegData); err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

// GetSnapshotHandler serves the latest frame as a single JPEG
func (m *MJPEGOutput) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.frameMu.RLock()
		data := m.lastJPEG
		m.frameMu.RUnlock()

		if data == nil {
			http.Error(w, "no frame presented yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// GetStatsHandler returns stream statistics as JSON
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}

// GetViewerHandler returns a page showing the stream with an output picker
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>OutputStreamer</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            overflow: hidden;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
        }
        .picker {
            position: fixed;
            bottom: 16px;
            left: 16px;
            padding: 8px 14px;
            background: rgba(40, 40, 40, 0.9);
            color: #ccc;
            border: none;
            border-radius: 20px;
            font-family: system-ui, -apple-system, sans-serif;
            font-size: 13px;
            opacity: 0.3;
            transition: opacity 0.2s ease;
        }
        .picker:hover, .picker:focus { opacity: 1; }
    </style>
</head>
<body>
    <img src="/stream" alt="OutputStreamer Live Stream">
    <select class="picker" id="output"></select>
    <script>
        const picker = document.getElementById('output');

        function fill(items, selected) {
            picker.innerHTML = '';
            const auto = new Option('(first available)', '');
            picker.add(auto);
            for (const name of items) {
                picker.add(new Option(name, name, false, name === selected));
            }
        }

        Promise.all([
            fetch('/api/properties').then(r => r.json()),
            fetch('/api/source').then(r => r.json()),
        ]).then(([props, source]) => {
            const output = props.find(p => p.key === 'output');
            fill(output ? output.items : [], source.settings.output);
        }).catch(console.error);

        picker.addEventListener('change', () => {
            fetch('/api/source', {
                method: 'PUT',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify({ output: picker.value }),
            }).catch(console.error);
        });
    </script>
</body>
</html>`
