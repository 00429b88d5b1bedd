package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/config"
	"github.com/bryanchriswhite/OutputStreamer/internal/frame"
	"github.com/bryanchriswhite/OutputStreamer/internal/output"
	"github.com/bryanchriswhite/OutputStreamer/internal/remote/remotetest"
	"github.com/bryanchriswhite/OutputStreamer/internal/source"
	"github.com/gorilla/websocket"
)

func xrgb(w, h uint32) frame.Metadata {
	return frame.Metadata{Format: frame.FormatXRGB8888, Width: w, Height: h, Stride: w * 4}
}

func newTestSource(t *testing.T, b *remotetest.Backend) *source.Source {
	t.Helper()
	opts := source.DefaultOptions()
	opts.SyncTimeout = time.Second
	src, err := source.New(b, source.Settings{}, opts)
	if err != nil {
		t.Fatalf("source.New() = %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func newTestServer(t *testing.T, opts Options) (*Server, *remotetest.Backend, *source.Source) {
	t.Helper()
	b := remotetest.New()
	b.AddOutput(1, "DP-1", xrgb(16, 8))
	b.AddOutput(2, "HDMI-A-1", xrgb(16, 8))
	src := newTestSource(t, b)
	return NewServer(src, opts), b, src
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetOutputs(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/outputs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/outputs = %d", rec.Code)
	}

	var outputs []source.Output
	if err := json.NewDecoder(rec.Body).Decode(&outputs); err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 2 || outputs[0].Name != "DP-1" {
		t.Errorf("outputs = %+v, want DP-1 and HDMI-A-1", outputs)
	}
}

func TestGetProperties(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/properties", nil)
	var props []source.Property
	if err := json.NewDecoder(rec.Body).Decode(&props); err != nil {
		t.Fatal(err)
	}
	if len(props) != 1 || props[0].Key != source.SettingOutput {
		t.Fatalf("properties = %+v", props)
	}
	if strings.Join(props[0].Items, ",") != "DP-1,HDMI-A-1" {
		t.Errorf("items = %v", props[0].Items)
	}
}

// TestUpdateSource validates PUT /api/source persists and applies the selection.
//
// Contract:
//   - the name is written to the config "output" key
//   - the source switches to the output asynchronously
//   - malformed bodies are rejected
func TestUpdateSource(t *testing.T) {
	mgr, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	s, _, src := newTestServer(t, Options{Config: mgr})
	h := s.Handler()

	rec := do(t, h, http.MethodPut, "/api/source", []byte(`{"output":"HDMI-A-1"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /api/source = %d: %s", rec.Code, rec.Body)
	}
	if got := mgr.GetOutput(); got != "HDMI-A-1" {
		t.Errorf("persisted output = %q, want HDMI-A-1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := src.Stats()
		if st.OutputName == "HDMI-A-1" && st.Coordinator.State == source.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("source did not switch: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = do(t, h, http.MethodGet, "/api/source", nil)
	var state SourceState
	if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if state.Settings.Output != "HDMI-A-1" || state.Stats.Backend != "fake" {
		t.Errorf("GET /api/source = %+v", state)
	}

	if rec := do(t, h, http.MethodPut, "/api/source", []byte(`{`)); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed PUT = %d, want 400", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/health", nil)
	var health map[string]string
	json.NewDecoder(rec.Body).Decode(&health)
	if health["status"] != "healthy" || health["version"] != Version {
		t.Errorf("health = %v", health)
	}

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "outputstreamer_") {
		t.Errorf("GET /metrics = %d, missing outputstreamer metrics", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/api/source", nil)
	req.Header.Set("Origin", "http://example.test")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Errorf("no Access-Control-Allow-Origin on preflight (status %d)", rec.Code)
	}
}

func TestPreviewRoutes(t *testing.T) {
	mjpeg := output.NewMJPEGOutput(output.Config{FPS: 10})
	mjpeg.Start()
	defer mjpeg.Stop()

	s, _, _ := newTestServer(t, Options{MJPEG: mjpeg})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/", nil)
	if !strings.Contains(rec.Body.String(), "/api/properties") {
		t.Error("viewer page does not load the output list")
	}
	if rec := do(t, h, http.MethodGet, "/snapshot.jpg", nil); rec.Code != http.StatusNotFound {
		t.Errorf("snapshot before any frame = %d, want 404", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/host", nil)
	var status map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&status)
	if _, ok := status["mjpeg"]; !ok {
		t.Errorf("host status = %v, want mjpeg stats", status)
	}
}

// TestOutputStream validates websocket clients get the list, then changes.
func TestOutputStream(t *testing.T) {
	s, b, _ := newTestServer(t, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/outputs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var initial []source.Output
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("initial list: %v", err)
	}
	if len(initial) != 2 {
		t.Fatalf("initial list = %+v, want 2 outputs", initial)
	}

	b.RemoveOutput(2)
	for {
		var list []source.Output
		if err := conn.ReadJSON(&list); err != nil {
			t.Fatalf("waiting for removal: %v", err)
		}
		if len(list) == 1 && list[0].Name == "DP-1" {
			return
		}
	}
}
