package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/OutputStreamer/internal/config"
	"github.com/bryanchriswhite/OutputStreamer/internal/host"
	"github.com/bryanchriswhite/OutputStreamer/internal/logger"
	"github.com/bryanchriswhite/OutputStreamer/internal/output"
	"github.com/bryanchriswhite/OutputStreamer/internal/source"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Options wires optional collaborators into the server
type Options struct {
	// Config persists selection changes; nil keeps them in memory only
	Config *config.Manager
	// MJPEG serves the preview stream and viewer
	MJPEG *output.MJPEGOutput
	// Host reports render loop counters
	Host *host.Runner
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	source   *source.Source
	opts     Options
	upgrader websocket.Upgrader
	http     *http.Server
	log      *zerolog.Logger
}

// SourceState is returned by GET /api/source
type SourceState struct {
	Settings source.Settings `json:"settings"`
	Stats    source.Stats    `json:"stats"`
}

// NewServer creates a new API server
func NewServer(src *source.Source, opts Options) *Server {
	s := &Server{
		router: mux.NewRouter(),
		source: src,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Outputs
	api.HandleFunc("/outputs", s.handleGetOutputs).Methods("GET")
	api.HandleFunc("/outputs/stream", s.handleOutputStream)
	api.HandleFunc("/properties", s.handleGetProperties).Methods("GET")

	// Source
	api.HandleFunc("/source", s.handleGetSource).Methods("GET")
	api.HandleFunc("/source", s.handleUpdateSource).Methods("PUT")

	api.HandleFunc("/host", s.handleHostStatus).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if m := s.opts.MJPEG; m != nil {
		s.router.HandleFunc("/stream", m.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/stream/stats", m.GetStatsHandler()).Methods("GET")
		s.router.HandleFunc("/snapshot.jpg", m.GetSnapshotHandler()).Methods("GET")
		s.router.HandleFunc("/", m.GetViewerHandler()).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS and access logging
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	return handlers.CombinedLoggingHandler(logger.WithComponent("http"), cors(s.router))
}

// Start serves on port until Shutdown is called
func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", port).Msg("Starting HTTP server")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers up to ctx
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleGetOutputs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Registry().Outputs())
}

func (s *Server) handleGetProperties(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Properties())
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SourceState{
		Settings: s.source.Settings(),
		Stats:    s.source.Stats(),
	})
}

// handleUpdateSource persists the selection and applies it. An output that is
// not present yet is accepted; capture starts when it appears.
func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var req source.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.opts.Config != nil {
		if err := s.opts.Config.SetOutput(req.Output); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	s.source.Update(req)

	s.log.Info().Str("output", req.Output).Msg("Selection updated")
	writeJSON(w, http.StatusOK, s.source.Settings())
}

func (s *Server) handleOutputStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	registry := s.source.Registry()
	updates := registry.Subscribe()
	defer registry.Unsubscribe(updates)

	if err := conn.WriteJSON(registry.Outputs()); err != nil {
		s.log.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	// The reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case list, ok := <-updates:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "source closed"))
				return
			}
			if err := conn.WriteJSON(list); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleHostStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"running": false,
	}
	if s.opts.Host != nil {
		status["running"] = s.opts.Host.IsRunning()
		status["loop"] = s.opts.Host.Stats()
	}
	if s.opts.MJPEG != nil {
		status["mjpeg"] = s.opts.MJPEG.Stats()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"state":   s.source.State().String(),
	})
}
