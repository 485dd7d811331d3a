// Package api serves the HTTP endpoints for inspecting live streams: the
// active stream list, per-stream track metadata, ingest sessions and the
// Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/zsiec/adtsgroup/internal/ingest"
	"github.com/zsiec/adtsgroup/internal/pipeline"
	"github.com/zsiec/adtsgroup/internal/track"
)

// StreamInfo is the JSON summary of a stream returned by /api/streams.
type StreamInfo struct {
	Key    string               `json:"key"`
	Tracks int                  `json:"tracks"`
	Stats  pipeline.Stats       `json:"stats"`
	Ingest *ingest.SessionStats `json:"ingest,omitempty"`
}

// StreamLister returns the current list of active streams.
type StreamLister func() []StreamInfo

// TrackLookup returns the tracks of a stream, or false if the stream is
// unknown.
type TrackLookup func(key string) ([]track.Metadata, bool)

// Config wires the server to the rest of the application. Nil callbacks
// serve empty results.
type Config struct {
	Streams  StreamLister
	Tracks   TrackLookup
	Sessions func() []ingest.SessionStats
	Metrics  http.Handler
}

// Server serves the HTTP API.
type Server struct {
	log    *slog.Logger
	config Config
}

// NewServer creates a Server. If log is nil, slog.Default() is used.
func NewServer(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log.With("component", "api"), config: cfg}
}

// Handler returns the http.Handler for every API route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}/tracks", s.handleStreamTracks)
	mux.HandleFunc("GET /api/ingest", s.handleIngest)
	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics)
	}
	return corsMiddleware(mux)
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	resp := []StreamInfo{}
	if s.config.Streams != nil {
		if list := s.config.Streams(); list != nil {
			resp = list
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreamTracks(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if s.config.Tracks == nil {
		s.writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	tracks, ok := s.config.Tracks(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	if tracks == nil {
		tracks = []track.Metadata{}
	}
	s.writeJSON(w, http.StatusOK, tracks)
}

func (s *Server) handleIngest(w http.ResponseWriter, _ *http.Request) {
	resp := []ingest.SessionStats{}
	if s.config.Sessions != nil {
		resp = append(resp, s.config.Sessions()...)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
