// Package server exposes the analysis pipeline over HTTP. Analysis
// progress streams to the caller as newline-delimited JSON events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qaforge/qaforge/analysis"
	"github.com/qaforge/qaforge/storage"
)

// maxRequestBodySize limits POST body sizes. Source payloads are large
// by design, so the cap is generous.
const maxRequestBodySize = 32 << 20 // 32 MB

// analysesPrefix is the base path for analysis resources.
const analysesPrefix = "/api/analyses"

// OutcomeStore is the persistence surface the server needs. A nil store
// disables persistence and history lookups.
type OutcomeStore interface {
	analysis.OutcomeStore
	GetOutcome(ctx context.Context, id string) (*analysis.Outcome, error)
	ListOutcomes(ctx context.Context) ([]*analysis.Outcome, error)
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Server handles analysis API requests.
type Server struct {
	pipeline *analysis.Pipeline
	store    OutcomeStore
	logger   *slog.Logger
	registry *prometheus.Registry

	mu       sync.Mutex
	sessions map[string]*analysis.Session
}

// Option configures a Server.
type Option func(*Server)

// WithStore sets the outcome persistence backend.
func WithStore(store OutcomeStore) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry sets the prometheus registry served at /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// New creates a server over the given pipeline.
func New(pipeline *analysis.Pipeline, opts ...Option) *Server {
	s := &Server{
		pipeline: pipeline,
		logger:   slog.Default(),
		sessions: make(map[string]*analysis.Session),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RegisterHTTPHandlers registers all API handlers on mux:
//
//	POST <analysesPrefix>           start an analysis, stream NDJSON events
//	GET  <analysesPrefix>           list stored outcomes
//	GET  <analysesPrefix>/{id}      fetch one outcome or running status
//	POST <analysesPrefix>/{id}/cancel
//	GET  /healthz
//	GET  /metrics
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc(analysesPrefix, s.handleAnalyses)
	mux.HandleFunc(analysesPrefix+"/", s.handleAnalysisByID)
	mux.HandleFunc("/healthz", s.handleHealthz)

	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

// handleAnalyses dispatches the collection endpoint by method.
func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCreate starts an analysis and streams its events. The response
// is application/x-ndjson: one JSON event object per line, ending with
// exactly one terminal event. Closing the request aborts the analysis.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req analysis.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body: "+err.Error())
		return
	}

	var opts []analysis.SessionOption
	if s.store != nil {
		opts = append(opts, analysis.WithOutcomeStore(s.store))
	}
	opts = append(opts, analysis.WithSessionLogger(s.logger))

	session := analysis.NewSession(s.pipeline, req, opts...)

	events, err := session.Start(r.Context())
	if err != nil {
		if analysis.IsValidationError(err) {
			writeJSONError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		s.logger.Error("Failed to start analysis", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "start_failed", "Failed to start analysis")
		return
	}

	s.register(session)
	defer s.unregister(session.ID())

	s.logger.Info("Analysis started",
		"session", session.ID(),
		"files", len(req.Files))

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Analysis-ID", session.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := analysis.MarshalEvent(ev)
		if err != nil {
			s.logger.Error("Failed to encode event",
				"session", session.ID(),
				"kind", ev.Kind(),
				"error", err)
			continue
		}

		if _, err := w.Write(append(data, '\n')); err != nil {
			// Client went away; the request context cancels the session.
			s.logger.Debug("Client disconnected mid-stream", "session", session.ID())
			session.Cancel()
			break
		}
		flusher.Flush()
	}

	<-session.Done()
}

// handleList returns stored outcomes, most recent first.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []*analysis.Outcome{})
		return
	}

	outcomes, err := s.store.ListOutcomes(r.Context())
	if err != nil {
		s.logger.Error("Failed to list outcomes", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "list_failed", "Failed to list analyses")
		return
	}
	if outcomes == nil {
		outcomes = []*analysis.Outcome{}
	}

	writeJSON(w, http.StatusOK, outcomes)
}

// handleAnalysisByID dispatches /api/analyses/{id} and
// /api/analyses/{id}/cancel.
func (s *Server) handleAnalysisByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, analysesPrefix+"/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGet(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, id)
	case action == "":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

// runningStatus is the response for an analysis still in flight.
type runningStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleGet returns a stored outcome, or the running marker when the
// session has not finished yet.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if session := s.lookup(id); session != nil {
		select {
		case <-session.Done():
		default:
			writeJSON(w, http.StatusOK, runningStatus{ID: id, Status: "running"})
			return
		}
	}

	if s.store == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown analysis: "+id)
		return
	}

	outcome, err := s.store.GetOutcome(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "Unknown analysis: "+id)
			return
		}
		s.logger.Error("Failed to fetch outcome", "id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "get_failed", "Failed to fetch analysis")
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// handleCancel requests cooperative cancellation of a running analysis.
// The streaming response on the original request carries the cancelled
// terminal event; this endpoint only acknowledges the request.
func (s *Server) handleCancel(w http.ResponseWriter, id string) {
	session := s.lookup(id)
	if session == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "No running analysis: "+id)
		return
	}

	session.Cancel()
	s.logger.Info("Analysis cancellation requested", "session", id)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancelling",
	})
}

// handleHealthz reports liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) register(session *analysis.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID()] = session
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) lookup(id string) *analysis.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
