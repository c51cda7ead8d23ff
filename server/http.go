// Package server exposes the offline core over HTTP: record CRUD routed
// through the sync queue, cache-first reads, and operational endpoints for
// health, stats, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	offline "github.com/Desmondshah/AnimeMuseAI-sub007"
	"github.com/Desmondshah/AnimeMuseAI-sub007/store"
	"github.com/Desmondshah/AnimeMuseAI-sub007/syncq"
	"github.com/Desmondshah/AnimeMuseAI-sub007/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Manager is the offline core the server fronts. Required.
	Manager *offline.Manager

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server fronting the offline core.
type Server struct {
	config     Config
	manager    *offline.Manager
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("server: Manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:  cfg,
		manager: cfg.Manager,
		logger:  cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Cache and queue stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Record CRUD, routed through the sync queue
	mux.HandleFunc("GET /collections/{collection}/records", s.handleGetAll)
	mux.HandleFunc("GET /collections/{collection}/records/{id}", s.handleGet)
	mux.HandleFunc("POST /collections/{collection}/records", s.handleCreate)
	mux.HandleFunc("PUT /collections/{collection}/records/{id}", s.handlePut)
	mux.HandleFunc("DELETE /collections/{collection}/records/{id}", s.handleDelete)

	// Manual flush trigger, for operators watching a reconnect
	mux.HandleFunc("POST /flush", s.handleFlush)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache and queue statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.manager.Stats()); err != nil {
		s.logger.Warn("failed to encode stats", "error", err)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	rec, err := s.manager.Get(r.Context(), collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeRecord(w, rec)
}

func (s *Server) handleGetAll(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	records, err := s.manager.GetAll(r.Context(), collection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.logger.Warn("failed to encode records", "error", err)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	var rec store.Record
	if err := json.NewDecoder(io.LimitReader(r.Body, store.MaxPayloadSize)).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	opts := syncq.Options{Immediate: r.URL.Query().Get("sync") == "immediate"}
	if err := s.manager.Create(r.Context(), collection, rec, opts); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		s.logger.Warn("failed to encode record", "error", err)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	payload, err := io.ReadAll(io.LimitReader(r.Body, store.MaxPayloadSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if int64(len(payload)) > store.MaxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(payload) {
		http.Error(w, "payload must be valid JSON", http.StatusBadRequest)
		return
	}

	rec := store.Record{ID: id, Payload: payload}
	opts := syncq.Options{Immediate: r.URL.Query().Get("sync") == "immediate"}

	if err := s.manager.Update(r.Context(), collection, rec, opts); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeRecord(w, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	opts := syncq.Options{Immediate: r.URL.Query().Get("sync") == "immediate"}
	if err := s.manager.Delete(r.Context(), collection, id, opts); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	applied, requeued := s.manager.Flush(r.Context())

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"applied":%d,"requeued":%d}`, applied, requeued)
}

func writeRecord(w http.ResponseWriter, rec store.Record) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		slog.Warn("failed to encode record", "error", err)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// Start starts the manager's background work and the HTTP listener.
func (s *Server) Start() error {
	if err := s.manager.Start(context.Background()); err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and the manager.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.manager.Stop()
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
