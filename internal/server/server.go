// Package server provides the HTTP ingress gateway for e-CF submissions.
//
// The server exposes the following API surface:
//
// # Documents
//
//   - POST /api/v1/documents/{type}            - Submit a document (requires Idempotency-Key)
//   - GET  /api/v1/documents/{trackID}/status  - Query the authority's processing status
//   - GET  /api/v1/documents/{trackID}/result  - Query the authority's final result
//   - GET  /api/v1/documents/{trackID}/tracking - Latest status seen by the poller
//
// # Lookups
//
//   - GET /api/v1/directory/{rnc}              - Taxpayer directory lookup
//   - GET /api/v1/summaries?desde=...&hasta=... - Consumer invoice summaries
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Readiness probe (checks storage backends)
//   - GET /metrics - Prometheus metrics (if enabled)
//
// # Idempotency
//
// Submissions carry an Idempotency-Key header. The server hashes a
// canonical form of the body (key-sorted compact JSON, or the raw XML) and
// replays the stored response for a repeated key and hash, marking it with
// Idempotent-Replay: true. The same key with a different body is rejected
// with 409 Conflict.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-ecf/internal/config"
	"github.com/sirosfoundation/go-ecf/internal/poller"
	"github.com/sirosfoundation/go-ecf/pkg/ecf"
	"github.com/sirosfoundation/go-ecf/pkg/idempotency"
	"github.com/sirosfoundation/go-ecf/pkg/normalize"
)

// Submitter submits documents and queries the authority. *ecf.Client
// implements it.
type Submitter interface {
	Submit(ctx context.Context, req *ecf.SubmissionRequest) (*ecf.Receipt, error)
	Status(ctx context.Context, trackID string) (*normalize.Result, error)
	Result(ctx context.Context, trackID string) (*normalize.Result, error)
	Directory(ctx context.Context, rnc string) (map[string]interface{}, error)
	Summary(ctx context.Context, from, to string) (map[string]interface{}, error)
}

// Tracker follows accepted submissions. *poller.Poller implements it.
type Tracker interface {
	Enqueue(trackID, documentType string) error
}

// StatusReader returns statuses recorded by the poller
type StatusReader interface {
	GetStatus(ctx context.Context, trackID string) (*poller.Status, error)
}

// Pinger is a readiness dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the server
type Deps struct {
	Client Submitter
	// Cache stores ingress responses. Defaults to an in-memory cache.
	Cache *idempotency.Cache
	// Tracker and Statuses are optional.
	Tracker  Tracker
	Statuses StatusReader
	// Checks are pinged by the readiness probe.
	Checks map[string]Pinger
}

// Server is the e-CF ingress HTTP server
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	httpSrv *http.Server
	handler http.Handler

	client   Submitter
	cache    *idempotency.Cache
	tracker  Tracker
	statuses StatusReader
	checks   map[string]Pinger
}

// New creates a new ingress server
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cache := deps.Cache
	if cache == nil {
		cache = idempotency.NewCache(idempotency.NewMemoryStore(), idempotency.Options{
			TTL:    cfg.Idempotency.TTL,
			Logger: logger,
		})
	}

	s := &Server{
		config:   cfg,
		logger:   logger.With("component", "server"),
		client:   deps.Client,
		cache:    cache,
		tracker:  deps.Tracker,
		statuses: deps.Statuses,
		checks:   deps.Checks,
	}

	// Set up HTTP routes
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.handler = middleware.RequestID(middleware.RealIP(s.withLogging(middleware.Recoverer(mux))))

	s.httpSrv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the root handler including middleware
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting server", "addr", addr, "tls", s.config.Server.TLS.Enabled)
	if s.config.Server.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	basePath := strings.TrimSuffix(s.config.Server.BasePath, "/")

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	if s.config.Metrics.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Metrics.Path, promhttp.Handler())
	}

	api := basePath + "/api/v1"

	// Documents
	mux.HandleFunc("POST "+api+"/documents/{type}", s.handleSubmit)
	mux.HandleFunc("GET "+api+"/documents/{trackID}/status", s.handleStatus)
	mux.HandleFunc("GET "+api+"/documents/{trackID}/result", s.handleResult)
	mux.HandleFunc("GET "+api+"/documents/{trackID}/tracking", s.handleTracking)

	// Lookups
	mux.HandleFunc("GET "+api+"/directory/{rnc}", s.handleDirectory)
	mux.HandleFunc("GET "+api+"/summaries", s.handleSummaries)
}

// Middleware

// withLogging logs each request once it completes
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.checks {
		if err := check.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			s.jsonError(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Helper functions

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, errorBody{Error: message}, status)
}
