// Package httpserver exposes the REST API for image generation, user
// provisioning, credit queries, and weekly reports.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pixelforge/pixelforge/internal/health"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/metrics"
	"github.com/pixelforge/pixelforge/internal/orchestrator"
	"github.com/pixelforge/pixelforge/internal/ratelimit"
	"github.com/pixelforge/pixelforge/internal/report"
)

// Server wires the orchestrator, ledger store, and report aggregator behind
// chi routes.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	store        ledger.Store
	aggregator   *report.Aggregator
	checker      *health.Checker
	limiter      *ratelimit.Limiter

	initialCredits int64
	metricsEnabled bool

	logger   *log.Logger
	logLevel string
}

// Options carries the optional server collaborators.
type Options struct {
	Checker        *health.Checker
	Limiter        *ratelimit.Limiter
	InitialCredits int64
	MetricsEnabled bool
}

// New constructs a Server with the required dependencies.
func New(o *orchestrator.Orchestrator, store ledger.Store, aggregator *report.Aggregator, opts Options) *Server {
	if opts.InitialCredits <= 0 {
		opts.InitialCredits = 50
	}
	return &Server{
		orchestrator:   o,
		store:          store,
		aggregator:     aggregator,
		checker:        opts.Checker,
		limiter:        opts.Limiter,
		initialCredits: opts.InitialCredits,
		metricsEnabled: opts.MetricsEnabled,
		logger:         log.New(log.Writer(), "[http] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (s *Server) SetLogger(logger *log.Logger, level string) {
	if logger != nil {
		s.logger = logger
	}
	if level != "" {
		s.logLevel = strings.ToLower(strings.TrimSpace(level))
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metricsEnabled {
		r.Use(metrics.Middleware)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Post("/generations", s.handleCreateGeneration)
		api.Get("/generations/{requestID}", s.handleGetGeneration)
		api.Post("/users", s.handleCreateUser)
		api.Get("/users/{userID}/credits", s.handleCredits)
		api.Post("/reports/weekly", s.handleRunWeeklyReport)
		api.Get("/reports/weekly", s.handleGetWeeklyReport)
	})

	r.Get("/health", s.handleHealth)
	if s.metricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	return r
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}
