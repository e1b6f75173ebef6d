// Package api serves the ledgerguard HTTP interface.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/api/middleware"
	"github.com/hed1ad/ledgerguard/pkg/config"
	"github.com/hed1ad/ledgerguard/pkg/evaluator"
	"github.com/hed1ad/ledgerguard/pkg/intake"
	"github.com/hed1ad/ledgerguard/pkg/metrics"
	"github.com/hed1ad/ledgerguard/pkg/repository"
	"github.com/hed1ad/ledgerguard/pkg/retrain"
)

// Dependencies are the engine components the server exposes.
type Dependencies struct {
	Evaluator    *evaluator.Evaluator
	Intake       *intake.Intake
	Orchestrator *retrain.Orchestrator
	Postings     repository.PostingRepository
	Metrics      *metrics.Metrics
	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
	// Authorizer guards retrain and backfill; nil means the admin tokens from config.
	Authorizer middleware.Authorizer
}

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *Handlers
	healthCheck  *HealthCheck
	errorHandler *ErrorHandler
	authorizer   middleware.Authorizer
	gatherer     prometheus.Gatherer
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	errorHandler := NewErrorHandler(logger)
	handlers := NewHandlers(deps, errorHandler, cfg.Retrain.Timeout, logger)
	healthCheck := NewHealthCheck(deps.Orchestrator.Store())

	authorizer := deps.Authorizer
	if authorizer == nil {
		authorizer = middleware.NewTokenAuthorizer(cfg.Auth.AdminTokens)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		authorizer:   authorizer,
		gatherer:     deps.Gatherer,
		metrics:      deps.Metrics,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	chain := middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.metrics),
	)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Scoring and intake, rate limited when enabled
	public := v1.NewRoute().Subrouter()
	if s.cfg.Server.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(
			s.cfg.Server.RateLimit.RequestsPerSecond,
			s.cfg.Server.RateLimit.Burst,
			s.logger,
		)
		public.Use(limiter.Limit)
	}
	public.HandleFunc("/evaluate", s.handlers.Evaluate).Methods(http.MethodPost)
	public.HandleFunc("/postings", s.handlers.CreatePosting).Methods(http.MethodPost)
	public.HandleFunc("/models", s.handlers.ListModels).Methods(http.MethodGet)
	public.HandleFunc("/models/{tenant_id}", s.handlers.GetModel).Methods(http.MethodGet)

	// Privileged operations
	admin := v1.NewRoute().Subrouter()
	admin.Use(middleware.RequireAuthorization(s.authorizer, s.logger))
	admin.HandleFunc("/retrain", s.handlers.Retrain).Methods(http.MethodPost)
	admin.HandleFunc("/backfill", s.handlers.Backfill).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, ErrorCodeNotFound, "endpoint not found", r.Header.Get(middleware.RequestIDHeader))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed", r.Header.Get(middleware.RequestIDHeader))
	})
}

// SetReady marks the server ready once the model store has been initialised.
func (s *Server) SetReady(ready bool) {
	s.healthCheck.SetReady(ready)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler for testing purposes.
func (s *Server) Handler() http.Handler {
	return s.router
}
