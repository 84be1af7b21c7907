package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, ledger domain.Ledger, evaluator *rules.Evaluator, reg *registry.Registry, processor *decision.Processor, version string) *Server {
	handler := NewHandler(repo, ledger, evaluator, reg, processor, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Proposal evaluation
		r.Post("/evaluate", handler.Evaluate)
		r.Post("/evaluate/preview", handler.EvaluatePreview)

		// Decision log retrieval
		r.Get("/decisions/{id}", handler.GetDecision)
		r.Get("/decisions", handler.ListDecisions)

		// Business rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Counterparty management
		r.Get("/counterparties", handler.ListCounterparties)
		r.Get("/counterparties/{id}", handler.GetCounterparty)
		r.Post("/counterparties", handler.CreateCounterparty)
		r.Put("/counterparties/{id}", handler.UpdateCounterparty)
		r.Post("/counterparties/reload", handler.ReloadCounterparties)

		// Orchestration rule management
		r.Get("/arrangements", handler.ListArrangements)
		r.Get("/arrangements/{id}", handler.GetArrangement)
		r.Post("/arrangements", handler.CreateArrangement)
		r.Put("/arrangements/{id}", handler.UpdateArrangement)
		r.Delete("/arrangements/{id}", handler.DeleteArrangement)
		r.Post("/arrangements/reload", handler.ReloadArrangements)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
