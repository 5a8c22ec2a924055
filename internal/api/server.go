package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dental-clinic-os/receiptcheck/internal/check"
	"github.com/dental-clinic-os/receiptcheck/internal/domain"
	"github.com/dental-clinic-os/receiptcheck/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Deps holds the components the API reads from and drives.
type Deps struct {
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Checks  *check.Manager
	Rules   *rules.Loader
	Version string
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORS(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no clinic required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Route("/", func(r chi.Router) {
		r.Use(ClinicMiddleware)

		// Checking session
		r.Get("/checks", handler.ListResults)
		r.Post("/checks/load", handler.Load)
		r.Post("/checks/run", handler.RunAll)
		r.Post("/checks/recheck", handler.RecheckAll)
		r.Get("/checks/export.xlsx", handler.Export)
		r.Get("/checks/claims/{id}", handler.GetResult)
		r.Post("/checks/claims/{id}/recheck", handler.RecheckOne)

		// Rule snapshot
		r.Get("/rules", handler.ListRules)
		r.Post("/rules/reload", handler.ReloadRules)
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
