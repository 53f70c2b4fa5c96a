package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phishing-support/pipeline/internal/bus"
	"github.com/phishing-support/pipeline/internal/config"
	"github.com/phishing-support/pipeline/internal/ids"
	"github.com/phishing-support/pipeline/internal/pipeline"
	"github.com/phishing-support/pipeline/internal/store"
)

// Runner starts pipelines for newly accepted submissions. Satisfied by
// *pipeline.Orchestrator.
type Runner interface {
	RunWebsite(ctx context.Context, url string, opts pipeline.RunOptions) (int64, error)
	RunEmail(ctx context.Context, eml []byte, opts pipeline.RunOptions) (int64, error)
}

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
	router  *chi.Mux

	store  *store.Store
	bus    bus.Bus
	ids    *ids.Generator
	runner Runner
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, st *store.Store, b bus.Bus, gen *ids.Generator, runner Runner) *Server {
	s := &Server{
		config: cfg,
		store:  st,
		bus:    b,
		ids:    gen,
		runner: runner,
	}
	s.router = s.setupRoutes()
	s.handler = s.router
	return s
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// WriteTimeout is disabled: the SSE stream stays open for the
		// lifetime of a pipeline run.
		ReadTimeout:       2 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
