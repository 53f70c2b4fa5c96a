package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// CORS - the public frontend submits from its own origin
	allowed := []string{"http://localhost:5173", "http://localhost:3000"}
	if s.config.BaseURL != "" {
		allowed = append([]string{s.config.BaseURL}, allowed...)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/submissions", func(r chi.Router) {
			r.Post("/website", s.handleSubmitWebsite)
			r.Post("/email", s.handleSubmitEmail)
			r.Get("/", s.handleListSubmissions)
			r.Get("/{id}", s.handleGetSubmission)
		})
		r.Get("/artifacts/{id}", s.handleGetArtifact)
		r.Get("/stream/{id}", s.handleStream)
	})

	return r
}
