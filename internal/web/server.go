// Package web provides the HTTP server and handlers for the import API.
package web

import (
	"context"
	"net/http"

	"github.com/dkaplan/importd/internal/config"
	"github.com/dkaplan/importd/internal/events"
	"github.com/dkaplan/importd/internal/receiver"
	"github.com/dkaplan/importd/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP server for the import service.
type Server struct {
	store    store.Store
	receiver *receiver.Receiver
	bus      *events.Bus
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates a Server instance with routes and middleware configured.
func NewServer(st store.Store, rc *receiver.Receiver, bus *events.Bus, cfg *config.Config) *Server {
	s := &Server{
		store:    st,
		receiver: rc,
		bus:      bus,
		cfg:      cfg,
		router:   chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{importID}", s.handleGetJob)

		// Resumable upload: chunks via PUT/PATCH, offset probe via HEAD.
		r.Route("/jobs/{importID}/upload", func(r chi.Router) {
			r.Put("/", s.handleUpload)
			r.Patch("/", s.handleUpload)
			r.Head("/", s.handleUploadProbe)
		})
	})
}

// Handler returns the root http.Handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
