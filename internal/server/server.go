// Package server provides the HTTP API for Miru.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/index"
)

// Server is the HTTP server for the Miru API.
type Server struct {
	manager  *index.Manager
	embedder embedding.Embedder
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	manager *index.Manager,
	embedder embedding.Embedder,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		manager:  manager,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Handler returns the fully configured route handler. Exposed so tests can
// serve the API without binding a port.
func (s *Server) Handler() http.Handler {
	return s.router()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Post("/api/search/visual", s.handleVisualSearch)
	r.Post("/api/index/rebuild", s.handleRebuild)
	r.Get("/api/index/status", s.handleStatus)
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleRoot)
	return r
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
