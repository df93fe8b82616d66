// Package server provides the HTTP API over the plasma knowledge base.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/plasmahub/plasmarag/internal/config"
	"github.com/plasmahub/plasmarag/internal/extract"
	"github.com/plasmahub/plasmarag/internal/ingest"
	"github.com/plasmahub/plasmarag/internal/search"
	"github.com/plasmahub/plasmarag/internal/storage"
	"github.com/plasmahub/plasmarag/internal/vector"
)

// Server is the HTTP server for the knowledge base API.
type Server struct {
	coordinator *ingest.Coordinator
	retriever   *search.Retriever
	inference   *extract.Client // nil when no inference service is configured
	store       *storage.SQLiteStore
	paperIndex  *vector.FlatIndex
	forceIndex  *vector.FlatIndex
	config      *config.Config
	logger      *zap.Logger
	server      *http.Server
}

// NewServer creates a server with the given dependencies. inference may be
// nil; recommendation requests then answer 501.
func NewServer(
	coordinator *ingest.Coordinator,
	retriever *search.Retriever,
	inference *extract.Client,
	store *storage.SQLiteStore,
	paperIndex, forceIndex *vector.FlatIndex,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		coordinator: coordinator,
		retriever:   retriever,
		inference:   inference,
		store:       store,
		paperIndex:  paperIndex,
		forceIndex:  forceIndex,
		config:      cfg,
		logger:      logger,
	}
}

// Handler builds the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Post("/api/v1/papers", s.handleIngest)
	r.Get("/api/v1/papers", s.handleListPapers)
	r.Get("/api/v1/papers/{id}/figures", s.handleListFigures)
	r.Post("/api/v1/query", s.handleQuery)
	r.Post("/api/v1/recommend", s.handleRecommend)
	r.Get("/api/v1/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
