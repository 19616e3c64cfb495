// Package api exposes the operational HTTP surface: run control, citation
// and content inspection, health probes and the live run-metrics websocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/models"
	"github.com/patchscout/patchscout/internal/storage"
)

// RunCoordinator is the run-control surface the API drives.
type RunCoordinator interface {
	StartRun(ctx context.Context, patchHandle string) (run *models.DiscoveryRun, started bool, err error)
	GetRun(ctx context.Context, id string) (*models.DiscoveryRun, error)
}

// Server is the patchscout HTTP API server.
type Server struct {
	router    *http.ServeMux
	store     *storage.Store
	coord     RunCoordinator
	redis     *redis.Client
	config    *config.Config
	logger    zerolog.Logger
	startTime time.Time
	runHub    *RunHub
	version   string
}

// NewServer creates and configures an API server. redis may be nil in tests;
// the readiness probe then skips it. hub may be nil, in which case the server
// creates and runs its own.
func NewServer(store *storage.Store, coord RunCoordinator, redisClient *redis.Client,
	cfg *config.Config, hub *RunHub, logger zerolog.Logger) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		store:     store,
		coord:     coord,
		redis:     redisClient,
		config:    cfg,
		logger:    logger.With().Str("component", "api").Logger(),
		startTime: time.Now(),
		version:   "1.0.0",
	}

	s.runHub = hub
	if s.runHub == nil {
		s.runHub = NewRunHub(s.logger)
		go s.runHub.Run()
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all REST endpoints.
func (s *Server) setupRoutes() {
	// Health (no /api prefix)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /health/live", s.handleLiveness)
	s.router.HandleFunc("GET /health/ready", s.handleReadiness)

	// Run control and inspection
	s.router.HandleFunc("POST /api/runs", s.handleStartRun)
	s.router.HandleFunc("GET /api/runs/{id}", s.handleGetRun)

	// Patch inspection
	s.router.HandleFunc("GET /api/patches/{handle}/citations", s.handleListCitations)
	s.router.HandleFunc("GET /api/patches/{handle}/content", s.handleListContent)
	s.router.HandleFunc("GET /api/patches/{handle}/runs", s.handleListRuns)

	// WebSocket
	s.router.HandleFunc("/ws/runs", s.WebSocketRuns)
}

// Handler returns the full middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router

	// Innermost first.
	h = MetricsMiddleware(h)
	h = CORSMiddleware(h)
	h = RecoveryMiddleware(s.logger, h)
	h = RequestIDMiddleware(h)
	h = LoggerMiddleware(s.logger, h)

	return h
}

// ListenAndServe builds the http.Server for the configured port.
func (s *Server) ListenAndServe(addr string) *http.Server {
	if addr == "" {
		addr = fmt.Sprintf(":%d", s.config.API.Port)
	}
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Hub returns the run-metrics hub so the coordinator can broadcast into it.
func (s *Server) Hub() *RunHub {
	return s.runHub
}

// Shutdown releases API-owned resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	if s.runHub != nil {
		s.runHub.Stop()
	}
	return nil
}
