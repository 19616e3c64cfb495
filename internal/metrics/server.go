package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server exposes the Prometheus registry over HTTP.
type Server struct {
	server *http.Server
	port   int
	logger zerolog.Logger
}

// NewServer creates a new metrics server.
func NewServer(port int, logger zerolog.Logger) *Server {
	if port == 0 {
		port = 2112 // Default Prometheus metrics port
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return &Server{
		server: server,
		port:   port,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start starts the metrics server in a goroutine.
func (s *Server) Start() {
	s.logger.Info().Int("port", s.port).Msg("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down metrics server")
	return s.server.Shutdown(ctx)
}

// IsHealthy checks if the metrics server is responding.
func (s *Server) IsHealthy() bool {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/metrics", s.port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
