package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"
)

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Uptime     int64                      `json:"uptime"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth holds health details for a single dependency.
type ComponentHealth struct {
	Status    string  `json:"status"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Details   string  `json:"details,omitempty"`
}

// handleHealth serves GET /health with per-component dependency health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]ComponentHealth{
		"sqlite": s.checkSQLiteHealth(ctx),
		"redis":  s.checkRedisHealth(ctx),
		"kafka":  s.checkKafkaHealth(ctx),
	}

	overall := "ok"
	httpStatus := http.StatusOK
	for _, c := range components {
		if c.Status == "degraded" && overall == "ok" {
			overall = "degraded"
		}
		if c.Status == "unhealthy" {
			overall = "error"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	respondJSON(w, httpStatus, HealthResponse{
		Status:     overall,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Uptime:     int64(time.Since(s.startTime).Seconds()),
		Version:    s.version,
		Components: components,
	})
}

func (s *Server) checkSQLiteHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:    "unhealthy",
			LatencyMs: float64(time.Since(start).Milliseconds()),
			Details:   fmt.Sprintf("ping failed: %v", err),
		}
	}
	return ComponentHealth{Status: "healthy", LatencyMs: float64(time.Since(start).Milliseconds())}
}

func (s *Server) checkRedisHealth(ctx context.Context) ComponentHealth {
	if s.redis == nil {
		return ComponentHealth{Status: "disabled"}
	}
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return ComponentHealth{
			Status:    "unhealthy",
			LatencyMs: float64(time.Since(start).Milliseconds()),
			Details:   fmt.Sprintf("ping failed: %v", err),
		}
	}
	return ComponentHealth{Status: "healthy", LatencyMs: float64(time.Since(start).Milliseconds())}
}

// checkKafkaHealth dials the first broker. Kafka carries only best-effort
// enrichment traffic, so failure degrades rather than fails the service.
func (s *Server) checkKafkaHealth(ctx context.Context) ComponentHealth {
	if len(s.config.Kafka.Brokers) == 0 {
		return ComponentHealth{Status: "disabled"}
	}
	start := time.Now()
	conn, err := kafka.DialContext(ctx, "tcp", s.config.Kafka.Brokers[0])
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return ComponentHealth{
			Status:    "degraded",
			LatencyMs: latency,
			Details:   fmt.Sprintf("dial failed: %v", err),
		}
	}
	conn.Close()
	return ComponentHealth{Status: "healthy", LatencyMs: latency}
}

// handleLiveness serves GET /health/live, a simple alive check.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness serves GET /health/ready. SQLite is the hard requirement; redis
// outage degrades (runs cannot start but inspection still works); kafka is
// never checked here because enrichment is best-effort.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "database unavailable",
		})
		return
	}

	status := "ready"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			status = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": status})
}
