package api

import (
	"context"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patchscout/patchscout/internal/metrics"
)

// responseRecorder wraps http.ResponseWriter to capture the status code and
// response body size for logging and metrics.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	headerSent   bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.headerSent {
		rr.statusCode = code
		rr.headerSent = true
		rr.ResponseWriter.WriteHeader(code)
	}
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

type requestIDKey struct{}

// RequestIDMiddleware assigns every request an id, echoed in X-Request-ID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id stored by RequestIDMiddleware.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// logSampleRate returns the sampling rate for a given path. High-volume
// endpoints are sampled at a lower rate to reduce log volume.
func logSampleRate(path string) float64 {
	switch {
	case strings.HasPrefix(path, "/ws/"):
		return 0.01
	case path == "/health", path == "/health/live":
		return 0.01
	default:
		return 0.10
	}
}

// LoggerMiddleware logs every request with method, path, status, duration,
// request ID, and response size. Successful requests are sampled; errors are
// always logged.
func LoggerMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		reqID := GetRequestID(r.Context())

		if rec.statusCode >= 400 {
			logger.Error().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("ip", clientIP(r)).
				Int("status", rec.statusCode).
				Dur("duration", duration).
				Int("response_bytes", rec.bytesWritten).
				Str("request_id", reqID).
				Str("user_agent", r.UserAgent()).
				Msg("request")
		} else if rand.Float64() < logSampleRate(r.URL.Path) { //nolint:gosec
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("ip", clientIP(r)).
				Int("status", rec.statusCode).
				Dur("duration", duration).
				Int("response_bytes", rec.bytesWritten).
				Str("request_id", reqID).
				Msg("request")
		}
	})
}

// RecoveryMiddleware catches panics, logs a stack trace (not leaked to the
// client), and returns a standardised 500 error.
func RecoveryMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error().
					Interface("panic", err).
					Bytes("stack", debug.Stack()).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("ip", clientIP(r)).
					Str("request_id", GetRequestID(r.Context())).
					Msg("panic recovered")

				writeAPIError(w, r, http.StatusInternalServerError,
					"An unexpected error occurred", ErrCodeInternalError, "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware sets CORS headers and handles OPTIONS preflight.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MetricsMiddleware tracks request count and duration per endpoint.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)

		endpoint := normalizeEndpoint(r.URL.Path)
		metrics.APIRequestsTotal.WithLabelValues(endpoint, r.Method).Inc()
		metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// normalizeEndpoint collapses dynamic path segments for metric labels.
func normalizeEndpoint(path string) string {
	switch {
	case path == "/health", path == "/health/live", path == "/health/ready":
		return path
	case strings.HasPrefix(path, "/api/runs"):
		return "/api/runs"
	case strings.HasPrefix(path, "/api/patches/") && strings.HasSuffix(path, "/citations"):
		return "/api/patches/{handle}/citations"
	case strings.HasPrefix(path, "/api/patches/") && strings.HasSuffix(path, "/content"):
		return "/api/patches/{handle}/content"
	case strings.HasPrefix(path, "/api/patches/") && strings.HasSuffix(path, "/runs"):
		return "/api/patches/{handle}/runs"
	case strings.HasPrefix(path, "/ws/"):
		return "/ws"
	default:
		return "/other"
	}
}

// clientIP extracts the client IP from X-Forwarded-For or RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}
