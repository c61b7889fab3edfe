package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/metrics"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		metrics.RecordHTTPRequest(
			r.Method,
			normalizeEndpoint(r.URL.Path),
			strconv.Itoa(wrapped.statusCode),
			time.Since(start),
		)
	})
}

func requestLogger(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		// Probes and scrapes would drown the log at info level.
		log := logger.Info
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			log = logger.Debug
		}
		log("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

// normalizeEndpoint collapses task IDs so metrics keep bounded label
// cardinality.
func normalizeEndpoint(path string) string {
	if !strings.HasPrefix(path, "/agent/tasks/") {
		return path
	}
	rest := strings.TrimPrefix(path, "/agent/tasks/")
	parts := strings.Split(rest, "/")
	if len(parts) >= 2 {
		return "/agent/tasks/:id/" + strings.Join(parts[1:], "/")
	}
	return "/agent/tasks/:id"
}
