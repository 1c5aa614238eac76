// Package middleware provides HTTP middleware for metrics collection and
// request tracing.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/estimo/internal/metrics"
)

const RequestIDHeader = "X-Request-ID"

var recordHTTPRequest = metrics.RecordHTTPRequest

// knownEndpoints are recorded under their own label; anything else is
// "other" so that scanners cannot blow up label cardinality.
var knownEndpoints = map[string]struct{}{
	"/api/predict":         {},
	"/api/predict/batch":   {},
	"/api/tags":            {},
	"/api/tags/predict":    {},
	"/api/refit":           {},
	"/api/dashboard/stats": {},
	"/health":              {},
	"/metrics":             {},
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// RequestID echoes the caller's X-Request-ID or assigns a new one, on both
// the request and the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)

		next.ServeHTTP(w, r)
	})
}

func normalizeEndpoint(path string) string {
	if _, ok := knownEndpoints[path]; ok {
		return path
	}
	return "other"
}
