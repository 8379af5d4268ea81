package middleware

import (
	"context"
	"net/http"
	"time"
)

// HTTPRecorder receives one observation per request.
type HTTPRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64)
}

// Metrics records request latency, traffic and errors.
func Metrics(rec HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			rec.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, wrapped.status, time.Since(start).Seconds())
		})
	}
}
