package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// jobIDParam is the URL parameter naming a job in /jobs/{jobID} routes.
const jobIDParam = "jobID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logger writes one structured line per request once the handler returns.
// Server errors are logged at warn level.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		attrs := append(requestAttrs(r),
			slog.Int("status", rec.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		slog.LogAttrs(r.Context(), level, "request", attrs...)
	})
}

// requestAttrs describes the request by method, path and matched route,
// plus the job id for job-scoped routes. Call it after routing.
func requestAttrs(r *http.Request) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	}
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return attrs
	}
	if route := rctx.RoutePattern(); route != "" {
		attrs = append(attrs, slog.String("route", route))
	}
	if id := rctx.URLParam(jobIDParam); id != "" {
		attrs = append(attrs, slog.String("job_id", id))
	}
	return attrs
}
