package handler

import (
	"context"
	"net/http"

	"github.com/loopbreaker/scriptrunner/internal/api/response"
)

const (
	ServiceName = "ProjectLoopbreaker Script Runner"
	Version     = "1.0.0"
)

// Pinger is a dependency the health check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports service identity and the state of optional dependencies.
// A nil dependency is reported as not_configured.
func Health(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": pingStatus(r.Context(), db),
			"cache":    pingStatus(r.Context(), cache),
		}

		if checks["database"] == "degraded" || checks["cache"] == "degraded" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "healthy",
			"service":  ServiceName,
			"version":  Version,
			"services": checks,
		})
	}
}

func pingStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return "not_configured"
	}
	if err := p.Ping(ctx); err != nil {
		return "degraded"
	}
	return "ok"
}
