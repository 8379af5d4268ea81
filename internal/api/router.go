package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/loopbreaker/scriptrunner/internal/api/handler"
	mw "github.com/loopbreaker/scriptrunner/internal/api/middleware"
	"github.com/loopbreaker/scriptrunner/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Jobs   *handler.Jobs
	Health http.HandlerFunc

	Auth *mw.Auth
	// RateLimit is nil when Redis is not configured.
	RateLimit *mw.RateLimit
	// Metrics is optional.
	Metrics mw.HTTPRecorder

	AllowedOrigins []string
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.CORS(deps.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(mw.Metrics(deps.Metrics))
	}

	r.Get("/health", orNotImplemented(deps.Health))

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", deps.Jobs.List)
		r.Get("/{jobID}", deps.Jobs.Get)

		// Mutating routes
		r.Group(func(r chi.Router) {
			if deps.Auth != nil {
				r.Use(deps.Auth.Authenticate)
			}
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}

			r.Post("/", deps.Jobs.Create)
			r.Post("/{jobID}/cancel", deps.Jobs.Cancel)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
