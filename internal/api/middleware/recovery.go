package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/loopbreaker/scriptrunner/internal/api/response"
)

// Recovery turns a handler panic into a 500 INTERNAL_ERROR envelope. Job
// executors run outside the request and recover on their own.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				attrs := append(requestAttrs(r),
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
				)
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered", attrs...)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
