package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/routeway/gateway/internal/apierror"
)

// Recovery returns middleware that recovers from panics, logs the stack
// trace, and returns a standardized 500 response. Panics escaping the retry
// resubmission path arrive here when they unwind a handler goroutine.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
					apierror.WriteJSON(w, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred", GetRequestID(r.Context()))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
