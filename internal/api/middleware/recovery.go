package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Recoverer converts a handler panic into a 500 JSON error envelope after
// logging the stack. A panic in one webhook or dashboard request must not
// take down dispatch for every running campaign. Mount it after
// StructuredLogger so the request ID is in the log line.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				reqID := chimw.GetReqID(r.Context())
				stack := debug.Stack()

				slog.Error("panic recovered",
					"request_id", reqID,
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(stack),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(errEnvelope{Error: "internal server error"}) //nolint:errcheck
			}
		}()

		next.ServeHTTP(w, r)
	})
}
