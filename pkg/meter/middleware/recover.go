package middleware

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Recover converts a panic in a downstream handler into a generic 500
// response, logging the panic with request metadata only — never the
// request body — per spec.md §7's "unhandled exception" policy.
func Recover(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered in http handler",
						zap.Any("panic", rec),
						zap.String("request_id", RequestIDFromContext(r.Context())),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"status":  "error",
						"message": "an internal error occurred",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
