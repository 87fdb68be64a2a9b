package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/meterstack/meterd/pkg/meter/maintenance"
)

// Maintenance returns 503 for any request whose path is not in
// maintenance.Allowlist while the maintenance flag is active (spec.md
// §6 "Middleware").
func Maintenance(state *maintenance.State) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maintenance.IsAllowlisted(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			active, err := state.IsActive(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !active {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":  "error",
				"message": "Server is in maintenance mode. Please try again later.",
			})
		})
	}
}
