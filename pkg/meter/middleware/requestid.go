// Package middleware implements meterd's HTTP cross-cutting concerns:
// request ID propagation, structured request logging, panic recovery,
// and the maintenance-mode allowlist gate (spec.md §6 "Middleware").
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDHeader is the response header carrying the generated ID, so
// a client can correlate its request with server-side logs.
const RequestIDHeader = "X-Request-Id"

// RequestID assigns a UUID to every request, storing it in the request
// context and echoing it back in a response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request ID stored by RequestID, or
// "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
