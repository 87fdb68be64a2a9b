package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meterstack/meterd/pkg/meter/metrics"
)

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter does not expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Logging logs one structured entry per request (method, path, status,
// duration, request ID) and records HTTP latency metrics by route.
func Logging(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			logger.Info("http request",
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", duration))

			if m != nil {
				m.HTTPRequestDuration.WithLabelValues(r.URL.Path, http.StatusText(rec.status)).Observe(duration.Seconds())
			}
		})
	}
}
