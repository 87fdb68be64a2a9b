// Package api wires meterd's HTTP surface (spec.md §6) onto chi:
// ingestion, query, billing, maintenance control, backup/log reads, and
// the ambient /healthz and /metrics endpoints.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meterstack/meterd/pkg/meter/ingress"
	"github.com/meterstack/meterd/pkg/meter/logstream"
	"github.com/meterstack/meterd/pkg/meter/maintenance"
	"github.com/meterstack/meterd/pkg/meter/metrics"
	mw "github.com/meterstack/meterd/pkg/meter/middleware"
	"github.com/meterstack/meterd/pkg/meter/query"
	"github.com/meterstack/meterd/pkg/meter/store"
)

// Server bundles the handlers and collaborators needed to build the
// router.
type Server struct {
	store      store.Store
	ingress    *ingress.Ingress
	aggregator *query.Aggregator
	driver     *maintenance.Driver
	state      *maintenance.State
	logs       *logstream.Sink
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New returns a Server wired to its collaborators.
func New(s store.Store, ing *ingress.Ingress, agg *query.Aggregator, driver *maintenance.Driver, state *maintenance.State, logs *logstream.Sink, logger *zap.Logger, m *metrics.Metrics) *Server {
	return &Server{
		store:      s,
		ingress:    ing,
		aggregator: agg,
		driver:     driver,
		state:      state,
		logs:       logs,
		logger:     logger,
		metrics:    m,
	}
}

// Router builds the full chi router with middleware applied in the
// order the teacher pack's gateway services use: request ID, structured
// logging, panic recovery, CORS, then the maintenance allowlist gate.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Logging(s.logger, s.metrics))
	r.Use(mw.Recover(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(mw.Maintenance(s.state))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/meter/reading", s.handleSubmitReading)
	r.Post("/meter/bulk_readings", s.handleSubmitBulk)
	r.Get("/api/user/query", s.handleQuery)
	r.Get("/api/billing", s.handleBilling)
	r.Get("/stopserver", s.handleStopServer)
	r.Get("/get_backup", s.handleGetBackup)
	r.Get("/get_logs", s.handleGetLogs)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
