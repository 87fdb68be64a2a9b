package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/meterstack/meterd/pkg/meter/maintenance"
	"github.com/meterstack/meterd/pkg/meter/store"
)

func newTestState(t *testing.T) *maintenance.State {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("cannot start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return maintenance.NewState(store.NewFromClient(client))
}

func TestMaintenanceGateAllowsNonAllowlistedWhenInactive(t *testing.T) {
	state := newTestState(t)
	handler := Maintenance(state)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/user/query", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while inactive, got %d", rec.Code)
	}
}

func TestMaintenanceGateRejectsNonAllowlistedWhenActive(t *testing.T) {
	state := newTestState(t)
	if _, err := state.Enter(context.Background(), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handler := Maintenance(state)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/user/query", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while active, got %d", rec.Code)
	}
}

func TestMaintenanceGateAllowsAllowlistedWhenActive(t *testing.T) {
	state := newTestState(t)
	if _, err := state.Enter(context.Background(), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handler := Maintenance(state)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/meter/reading", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for allowlisted path while active, got %d", rec.Code)
	}
}
