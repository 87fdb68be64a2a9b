package query

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	internalerrors "github.com/meterstack/meterd/internal/errors"
	"github.com/meterstack/meterd/internal/validation"
	"github.com/meterstack/meterd/pkg/meter/consume"
	"github.com/meterstack/meterd/pkg/meter/registry"
	"github.com/meterstack/meterd/pkg/meter/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, store.Store, *registry.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("cannot start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := store.NewFromClient(client)
	r := registry.New(s)
	return New(s, r, zap.NewNop()), s, r
}

func TestQueryRejectsUnregisteredMeter(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	_, err := a.Query(context.Background(), "100000001", validation.Period30Minutes)
	if !internalerrors.IsType(err, internalerrors.ErrorTypeNotRegistered) {
		t.Fatalf("expected ErrorTypeNotRegistered, got %v", err)
	}
}

func TestQuery30mReturnsLatestIncrement(t *testing.T) {
	a, s, r := newTestAggregator(t)
	ctx := context.Background()
	if err := r.Register(ctx, "100000001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	if _, err := consume.Apply(ctx, s, "100000001", base, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := consume.Apply(ctx, s, "100000001", base.Add(30*time.Minute), 102.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := a.Query(ctx, "100000001", validation.Period30Minutes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.LatestIncrement != 2.5 {
		t.Fatalf("expected latest increment 2.5, got %v", result.LatestIncrement)
	}
}

func TestQuery1dSumsTotalUsage(t *testing.T) {
	a, s, r := newTestAggregator(t)
	ctx := context.Background()
	if err := r.Register(ctx, "100000001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now().UTC()
	if _, err := consume.Apply(ctx, s, "100000001", now.Add(-2*time.Hour), 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := consume.Apply(ctx, s, "100000001", now.Add(-time.Hour), 103); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := a.Query(ctx, "100000001", validation.PeriodDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalUsage != 3 {
		t.Fatalf("expected total usage 3, got %v", result.TotalUsage)
	}
	if len(result.Detail) != 2 {
		t.Fatalf("expected 2 detail records, got %d", len(result.Detail))
	}
}

func TestBillingSumsDailyBackups(t *testing.T) {
	a, s, r := newTestAggregator(t)
	ctx := context.Background()
	if err := r.Register(ctx, "100000001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.HSet(ctx, "backup:meter_data:2025-02-19", "100000001", "8.75"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.HSet(ctx, "backup:meter_data:2025-02-20", "100000001", "1.25"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := a.Billing(ctx, "100000001", "2025-02")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalUsage != 10 {
		t.Fatalf("expected total usage 10, got %v", result.TotalUsage)
	}
	if result.DailyUsage["2025-02-19"] != 8.75 {
		t.Fatalf("expected 8.75 for 2025-02-19, got %v", result.DailyUsage["2025-02-19"])
	}
}

func TestBillingReturnsNotFoundWhenEmpty(t *testing.T) {
	a, _, r := newTestAggregator(t)
	ctx := context.Background()
	if err := r.Register(ctx, "100000001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := a.Billing(ctx, "100000001", "2025-03")
	if !internalerrors.IsType(err, internalerrors.ErrorTypeNotFound) {
		t.Fatalf("expected ErrorTypeNotFound, got %v", err)
	}
}
