package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meterstack/meterd/pkg/meter/ingress"
	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/types"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("cannot start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := store.NewFromClient(client)
	return New(s, cfg, zap.NewNop(), nil, nil), s
}

func defaultConfig() Config {
	return Config{
		Count:              1,
		BatchSize:          100,
		PopTimeout:         50 * time.Millisecond,
		LockAcquireTimeout: time.Second,
		LockHoldTimeout:    5 * time.Second,
		MaxRetries:         3,
	}
}

func pushReading(t *testing.T, s store.Store, meterID, ts string, value float64) {
	t.Helper()
	data, err := types.RawReading{MeterID: meterID, Timestamp: ts, Reading: value}.Marshal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RPush(context.Background(), ingress.WorkQueueKey, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func waitForHistoryLen(t *testing.T, s store.Store, meterID string, n int) []string {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		members, err := s.ZRevRange(ctx, "meter:"+meterID+":history", 0, -1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(members) >= n {
			return members
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d history records for meter %s", n, meterID)
	return nil
}

func TestPoolAppliesReadingsInOrderWithCorrectDeltas(t *testing.T) {
	p, s := newTestPool(t, defaultConfig())
	pushReading(t, s, "100000001", "2025-02-20T10:00:00Z", 100.00)
	pushReading(t, s, "100000001", "2025-02-20T10:30:00Z", 102.50)
	pushReading(t, s, "100000001", "2025-02-20T11:00:00Z", 105.00)

	p.Start(context.Background())
	defer p.Stop()

	members := waitForHistoryLen(t, s, "100000001", 3)
	sums := make(map[string]float64)
	for _, m := range members {
		rec, err := types.ParseHistoryRecord(m)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sums[rec.Timestamp] = rec.Consumption
	}
	if sums["2025-02-20T10:00:00Z"] != 0 {
		t.Fatalf("expected first record consumption 0, got %v", sums["2025-02-20T10:00:00Z"])
	}
	if sums["2025-02-20T10:30:00Z"] != 2.5 {
		t.Fatalf("expected second record consumption 2.5, got %v", sums["2025-02-20T10:30:00Z"])
	}
	if sums["2025-02-20T11:00:00Z"] != 2.5 {
		t.Fatalf("expected third record consumption 2.5, got %v", sums["2025-02-20T11:00:00Z"])
	}
}

func TestPoolDedupesDuplicatePayload(t *testing.T) {
	p, s := newTestPool(t, defaultConfig())
	pushReading(t, s, "100000002", "2025-02-20T10:30:00Z", 102.50)
	pushReading(t, s, "100000002", "2025-02-20T10:30:00Z", 102.50)

	p.Start(context.Background())
	defer p.Stop()

	time.Sleep(300 * time.Millisecond)
	members, err := s.ZRevRange(context.Background(), "meter:100000002:history", 0, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected exactly 1 history record after duplicate submission, got %d", len(members))
	}
}

func TestPoolSortsOutOfOrderBatchByTimestamp(t *testing.T) {
	p, s := newTestPool(t, defaultConfig())
	pushReading(t, s, "100000003", "2025-02-20T12:00:00Z", 110)
	pushReading(t, s, "100000003", "2025-02-20T11:30:00Z", 107)

	p.Start(context.Background())
	defer p.Stop()

	members := waitForHistoryLen(t, s, "100000003", 2)
	byTime := make(map[string]float64)
	for _, m := range members {
		rec, err := types.ParseHistoryRecord(m)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		byTime[rec.Timestamp] = rec.Consumption
	}
	if byTime["2025-02-20T11:30:00Z"] != 0 {
		t.Fatalf("expected first-by-time consumption 0, got %v", byTime["2025-02-20T11:30:00Z"])
	}
	if byTime["2025-02-20T12:00:00Z"] != 3 {
		t.Fatalf("expected second-by-time consumption 3, got %v", byTime["2025-02-20T12:00:00Z"])
	}
}
