package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meterstack/meterd/internal/config"
	"github.com/meterstack/meterd/pkg/meter/consume"
	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/types"
)

func newTestDriver(t *testing.T, cfg config.Maintenance) (*Driver, store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("cannot start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := store.NewFromClient(client)
	st := NewState(s)
	d := NewDriver(st, s, cfg, zap.NewNop(), nil, nil)
	return d, s, mr
}

func TestDriverRollupSumsConsumptionForDay(t *testing.T) {
	d, s, _ := newTestDriver(t, config.Maintenance{Duration: time.Millisecond, KeepDays: 365})
	ctx := context.Background()

	day := time.Date(2025, time.February, 19, 0, 0, 0, 0, time.UTC)
	readings := []struct {
		value float64
		at    time.Time
	}{
		{100.00, day.Add(1 * time.Hour)},
		{102.50, day.Add(2 * time.Hour)},
		{105.00, day.Add(3 * time.Hour)},
	}
	for _, r := range readings {
		if _, err := consume.Apply(ctx, s, "M1", r.at, r.value); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := d.rollup(ctx, day); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backupKey := "backup:meter_data:2025-02-19"
	val, ok, err := s.HGet(ctx, backupKey, "M1")
	if err != nil || !ok {
		t.Fatalf("expected backup entry, got ok=%v err=%v", ok, err)
	}
	if val != "5" {
		t.Fatalf("expected summed consumption 5, got %q", val)
	}
}

func TestDriverTrimRemovesOldRecords(t *testing.T) {
	d, s, _ := newTestDriver(t, config.Maintenance{Duration: time.Millisecond, KeepDays: 1})
	ctx := context.Background()

	old := time.Now().UTC().Add(-200000 * time.Second)
	recent := time.Now().UTC()

	if _, err := consume.Apply(ctx, s, "M1", old, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := consume.Apply(ctx, s, "M1", recent, 12); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	trimmed, err := d.trim(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trimmed != 1 {
		t.Fatalf("expected 1 trimmed record, got %d", trimmed)
	}

	members, err := s.ZRangeByScore(ctx, "meter:M1:history", 0, float64(time.Now().Unix()+10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 remaining record, got %d", len(members))
	}
}

func TestDriverDrainAppliesPendingInOrder(t *testing.T) {
	d, s, _ := newTestDriver(t, config.Maintenance{Duration: time.Millisecond, KeepDays: 365})
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	raw1 := `{"meter_id":"M1","timestamp":"` + base.Format(time.RFC3339) + `","reading":100}`
	raw2 := `{"meter_id":"M1","timestamp":"` + base.Add(time.Hour).Format(time.RFC3339) + `","reading":103}`
	if err := s.RPush(ctx, "meter:M1:pending", raw1, raw2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	drained, err := d.drain(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drained != 2 {
		t.Fatalf("expected 2 items drained, got %d", drained)
	}

	exists, err := s.Exists(ctx, "meter:M1:pending")
	if err != nil || exists {
		t.Fatalf("expected pending list to be deleted, got exists=%v err=%v", exists, err)
	}

	members, err := s.ZRevRange(ctx, "meter:M1:history", 0, -1)
	if err != nil || len(members) != 2 {
		t.Fatalf("expected 2 history records, got %d err=%v", len(members), err)
	}

	latest, err := types.ParseHistoryRecord(members[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest.Consumption != 3 {
		t.Fatalf("expected later record consumption 3 (103 after 100), got %v", latest.Consumption)
	}
}

func TestDriverTriggerRejectsWhenAlreadyActive(t *testing.T) {
	d, _, _ := newTestDriver(t, config.Maintenance{Duration: time.Hour, KeepDays: 365})
	ctx := context.Background()

	if err := d.state.Exit(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := d.state.Enter(ctx, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.Trigger(ctx); err != ErrAlreadyInMaintenance {
		t.Fatalf("expected ErrAlreadyInMaintenance, got %v", err)
	}
}

func TestDriverRunClearsFlagOnCompletion(t *testing.T) {
	d, _, _ := newTestDriver(t, config.Maintenance{Duration: 5 * time.Millisecond, KeepDays: 365})
	ctx := context.Background()

	if err := d.Trigger(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		active, err := d.state.IsActive(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !active {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected maintenance flag to clear after driver run completed")
}
