// Package consume builds the key names and record template for spec.md
// §4.2.1's atomic consumption script, and is the single place both the
// worker pool and the maintenance driver (pending drain) go through to
// apply a reading — so neither can diverge on key naming or JSON shape.
package consume

import (
	"context"
	"fmt"
	"time"

	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/types"
)

// LastReadingKey returns the Store key for a meter's LastReading.
func LastReadingKey(meterID string) string {
	return "meter:" + meterID + ":last_reading"
}

// HistoryKey returns the Store key for a meter's History sorted set.
func HistoryKey(meterID string) string {
	return "meter:" + meterID + ":history"
}

// LockKey returns the per-meter exclusive lock key (spec.md §4.2).
func LockKey(meterID string) string {
	return "lock:meter:" + meterID
}

// PendingKey returns the Store key for a meter's PendingList.
func PendingKey(meterID string) string {
	return "meter:" + meterID + ":pending"
}

// Apply derives the consumption for (meterID, timestamp, readingValue)
// via the atomic script and returns the completed HistoryRecord that was
// appended (spec.md §4.2.1, I2).
func Apply(ctx context.Context, s store.Store, meterID string, timestamp time.Time, readingValue float64) (types.HistoryRecord, error) {
	ts := timestamp.UTC().Format(time.RFC3339)
	template := fmt.Sprintf(`{"timestamp":%q,"reading_value":%s,"consumption":`, ts, formatFloat(readingValue))

	consumption, err := s.AppendHistoryAtomic(ctx, LastReadingKey(meterID), HistoryKey(meterID),
		readingValue, float64(timestamp.UTC().Unix()), template)
	if err != nil {
		return types.HistoryRecord{}, fmt.Errorf("apply reading for meter %s: %w", meterID, err)
	}

	return types.HistoryRecord{
		Timestamp:    ts,
		ReadingValue: readingValue,
		Consumption:  consumption,
	}, nil
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}
