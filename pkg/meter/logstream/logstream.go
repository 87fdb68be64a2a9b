// Package logstream mirrors structured log entries into the Store's
// bounded per-kind list (logs:{kind}, spec.md §6) so /get_logs can serve
// the same entries an operator would see in the process's zap output.
//
// zap's Core interface has no natural place to carry a context.Context
// through to a Redis call, so rather than force-fit a custom Core,
// components call Sink.Append alongside their normal zap logging calls
// at the handful of points §6 says matter (ingress, worker and
// maintenance events; the query aggregator does not append).
package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/types"
)

// MaxEntries is the per-kind cap spec.md §6 specifies for logs:{kind}.
const MaxEntries = 1000

// Sink appends structured log entries to the Store.
type Sink struct {
	store store.Store
}

// New returns a Sink backed by s.
func New(s store.Store) *Sink {
	return &Sink{store: s}
}

// Append writes one log entry of the given kind, trimming the list back
// to MaxEntries most recent entries.
func (s *Sink) Append(ctx context.Context, kind, level, message string, fields map[string]any) error {
	entry := types.LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Kind:      kind,
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cannot marshal log entry: %w", err)
	}

	key := "logs:" + kind
	if err := s.store.LPush(ctx, key, string(data)); err != nil {
		return fmt.Errorf("cannot append log entry to %s: %w", key, err)
	}

	// Trim to MaxEntries most recent entries: drop anything beyond the
	// head of the list.
	if length, err := s.store.LLen(ctx, key); err == nil && length > MaxEntries {
		if _, trimErr := trimList(ctx, s.store, key, MaxEntries); trimErr != nil {
			return fmt.Errorf("cannot trim log stream %s: %w", key, trimErr)
		}
	}
	return nil
}

// trimList keeps only the first n entries of key (the most recently
// pushed, since entries are LPush-ed). The Store interface exposes no
// LTRIM directly, so this re-reads and rewrites the bounded prefix —
// acceptable since it only runs once the list has exceeded its cap.
func trimList(ctx context.Context, s store.Store, key string, n int) (bool, error) {
	vals, err := s.LRange(ctx, key, 0, int64(n-1))
	if err != nil {
		return false, err
	}
	if err := s.Delete(ctx, key); err != nil {
		return false, err
	}
	if err := s.RPush(ctx, key, vals...); err != nil {
		return false, err
	}
	return true, nil
}

// Read returns up to limit most recent entries for kind, newest first,
// optionally filtered by an ISO-date prefix on the entry's timestamp
// (spec.md §6's /get_logs date filter).
func Read(ctx context.Context, s store.Store, kind string, limit int, datePrefix string) ([]types.LogEntry, error) {
	raw, err := s.LRange(ctx, "logs:"+kind, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("cannot read log stream logs:%s: %w", kind, err)
	}

	entries := make([]types.LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry types.LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if datePrefix != "" && (len(entry.Timestamp) < 10 || entry.Timestamp[:10] != datePrefix) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
