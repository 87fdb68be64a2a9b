// Package worker implements spec.md §4.2: the background pool that
// drains the shared work queue into per-meter history, serializing each
// meter's updates under a Store lock and deduplicating by fingerprint.
//
// The pool's start/stop lifecycle and per-worker batch loop follow the
// bounded-concurrency drain pattern the retrieved pack's queue workers
// use (see grounding in DESIGN.md): one goroutine per worker managed
// through an errgroup, each polling its own bounded batch and returning
// when the group's context is cancelled.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meterstack/meterd/internal/validation"
	"github.com/meterstack/meterd/pkg/meter/consume"
	"github.com/meterstack/meterd/pkg/meter/ingress"
	"github.com/meterstack/meterd/pkg/meter/logstream"
	"github.com/meterstack/meterd/pkg/meter/metrics"
	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/types"
)

// Store keys for the failure channels spec.md §6 names.
const (
	ProcessedSetKey = "processed_records"
	RetryQueueKey   = "meter:retry_queue"
	DeadLetterKey   = "meter:dead_letter"
	RetryCountsKey  = "meter:retry_counts"
)

// Config tunes the pool's batch size, poll timeout, and per-meter lock
// timeouts (spec.md §4.2 reference values).
type Config struct {
	Count              int
	BatchSize          int64
	PopTimeout         time.Duration
	LockAcquireTimeout time.Duration
	LockHoldTimeout    time.Duration
	MaxRetries         int
}

// Pool is the background worker pool draining WorkQueue into History.
type Pool struct {
	store   store.Store
	cfg     Config
	logger  *zap.Logger
	logs    *logstream.Sink
	metrics *metrics.Metrics

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New returns a Pool backed by s, configured by cfg.
func New(s store.Store, cfg Config, logger *zap.Logger, logs *logstream.Sink, m *metrics.Metrics) *Pool {
	return &Pool{store: s, cfg: cfg, logger: logger, logs: logs, metrics: m}
}

// Start launches cfg.Count daemonic workers, each polling WorkQueue in a
// loop until Stop is called.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	p.cancel = cancel
	p.group = group

	for i := 0; i < p.cfg.Count; i++ {
		id := fmt.Sprintf("worker-%d", i)
		group.Go(func() error {
			p.loop(runCtx, id)
			return nil
		})
	}
}

// Stop signals every worker to exit after its current batch and waits
// for them to return.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	_ = p.group.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := p.drainBatch(ctx)
		if len(batch) == 0 {
			continue
		}

		// The batch already left the queue, so it is finished even if Stop
		// cancels ctx meanwhile; the loop checks ctx again before the next pop.
		start := time.Now()
		p.processBatch(context.WithoutCancel(ctx), workerID, batch)
		if p.metrics != nil {
			p.metrics.BatchesDrained.WithLabelValues(workerID).Inc()
			p.metrics.BatchLatencySeconds.WithLabelValues(workerID).Observe(time.Since(start).Seconds())
		}
	}
}

// drainBatch pops up to cfg.BatchSize items from WorkQueue using a
// blocking pop with a short timeout, per spec.md §4.2 step 1.
func (p *Pool) drainBatch(ctx context.Context) []string {
	var batch []string

	key, value, ok, err := p.store.BLPop(ctx, p.cfg.PopTimeout, ingress.WorkQueueKey)
	if err != nil {
		p.logger.Warn("blocking pop failed", zap.Error(err))
		return nil
	}
	if !ok || key == "" {
		return nil
	}
	batch = append(batch, value)

	for int64(len(batch)) < p.cfg.BatchSize {
		v, ok, err := p.store.LPop(ctx, ingress.WorkQueueKey)
		if err != nil {
			p.logger.Warn("non-blocking pop failed", zap.Error(err))
			break
		}
		if !ok {
			break
		}
		batch = append(batch, v)
	}
	return batch
}

type parsedItem struct {
	raw     string
	reading types.RawReading
	ts      time.Time
}

// processBatch implements spec.md §4.2 steps 2-5: parse, group by meter,
// sort ascending, lock, dedupe, apply.
func (p *Pool) processBatch(ctx context.Context, workerID string, batch []string) {
	byMeter := make(map[string][]parsedItem)
	for _, raw := range batch {
		reading, err := types.ParseRawReading(raw)
		if err != nil {
			p.logger.Warn("dropping unparseable queue item", zap.Error(err))
			p.appendLog(ctx, "warn", "dropped unparseable queue item", map[string]any{"error": err.Error()})
			continue
		}
		ts, err := validation.ParseTimestamp(reading.Timestamp)
		if err != nil {
			p.logger.Warn("dropping queue item with unparseable timestamp",
				zap.String("meter_id", reading.MeterID), zap.Error(err))
			p.appendLog(ctx, "warn", "dropped queue item with unparseable timestamp",
				map[string]any{"meter_id": reading.MeterID, "error": err.Error()})
			continue
		}
		byMeter[reading.MeterID] = append(byMeter[reading.MeterID], parsedItem{raw: raw, reading: reading, ts: ts})
	}

	for meterID, items := range byMeter {
		sort.Slice(items, func(i, j int) bool { return items[i].ts.Before(items[j].ts) })
		p.processMeterGroup(ctx, workerID, meterID, items)
	}
}

func (p *Pool) processMeterGroup(ctx context.Context, workerID, meterID string, items []parsedItem) {
	lock, ok, err := p.store.Lock(ctx, consume.LockKey(meterID), p.cfg.LockAcquireTimeout, p.cfg.LockHoldTimeout)
	if err != nil {
		p.logger.Warn("lock acquisition error", zap.String("meter_id", meterID), zap.Error(err))
		return
	}
	if !ok {
		// Could not acquire within acquireTimeout: defer the group to a
		// later batch by re-enqueueing its raw items.
		for _, item := range items {
			if err := p.store.RPush(ctx, ingress.WorkQueueKey, item.raw); err != nil {
				p.logger.Error("cannot re-enqueue deferred group", zap.String("meter_id", meterID), zap.Error(err))
			}
		}
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			p.logger.Warn("cannot release lock", zap.String("meter_id", meterID), zap.Error(err))
		}
	}()

	for _, item := range items {
		p.applyItem(ctx, workerID, meterID, item)
	}
}

func (p *Pool) applyItem(ctx context.Context, workerID, meterID string, item parsedItem) {
	fingerprint := types.Fingerprint(item.raw)
	added, err := p.store.SAdd(ctx, ProcessedSetKey, fingerprint)
	if err != nil {
		p.logger.Warn("fingerprint dedupe check failed", zap.String("meter_id", meterID), zap.Error(err))
		p.markRecoverable(ctx, workerID, fingerprint, meterID, item.raw, err)
		return
	}
	if !added {
		if p.metrics != nil {
			p.metrics.ItemsDuplicate.WithLabelValues(workerID).Inc()
		}
		return
	}

	record, err := consume.Apply(ctx, p.store, meterID, item.ts, item.reading.Reading)
	if err != nil {
		p.logger.Error("cannot apply reading", zap.String("meter_id", meterID), zap.Error(err))
		p.markRecoverable(ctx, workerID, fingerprint, meterID, item.raw, err)
		if p.metrics != nil {
			p.metrics.ItemsProcessed.WithLabelValues(workerID, "error").Inc()
		}
		return
	}
	if record.Consumption < 0 {
		p.logger.Warn("negative consumption delta", zap.String("meter_id", meterID), zap.Float64("consumption", record.Consumption))
		p.appendLog(ctx, "warn", "negative consumption delta", map[string]any{"meter_id": meterID, "consumption": record.Consumption})
	}
	if p.metrics != nil {
		p.metrics.ItemsProcessed.WithLabelValues(workerID, "ok").Inc()
	}
}

// markRecoverable implements spec.md §4.2 step 5: bump the retry
// counter; re-queue while the count is at most MaxRetries, otherwise
// dead-letter and drop the counter entry.
func (p *Pool) markRecoverable(ctx context.Context, workerID, fingerprint, meterID, raw string, cause error) {
	count, err := p.store.ZIncrBy(ctx, RetryCountsKey, 1, fingerprint)
	if err != nil {
		p.logger.Error("cannot increment retry count", zap.String("meter_id", meterID), zap.Error(err))
		return
	}

	entry := types.RetryEntry{Fingerprint: fingerprint, MeterID: meterID, Raw: raw, RetryCount: int(count)}

	if int(count) <= p.cfg.MaxRetries {
		data, err := json.Marshal(entry)
		if err != nil {
			p.logger.Error("cannot marshal retry entry", zap.Error(err))
			return
		}
		if err := p.store.RPush(ctx, RetryQueueKey, string(data)); err != nil {
			p.logger.Error("cannot push retry entry", zap.Error(err))
		}
		return
	}

	dead := types.DeadLetterEntry{
		Fingerprint: fingerprint,
		MeterID:     meterID,
		Raw:         raw,
		LastError:   cause.Error(),
		FailedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(dead)
	if err != nil {
		p.logger.Error("cannot marshal dead-letter entry", zap.Error(err))
		return
	}
	if err := p.store.RPush(ctx, DeadLetterKey, string(data)); err != nil {
		p.logger.Error("cannot push dead-letter entry", zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.ItemsDeadLettered.WithLabelValues(workerID).Inc()
	}
	p.appendLog(ctx, "error", "item dead-lettered after exhausting retries", map[string]any{
		"meter_id": meterID, "fingerprint": fingerprint, "retry_count": int(count),
	})

	if _, err := p.store.ZIncrBy(ctx, RetryCountsKey, -count, fingerprint); err != nil {
		p.logger.Warn("cannot clear retry counter", zap.Error(err))
	}
}

func (p *Pool) appendLog(ctx context.Context, level, message string, fields map[string]any) {
	if p.logs == nil {
		return
	}
	if err := p.logs.Append(ctx, "worker", level, message, fields); err != nil {
		p.logger.Warn("cannot append worker log entry", zap.Error(err))
	}
}
