// Package ingress implements spec.md §4.1: validating and enqueuing raw
// meter readings, routing to the shared work queue or a meter's pending
// list depending on whether maintenance is currently active.
package ingress

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meterstack/meterd/internal/errors"
	"github.com/meterstack/meterd/internal/validation"
	"github.com/meterstack/meterd/pkg/meter/consume"
	"github.com/meterstack/meterd/pkg/meter/logstream"
	"github.com/meterstack/meterd/pkg/meter/maintenance"
	"github.com/meterstack/meterd/pkg/meter/metrics"
	"github.com/meterstack/meterd/pkg/meter/registry"
	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/types"
)

// WorkQueueKey is the Store list every worker drains from (spec.md §6
// keyspace table: "meter:readings_queue").
const WorkQueueKey = "meter:readings_queue"

// DefaultMaxBulkSize is the §4.1 bulk submission cap used when New is not
// given an explicit one (config.Default().Ingress.MaxBulkSize matches it).
const DefaultMaxBulkSize = 1000

// BulkResult reports submitBulk's per-item outcome counts.
type BulkResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Ingress validates and enqueues RawReadings.
type Ingress struct {
	store       store.Store
	registry    *registry.Registry
	maintenance *maintenance.State
	logger      *zap.Logger
	logs        *logstream.Sink
	metrics     *metrics.Metrics
	maxBulkSize int
}

// New returns an Ingress wired to its collaborators. maxBulkSize <= 0
// falls back to DefaultMaxBulkSize.
func New(s store.Store, r *registry.Registry, m *maintenance.State, logger *zap.Logger, logs *logstream.Sink, met *metrics.Metrics, maxBulkSize int) *Ingress {
	if maxBulkSize <= 0 {
		maxBulkSize = DefaultMaxBulkSize
	}
	return &Ingress{store: s, registry: r, maintenance: m, logger: logger, logs: logs, metrics: met, maxBulkSize: maxBulkSize}
}

// Submit validates and enqueues a single reading, per spec.md §4.1.
func (i *Ingress) Submit(ctx context.Context, reading types.RawReading) error {
	if err := i.validate(ctx, reading); err != nil {
		return err
	}

	active, err := i.maintenance.IsActive(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot read maintenance state")
	}

	raw, err := reading.Marshal()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot marshal reading")
	}

	if active {
		key := consume.PendingKey(reading.MeterID)
		if err := i.store.RPush(ctx, key, raw); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "cannot enqueue to pending list")
		}
		if i.metrics != nil {
			if n, err := i.store.LLen(ctx, key); err == nil {
				i.metrics.PendingDepth.WithLabelValues(reading.MeterID).Set(float64(n))
			}
		}
		return nil
	}

	if err := i.store.RPush(ctx, WorkQueueKey, raw); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot enqueue to work queue")
	}
	if i.metrics != nil {
		if n, err := i.store.LLen(ctx, WorkQueueKey); err == nil {
			i.metrics.QueueDepth.Set(float64(n))
		}
	}
	return nil
}

// SubmitBulk validates and enqueues a batch, per spec.md §4.1: the
// maintenance decision is made once for the whole call, invalid items are
// counted and skipped, and valid items are appended with one RPUSH per
// destination list (the work queue, or each meter's pending list).
func (i *Ingress) SubmitBulk(ctx context.Context, readings []types.RawReading) (BulkResult, error) {
	if len(readings) > i.maxBulkSize {
		return BulkResult{}, errors.New(errors.ErrorTypeValidation,
			fmt.Sprintf("bulk submission exceeds max size %d", i.maxBulkSize))
	}

	active, err := i.maintenance.IsActive(ctx)
	if err != nil {
		return BulkResult{}, errors.Wrap(err, errors.ErrorTypeInternal, "cannot read maintenance state")
	}

	byMeter := make(map[string][]string)
	var result BulkResult
	for _, reading := range readings {
		if err := i.validate(ctx, reading); err != nil {
			result.Failed++
			i.appendLog(ctx, "warn", "rejected bulk reading", map[string]any{
				"meter_id": reading.MeterID,
				"error":    err.Error(),
			})
			continue
		}
		raw, err := reading.Marshal()
		if err != nil {
			result.Failed++
			continue
		}
		if active {
			byMeter[reading.MeterID] = append(byMeter[reading.MeterID], raw)
		} else {
			byMeter[""] = append(byMeter[""], raw)
		}
		result.Success++
	}

	for meterID, raws := range byMeter {
		key := WorkQueueKey
		if active {
			key = consume.PendingKey(meterID)
		}
		if err := i.store.RPush(ctx, key, raws...); err != nil {
			return result, errors.Wrap(err, errors.ErrorTypeInternal, "cannot enqueue bulk readings")
		}
	}
	return result, nil
}

func (i *Ingress) validate(ctx context.Context, reading types.RawReading) error {
	if err := validation.ValidateStruct(reading); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "malformed reading payload")
	}
	if err := validation.ValidateMeterID(reading.MeterID); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid meter_id")
	}
	if _, err := validation.ParseTimestamp(reading.Timestamp); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid timestamp")
	}
	if err := validation.ValidateReadingValue(reading.Reading); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid reading")
	}

	ok, err := i.registry.IsRegistered(ctx, reading.MeterID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot check registration")
	}
	if !ok {
		return errors.New(errors.ErrorTypeNotRegistered, fmt.Sprintf("meter %s is not registered", reading.MeterID))
	}
	return nil
}

func (i *Ingress) appendLog(ctx context.Context, level, message string, fields map[string]any) {
	if i.logs == nil {
		return
	}
	if err := i.logs.Append(ctx, "ingress", level, message, fields); err != nil {
		i.logger.Warn("cannot append ingress log entry", zap.Error(err))
	}
}
