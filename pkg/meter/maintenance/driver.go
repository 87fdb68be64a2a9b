package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meterstack/meterd/internal/config"
	"github.com/meterstack/meterd/internal/validation"
	"github.com/meterstack/meterd/pkg/meter/consume"
	"github.com/meterstack/meterd/pkg/meter/logstream"
	"github.com/meterstack/meterd/pkg/meter/metrics"
	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/types"
)

// Stage names the driver's current position in the NORMAL → ENTERING →
// ROLLUP → TRIM → WAIT → DRAIN → NORMAL state machine (spec.md §4.3).
type Stage string

const (
	StageNormal   Stage = "NORMAL"
	StageEntering Stage = "ENTERING"
	StageRollup   Stage = "ROLLUP"
	StageTrim     Stage = "TRIM"
	StageWait     Stage = "WAIT"
	StageDrain    Stage = "DRAIN"
)

// Driver runs the daily maintenance sequence: rollup yesterday's
// consumption into DailyBackup, trim retention, wait out the window, then
// drain every meter's pending list back into history.
type Driver struct {
	state   *State
	store   store.Store
	cfg     config.Maintenance
	logger  *zap.Logger
	logs    *logstream.Sink
	metrics *metrics.Metrics

	stage Stage
}

// NewDriver returns a Driver over s's maintenance flag, using cfg for its
// duration and retention window.
func NewDriver(s *State, st store.Store, cfg config.Maintenance, logger *zap.Logger, logs *logstream.Sink, m *metrics.Metrics) *Driver {
	return &Driver{
		state:   s,
		store:   st,
		cfg:     cfg,
		logger:  logger,
		logs:    logs,
		metrics: m,
		stage:   StageNormal,
	}
}

// Stage reports the driver's current state-machine position.
func (d *Driver) Stage() Stage {
	return d.stage
}

// ErrAlreadyInMaintenance is returned by Trigger when the maintenance
// flag is already set (spec.md §4.3 step 1).
var ErrAlreadyInMaintenance = fmt.Errorf("maintenance already in progress")

// Trigger enters maintenance and schedules the driver body on a
// background goroutine, returning as soon as the flag is set — the
// control request itself never blocks on the run (spec.md §4.3 step 3).
func (d *Driver) Trigger(ctx context.Context) error {
	d.stage = StageEntering
	ok, err := d.state.Enter(ctx, d.cfg.Duration)
	if err != nil {
		d.stage = StageNormal
		return fmt.Errorf("cannot set maintenance flag: %w", err)
	}
	if !ok {
		d.stage = StageNormal
		return ErrAlreadyInMaintenance
	}

	go d.run(context.Background())
	return nil
}

// run executes the full driver body once. The TTL set in Trigger bounds
// how long a panicking or wedged run can hold the flag; a successful run
// clears it explicitly at the end.
func (d *Driver) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("maintenance driver panicked", zap.Any("panic", r))
			d.appendLog(ctx, "error", "maintenance driver panicked", map[string]any{"panic": fmt.Sprintf("%v", r)})
		}
	}()
	defer func() {
		if err := d.state.Exit(ctx); err != nil {
			d.logger.Error("cannot clear maintenance flag", zap.Error(err))
		}
		d.stage = StageNormal
	}()

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	if err := d.rollup(ctx, yesterday); err != nil {
		d.logger.Error("maintenance rollup failed", zap.Error(err))
		d.appendLog(ctx, "error", "rollup failed", map[string]any{"error": err.Error()})
	}

	trimmed, err := d.trim(ctx)
	if err != nil {
		d.logger.Error("maintenance retention trim failed", zap.Error(err))
		d.appendLog(ctx, "error", "retention trim failed", map[string]any{"error": err.Error()})
	}

	d.stage = StageWait
	time.Sleep(d.cfg.Duration)

	drained, err := d.drain(ctx)
	if err != nil {
		d.logger.Error("maintenance drain failed", zap.Error(err))
		d.appendLog(ctx, "error", "drain failed", map[string]any{"error": err.Error()})
	}

	if d.metrics != nil {
		d.metrics.MaintenanceRuns.Inc()
		d.metrics.RetentionTrimmed.Add(float64(trimmed))
	}
	d.logger.Info("maintenance run complete",
		zap.Time("rollup_date", yesterday),
		zap.Int64("history_records_trimmed", trimmed),
		zap.Int("pending_items_drained", drained))
	d.appendLog(ctx, "info", "maintenance run complete", map[string]any{
		"rollup_date":              yesterday.Format("2006-01-02"),
		"history_records_trimmed":  trimmed,
		"pending_items_drained":    drained,
	})
}

// rollup sums each meter's consumption for UTC calendar day `day` and
// writes it into DailyBackup(day) (spec.md §4.3 step 4a, I6).
func (d *Driver) rollup(ctx context.Context, day time.Time) error {
	d.stage = StageRollup

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	date := start.Format("2006-01-02")
	backupKey := "backup:meter_data:" + date

	keys, err := d.store.ScanPattern(ctx, "meter:*:history")
	if err != nil {
		return fmt.Errorf("cannot scan history keys: %w", err)
	}

	for _, key := range keys {
		meterID, ok := meterIDFromKey(key, ":history")
		if !ok {
			continue
		}

		members, err := d.store.ZRangeByScore(ctx, key, float64(start.Unix()), float64(end.Unix()))
		if err != nil {
			d.logger.Warn("cannot read history for rollup", zap.String("meter_id", meterID), zap.Error(err))
			continue
		}

		var sum float64
		for _, member := range members {
			rec, err := types.ParseHistoryRecord(member)
			if err != nil {
				d.logger.Warn("skipping unparseable history record during rollup",
					zap.String("meter_id", meterID), zap.Error(err))
				continue
			}
			sum += rec.Consumption
		}

		if err := d.store.HSet(ctx, backupKey, meterID, fmt.Sprintf("%g", sum)); err != nil {
			return fmt.Errorf("cannot write daily backup for meter %s: %w", meterID, err)
		}
	}
	return nil
}

// trim removes history records older than KeepDays for every meter
// (spec.md §4.3 step 4b, P5).
func (d *Driver) trim(ctx context.Context) (int64, error) {
	d.stage = StageTrim

	cutoff := time.Now().UTC().Add(-time.Duration(d.cfg.KeepDays) * 24 * time.Hour)

	keys, err := d.store.ScanPattern(ctx, "meter:*:history")
	if err != nil {
		return 0, fmt.Errorf("cannot scan history keys: %w", err)
	}

	var total int64
	for _, key := range keys {
		n, err := d.store.ZRemRangeByScore(ctx, key, negInf, float64(cutoff.Unix()))
		if err != nil {
			d.logger.Warn("cannot trim history", zap.String("key", key), zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

// drain applies every meter's pending list in list order through the
// same atomic script the worker pool uses, then deletes the list (spec.md
// §4.3 step 4d).
func (d *Driver) drain(ctx context.Context) (int, error) {
	d.stage = StageDrain

	keys, err := d.store.ScanPattern(ctx, "meter:*:pending")
	if err != nil {
		return 0, fmt.Errorf("cannot scan pending keys: %w", err)
	}

	var total int
	for _, key := range keys {
		meterID, ok := meterIDFromKey(key, ":pending")
		if !ok {
			continue
		}

		items, err := d.store.LRange(ctx, key, 0, -1)
		if err != nil {
			d.logger.Warn("cannot read pending list", zap.String("meter_id", meterID), zap.Error(err))
			continue
		}

		for _, raw := range items {
			reading, err := types.ParsePendingRecord(raw)
			if err != nil {
				d.logger.Warn("skipping unparseable pending reading",
					zap.String("meter_id", meterID), zap.Error(err))
				continue
			}
			ts, err := validation.ParseTimestamp(reading.Timestamp)
			if err != nil {
				d.logger.Warn("skipping pending reading with unparseable timestamp",
					zap.String("meter_id", meterID), zap.Error(err))
				continue
			}
			if _, err := consume.Apply(ctx, d.store, meterID, ts, reading.Reading); err != nil {
				d.logger.Warn("cannot apply pending reading", zap.String("meter_id", meterID), zap.Error(err))
				continue
			}
			total++
		}

		if err := d.store.Delete(ctx, key); err != nil {
			d.logger.Warn("cannot clear drained pending list", zap.String("meter_id", meterID), zap.Error(err))
		}
	}
	return total, nil
}

func (d *Driver) appendLog(ctx context.Context, level, message string, fields map[string]any) {
	if d.logs == nil {
		return
	}
	if err := d.logs.Append(ctx, "maintenance", level, message, fields); err != nil {
		d.logger.Warn("cannot append maintenance log entry", zap.Error(err))
	}
}

// negInf is the ZREMRANGEBYSCORE lower bound spec.md §4.3 calls "-inf".
const negInf = -1 << 62

// meterIDFromKey extracts the meterId from a "meter:{id}{suffix}" key.
func meterIDFromKey(key, suffix string) (string, bool) {
	const prefix = "meter:"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	return key[len(prefix) : len(key)-len(suffix)], true
}
