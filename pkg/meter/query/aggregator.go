// Package query implements spec.md §4.4: window queries over a meter's
// history plus monthly billing aggregation from the daily backup hashes.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/meterstack/meterd/internal/errors"
	"github.com/meterstack/meterd/internal/validation"
	"github.com/meterstack/meterd/pkg/meter/consume"
	"github.com/meterstack/meterd/pkg/meter/registry"
	"github.com/meterstack/meterd/pkg/meter/store"
	"github.com/meterstack/meterd/pkg/meter/types"
)

// DetailRecord is one {time, consumption} entry in a 1d response.
type DetailRecord struct {
	Time        string  `json:"time"`
	Consumption float64 `json:"consumption"`
}

// BucketRecord is one bucket of a 1w/1m/1y result: Key is the UTC date
// or month; the api package relabels it as date or month on the wire.
type BucketRecord struct {
	Key         string  `json:"key"`
	Consumption float64 `json:"consumption"`
}

// Result is Query's internal domain shape; only the fields matching the
// requested period are populated. It is not the HTTP wire shape — the
// api package reshapes it per period to match spec.md §6's contract.
type Result struct {
	Status          string         `json:"status"`
	MeterID         string         `json:"meter_id"`
	Period          validation.Period `json:"period"`
	LatestIncrement float64        `json:"latest_increment,omitempty"`
	TotalUsage      float64        `json:"total_usage"`
	Detail          []DetailRecord `json:"detail,omitempty"`
	Buckets         []BucketRecord `json:"data,omitempty"`
	AggregationFrom string         `json:"aggregation_start,omitempty"`
	AggregationTo   string         `json:"aggregation_end,omitempty"`
}

// BillingResult is returned by Billing.
type BillingResult struct {
	Status     string             `json:"status"`
	MeterID    string             `json:"meter_id"`
	Month      string             `json:"month"`
	TotalUsage float64            `json:"total_usage"`
	DailyUsage map[string]float64 `json:"daily_usage"`
}

// Aggregator answers §4.4 window and billing queries.
type Aggregator struct {
	store    store.Store
	registry *registry.Registry
	logger   *zap.Logger
}

// New returns an Aggregator backed by s and r.
func New(s store.Store, r *registry.Registry, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: s, registry: r, logger: logger}
}

// Query answers one of the five fixed-window periods for meterID.
func (a *Aggregator) Query(ctx context.Context, meterID string, period validation.Period) (Result, error) {
	if err := a.requireRegistered(ctx, meterID); err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	switch period {
	case validation.Period30Minutes:
		return a.queryLatest(ctx, meterID)
	case validation.PeriodDay:
		return a.queryDay(ctx, meterID, now)
	case validation.PeriodWeek:
		return a.queryBucketed(ctx, meterID, now.Add(-7*24*time.Hour), now, "2006-01-02", period)
	case validation.PeriodMonth:
		return a.queryBucketed(ctx, meterID, now.Add(-30*24*time.Hour), now, "2006-01-02", period)
	case validation.PeriodYear:
		return a.queryBucketed(ctx, meterID, now.Add(-365*24*time.Hour), now, "2006-01", period)
	default:
		return Result{}, errors.New(errors.ErrorTypeValidation, fmt.Sprintf("unsupported period %q", period))
	}
}

func (a *Aggregator) requireRegistered(ctx context.Context, meterID string) error {
	if err := validation.ValidateMeterID(meterID); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid meter_id")
	}
	ok, err := a.registry.IsRegistered(ctx, meterID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot check registration")
	}
	if !ok {
		return errors.New(errors.ErrorTypeNotRegistered, fmt.Sprintf("meter %s is not registered", meterID))
	}
	return nil
}

// queryLatest implements the 30m period: the single most recent record.
func (a *Aggregator) queryLatest(ctx context.Context, meterID string) (Result, error) {
	members, err := a.store.ZRevRange(ctx, consume.HistoryKey(meterID), 0, 0)
	if err != nil {
		return Result{}, errors.Wrap(err, errors.ErrorTypeInternal, "cannot read history")
	}
	result := Result{Status: "success", MeterID: meterID, Period: validation.Period30Minutes}
	if len(members) == 0 {
		return result, nil
	}
	rec, err := types.ParseHistoryRecord(members[0])
	if err != nil {
		a.logger.Warn("skipping unparseable history record", zap.String("meter_id", meterID), zap.Error(err))
		return result, nil
	}
	result.LatestIncrement = rec.Consumption
	result.Detail = []DetailRecord{{Time: rec.Timestamp}}
	return result, nil
}

// queryDay implements the 1d period: full detail plus a totalUsage sum.
func (a *Aggregator) queryDay(ctx context.Context, meterID string, now time.Time) (Result, error) {
	start := now.Add(-24 * time.Hour)
	records, err := a.readRange(ctx, meterID, start, now)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Status:          "success",
		MeterID:         meterID,
		Period:          validation.PeriodDay,
		AggregationFrom: start.Format(time.RFC3339),
		AggregationTo:   now.Format(time.RFC3339),
	}
	for _, rec := range records {
		result.TotalUsage += rec.Consumption
		result.Detail = append(result.Detail, DetailRecord{Time: rec.Timestamp, Consumption: rec.Consumption})
	}
	return result, nil
}

// queryBucketed implements 1w/1m (bucketed by UTC calendar day) and 1y
// (bucketed by UTC calendar month).
func (a *Aggregator) queryBucketed(ctx context.Context, meterID string, start, end time.Time, bucketLayout string, period validation.Period) (Result, error) {
	records, err := a.readRange(ctx, meterID, start, end)
	if err != nil {
		return Result{}, err
	}

	sums := make(map[string]float64)
	for _, rec := range records {
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			a.logger.Warn("skipping history record with unparseable timestamp",
				zap.String("meter_id", meterID), zap.Error(err))
			continue
		}
		key := ts.UTC().Format(bucketLayout)
		sums[key] += rec.Consumption
	}

	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := Result{Status: "success", MeterID: meterID, Period: period}
	for _, k := range keys {
		result.TotalUsage += sums[k]
		result.Buckets = append(result.Buckets, BucketRecord{Key: k, Consumption: sums[k]})
	}
	return result, nil
}

func (a *Aggregator) readRange(ctx context.Context, meterID string, start, end time.Time) ([]types.HistoryRecord, error) {
	members, err := a.store.ZRangeByScore(ctx, consume.HistoryKey(meterID), float64(start.Unix()), float64(end.Unix()))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "cannot read history")
	}

	records := make([]types.HistoryRecord, 0, len(members))
	for _, member := range members {
		rec, err := types.ParseHistoryRecord(member)
		if err != nil {
			a.logger.Warn("skipping unparseable history record", zap.String("meter_id", meterID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Billing implements spec.md §4.4's monthly billing aggregation: scan
// every DailyBackup within month, sum meterID's contribution.
func (a *Aggregator) Billing(ctx context.Context, meterID, month string) (BillingResult, error) {
	if err := a.requireRegistered(ctx, meterID); err != nil {
		return BillingResult{}, err
	}
	if _, err := validation.ValidateMonth(month); err != nil {
		return BillingResult{}, errors.Wrap(err, errors.ErrorTypeValidation, "invalid month")
	}

	keys, err := a.store.ScanPattern(ctx, "backup:meter_data:"+month+"-*")
	if err != nil {
		return BillingResult{}, errors.Wrap(err, errors.ErrorTypeInternal, "cannot scan backup keys")
	}

	daily := make(map[string]float64)
	var total float64
	for _, key := range keys {
		value, ok, err := a.store.HGet(ctx, key, meterID)
		if err != nil {
			a.logger.Warn("cannot read daily backup", zap.String("key", key), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		var usage float64
		if _, err := fmt.Sscanf(value, "%g", &usage); err != nil {
			a.logger.Warn("cannot parse daily backup value", zap.String("key", key), zap.Error(err))
			continue
		}
		date := key[len("backup:meter_data:"):]
		daily[date] = usage
		total += usage
	}

	if len(daily) == 0 {
		return BillingResult{}, errors.New(errors.ErrorTypeNotFound,
			fmt.Sprintf("no billing data for meter %s in month %s", meterID, month))
	}

	return BillingResult{
		Status:     "success",
		MeterID:    meterID,
		Month:      month,
		TotalUsage: total,
		DailyUsage: daily,
	}, nil
}
