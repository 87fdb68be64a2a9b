package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	internalerrors "github.com/meterstack/meterd/internal/errors"
	"github.com/meterstack/meterd/internal/validation"
	"github.com/meterstack/meterd/pkg/meter/logstream"
	"github.com/meterstack/meterd/pkg/meter/maintenance"
	"github.com/meterstack/meterd/pkg/meter/query"
	"github.com/meterstack/meterd/pkg/meter/types"
)

// timeEntry is the §6 30m response's per-record shape: time only, no
// consumption (the period as a whole carries latest_increment).
type timeEntry struct {
	Time string `json:"time"`
}

// detailEntry is the §6 1d response's per-record shape.
type detailEntry struct {
	Time        string  `json:"time"`
	Consumption float64 `json:"consumption"`
}

type dayAggregation struct {
	Consumption float64 `json:"consumption"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
}

type dayData struct {
	Aggregation dayAggregation `json:"aggregation"`
	Detail      []detailEntry  `json:"detail"`
}

// dateUsage is the §6 1w/1m response's per-bucket shape.
type dateUsage struct {
	Date        string  `json:"date"`
	Consumption float64 `json:"consumption"`
}

// monthUsage is the §6 1y response's per-bucket shape.
type monthUsage struct {
	Month       string  `json:"month"`
	Consumption float64 `json:"consumption"`
}

// buildQueryResponse reshapes the aggregator's internal query.Result into
// the exact per-period wire contract spec.md §6 names: 30m nests
// `data:[{time}]`, 1d nests an `aggregation` block alongside `detail`,
// and 1w/1m/1y emit `data:[{date|month, consumption}]`.
func buildQueryResponse(result query.Result, period validation.Period) any {
	switch period {
	case validation.Period30Minutes:
		data := make([]timeEntry, 0, len(result.Detail))
		for _, d := range result.Detail {
			data = append(data, timeEntry{Time: d.Time})
		}
		return map[string]any{
			"status":           result.Status,
			"meter_id":         result.MeterID,
			"latest_increment": result.LatestIncrement,
			"data":             data,
		}
	case validation.PeriodDay:
		detail := make([]detailEntry, 0, len(result.Detail))
		for _, d := range result.Detail {
			detail = append(detail, detailEntry{Time: d.Time, Consumption: d.Consumption})
		}
		return map[string]any{
			"status":      result.Status,
			"meter_id":    result.MeterID,
			"total_usage": result.TotalUsage,
			"data": dayData{
				Aggregation: dayAggregation{
					Consumption: result.TotalUsage,
					StartTime:   result.AggregationFrom,
					EndTime:     result.AggregationTo,
				},
				Detail: detail,
			},
		}
	case validation.PeriodWeek, validation.PeriodMonth:
		data := make([]dateUsage, 0, len(result.Buckets))
		for _, b := range result.Buckets {
			data = append(data, dateUsage{Date: b.Key, Consumption: b.Consumption})
		}
		return map[string]any{
			"status":      result.Status,
			"meter_id":    result.MeterID,
			"total_usage": result.TotalUsage,
			"data":        data,
		}
	case validation.PeriodYear:
		data := make([]monthUsage, 0, len(result.Buckets))
		for _, b := range result.Buckets {
			data = append(data, monthUsage{Month: b.Key, Consumption: b.Consumption})
		}
		return map[string]any{
			"status":      result.Status,
			"meter_id":    result.MeterID,
			"total_usage": result.TotalUsage,
			"data":        data,
		}
	default:
		return result
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAppError(w http.ResponseWriter, logger *zap.Logger, err error) {
	logger.Warn("request failed", zap.Any("error_fields", internalerrors.LogFields(err)))
	writeJSON(w, internalerrors.GetStatusCode(err), map[string]string{
		"status":  "error",
		"message": internalerrors.SafeErrorMessage(err),
	})
}

func (s *Server) handleSubmitReading(w http.ResponseWriter, r *http.Request) {
	var reading types.RawReading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		writeAppError(w, s.logger, internalerrors.Wrap(err, internalerrors.ErrorTypeValidation, "malformed JSON body"))
		return
	}

	active, _ := s.state.IsActive(r.Context())
	if err := s.ingress.Submit(r.Context(), reading); err != nil {
		writeAppError(w, s.logger, err)
		return
	}

	message := "queued"
	if active {
		message = "stored to pending"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": message})
}

func (s *Server) handleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	var readings []types.RawReading
	if err := json.NewDecoder(r.Body).Decode(&readings); err != nil {
		writeAppError(w, s.logger, internalerrors.Wrap(err, internalerrors.ErrorTypeValidation, "body must be a JSON array"))
		return
	}

	result, err := s.ingress.SubmitBulk(r.Context(), readings)
	if err != nil {
		writeAppError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Bulk queued. success=" + strconv.Itoa(result.Success) + ", failed=" + strconv.Itoa(result.Failed),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	meterID := r.URL.Query().Get("meter_id")
	period, err := validation.ValidatePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeAppError(w, s.logger, internalerrors.Wrap(err, internalerrors.ErrorTypeValidation, "invalid period"))
		return
	}

	result, err := s.aggregator.Query(r.Context(), meterID, period)
	if err != nil {
		writeAppError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, buildQueryResponse(result, period))
}

func (s *Server) handleBilling(w http.ResponseWriter, r *http.Request) {
	meterID := r.URL.Query().Get("meter_id")
	month := r.URL.Query().Get("month")

	result, err := s.aggregator.Billing(r.Context(), meterID, month)
	if err != nil {
		writeAppError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.Trigger(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if err == maintenance.ErrAlreadyInMaintenance {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "maintenance triggered"})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	} else if _, err := validation.ValidateDate(date); err != nil {
		writeAppError(w, s.logger, internalerrors.Wrap(err, internalerrors.ErrorTypeValidation, "invalid date"))
		return
	}

	data, err := s.store.HGetAll(r.Context(), "backup:meter_data:"+date)
	if err != nil {
		writeAppError(w, s.logger, internalerrors.Wrap(err, internalerrors.ErrorTypeInternal, "cannot read backup"))
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "message": "no backup data for requested date"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "date": date, "data": data})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("log_type")
	if kind == "" {
		writeAppError(w, s.logger, internalerrors.New(internalerrors.ErrorTypeValidation, "log_type is required"))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > logstream.MaxEntries {
		limit = logstream.MaxEntries
	}

	entries, err := logstream.Read(r.Context(), s.store, kind, limit, r.URL.Query().Get("date"))
	if err != nil {
		writeAppError(w, s.logger, internalerrors.Wrap(err, internalerrors.ErrorTypeInternal, "cannot read log stream"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": entries})
}
