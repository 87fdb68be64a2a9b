// Package validation centralizes the field-level checks meterd applies
// to inbound payloads, so ingress handlers and the worker's re-parse
// step agree on exactly what "valid" means.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// meterIDPattern implements spec.md §4.1: meterId matches ^\d{9}$.
var meterIDPattern = regexp.MustCompile(`^\d{9}$`)

var structValidator = validator.New()

// ValidateMeterID reports whether id is a 9-digit string.
func ValidateMeterID(id string) error {
	if !meterIDPattern.MatchString(id) {
		return fmt.Errorf("meter_id must match ^\\d{9}$, got %q", id)
	}
	return nil
}

// ParseTimestamp parses an ISO-8601 timestamp and normalizes it to UTC,
// per the §9 timezone decision: all window math and bucketing happens in
// UTC, so naive/local timestamps are converted once, here, on ingestion.
func ParseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		// Accept the common "no offset" ISO-8601 form and treat it as UTC,
		// since spec.md does not require an offset to be present.
		t, err = time.ParseInLocation("2006-01-02T15:04:05", value, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q is not valid ISO-8601: %w", value, err)
		}
	}
	return t.UTC(), nil
}

// ValidateReadingValue reports whether v is a finite, non-negative
// cumulative-kWh reading.
func ValidateReadingValue(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("reading must be a finite number, got %v", v)
	}
	if v < 0 {
		return fmt.Errorf("reading must be non-negative, got %v", v)
	}
	return nil
}

// ValidateStruct runs go-playground/validator's struct-tag validation,
// used for request bodies that carry declarative `validate:"..."` tags
// beyond the meter-domain-specific checks above.
func ValidateStruct(s any) error {
	if err := structValidator.Struct(s); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// dateOnly matches YYYY-MM-DD.
var dateOnly = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// monthOnly matches YYYY-MM.
var monthOnly = regexp.MustCompile(`^\d{4}-\d{2}$`)

// ValidateDate reports whether value is a calendar date in YYYY-MM-DD
// form and actually parses (rejects "2025-02-30").
func ValidateDate(value string) (time.Time, error) {
	if !dateOnly.MatchString(value) {
		return time.Time{}, fmt.Errorf("date %q must be in YYYY-MM-DD form", value)
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q is not a valid calendar date: %w", value, err)
	}
	return t.UTC(), nil
}

// ValidateMonth reports whether value is a calendar month in YYYY-MM
// form and actually parses.
func ValidateMonth(value string) (time.Time, error) {
	if !monthOnly.MatchString(value) {
		return time.Time{}, fmt.Errorf("month %q must be in YYYY-MM form", value)
	}
	t, err := time.Parse("2006-01", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("month %q is not a valid calendar month: %w", value, err)
	}
	return t.UTC(), nil
}

// Period is the closed set of query windows spec.md §4.4 supports.
type Period string

const (
	Period30Minutes Period = "30m"
	PeriodDay       Period = "1d"
	PeriodWeek      Period = "1w"
	PeriodMonth     Period = "1m"
	PeriodYear      Period = "1y"
)

// ValidatePeriod reports whether value is one of the five supported
// query periods.
func ValidatePeriod(value string) (Period, error) {
	switch Period(value) {
	case Period30Minutes, PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return Period(value), nil
	default:
		return "", fmt.Errorf("period %q must be one of 30m, 1d, 1w, 1m, 1y", value)
	}
}
