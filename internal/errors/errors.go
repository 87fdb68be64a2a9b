// Package errors provides a single structured error type used across
// meterd so that HTTP handlers, workers, and the maintenance driver can
// report failures consistently without leaking internal details to
// clients.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for HTTP status mapping and safe
// client-facing messages.
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeNotRegistered ErrorType = "not_registered"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeStore         ErrorType = "store"
	ErrorTypeInternal      ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:    http.StatusBadRequest,
	ErrorTypeNotRegistered: http.StatusConflict,
	ErrorTypeConflict:      http.StatusConflict,
	ErrorTypeNotFound:      http.StatusNotFound,
	ErrorTypeTimeout:       http.StatusRequestTimeout,
	ErrorTypeStore:         http.StatusInternalServerError,
	ErrorTypeInternal:      http.StatusInternalServerError,
}

// safeMessages holds the text returned to clients for error types whose
// Message may contain details not meant to leave the process.
var safeMessages = map[ErrorType]string{
	ErrorTypeNotFound: "the requested resource was not found",
	ErrorTypeTimeout:  "the operation timed out",
	ErrorTypeStore:    "an internal error occurred",
	ErrorTypeInternal: "an internal error occurred",
}

// AppError is the structured error carried through meterd's layers.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

// New creates an AppError of the given type with its status code derived
// from the type's default HTTP mapping.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusByType[t],
	}
}

// Wrap creates an AppError that carries an underlying cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails attaches additional, non-client-facing detail and returns
// the same error for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with a formatted string.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Convenience constructors mirroring the error kinds in spec.md §7.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewNotRegisteredError(meterID string) *AppError {
	return New(ErrorTypeNotRegistered, "meter is not registered").WithDetailsf("meter_id=%s", meterID)
}

func NewAlreadyInMaintenanceError() *AppError {
	return New(ErrorTypeConflict, "maintenance is already in progress")
}

func NewNoBillingDataError(meterID, month string) *AppError {
	return New(ErrorTypeNotFound, "no billing data for requested month").WithDetailsf("meter_id=%s month=%s", meterID, month)
}

func NewStoreError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeStore, "store operation failed: %s", operation)
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns the AppError's type, or ErrorTypeInternal for any other
// error (including nil-adjacent callers that should not occur).
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status code to use for err.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns a message safe to send to an HTTP client:
// validation, not-registered and conflict messages pass through (they
// describe the caller's own input or request), everything else is
// replaced with a generic description so internal details (Redis errors,
// stack state) never leak.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Type == ErrorTypeValidation || appErr.Type == ErrorTypeNotRegistered || appErr.Type == ErrorTypeConflict {
			return appErr.Message
		}
		if msg, ok := safeMessages[appErr.Type]; ok {
			return msg
		}
		return "an internal error occurred"
	}
	return "an unexpected error occurred"
}

// LogFields returns a structured field map suitable for zap.Any-style
// logging of an AppError, keeping the underlying cause out of client
// responses while still making it to the log stream.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	var appErr *AppError
	if errors.As(err, &appErr) {
		fields["error_type"] = string(appErr.Type)
		fields["status_code"] = appErr.StatusCode
		if appErr.Details != "" {
			fields["error_details"] = appErr.Details
		}
		if appErr.Cause != nil {
			fields["underlying_error"] = appErr.Cause.Error()
		}
	}
	return fields
}
