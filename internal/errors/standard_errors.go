// Package errors provides standardized error handling across the
// reconciliation engine and its API surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents semantic error codes for consistent error handling.
type ErrorCode string

const (
	// Input and request errors
	ErrorCodeValidation ErrorCode = "VALIDATION_ERROR"

	// Engine errors
	ErrorCodeUnknownStrategy ErrorCode = "UNKNOWN_STRATEGY"
	ErrorCodeResolution      ErrorCode = "RESOLUTION_ERROR"
	ErrorCodeNotInitialized  ErrorCode = "NOT_INITIALIZED"

	// Resource errors
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"

	// Infrastructure errors
	ErrorCodeStorage ErrorCode = "STORAGE_ERROR"
	ErrorCodeTimeout ErrorCode = "TIMEOUT_ERROR"
	ErrorCodeUnknown ErrorCode = "UNKNOWN_ERROR"
)

// StandardError is the unified error structure used across the engine.
type StandardError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the Go error interface.
func (e *StandardError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// New creates a StandardError with the given code and message.
func New(code ErrorCode, message string) *StandardError {
	return &StandardError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code ErrorCode, message string, cause error) *StandardError {
	return &StandardError{Code: code, Message: message, cause: cause}
}

// NewValidationError creates a validation error with field details.
func NewValidationError(field, reason string) *StandardError {
	return &StandardError{
		Code:    ErrorCodeValidation,
		Message: fmt.Sprintf("validation failed for field %q: %s", field, reason),
		Details: map[string]string{"field": field, "reason": reason},
	}
}

// NewUnknownStrategyError reports a requested strategy name absent from
// the strategy set.
func NewUnknownStrategyError(name string) *StandardError {
	return &StandardError{
		Code:    ErrorCodeUnknownStrategy,
		Message: fmt.Sprintf("unknown resolution strategy %q", name),
		Details: map[string]string{"strategy": name},
	}
}

// NewNotFoundError reports a lookup on an unknown id.
func NewNotFoundError(kind, id string) *StandardError {
	return &StandardError{
		Code:    ErrorCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, id),
		Details: map[string]string{"kind": kind, "id": id},
	}
}

// NewNotInitializedError reports use of the service before Initialize.
func NewNotInitializedError(operation string) *StandardError {
	return &StandardError{
		Code:    ErrorCodeNotInitialized,
		Message: fmt.Sprintf("service not initialized: %s refused", operation),
		Details: map[string]string{"operation": operation},
	}
}

// NewResolutionError reports a strategy failure for a specific conflict.
func NewResolutionError(conflictID string, cause error) *StandardError {
	return &StandardError{
		Code:    ErrorCodeResolution,
		Message: fmt.Sprintf("resolution failed for conflict %q", conflictID),
		Details: map[string]string{"conflict_id": conflictID},
		cause:   cause,
	}
}

// CodeOf extracts the semantic code from an error chain, defaulting to
// ErrorCodeUnknown.
func CodeOf(err error) ErrorCode {
	var se *StandardError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrorCodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the HTTP status the API layer should return.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrorCodeValidation, ErrorCodeUnknownStrategy:
		return http.StatusBadRequest
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeNotInitialized:
		return http.StatusServiceUnavailable
	case ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
