// Package errors provides custom error types for the bitk application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeBusy              = "BUSY"
	ErrCodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	ErrCodeEngineTimeout     = "ENGINE_TIMEOUT"
	ErrCodeSessionError      = "SESSION_ERROR"
	ErrCodeSpawnFailed       = "SPAWN_FAILED"
	ErrCodeStreamError       = "STREAM_ERROR"
	ErrCodeLogicalFailure    = "LOGICAL_FAILURE"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadRequest creates a new validation error without a field reference.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// Busy creates an error for operations rejected because a process is already
// running. The message carries the actionable hint for the front-end.
func Busy(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBusy,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// EngineUnavailable creates an error for an engine that is not installed or
// not executable.
func EngineUnavailable(engineType string, reason string) *AppError {
	return &AppError{
		Code:       ErrCodeEngineUnavailable,
		Message:    fmt.Sprintf("engine '%s' is unavailable: %s", engineType, reason),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// EngineTimeout creates an error for an engine call that exceeded its deadline.
func EngineTimeout(operation string) *AppError {
	return &AppError{
		Code:       ErrCodeEngineTimeout,
		Message:    fmt.Sprintf("engine operation '%s' timed out", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// SessionError creates an error for lost conversation continuity.
func SessionError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// SpawnFailed creates an error for a subprocess that could not be started.
func SpawnFailed(engineType string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnFailed,
		Message:    fmt.Sprintf("failed to spawn engine '%s'", engineType),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// StreamError creates an error for a failed stream consumer.
func StreamError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStreamError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// LogicalFailure creates an error for an in-stream failure reported by the
// engine itself.
func LogicalFailure(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeLogicalFailure,
		Message:    reason,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsBusy checks if the error is a busy error.
func IsBusy(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBusy
	}
	return false
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeValidation
	}
	return false
}

// IsSessionError checks if the error indicates lost conversation continuity.
func IsSessionError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeSessionError
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
