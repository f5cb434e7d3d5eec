// Package errors provides the typed error model shared by the Elemental core
// and its HTTP/CLI adapters.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced to API and CLI clients.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInvalidState        = "INVALID_STATE"
	CodeInvalidAgent        = "INVALID_AGENT"
	CodeSessionExists       = "SESSION_EXISTS"
	CodeNoSession           = "NO_SESSION"
	CodeNoEvents            = "NO_EVENTS"
	CodeNoResumableSession  = "NO_RESUMABLE_SESSION"
	CodeCycleDetected       = "CYCLE_DETECTED"
	CodeDuplicateDependency = "DUPLICATE_DEPENDENCY"
	CodeConflict            = "CONFLICT"
	CodeResourceMissing     = "RESOURCE_MISSING"
	CodeInternal            = "INTERNAL_ERROR"
)

// AppError is an application error with a stable code and HTTP mapping.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
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

// NotFound creates a not-found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Validation creates a validation error.
func Validation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validationf creates a validation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return Validation(fmt.Sprintf(format, args...))
}

// InvalidInput creates a malformed-input error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidState signals an operation whose precondition does not hold.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidState,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidAgent signals an unknown or non-agent entity.
func InvalidAgent(agentID string) *AppError {
	return &AppError{
		Code:       CodeInvalidAgent,
		Message:    fmt.Sprintf("agent %q is not a registered agent entity", agentID),
		HTTPStatus: http.StatusNotFound,
	}
}

// SessionExists signals that the agent already has a live session.
func SessionExists(agentID string) *AppError {
	return &AppError{
		Code:       CodeSessionExists,
		Message:    fmt.Sprintf("agent %q already has an active session", agentID),
		HTTPStatus: http.StatusConflict,
	}
}

// NoSession signals that no live session exists for an agent.
func NoSession(agentID string) *AppError {
	return &AppError{
		Code:       CodeNoSession,
		Message:    fmt.Sprintf("agent %q has no active session", agentID),
		HTTPStatus: http.StatusNotFound,
	}
}

// NoResumableSession signals that resume found nothing to resume.
func NoResumableSession(agentID string) *AppError {
	return &AppError{
		Code:       CodeNoResumableSession,
		Message:    fmt.Sprintf("agent %q has no resumable session", agentID),
		HTTPStatus: http.StatusNotFound,
	}
}

// CycleDetected signals that a blocking dependency would create a cycle.
func CycleDetected(sourceID, targetID string) *AppError {
	return &AppError{
		Code:       CodeCycleDetected,
		Message:    fmt.Sprintf("dependency %s -> %s would create a cycle", sourceID, targetID),
		HTTPStatus: http.StatusBadRequest,
	}
}

// DuplicateDependency signals that the (source, target, type) edge exists.
func DuplicateDependency(sourceID, targetID, depType string) *AppError {
	return &AppError{
		Code:       CodeDuplicateDependency,
		Message:    fmt.Sprintf("dependency %s -> %s (%s) already exists", sourceID, targetID, depType),
		HTTPStatus: http.StatusConflict,
	}
}

// Conflict creates a conflict error (stale version, concurrent modification).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ResourceMissing signals a missing external resource (git repo, worktree path).
func ResourceMissing(message string) *AppError {
	return &AppError{
		Code:       CodeResourceMissing,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsAppError extracts an *AppError from err, wrapping unknown errors as
// internal so adapters always have a code and status to report.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("unexpected error", err)
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// ExitCode maps an error to the CLI exit code contract:
// 0 success, 2 invalid arguments, 3 validation, 4 not found,
// 5 conflict/state, 1 general error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return 1
	}
	switch appErr.Code {
	case CodeInvalidInput:
		return 2
	case CodeValidation, CodeCycleDetected:
		return 3
	case CodeNotFound, CodeNoSession, CodeNoResumableSession, CodeInvalidAgent:
		return 4
	case CodeConflict, CodeInvalidState, CodeSessionExists, CodeDuplicateDependency, CodeResourceMissing:
		return 5
	default:
		return 1
	}
}
