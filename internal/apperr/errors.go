// Package apperr defines the typed errors surfaced by the engine.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an engine error.
type Code string

const (
	CodeValidation       Code = "VALIDATION"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeUnregistered     Code = "UNREGISTERED"
	CodeSandboxViolation Code = "SANDBOX_VIOLATION"
	CodeExecution        Code = "EXECUTION"
	CodeAPI              Code = "API"
)

// Error is a structured error carrying a code, an HTTP-ish status and details.
// Error() returns Message verbatim because callers pattern-match on some messages.
type Error struct {
	Code    Code
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same code.
// A sentinel is an *Error with an empty Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrValidation       = &Error{Code: CodeValidation}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrConflict         = &Error{Code: CodeConflict}
	ErrUnregistered     = &Error{Code: CodeUnregistered}
	ErrSandboxViolation = &Error{Code: CodeSandboxViolation}
	ErrExecution        = &Error{Code: CodeExecution}
	ErrAPI              = &Error{Code: CodeAPI}
)

// NewValidation creates a 400 error for malformed input or settings.
func NewValidation(msg string) *Error {
	return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Message: msg}
}

// NewNotFound creates a 404 error for a missing note or tool.
func NewNotFound(kind, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
		Details: map[string]any{"id": id},
	}
}

// NewConflict creates a 409 error, e.g. for a duplicate id.
func NewConflict(msg string) *Error {
	return &Error{Code: CodeConflict, Status: http.StatusConflict, Message: msg}
}

// NewUnregistered creates an error for a tool note that has no execution binding.
func NewUnregistered(toolID string) *Error {
	return &Error{
		Code:    CodeUnregistered,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("tool %s has no registered implementation", toolID),
		Details: map[string]any{"tool_id": toolID},
	}
}

// NewSandboxViolation creates a 403 error for a path or extension outside the sandbox.
func NewSandboxViolation(msg string) *Error {
	return &Error{Code: CodeSandboxViolation, Status: http.StatusForbidden, Message: msg}
}

// NewExecution wraps a failure raised by a tool implementation.
func NewExecution(err error) *Error {
	msg := "execution failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: CodeExecution, Status: http.StatusInternalServerError, Message: msg, Err: err}
}

// NewAPI creates an error for a non-success response from an HTTP tool endpoint.
func NewAPI(status int, body string) *Error {
	return &Error{
		Code:    CodeAPI,
		Status:  http.StatusBadGateway,
		Message: fmt.Sprintf("API request failed with status %d", status),
		Details: map[string]any{"status": status, "body": body},
	}
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}
