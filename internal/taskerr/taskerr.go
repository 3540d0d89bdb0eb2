// Package taskerr defines the structured errors every orchestrator operation
// returns to callers. Each error carries a machine-readable code, a human
// message, and optional details (missing note keys, blocking items, the
// conflicting lock holder).
package taskerr

import (
	"errors"
	"fmt"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
)

// Code classifies an error for clients.
type Code string

// Error codes
const (
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "RESOURCE_NOT_FOUND"
	CodeConflict    Code = "CONFLICT"
	CodeGateFailure Code = "GATE_FAILURE"
	CodeState       Code = "STATE_ERROR"
	CodeDatabase    Code = "DATABASE_ERROR"
	CodeInternal    Code = "INTERNAL_ERROR"
)

// Error is the structured error surfaced on the wire.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// With attaches a detail entry and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error with the given code around a cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Validation builds a VALIDATION_ERROR.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// NotFound builds a RESOURCE_NOT_FOUND for one entity.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, "%s %s not found", kind, id).With("id", id)
}

// Conflict builds a CONFLICT.
func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// GateFailure builds a GATE_FAILURE.
func GateFailure(format string, args ...any) *Error {
	return New(CodeGateFailure, format, args...)
}

// State builds a STATE_ERROR.
func State(format string, args ...any) *Error {
	return New(CodeState, format, args...)
}

// Internal builds an INTERNAL_ERROR around a cause.
func Internal(cause error) *Error {
	return Wrap(CodeInternal, cause, "internal error")
}

// FromErr converts any error into a structured Error. Storage sentinels map
// to their client-facing codes; an error that already is a *Error passes
// through unchanged.
func FromErr(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Wrap(CodeNotFound, err, "resource not found")
	case errors.Is(err, storage.ErrInvalidID):
		return Wrap(CodeValidation, err, "invalid id")
	case errors.Is(err, storage.ErrCycle):
		return Wrap(CodeConflict, err, "dependency cycle detected")
	case errors.Is(err, storage.ErrConflict):
		return Wrap(CodeConflict, err, "conflicting state")
	case errors.Is(err, storage.ErrLocked):
		return Wrap(CodeDatabase, err, "database busy")
	default:
		return Wrap(CodeDatabase, err, "storage operation failed")
	}
}

// CodeOf extracts the code from an error, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
