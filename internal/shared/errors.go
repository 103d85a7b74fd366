package shared

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed error taxonomy shared by every coordination
// component. It is carried alongside the Go error chain so callers can
// branch on category without string matching.
type ErrorKind string

const (
	KindInvalidInput     ErrorKind = "invalid_input"
	KindNotFound         ErrorKind = "not_found"
	KindConflictState    ErrorKind = "conflict_state"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindCapacityExceeded ErrorKind = "capacity_exceeded"
	KindTimeout          ErrorKind = "timeout"
	KindDeliveryFailure  ErrorKind = "delivery_failure"
	KindInternal         ErrorKind = "internal"
)

// CoreError is the concrete error type every component returns. Fields carry
// structured context for logging without re-parsing the message string.
type CoreError struct {
	Kind   ErrorKind
	Op     string
	Cause  error
	Fields map[string]any
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *CoreError) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, op string, cause error, fields map[string]any) *CoreError {
	return &CoreError{Kind: kind, Op: op, Cause: cause, Fields: fields}
}

func NewInvalidInput(op string, cause error, fields map[string]any) *CoreError {
	return newErr(KindInvalidInput, op, cause, fields)
}

func NewNotFound(op string, cause error, fields map[string]any) *CoreError {
	return newErr(KindNotFound, op, cause, fields)
}

func NewConflictState(op string, cause error, fields map[string]any) *CoreError {
	return newErr(KindConflictState, op, cause, fields)
}

func NewCircuitOpen(op string, fields map[string]any) *CoreError {
	return newErr(KindCircuitOpen, op, errors.New("circuit open"), fields)
}

func NewCapacityExceeded(op string, fields map[string]any) *CoreError {
	return newErr(KindCapacityExceeded, op, errors.New("capacity exceeded"), fields)
}

func NewTimeout(op string, cause error, fields map[string]any) *CoreError {
	return newErr(KindTimeout, op, cause, fields)
}

func NewDeliveryFailure(op string, cause error, fields map[string]any) *CoreError {
	return newErr(KindDeliveryFailure, op, cause, fields)
}

func NewInternal(op string, cause error, fields map[string]any) *CoreError {
	return newErr(KindInternal, op, cause, fields)
}

// KindOf returns the ErrorKind of err if it (or something it wraps) is a
// *CoreError, and ok=false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
