// Package pferrors defines the structured error taxonomy shared by every
// core component: PipelineStore, VersionStore, SuspensionStore, CanaryRouter,
// Loader, the reload coordinator, and the execution facade.
package pferrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the stable, client-visible error kinds.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindConflict          Kind = "Conflict"
	KindInvalidRef        Kind = "InvalidRef"
	KindInvalidInput      Kind = "InvalidInput"
	KindInputTypeMismatch Kind = "InputTypeMismatch"
	KindInputMissing      Kind = "InputMissing"
	KindNoSource          Kind = "NoSource"
	KindCompileError      Kind = "CompileError"
	KindEngineError       Kind = "EngineError"
	KindPersistenceError  Kind = "PersistenceError"
)

// Error is the single structured error type surfaced across core API
// boundaries. It carries a stable Kind, a human message, optional
// key/value Details, and the Underlying cause for errors.Is/As chains.
type Error struct {
	Kind       Kind              `json:"error"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Underlying error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches another *Error by Kind, or delegates to the underlying cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	if e.Underlying != nil {
		return errors.Is(e.Underlying, target)
	}
	return false
}

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an existing error under the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Underlying: cause}
}

// WithDetail attaches a detail key/value and returns the same Error for
// chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Convenience constructors, one per error kind used throughout the core.

func NotFound(what, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found", what)).WithDetail("id", id)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func InvalidRef(ref string) *Error {
	return New(KindInvalidRef, "invalid reference").WithDetail("ref", ref)
}

func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message)
}

func InputTypeMismatch(field, reason string) *Error {
	return New(KindInputTypeMismatch, "input type mismatch").
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func InputMissing(field string) *Error {
	return New(KindInputMissing, "required input missing").WithDetail("field", field)
}

func NoSource() *Error {
	return New(KindNoSource, "no source text supplied and none remembered for this name")
}

func CompileError(message string) *Error {
	return New(KindCompileError, message)
}

func EngineError(cause error) *Error {
	return Wrap(KindEngineError, "engine error", cause)
}

func PersistenceError(op string, cause error) *Error {
	return Wrap(KindPersistenceError, fmt.Sprintf("persistence failure during %s", op), cause)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts the *Error from an error chain, if present.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Response is the JSON shape returned to HTTP clients on failure.
type Response struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// ToResponse converts an Error into its wire representation.
func (e *Error) ToResponse(traceID string) *Response {
	return &Response{
		Error:   string(e.Kind),
		Message: e.Message,
		Details: e.Details,
		TraceID: traceID,
	}
}

// NewResponse converts any error into a Response, defaulting unrecognized
// errors to an internal-error shape.
func NewResponse(err error, traceID string) *Response {
	if e := As(err); e != nil {
		return e.ToResponse(traceID)
	}
	return &Response{Error: "Internal", Message: err.Error(), TraceID: traceID}
}

// StatusCode maps a Kind to the HTTP status the transport layer should use.
func StatusCode(kind Kind) int {
	switch kind {
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindInvalidRef, KindInputTypeMismatch, KindNoSource, KindInvalidInput, KindCompileError:
		return 400
	case KindInputMissing:
		return 400
	default:
		return 500
	}
}
