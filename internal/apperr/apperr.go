// Package apperr defines the behavioral error taxonomy shared across retrace
// components. Every error that crosses a component boundary is wrapped into
// one of the Kinds below so callers can branch on behavior rather than on
// string matching or concrete types.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the behavior the caller should take, not by
// which package produced it.
type Kind string

const (
	NotInitialized           Kind = "not_initialized"
	NotConnected             Kind = "not_connected"
	PermissionDenied         Kind = "permission_denied"
	WriterClosed             Kind = "writer_closed"
	EncoderError             Kind = "encoder_error"
	QueueFull                Kind = "queue_full"
	ParseFailed              Kind = "parse_failed"
	QueryFailed              Kind = "query_failed"
	FrameNotFound            Kind = "frame_not_found"
	VideoFileNotFound        Kind = "video_file_not_found"
	InvalidStateTransition   Kind = "invalid_state_transition"
	RetryableProcessingError Kind = "retryable_processing_error"
)

// Error is a structured error carrying the Kind, the component/operation
// that produced it, and the underlying cause.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Details   map[string]any
	Cause     error
}

// New creates an Error with the given kind, component, and operation.
func New(kind Kind, component, op string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Cause: cause}
}

func (e *Error) Error() string {
	base := fmt.Sprintf("[%s] %s: %s", e.Component, e.Op, e.Kind)
	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}
	return base
}

// Unwrap enables errors.Is/errors.As against the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails attaches structured metadata and returns the same error for
// chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Is lets errors.Is(err, apperr.New(kind, "", "", nil)) match on Kind alone,
// which is how callers are expected to probe for a specific behavior.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Of reports the Kind of err if it (or something it wraps) is an *Error,
// and ok=false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Wrap classifies a plain error into Kind at a component boundary, matching
// the wrapping idiom of fmt.Errorf("...: %w", err) used throughout the
// lower-level helpers.
func Wrap(kind Kind, component, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, component, op, err)
}

// Sentinel values for errors.Is comparisons where no component/op context
// is needed (e.g. in tests).
var (
	ErrNotInitialized    = &Error{Kind: NotInitialized}
	ErrPermissionDenied  = &Error{Kind: PermissionDenied}
	ErrNotConnected      = &Error{Kind: NotConnected}
	ErrFrameNotFound     = &Error{Kind: FrameNotFound}
	ErrVideoNotFound     = &Error{Kind: VideoFileNotFound}
	ErrQueueFull         = &Error{Kind: QueueFull}
	ErrWriterClosed      = &Error{Kind: WriterClosed}
	ErrInvalidTransition = &Error{Kind: InvalidStateTransition}
)
