// Package errkind defines the error taxonomy surfaced by the orchestration
// core. Every error that crosses a component boundary carries exactly one
// Kind; the gateway maps kinds onto HTTP statuses in a single place.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the failure categories of the public surface.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	UnknownTask         Kind = "unknown_task"
	StateConflict       Kind = "state_conflict"
	DuplicateInflight   Kind = "duplicate_inflight"
	Backpressure        Kind = "backpressure"
	Timeout             Kind = "timeout"
	UpstreamUnavailable Kind = "upstream_unavailable"
	CircuitOpen         Kind = "circuit_open"
	StorageUnavailable  Kind = "storage_unavailable"
	Cancelled           Kind = "cancelled"
	Internal            Kind = "internal"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // advisory, zero when not applicable
	Err        error         // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match against a bare-kind sentinel such as
// errkind.New(errkind.Timeout, "").
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	clone := *e
	clone.RetryAfter = d
	return &clone
}

// KindOf extracts the Kind from err, walking the wrap chain. Errors that
// never passed through this package classify as Internal, except for the
// context sentinels which have natural kinds.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf returns the retry hint from err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Transient reports whether the failure class is worth retrying with
// backoff. Permanent input and state errors are not, and neither is any
// failure whose cause chain carries circuit_open: the breaker already
// fails fast for the whole open window, so retrying only adds latency.
func Transient(err error) bool {
	if errors.Is(err, New(CircuitOpen, "")) {
		return false
	}
	switch KindOf(err) {
	case Timeout, UpstreamUnavailable, Backpressure, StorageUnavailable:
		return true
	default:
		return false
	}
}

// Convenience constructors for the common kinds.

func Validation(format string, args ...any) *Error {
	return New(InvalidInput, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(UnknownTask, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(StateConflict, format, args...)
}

func Unavailable(format string, args ...any) *Error {
	return New(UpstreamUnavailable, format, args...)
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, format, args...)
}
