// Package errs implements the error taxonomy shared by the ingress
// coordinator, job queue, pipeline engine, and event fabric.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of retry/surface decisions.
type Kind string

const (
	// KindValidation means the input violated a stated precondition. Never retried.
	KindValidation Kind = "validation_failed"
	// KindNotFound means the referenced photo/job/blob is absent.
	KindNotFound Kind = "not_found"
	// KindTransient means a backend was temporarily unavailable; recovered with backoff.
	KindTransient Kind = "transient_backend"
	// KindConflict means a concurrent claim or duplicate key was observed.
	KindConflict Kind = "conflict"
	// KindStageFatal means a pipeline stage declared its failure non-retryable.
	KindStageFatal Kind = "stage_fatal"
	// KindTimeout means an operation exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindCancelled means cooperative cancellation reached the operation.
	KindCancelled Kind = "cancelled"
	// KindInternal means a programming-level invariant was breached.
	KindInternal Kind = "internal"
)

// Error is the taxonomy's concrete error type. It wraps an optional
// underlying cause and carries a Kind so callers can branch on retry
// policy without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(KindNotFound, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs a taxonomy error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a taxonomy error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors
// not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err's kind is recoverable via the job
// queue's retry/backoff path (spec.md §7 propagation policy). Cancelled
// is included because the only source of it in this system is the
// worker pool's drain/scale-down path (spec.md §4.C7: "forcibly cancels
// remaining and nacks them as retryable"), not a terminal per-job
// cancel signal.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout, KindCancelled:
		return true
	default:
		return false
	}
}

// Convenience constructors for the most common call sites.

func Validation(format string, args ...any) error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Transient(cause error, format string, args ...any) error {
	return Wrap(KindTransient, fmt.Sprintf(format, args...), cause)
}

func Conflict(format string, args ...any) error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func StageFatal(cause error, format string, args ...any) error {
	return Wrap(KindStageFatal, fmt.Sprintf(format, args...), cause)
}

func Timeout(format string, args ...any) error {
	return New(KindTimeout, fmt.Sprintf(format, args...))
}

func Cancelled(format string, args ...any) error {
	return New(KindCancelled, fmt.Sprintf(format, args...))
}

func Internal(cause error, format string, args ...any) error {
	return Wrap(KindInternal, fmt.Sprintf(format, args...), cause)
}
