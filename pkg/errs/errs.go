// Package errs defines the error kinds shared across the service and the
// helpers for classifying and propagating them. Kinds describe how a failure
// should be handled (retried, surfaced, treated as success), not where it
// came from.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind categorizes an error for propagation decisions.
type Kind string

const (
	KindDuplicate       Kind = "duplicate"
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation"
	KindUpstream        Kind = "upstream"
	KindRateLimited     Kind = "rate_limited"
	KindUnauthenticated Kind = "unauthenticated"
	KindUnsupported     Kind = "unsupported"
	KindTimeout         Kind = "timeout"
	KindTransient       Kind = "transient"
	KindFatal           Kind = "fatal"
)

// Retryable reports whether the queue should retry work that failed with
// this kind. Duplicate is success-shaped and Validation never heals, so
// neither retries.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindTransient, KindUpstream:
		return true
	}
	return false
}

// Error is a kinded error. Details carries structured context for API
// responses; RetryAfter is set on rate-limit errors when the upstream
// provided one.
type Error struct {
	Kind       Kind
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two kinded errors by kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a kinded error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Convenience constructors for the common kinds.

func Duplicatef(format string, args ...any) *Error { return Newf(KindDuplicate, format, args...) }
func NotFoundf(format string, args ...any) *Error  { return Newf(KindNotFound, format, args...) }
func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}
func Upstreamf(format string, args ...any) *Error { return Newf(KindUpstream, format, args...) }
func Unsupportedf(format string, args ...any) *Error {
	return Newf(KindUnsupported, format, args...)
}

// RateLimited creates a rate-limit error with an optional retry-after hint.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// KindOf classifies an arbitrary error. Context cancellation and deadline
// exhaustion map to Timeout; unkinded errors default to Fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsDuplicate reports whether err is a duplicate-insert error, which callers
// treat as success with the existing row.
func IsDuplicate(err error) bool { return IsKind(err, KindDuplicate) }

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsRetryable reports whether the error should be retried by the queue.
func IsRetryable(err error) bool { return KindOf(err).Retryable() }
