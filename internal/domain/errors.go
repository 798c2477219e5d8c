package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the gateway's internal error taxonomy. Every failure is
// classified into one of these before it reaches a protocol formatter, so
// callers always receive a well-formed, protocol-native error body.
type ErrorKind string

const (
	KindInvalidRequest ErrorKind = "invalid_request"
	KindAuthFailed     ErrorKind = "auth_failed"
	KindRateLimited    ErrorKind = "rate_limited"
	KindNotFound       ErrorKind = "not_found"
	KindUnavailable    ErrorKind = "unavailable"
	KindInternal       ErrorKind = "internal"
)

// ErrCacheMiss is returned by stores when a key does not exist.
var ErrCacheMiss = errors.New("not found in store")

// Error is a classified gateway error.
type Error struct {
	Kind    ErrorKind
	Message string

	// Retryable marks transient failures eligible for retry/fallback.
	Retryable bool

	// RetryAfter carries a provider-supplied backoff hint, when present.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ValidationError builds a non-retryable invalid_request error.
func ValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// AuthError builds a non-retryable auth_failed error.
func AuthError(message string) *Error {
	return &Error{Kind: KindAuthFailed, Message: message}
}

// RateLimitError builds a retryable rate_limited error with an optional
// provider backoff hint.
func RateLimitError(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, Retryable: true, RetryAfter: retryAfter}
}

// NotFoundError builds a non-retryable not_found error.
func NotFoundError(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// UnavailableError builds an unavailable error. It is not retried against
// the same pool; the routing layer may attempt one fallback reselection.
func UnavailableError(message string) *Error {
	return &Error{Kind: KindUnavailable, Message: message}
}

// TransientError builds a retryable internal error (timeout or upstream
// 5xx-equivalent).
func TransientError(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// InternalError builds a non-retryable internal error.
func InternalError(message string) *Error {
	return &Error{Kind: KindInternal, Message: message}
}

// AsError classifies an arbitrary error into the taxonomy. Already
// classified errors pass through; context expiry becomes a retryable
// timeout; everything else is internal with a generic message so internal
// detail never leaks to callers.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindInternal, Message: "upstream request timed out", Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindInternal, Message: "request canceled"}
	}

	return &Error{Kind: KindInternal, Message: "internal error"}
}

// IsRetryable reports whether err is a transient failure eligible for
// retry with backoff.
func IsRetryable(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
