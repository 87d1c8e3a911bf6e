package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// NoRetry marks an error as permanent.
//
// Notifier implementations wrap rejected-recipient or malformed-payload
// failures with NoRetry so the orchestrator aborts instead of burning
// attempts.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// Transient marks an error as retryable regardless of its underlying type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

// RetryAfter marks an error as transient with a suggested delay before the
// next attempt, e.g. when the vendor returns a Retry-After header on 429.
// The policy respects the hint (bounded by MaxDelay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// IsTransient classifies an error for retry purposes.
//
// Transient: explicitly marked (Transient, RetryAfter), network errors and
// timeouts, and HTTP 408/429/5xx. Everything else, including NoRetry and
// unclassified failures, is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsNoRetry(err) {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == 408 || code == 429 || code >= 500
	}
	return false
}
