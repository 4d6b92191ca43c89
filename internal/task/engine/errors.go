package engine

import (
	"errors"
	"fmt"
	"time"
)

// Enqueue and worker errors.
var (
	ErrDisabled    = errors.New("taskengine: disabled")
	ErrStopped     = errors.New("taskengine: stopped")
	ErrStopping    = errors.New("taskengine: stopping")
	ErrQueueFull   = errors.New("taskengine: queue full")
	ErrOverlapSkip = errors.New("taskengine: previous firing still running")
)

// permanentError is a failure that another attempt cannot fix, such as a
// webhook answering 400 or a subject without a chat id.
type permanentError struct{ err error }

func (e permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// NoRetry marks err as permanent. Both the engine and notifier.WithRetry
// give up on it immediately.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsNoRetry reports whether err, or anything it wraps, was marked by NoRetry.
func IsNoRetry(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// RetryAfterError carries the delay a remote asked for before the next
// attempt. BackoffWithHint honors it up to RetryMaxDelay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e delayedError) Error() string {
	return fmt.Sprintf("%v (retry in %s)", e.err, e.after)
}
func (e delayedError) Unwrap() error             { return e.err }
func (e delayedError) RetryAfter() time.Duration { return e.after }

// RetryAfter attaches a delay hint to err, typically parsed from a webhook's
// Retry-After header. Negative delays become zero.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return delayedError{err: err, after: max(after, 0)}
}
