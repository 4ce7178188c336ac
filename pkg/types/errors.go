package types

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Signals
// Actor code and middleware return these to steer the worker instead of
// failing with an ordinary error.
// ============================================================================

// ErrSkipMessage is returned by a before-process hook to consume a message
// without invoking its actor.
var ErrSkipMessage = errors.New("skip message")

// RetryError asks for the message to be retried. A zero Delay means the
// computed backoff is used.
type RetryError struct {
	Delay time.Duration
}

func (e *RetryError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("retry requested (delay=%s)", e.Delay)
	}
	return "retry requested"
}

// Retry returns a retry signal carrying an explicit delay.
func Retry(delay time.Duration) error {
	return &RetryError{Delay: delay}
}

// RateLimitExceededError reports that the actor gave up because a rate limit
// was hit. It is retried like any other failure but only logged at debug.
type RateLimitExceededError struct {
	Reason string
}

func (e *RateLimitExceededError) Error() string {
	return "rate limit exceeded: " + e.Reason
}

// RateLimitExceeded builds a rate-limit signal.
func RateLimitExceeded(reason string) error {
	return &RateLimitExceededError{Reason: reason}
}

// TimeLimitExceededError is recorded when an invocation overruns its time limit.
type TimeLimitExceededError struct {
	Limit time.Duration
}

func (e *TimeLimitExceededError) Error() string {
	return fmt.Sprintf("time limit exceeded (%s)", e.Limit)
}

// ============================================================================
// Validation
// ============================================================================

// ValidationError reports malformed actor, queue or message configuration.
// It is raised synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a *ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is, or wraps, a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
