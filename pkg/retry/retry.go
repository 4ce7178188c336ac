// Package retry decides what happens to a message after an attempt: success,
// skip, expected failure, retry with a delay, or final abort.
//
// Decide is a pure function of the attempt's outcome and the message's own
// state (retry count and creation timestamp); it never consults side tables.
package retry

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/actorq/pkg/types"
)

const (
	DefaultMaxRetries = 20
	DefaultMinBackoff = 15 * time.Second
	DefaultMaxBackoff = 7 * 24 * time.Hour
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Kind is the outcome of a single attempt.
type Kind int

const (
	Success Kind = iota
	Skip
	Expected
	Retry
	Abort
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Skip:
		return "skip"
	case Expected:
		return "expected"
	case Retry:
		return "retry"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Class is the failure category of an error raised by actor code.
type Class int

const (
	ClassNone Class = iota
	ClassGeneric
	ClassExpected
	ClassRetrySignal
	ClassRateLimit
	ClassTimeLimit
)

// Matcher recognizes an error as one an actor declared it throws.
type Matcher func(err error) bool

// Is matches errors wrapping target.
func Is(target error) Matcher {
	return func(err error) bool { return errors.Is(err, target) }
}

// As matches errors whose chain contains a value of type T.
func As[T error]() Matcher {
	return func(err error) bool {
		var t T
		return errors.As(err, &t)
	}
}

// Policy is the resolved set of retry options for one message.
type Policy struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	MaxAge     time.Duration // 0 = no age limit
	RetryWhen  func(retries int, err error) bool
	Throws     []Matcher
}

// DefaultPolicy returns the policy used when an actor declares nothing.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		MinBackoff: DefaultMinBackoff,
		MaxBackoff: DefaultMaxBackoff,
	}
}

// Input describes one finished (or skipped) attempt.
type Input struct {
	Retries          int // retries already scheduled before this attempt
	MessageTimestamp time.Time
	Now              time.Time
	Policy           Policy
	Err              error
	Skipped          bool
}

// Decision is what the worker must do next.
type Decision struct {
	Kind  Kind
	Class Class
	Delay time.Duration
}

// Classify puts err into a failure class, honoring the actor's throws list.
func Classify(err error, throws []Matcher) Class {
	if err == nil {
		return ClassNone
	}
	for _, m := range throws {
		if m != nil && m(err) {
			return ClassExpected
		}
	}

	var (
		re *types.RetryError
		rl *types.RateLimitExceededError
		tl *types.TimeLimitExceededError
	)
	switch {
	case errors.As(err, &re):
		return ClassRetrySignal
	case errors.As(err, &rl):
		return ClassRateLimit
	case errors.As(err, &tl):
		return ClassTimeLimit
	default:
		return ClassGeneric
	}
}

// Decide applies the retry rules to one attempt.
func Decide(in Input) Decision {
	if in.Skipped {
		return Decision{Kind: Skip}
	}
	if in.Err == nil {
		return Decision{Kind: Success}
	}

	class := Classify(in.Err, in.Policy.Throws)
	if class == ClassExpected {
		return Decision{Kind: Expected, Class: class}
	}

	if !shouldRetry(in) {
		return Decision{Kind: Abort, Class: class}
	}

	var re *types.RetryError
	if errors.As(in.Err, &re) && re.Delay > 0 {
		return Decision{Kind: Retry, Class: class, Delay: re.Delay}
	}

	return Decision{
		Kind:  Retry,
		Class: class,
		Delay: Backoff(in.Retries+1, in.Policy.MinBackoff, in.Policy.MaxBackoff),
	}
}

func shouldRetry(in Input) bool {
	// A retry predicate overrides both the retry ceiling and the age limit.
	if in.Policy.RetryWhen != nil {
		return in.Policy.RetryWhen(in.Retries, in.Err)
	}

	if in.Retries >= in.Policy.MaxRetries {
		return false
	}

	if in.Policy.MaxAge > 0 && in.Now.Sub(in.MessageTimestamp) > in.Policy.MaxAge {
		return false
	}

	return true
}

// Backoff returns the delay before retry number attempt (1-based):
// minBackoff doubled per previous retry, plus up to 25% jitter, clamped to
// [minBackoff, maxBackoff].
func Backoff(attempt int, minBackoff, maxBackoff time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}

	delay := minBackoff
	for i := 1; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}

	if delay > 0 {
		randMu.Lock()
		jitter := time.Duration(randSource.Int63n(int64(delay/4) + 1))
		randMu.Unlock()
		delay += jitter
	}

	if delay > maxBackoff {
		delay = maxBackoff
	}
	if delay < minBackoff {
		delay = minBackoff
	}
	return delay
}

// FailureLevel is the level at which a failed attempt of class c is logged.
func FailureLevel(c Class) slog.Level {
	switch c {
	case ClassExpected:
		return slog.LevelInfo
	case ClassRetrySignal, ClassRateLimit:
		return slog.LevelDebug
	default:
		return slog.LevelWarn
	}
}

// AbortLevel is the level at which the final abort of class c is logged.
// Only ordinary failures reach error severity.
func AbortLevel(c Class) slog.Level {
	switch c {
	case ClassExpected:
		return slog.LevelInfo
	case ClassRetrySignal, ClassRateLimit:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
