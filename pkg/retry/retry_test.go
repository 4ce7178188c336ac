package retry

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/ChuLiYu/actorq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customErr struct{ msg string }

func (e *customErr) Error() string { return e.msg }

var errSentinel = errors.New("sentinel")

func newInput(retries int, err error, p Policy) Input {
	now := time.Now()
	return Input{
		Retries:          retries,
		MessageTimestamp: now,
		Now:              now,
		Policy:           p,
		Err:              err,
	}
}

// ============================================================================
// Decide
// ============================================================================

func TestDecideSuccessAndSkip(t *testing.T) {
	d := Decide(newInput(0, nil, DefaultPolicy()))
	assert.Equal(t, Success, d.Kind)

	in := newInput(0, errors.New("ignored"), DefaultPolicy())
	in.Skipped = true
	assert.Equal(t, Skip, Decide(in).Kind)
}

func TestDecideBoundedRetry(t *testing.T) {
	p := Policy{MaxRetries: 3, MinBackoff: 100 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}
	fail := errors.New("boom")

	attempts := 0
	retries := 0
	for {
		attempts++
		d := Decide(newInput(retries, fail, p))
		if d.Kind != Retry {
			assert.Equal(t, Abort, d.Kind)
			assert.Equal(t, ClassGeneric, d.Class)
			break
		}
		assert.GreaterOrEqual(t, d.Delay, p.MinBackoff)
		assert.LessOrEqual(t, d.Delay, p.MaxBackoff)
		retries++
	}

	assert.Equal(t, 4, attempts, "max_retries=3 means 1 attempt + 3 retries")
}

func TestDecideZeroRetriesNeverRetries(t *testing.T) {
	p := Policy{MaxRetries: 0, MinBackoff: time.Millisecond, MaxBackoff: time.Second}

	assert.Equal(t, Abort, Decide(newInput(0, errors.New("x"), p)).Kind)
	assert.Equal(t, Abort, Decide(newInput(0, types.Retry(100*time.Millisecond), p)).Kind,
		"explicit retry signals still count toward max_retries")
}

func TestDecideMaxAge(t *testing.T) {
	p := Policy{MaxRetries: 100, MinBackoff: 50 * time.Millisecond, MaxBackoff: 500 * time.Millisecond, MaxAge: 100 * time.Millisecond}
	now := time.Now()

	young := Input{Retries: 1, MessageTimestamp: now.Add(-50 * time.Millisecond), Now: now, Policy: p, Err: errors.New("x")}
	assert.Equal(t, Retry, Decide(young).Kind)

	old := Input{Retries: 1, MessageTimestamp: now.Add(-150 * time.Millisecond), Now: now, Policy: p, Err: errors.New("x")}
	assert.Equal(t, Abort, Decide(old).Kind)
}

func TestDecideExplicitRetryDelay(t *testing.T) {
	p := Policy{MaxRetries: 1, MinBackoff: time.Hour, MaxBackoff: 2 * time.Hour}

	d := Decide(newInput(0, types.Retry(100*time.Millisecond), p))
	require.Equal(t, Retry, d.Kind)
	assert.Equal(t, ClassRetrySignal, d.Class)
	assert.Equal(t, 100*time.Millisecond, d.Delay, "explicit delay bypasses backoff")

	d = Decide(newInput(0, types.Retry(0), p))
	require.Equal(t, Retry, d.Kind)
	assert.GreaterOrEqual(t, d.Delay, time.Hour, "zero delay falls back to backoff")
}

func TestDecideRetryWhenIsAuthoritative(t *testing.T) {
	shouldRetry := func(retries int, err error) bool {
		var ce *customErr
		return retries < 3 && errors.As(err, &ce)
	}
	p := Policy{MaxRetries: 0, MinBackoff: 100 * time.Millisecond, MaxBackoff: 100 * time.Millisecond, RetryWhen: shouldRetry}

	assert.Equal(t, Abort, Decide(newInput(0, errors.New("value error"), p)).Kind)

	attempts := 0
	for retries := 0; ; retries++ {
		attempts++
		d := Decide(newInput(retries, &customErr{"runtime"}, p))
		if d.Kind != Retry {
			break
		}
		assert.Equal(t, 100*time.Millisecond, d.Delay)
	}
	assert.Equal(t, 4, attempts)
}

func TestDecideExpectedFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		throws []Matcher
	}{
		{"type", &customErr{"expected"}, []Matcher{As[*customErr]()}},
		{"sentinel", fmt.Errorf("wrapped: %w", errSentinel), []Matcher{Is(errSentinel)}},
		{"second of several", errSentinel, []Matcher{As[*customErr](), Is(errSentinel)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			p.Throws = tt.throws
			d := Decide(newInput(0, tt.err, p))
			assert.Equal(t, Expected, d.Kind)
			assert.Equal(t, slog.LevelInfo, FailureLevel(d.Class))
		})
	}
}

func TestDecideRateLimitUsesBoundedPath(t *testing.T) {
	p := Policy{MaxRetries: 1, MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}

	d := Decide(newInput(0, types.RateLimitExceeded("exceeded"), p))
	assert.Equal(t, Retry, d.Kind)
	assert.Equal(t, ClassRateLimit, d.Class)
	assert.Equal(t, slog.LevelDebug, FailureLevel(d.Class))

	d = Decide(newInput(1, types.RateLimitExceeded("exceeded"), p))
	assert.Equal(t, Abort, d.Kind)
	assert.NotEqual(t, slog.LevelError, AbortLevel(d.Class))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNone, Classify(nil, nil))
	assert.Equal(t, ClassGeneric, Classify(errors.New("x"), nil))
	assert.Equal(t, ClassRetrySignal, Classify(fmt.Errorf("w: %w", types.Retry(0)), nil))
	assert.Equal(t, ClassTimeLimit, Classify(&types.TimeLimitExceededError{Limit: time.Second}, nil))
	assert.Equal(t, slog.LevelError, AbortLevel(ClassTimeLimit))
}

// ============================================================================
// Backoff
// ============================================================================

func TestBackoffBounds(t *testing.T) {
	minB, maxB := 100*time.Millisecond, 500*time.Millisecond

	for i := 0; i < 100; i++ {
		first := Backoff(1, minB, maxB)
		assert.GreaterOrEqual(t, first, minB)
		assert.LessOrEqual(t, first, minB+minB/4)
	}

	for attempt := 1; attempt < 64; attempt++ {
		d := Backoff(attempt, minB, maxB)
		assert.GreaterOrEqual(t, d, minB)
		assert.LessOrEqual(t, d, maxB)
	}

	assert.Equal(t, time.Duration(0), Backoff(3, 0, 0))
}

func TestBackoffGrowsExponentially(t *testing.T) {
	minB, maxB := 10*time.Millisecond, time.Hour

	assert.GreaterOrEqual(t, Backoff(4, minB, maxB), 80*time.Millisecond)
	assert.LessOrEqual(t, Backoff(4, minB, maxB), 100*time.Millisecond)
	assert.Equal(t, maxB, Backoff(1000, minB, maxB))
}
