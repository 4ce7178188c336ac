package actor

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/actorq/pkg/retry"
	"github.com/ChuLiYu/actorq/pkg/types"
)

var queueNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// allowedKeys lists the option keys accepted from untyped sources (YAML,
// JSON). RetryWhen and Throws can only be set in code.
var allowedKeys = map[string]struct{}{
	"max_retries": {},
	"min_backoff": {},
	"max_backoff": {},
	"max_age":     {},
	"time_limit":  {},
	"priority":    {},
}

// Options are the declared defaults of an actor. Nil pointers inherit the
// engine defaults.
type Options struct {
	MaxRetries *int
	MinBackoff *time.Duration
	MaxBackoff *time.Duration
	MaxAge     *time.Duration
	TimeLimit  *time.Duration

	// Priority orders deliverable messages; lower runs first. Nil keeps the
	// current priority (0 for a new actor).
	Priority *int

	// RetryWhen, when set, alone decides whether a failure is retried.
	RetryWhen func(retries int, err error) bool

	// Throws lists errors that are expected: logged at info, never retried.
	Throws []retry.Matcher
}

// Duration returns a pointer to d, for filling Options.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// Validate checks value ranges.
func (o Options) Validate() error {
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		return types.NewValidationError("max_retries", "must be >= 0")
	}
	for key, d := range map[string]*time.Duration{
		"min_backoff": o.MinBackoff,
		"max_backoff": o.MaxBackoff,
		"max_age":     o.MaxAge,
		"time_limit":  o.TimeLimit,
	} {
		if d != nil && *d < 0 {
			return types.NewValidationError(key, "must be >= 0")
		}
	}
	if o.MinBackoff != nil && o.MaxBackoff != nil && *o.MinBackoff > *o.MaxBackoff {
		return types.NewValidationError("min_backoff", "must be <= max_backoff")
	}
	return nil
}

// merge overlays the fields set in other on top of o.
func (o Options) merge(other Options) Options {
	if other.MaxRetries != nil {
		o.MaxRetries = other.MaxRetries
	}
	if other.MinBackoff != nil {
		o.MinBackoff = other.MinBackoff
	}
	if other.MaxBackoff != nil {
		o.MaxBackoff = other.MaxBackoff
	}
	if other.MaxAge != nil {
		o.MaxAge = other.MaxAge
	}
	if other.TimeLimit != nil {
		o.TimeLimit = other.TimeLimit
	}
	if other.Priority != nil {
		o.Priority = other.Priority
	}
	if other.RetryWhen != nil {
		o.RetryWhen = other.RetryWhen
	}
	if len(other.Throws) > 0 {
		o.Throws = other.Throws
	}
	return o
}

// OptionsFromMap builds Options from an untyped mapping. Durations are given
// in milliseconds. Unknown keys are rejected.
func OptionsFromMap(raw map[string]any) (Options, error) {
	var unknown []string
	for key := range raw {
		if _, ok := allowedKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Options{}, types.NewValidationError("options",
			fmt.Sprintf("unrecognized keys: %s", strings.Join(unknown, ", ")))
	}

	var o Options
	for key, value := range raw {
		n, err := toInt64(key, value)
		if err != nil {
			return Options{}, err
		}

		switch key {
		case "max_retries":
			v := int(n)
			o.MaxRetries = &v
		case "priority":
			v := int(n)
			o.Priority = &v
		case "min_backoff":
			o.MinBackoff = Duration(time.Duration(n) * time.Millisecond)
		case "max_backoff":
			o.MaxBackoff = Duration(time.Duration(n) * time.Millisecond)
		case "max_age":
			o.MaxAge = Duration(time.Duration(n) * time.Millisecond)
		case "time_limit":
			o.TimeLimit = Duration(time.Duration(n) * time.Millisecond)
		}
	}

	return o, o.Validate()
}

func toInt64(key string, value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, types.NewValidationError(key, "out of range")
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, types.NewValidationError(key, "must be a whole number")
		}
		return int64(v), nil
	default:
		return 0, types.NewValidationError(key, fmt.Sprintf("unsupported value type %T", value))
	}
}

// ValidateQueueName checks a queue name against the allowed charset.
func ValidateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return types.NewValidationError("queue_name", fmt.Sprintf("%q must match %s", name, queueNamePattern))
	}
	return nil
}
