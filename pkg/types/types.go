// Package types defines the core domain model shared by the actor registry,
// the broker, and the worker pool.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is the queue actors are bound to when none is given.
const DefaultQueueName = "default"

// MessageID uniquely identifies one actor invocation across all of its retries.
type MessageID string

// Millis is a duration carried on the wire as whole milliseconds.
type Millis int64

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// Ms converts d to a *Millis, for filling optional option fields.
func Ms(d time.Duration) *Millis {
	m := Millis(d / time.Millisecond)
	return &m
}

// Int returns a pointer to v, for filling optional option fields.
func Int(v int) *int {
	return &v
}

// MessageOptions carries per-message overrides plus the retry bookkeeping the
// engine keeps on the message itself.
type MessageOptions struct {
	// Caller-settable overrides (nil = inherit from the actor).
	Delay      *Millis `json:"delay,omitempty"`
	MaxRetries *int    `json:"max_retries,omitempty"`
	MinBackoff *Millis `json:"min_backoff,omitempty"`
	MaxBackoff *Millis `json:"max_backoff,omitempty"`
	TimeLimit  *Millis `json:"time_limit,omitempty"`

	// Engine-owned state. Retries is the number of retries already scheduled,
	// ETA the Unix-millisecond time before which the message is not deliverable.
	Retries   int    `json:"retries,omitempty"`
	ETA       int64  `json:"eta,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Validate checks the caller-settable fields.
func (o MessageOptions) Validate() error {
	if o.Delay != nil && *o.Delay < 0 {
		return NewValidationError("delay", "must be >= 0")
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		return NewValidationError("max_retries", "must be >= 0")
	}
	if o.MinBackoff != nil && *o.MinBackoff < 0 {
		return NewValidationError("min_backoff", "must be >= 0")
	}
	if o.MaxBackoff != nil && *o.MaxBackoff < 0 {
		return NewValidationError("max_backoff", "must be >= 0")
	}
	if o.MinBackoff != nil && o.MaxBackoff != nil && *o.MinBackoff > *o.MaxBackoff {
		return NewValidationError("min_backoff", "must be <= max_backoff")
	}
	if o.TimeLimit != nil && *o.TimeLimit < 0 {
		return NewValidationError("time_limit", "must be >= 0")
	}
	return nil
}

func (o MessageOptions) clone() MessageOptions {
	c := o
	if o.Delay != nil {
		v := *o.Delay
		c.Delay = &v
	}
	if o.MaxRetries != nil {
		v := *o.MaxRetries
		c.MaxRetries = &v
	}
	if o.MinBackoff != nil {
		v := *o.MinBackoff
		c.MinBackoff = &v
	}
	if o.MaxBackoff != nil {
		v := *o.MaxBackoff
		c.MaxBackoff = &v
	}
	if o.TimeLimit != nil {
		v := *o.TimeLimit
		c.TimeLimit = &v
	}
	return c
}

// Message is one queued invocation of an actor. Values are treated as
// immutable once created: retries produce a new Message via WithRetry.
type Message struct {
	MessageID        MessageID      `json:"message_id"`
	QueueName        string         `json:"queue_name"`
	ActorName        string         `json:"actor_name"`
	Args             []any          `json:"args"`
	Kwargs           map[string]any `json:"kwargs"`
	Options          MessageOptions `json:"options"`
	MessageTimestamp int64          `json:"message_timestamp"` // Unix milliseconds
}

// NewMessage builds a message with a fresh ID and creation timestamp.
func NewMessage(queueName, actorName string, args []any, kwargs map[string]any, opts MessageOptions) *Message {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return &Message{
		MessageID:        MessageID(uuid.NewString()),
		QueueName:        queueName,
		ActorName:        actorName,
		Args:             args,
		Kwargs:           kwargs,
		Options:          opts.clone(),
		MessageTimestamp: time.Now().UnixMilli(),
	}
}

// Copy returns a copy whose slices, maps and options can be changed freely.
func (m *Message) Copy() *Message {
	c := *m
	c.Args = append([]any{}, m.Args...)
	c.Kwargs = make(map[string]any, len(m.Kwargs))
	for k, v := range m.Kwargs {
		c.Kwargs[k] = v
	}
	c.Options = m.Options.clone()
	return &c
}

// WithRetry returns the message for the next attempt: same identity and
// timestamp, one more retry recorded, deliverable no earlier than eta.
func (m *Message) WithRetry(eta time.Time, cause error) *Message {
	c := m.Copy()
	c.Options.Retries++
	c.Options.ETA = eta.UnixMilli()
	if cause != nil {
		c.Options.LastError = cause.Error()
	}
	return c
}

// Age is the time elapsed since the message was first created.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.MessageTimestamp))
}

// String identifies the message in log lines.
func (m *Message) String() string {
	return string(m.MessageID)
}

// Describe renders a human-readable form of the full invocation.
func (m *Message) Describe() string {
	return fmt.Sprintf("%s(%v, %v) on %q [id=%s retries=%d]",
		m.ActorName, m.Args, m.Kwargs, m.QueueName, m.MessageID, m.Options.Retries)
}

// Encode serializes the message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a message previously produced by Encode.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}
