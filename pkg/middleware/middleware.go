// Package middleware provides ready-made broker middlewares.
package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/actorq/pkg/broker"
	"github.com/ChuLiYu/actorq/pkg/types"
)

// Funcs adapts plain functions to broker.Middleware. Nil hooks are no-ops.
type Funcs struct {
	Before    func(ctx context.Context, b broker.Broker, msg *types.Message) error
	After     func(ctx context.Context, b broker.Broker, msg *types.Message, result any, err error) error
	AfterSkip func(ctx context.Context, b broker.Broker, msg *types.Message) error
}

var _ broker.Middleware = Funcs{}

func (f Funcs) BeforeProcessMessage(ctx context.Context, b broker.Broker, msg *types.Message) error {
	if f.Before == nil {
		return nil
	}
	return f.Before(ctx, b, msg)
}

func (f Funcs) AfterProcessMessage(ctx context.Context, b broker.Broker, msg *types.Message, result any, err error) error {
	if f.After == nil {
		return nil
	}
	return f.After(ctx, b, msg, result, err)
}

func (f Funcs) AfterSkipMessage(ctx context.Context, b broker.Broker, msg *types.Message) error {
	if f.AfterSkip == nil {
		return nil
	}
	return f.AfterSkip(ctx, b, msg)
}

// Recorder receives per-message measurements. internal/metrics.Collector
// implements it.
type Recorder interface {
	RecordDispatch(actor, queue string)
	RecordCompleted(actor, queue string, latencySeconds float64)
	RecordFailed(actor, queue string, latencySeconds float64)
	RecordSkipped(actor, queue string)
}

// Metrics reports every processed message to a Recorder.
type Metrics struct {
	rec    Recorder
	starts sync.Map // types.MessageID -> time.Time
	now    func() time.Time
}

var _ broker.Middleware = (*Metrics)(nil)

// NewMetrics creates a metrics middleware reporting to rec.
func NewMetrics(rec Recorder) *Metrics {
	return &Metrics{rec: rec, now: time.Now}
}

func (m *Metrics) BeforeProcessMessage(_ context.Context, _ broker.Broker, msg *types.Message) error {
	m.starts.Store(msg.MessageID, m.now())
	m.rec.RecordDispatch(msg.ActorName, msg.QueueName)
	return nil
}

func (m *Metrics) AfterProcessMessage(_ context.Context, _ broker.Broker, msg *types.Message, _ any, err error) error {
	var latency float64
	if v, ok := m.starts.LoadAndDelete(msg.MessageID); ok {
		latency = m.now().Sub(v.(time.Time)).Seconds()
	}

	if err != nil {
		m.rec.RecordFailed(msg.ActorName, msg.QueueName, latency)
	} else {
		m.rec.RecordCompleted(msg.ActorName, msg.QueueName, latency)
	}
	return nil
}

func (m *Metrics) AfterSkipMessage(_ context.Context, _ broker.Broker, msg *types.Message) error {
	m.starts.Delete(msg.MessageID)
	m.rec.RecordSkipped(msg.ActorName, msg.QueueName)
	return nil
}
