// Package broker owns named queues, the dead-letter sink and the middleware
// chain, and mediates all enqueue and dequeue traffic between actors and the
// worker pool.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/actorq/pkg/actor"
	"github.com/ChuLiYu/actorq/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrBrokerClosed is returned by every operation after Close.
	ErrBrokerClosed = errors.New("broker is closed")
	// ErrQueueNotFound is returned for queues that were never declared.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrNotInFlight is returned when acking a delivery the broker no longer tracks.
	ErrNotInFlight = errors.New("delivery not in flight")
	// ErrTimeout is returned by Get when no message became deliverable in time.
	ErrTimeout = errors.New("timed out waiting for message")
	// ErrDeadLettered is returned by a fail-fast Join when a message of the
	// joined queue was dead-lettered while waiting.
	ErrDeadLettered = errors.New("message was dead-lettered")
)

// ============================================================================
// Types
// ============================================================================

// Delivery is one message handed to a worker. It stays in flight until it is
// acked, requeued or dead-lettered.
type Delivery struct {
	Message    *types.Message
	Queue      string    // queue the message was fetched from
	Tag        uint64    // broker-unique id of this delivery attempt
	Priority   int       // actor priority resolved at enqueue time
	ReceivedAt time.Time // when the worker fetched it
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Ready        int `json:"ready"`
	Delayed      int `json:"delayed"`
	InFlight     int `json:"in_flight"`
	DeadLettered int `json:"dead_lettered"`
}

// Pending reports whether the queue still has work that Join would wait on.
func (s QueueStats) Pending() bool {
	return s.Ready+s.Delayed+s.InFlight > 0
}

// Broker is the contract between actors, workers and the queue transport.
type Broker interface {
	// DeclareQueue creates the named queue if absent. It is idempotent.
	DeclareQueue(name string) error
	// Queues lists declared queue names in sorted order.
	Queues() []string

	// Enqueue stores msg, deliverable once delay has elapsed, and returns the
	// message as stored. The queue is declared on first use.
	Enqueue(msg *types.Message, delay time.Duration) (*types.Message, error)
	// Fetch blocks up to timeout for the most urgent deliverable message across
	// queues. It returns a nil delivery when the timeout elapses.
	Fetch(ctx context.Context, queues []string, timeout time.Duration) (*Delivery, error)
	// Ack removes a delivery for good.
	Ack(d *Delivery) error
	// Requeue atomically enqueues msg (normally the retried copy of the
	// delivered message) and acks d.
	Requeue(d *Delivery, msg *types.Message, delay time.Duration) error
	// DeadLetter appends the delivered message verbatim to the dead-letter
	// sink and acks it.
	DeadLetter(d *Delivery) error

	// Get removes the next deliverable message of queue and returns it encoded.
	Get(queue string, timeout time.Duration) ([]byte, error)
	// Join blocks until queue has no ready, delayed or in-flight messages.
	Join(ctx context.Context, queue string, failFast bool) error

	// AddMiddleware appends mw to the hook chain.
	AddMiddleware(mw Middleware)
	// Pipeline returns the hook chain runner.
	Pipeline() *Pipeline

	// DeadLetters lists dead-lettered messages of queue; "" lists all.
	DeadLetters(queue string) ([]*types.Message, error)
	// Stats returns per-queue counters keyed by queue name.
	Stats() map[string]QueueStats
	// Registry is the actor registry this broker resolves priorities against.
	Registry() *actor.Registry

	Close() error
}
