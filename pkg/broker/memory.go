// ============================================================================
// actorq MemoryBroker - in-process queues
// ============================================================================
//
// Package: pkg/broker
// File: memory.go
//
// Per-queue state:
//   delayed  (eta, seq)            ── promote when eta ≤ now ──┐
//   ready    (priority, due, seq)  ←───────────────────────────┘
//   inFlight tag → Delivery         ← Fetch pops ready
//
// Message states:
//   Enqueue  → delayed or ready
//   Fetch    → in flight
//   Ack      → gone
//   Requeue  → in flight gone, retried copy back to delayed/ready
//   DeadLetter → in flight gone, original appended to the sink
//
// Concurrency:
//   One mutex guards every queue. Waiters (Fetch, Join) block on the current
//   `changed` channel, which every state change closes and replaces.
//
// ============================================================================

package broker

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/actorq/internal/codec"
	"github.com/ChuLiYu/actorq/internal/storage/deadletter"
	"github.com/ChuLiYu/actorq/pkg/actor"
	"github.com/ChuLiYu/actorq/pkg/types"
)

// ============================================================================
// Options
// ============================================================================

// Option configures a MemoryBroker.
type Option func(*MemoryBroker)

// WithLogger sets the broker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *MemoryBroker) { b.logger = logger }
}

// WithCodec sets the codec Get encodes with.
func WithCodec(c codec.Codec) Option {
	return func(b *MemoryBroker) { b.codec = c }
}

// WithDeadLetterSink replaces the in-memory dead-letter sink. The broker
// closes the sink on Close.
func WithDeadLetterSink(s deadletter.Sink) Option {
	return func(b *MemoryBroker) { b.dead = s }
}

// ============================================================================
// MemoryBroker
// ============================================================================

// memQueue is the state of one named queue. It is only touched with the
// broker mutex held.
type memQueue struct {
	name string

	// ready holds deliverable entries, delayed those waiting for their ETA.
	ready   readyHeap
	delayed delayHeap

	// inFlight tracks fetched deliveries by tag until they are acked,
	// requeued or dead-lettered.
	inFlight map[uint64]*Delivery

	// dead counts dead letters routed from this queue; Join uses it for
	// fail-fast.
	dead int
}

func newMemQueue(name string) *memQueue {
	return &memQueue{name: name, inFlight: make(map[uint64]*Delivery)}
}

func (q *memQueue) stats() QueueStats {
	return QueueStats{
		Ready:        q.ready.Len(),
		Delayed:      q.delayed.Len(),
		InFlight:     len(q.inFlight),
		DeadLettered: q.dead,
	}
}

// promote moves every delayed entry whose ETA has passed to the ready heap.
// Entries keep their due time (the ETA), so they are ordered among
// themselves and against immediate sends by when they became deliverable.
func (q *memQueue) promote(nowMs int64) {
	for q.delayed.Len() > 0 && q.delayed[0].eta <= nowMs {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}

// MemoryBroker keeps all queue state in process memory. Each queue holds a
// ready heap ordered by (priority, due, seq) and a delay heap ordered by
// (eta, seq); delayed entries move to the ready heap once due.
type MemoryBroker struct {
	// mu guards every field below except the immutable collaborators.
	mu     sync.Mutex
	queues map[string]*memQueue
	seq    uint64 // last enqueue sequence number handed out
	tag    uint64 // last delivery tag handed out

	// changed is closed and replaced on every state change, waking all
	// goroutines blocked in Fetch or Join.
	changed chan struct{}
	closed  bool

	// Collaborators, fixed at construction
	registry *actor.Registry
	pipeline *Pipeline
	dead     deadletter.Sink
	codec    codec.Codec
	logger   *slog.Logger
}

// NewMemoryBroker creates a broker bound to registry: actor sends go to it and
// message priorities are resolved from it.
func NewMemoryBroker(registry *actor.Registry, opts ...Option) *MemoryBroker {
	b := &MemoryBroker{
		queues:   make(map[string]*memQueue),
		changed:  make(chan struct{}),
		registry: registry,
		codec:    codec.JSON{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.dead == nil {
		b.dead = deadletter.NewMemory()
	}
	b.pipeline = NewPipeline(b.logger)

	if registry != nil {
		registry.Bind(b)
	}
	return b
}

// notifyLocked wakes every goroutine waiting in Fetch or Join.
func (b *MemoryBroker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *MemoryBroker) declareLocked(name string) (*memQueue, error) {
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	if err := actor.ValidateQueueName(name); err != nil {
		return nil, err
	}
	q := newMemQueue(name)
	b.queues[name] = q
	b.logger.With("queue", name).Debug("queue declared")
	return q, nil
}

func (b *MemoryBroker) DeclareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	_, err := b.declareLocked(name)
	return err
}

func (b *MemoryBroker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *MemoryBroker) priorityOf(actorName string) int {
	if b.registry == nil {
		return 0
	}
	if a, ok := b.registry.Lookup(actorName); ok {
		return a.Priority()
	}
	return 0
}

// Enqueue validates, resolves the actor priority outside the lock, then stores
// a copy of msg.
func (b *MemoryBroker) Enqueue(msg *types.Message, delay time.Duration) (*types.Message, error) {
	if msg == nil {
		return nil, types.NewValidationError("message", "must not be nil")
	}
	if delay < 0 {
		return nil, types.NewValidationError("delay", "must be >= 0")
	}

	priority := b.priorityOf(msg.ActorName)

	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.enqueueLocked(msg, delay, priority)
	if err != nil {
		return nil, err
	}
	b.notifyLocked()
	return stored, nil
}

// enqueueLocked stores a copy of msg. A positive delay sets the ETA, rounded
// up to the next millisecond, unless the message already carries a later one.
func (b *MemoryBroker) enqueueLocked(msg *types.Message, delay time.Duration, priority int) (*types.Message, error) {
	if b.closed {
		return nil, ErrBrokerClosed
	}

	q, err := b.declareLocked(msg.QueueName)
	if err != nil {
		return nil, err
	}

	stored := msg.Copy()
	if delay > 0 {
		due := time.Now().Add(delay).UnixNano()
		if eta := (due + int64(time.Millisecond) - 1) / int64(time.Millisecond); eta > stored.Options.ETA {
			stored.Options.ETA = eta
		}
	}

	// A delayed entry is due at its ETA; anything else is due now.
	nowMs := time.Now().UnixMilli()
	b.seq++
	e := &entry{msg: stored, priority: priority, seq: b.seq, eta: stored.Options.ETA, due: nowMs}
	if e.eta > 0 {
		e.due = e.eta
	}
	if e.eta > nowMs {
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}

	b.logger.
		With("message_id", stored.MessageID).
		With("queue", q.name).
		With("actor", stored.ActorName).
		With("delay", delay).
		Debug("message enqueued")

	return stored.Copy(), nil
}

// Fetch scans queues for the most urgent deliverable entry. When none is
// ready it sleeps until the next state change, the next ETA among queues,
// or the timeout, whichever comes first.
func (b *MemoryBroker) Fetch(ctx context.Context, queues []string, timeout time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(timeout)

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}

		now := time.Now()
		if d := b.popLocked(queues, now); d != nil {
			b.mu.Unlock()
			return d, nil
		}

		// Sleep no longer than the earliest pending ETA
		wait := deadline.Sub(now)
		if next, ok := b.nextETALocked(queues); ok {
			if untilDue := time.UnixMilli(next).Sub(now); untilDue < wait {
				wait = untilDue
			}
		}
		changed := b.changed
		b.mu.Unlock()

		if !now.Before(deadline) {
			return nil, nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// popLocked takes the most urgent deliverable entry across queues and marks
// it in flight.
func (b *MemoryBroker) popLocked(queues []string, now time.Time) *Delivery {
	nowMs := now.UnixMilli()

	var best *memQueue
	for _, name := range queues {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		q.promote(nowMs)
		if q.ready.Len() == 0 {
			continue
		}
		if best == nil || before(q.ready[0], best.ready[0]) {
			best = q
		}
	}
	if best == nil {
		return nil
	}

	e := heap.Pop(&best.ready).(*entry)
	b.tag++
	d := &Delivery{
		Message:    e.msg,
		Queue:      best.name,
		Tag:        b.tag,
		Priority:   e.priority,
		ReceivedAt: now,
	}
	best.inFlight[d.Tag] = d
	return d
}

// nextETALocked returns the earliest ETA among the delayed entries of queues.
func (b *MemoryBroker) nextETALocked(queues []string) (int64, bool) {
	var (
		next  int64
		found bool
	)
	for _, name := range queues {
		q, ok := b.queues[name]
		if !ok || q.delayed.Len() == 0 {
			continue
		}
		if eta := q.delayed[0].eta; !found || eta < next {
			next, found = eta, true
		}
	}
	return next, found
}

// ackLocked forgets an in-flight delivery without waking waiters.
func (b *MemoryBroker) ackLocked(d *Delivery) error {
	if d == nil {
		return ErrNotInFlight
	}
	q, ok := b.queues[d.Queue]
	if !ok {
		return ErrQueueNotFound
	}
	if _, ok := q.inFlight[d.Tag]; !ok {
		return ErrNotInFlight
	}
	delete(q.inFlight, d.Tag)
	return nil
}

func (b *MemoryBroker) Ack(d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ackLocked(d); err != nil {
		return err
	}
	b.notifyLocked()
	return nil
}

// Requeue settles d and stores msg under one lock, so Join never observes
// the queue empty between the two.
func (b *MemoryBroker) Requeue(d *Delivery, msg *types.Message, delay time.Duration) error {
	if msg == nil {
		return types.NewValidationError("message", "must not be nil")
	}
	priority := b.priorityOf(msg.ActorName)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if err := b.ackLocked(d); err != nil {
		return err
	}
	if _, err := b.enqueueLocked(msg, delay, priority); err != nil {
		return err
	}
	b.notifyLocked()
	return nil
}

func (b *MemoryBroker) DeadLetter(d *Delivery) error {
	if d == nil {
		return ErrNotInFlight
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// The delivery must still be in flight before anything is stored, so a
	// second DeadLetter of the same delivery fails without a duplicate.
	q, ok := b.queues[d.Queue]
	if !ok {
		return ErrQueueNotFound
	}
	if _, ok := q.inFlight[d.Tag]; !ok {
		return ErrNotInFlight
	}

	putErr := b.dead.Put(d.Message)
	if putErr != nil {
		b.logger.
			With("err", putErr).
			With("message_id", d.Message.MessageID).
			Error("failed to store dead letter")
	}

	// Settle the delivery even if the sink failed; it is never redelivered.
	delete(q.inFlight, d.Tag)
	q.dead++
	b.notifyLocked()
	return putErr
}

// Get fetches and acks one message of queue, returning it encoded with the
// broker's codec.
func (b *MemoryBroker) Get(queue string, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	_, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}

	d, err := b.Fetch(context.Background(), []string{queue}, timeout)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrTimeout
	}
	if err := b.Ack(d); err != nil {
		return nil, err
	}
	return b.codec.Encode(d.Message)
}

// Join waits on state changes until queue has nothing ready, delayed or in
// flight. With failFast, only dead letters routed after the call began fail
// it.
func (b *MemoryBroker) Join(ctx context.Context, queue string, failFast bool) error {
	b.mu.Lock()
	q, ok := b.queues[queue]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}
	deadAtStart := q.dead
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBrokerClosed
		}
		if failFast && q.dead > deadAtStart {
			b.mu.Unlock()
			return fmt.Errorf("%w: queue %s", ErrDeadLettered, queue)
		}
		if !q.stats().Pending() {
			b.mu.Unlock()
			return nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (b *MemoryBroker) AddMiddleware(mw Middleware) {
	b.pipeline.Add(mw)
}

func (b *MemoryBroker) Pipeline() *Pipeline {
	return b.pipeline
}

func (b *MemoryBroker) DeadLetters(queue string) ([]*types.Message, error) {
	return b.dead.List(queue)
}

func (b *MemoryBroker) Stats() map[string]QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]QueueStats, len(b.queues))
	for name, q := range b.queues {
		out[name] = q.stats()
	}
	return out
}

func (b *MemoryBroker) Registry() *actor.Registry {
	return b.registry
}

// Close stops the broker, wakes every blocked Fetch and Join, and closes the
// dead-letter sink. Queued messages are discarded.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.notifyLocked()
	b.mu.Unlock()

	return b.dead.Close()
}
