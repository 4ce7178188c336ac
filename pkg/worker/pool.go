// ============================================================================
// actorq Worker Pool - concurrent message consumers
// ============================================================================
//
// Package: pkg/worker
// File: pool.go
//
// A Pool owns a fixed number of worker goroutines. Each one pulls the most
// urgent deliverable message from the broker, runs it through the middleware
// pipeline under its time limit, then applies the retry policy to the outcome.
//
// Components:
//   ┌──────────┐  Fetch(queues)   ┌──────────┐
//   │  Broker  │ ───────────────→ │ worker 1 │──┐
//   │          │ ───────────────→ │ worker 2 │──┼─→ Ack / Requeue / DeadLetter
//   │          │ ───────────────→ │ worker N │──┘
//   └──────────┘                  └──────────┘
//
// Lifecycle:
//   1. NewPool()   - apply defaults, nothing runs yet
//   2. Start(ctx)  - launch Workers fetch loops
//   3. Pause()     - workers park before their next fetch
//   4. Resume()    - parked workers fetch again
//   5. Join(ctx)   - wait until no worker holds a message
//   6. Stop(d)     - stop fetching, wait up to d, then cancel actor contexts
//
// Concurrency:
//   - mu:       guards started/stopped and the worker list
//   - resumeCh: closed by Resume to release parked workers
//   - idleCh:   closed whenever busy drops to zero, waking Join
//   - counters: atomics, read without locks by Stats
//
// Contexts:
//   Fetch loops run under a context cancelled by Stop. Actors run under a
//   separate execution context that survives that cancel, so a graceful stop
//   lets in-flight messages finish; it is cancelled only once Stop gives up.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/actorq/pkg/broker"
)

const (
	// DefaultWorkers is used when Config.Workers is not positive.
	DefaultWorkers = 8
	// DefaultFetchTimeout is used when Config.FetchTimeout is not positive.
	DefaultFetchTimeout = 100 * time.Millisecond
)

// Config configures a Pool.
type Config struct {
	// Workers is the number of concurrent worker goroutines.
	Workers int
	// Queues restricts the pool to these queues. Empty means every queue the
	// broker knows about at fetch time.
	Queues []string
	// FetchTimeout bounds each blocking fetch, and with it how long a worker
	// takes to notice a pause or a stop.
	FetchTimeout time.Duration
	// DeadLetterAborted also sends messages that failed for good to the
	// dead-letter sink. By default only unroutable messages go there.
	DeadLetterAborted bool
	// Logger receives worker logs; each worker adds a "worker" attribute.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a snapshot of pool counters. Counters are cumulative since Start.
type Stats struct {
	Workers int   `json:"workers"` // worker goroutines launched
	Busy    int64 `json:"busy"`    // workers currently holding a message
	Paused  bool  `json:"paused"`

	Processed    uint64 `json:"processed"`     // attempts that succeeded
	Failed       uint64 `json:"failed"`        // attempts that returned an error
	Retried      uint64 `json:"retried"`       // failures scheduled for another attempt
	Skipped      uint64 `json:"skipped"`       // messages consumed without running the actor
	Aborted      uint64 `json:"aborted"`       // messages that failed for good
	DeadLettered uint64 `json:"dead_lettered"` // messages moved to the dead-letter sink
}

// counters backs Stats; one field per Stats counter.
type counters struct {
	processed    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	skipped      atomic.Uint64
	aborted      atomic.Uint64
	deadLettered atomic.Uint64
}

// Pool is a fixed set of workers sharing one broker.
type Pool struct {
	broker broker.Broker
	cfg    Config
	logger *slog.Logger

	// Lifecycle, guarded by mu. A pool starts once and stops once.
	workers []*worker
	wg      sync.WaitGroup // one per fetch loop
	started bool
	stopped bool
	mu      sync.Mutex

	// cancel stops the fetch loops; abort cancels in-flight actor contexts
	// once a Stop has timed out.
	cancel context.CancelFunc
	abort  context.CancelFunc

	// Pause state. resumeCh is replaced on every Pause and closed on Resume.
	paused   atomic.Bool
	resumeMu sync.Mutex
	resumeCh chan struct{}

	// busy counts workers holding a message; idleCh is closed and replaced
	// each time it drops to zero.
	busy   atomic.Int64
	idleMu sync.Mutex
	idleCh chan struct{}

	stats counters
}

// NewPool creates a pool over b. Workers are not started until Start.
func NewPool(b broker.Broker, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		broker: b,
		cfg:    cfg,
		logger: cfg.Logger,
		idleCh: make(chan struct{}),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}
	if p.broker.Registry() == nil {
		return ErrNoRegistry
	}

	// runCtx ends the fetch loops; execCtx outlives it so in-flight actors
	// are only cancelled when Stop times out
	runCtx, cancel := context.WithCancel(ctx)
	execCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.abort = abort

	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p, execCtx)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run(runCtx)
		}(w)
	}

	p.started = true
	p.logger.
		With("workers", p.cfg.Workers).
		With("queues", p.cfg.Queues).
		Info("worker pool started")
	return nil
}

// Stop stops fetching and waits up to timeout for in-flight messages to
// finish. If they do not, their contexts are cancelled and ErrStopTimeout is
// returned; abandoned actor goroutines are not waited for.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	// 1. No worker fetches again after its current message
	p.cancel()

	// 2. Wait for the fetch loops to return
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	// 3. Release the execution context either way; past the timeout this
	//    cancels whatever actors are still running
	select {
	case <-done:
		p.abort()
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(timeout):
		p.abort()
		p.logger.
			With("timeout", timeout).
			With("busy", p.busy.Load()).
			Warn("worker pool stop timed out; cancelling in-flight messages")
		return ErrStopTimeout
	}
}

// Pause stops every worker from pulling new messages. In-flight messages run
// to completion.
func (p *Pool) Pause() {
	p.resumeMu.Lock()
	defer p.resumeMu.Unlock()

	if p.paused.Load() {
		return
	}
	p.resumeCh = make(chan struct{})
	p.paused.Store(true)
	p.logger.Info("worker pool paused")
}

// Resume lets paused workers pull messages again.
func (p *Pool) Resume() {
	p.resumeMu.Lock()
	defer p.resumeMu.Unlock()

	if !p.paused.Load() {
		return
	}
	p.paused.Store(false)
	close(p.resumeCh)
	p.logger.Info("worker pool resumed")
}

// Paused reports whether the pool is paused.
func (p *Pool) Paused() bool {
	return p.paused.Load()
}

// waitResume parks a worker until Resume or until ctx ends. It reports
// whether the worker should keep running.
func (p *Pool) waitResume(ctx context.Context) bool {
	p.resumeMu.Lock()
	ch := p.resumeCh
	paused := p.paused.Load()
	p.resumeMu.Unlock()

	if !paused || ch == nil {
		return ctx.Err() == nil
	}

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Join blocks until no worker is processing a message. Combined with
// Broker.Join it gives a deterministic drain point.
func (p *Pool) Join(ctx context.Context) error {
	for {
		p.idleMu.Lock()
		ch := p.idleCh
		p.idleMu.Unlock()

		if p.busy.Load() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// enter and leave bracket the processing of one message.
func (p *Pool) enter() {
	p.busy.Add(1)
}

func (p *Pool) leave() {
	if p.busy.Add(-1) == 0 {
		p.idleMu.Lock()
		close(p.idleCh)
		p.idleCh = make(chan struct{})
		p.idleMu.Unlock()
	}
}

// queues returns the queues workers fetch from.
func (p *Pool) queues() []string {
	if len(p.cfg.Queues) > 0 {
		return p.cfg.Queues
	}
	return p.broker.Queues()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := len(p.workers)
	p.mu.Unlock()

	return Stats{
		Workers:      workers,
		Busy:         p.busy.Load(),
		Paused:       p.paused.Load(),
		Processed:    p.stats.processed.Load(),
		Failed:       p.stats.failed.Load(),
		Retried:      p.stats.retried.Load(),
		Skipped:      p.stats.skipped.Load(),
		Aborted:      p.stats.aborted.Load(),
		DeadLettered: p.stats.deadLettered.Load(),
	}
}

// Running reports whether the pool has started and not yet stopped.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// Broker returns the broker the pool consumes from.
func (p *Pool) Broker() broker.Broker {
	return p.broker
}
