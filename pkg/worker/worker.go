// ============================================================================
// actorq Worker - one dispatch loop
// ============================================================================
//
// Package: pkg/worker
// File: worker.go
//
// Message span, in order:
//   1. Lookup     - unknown actor → dead-letter sink
//   2. Age limit  - too old → skip (AfterSkipMessage still fires)
//   3. Before     - a hook returning ErrSkipMessage → skip
//   4. Invoke     - actor runs in its own goroutine under its time limit
//   5. After      - hooks see the result or the error
//   6. Decide     - ack on success; requeue with backoff or abort on failure
//
// Every delivery is settled with the broker exactly once, even when the
// worker itself panics.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/actorq/pkg/actor"
	"github.com/ChuLiYu/actorq/pkg/broker"
	"github.com/ChuLiYu/actorq/pkg/retry"
	"github.com/ChuLiYu/actorq/pkg/types"
)

// worker is one dispatch loop of a Pool.
type worker struct {
	id     int
	pool   *Pool
	broker broker.Broker
	logger *slog.Logger

	// execCtx is the parent of every actor invocation. It outlives the fetch
	// loop so a stop lets in-flight messages finish.
	execCtx context.Context
}

func newWorker(id int, p *Pool, execCtx context.Context) *worker {
	return &worker{
		id:      id,
		pool:    p,
		broker:  p.broker,
		logger:  p.logger.With("worker", id),
		execCtx: execCtx,
	}
}

// run fetches and processes messages until ctx ends or the broker closes.
func (w *worker) run(ctx context.Context) {
	for ctx.Err() == nil {
		if w.pool.Paused() {
			if !w.pool.waitResume(ctx) {
				return
			}
			continue
		}

		d, err := w.broker.Fetch(ctx, w.pool.queues(), w.pool.cfg.FetchTimeout)
		if err != nil {
			if errors.Is(err, broker.ErrBrokerClosed) || ctx.Err() != nil {
				return
			}
			w.logger.
				With("err", err).
				Error("failed to fetch message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pool.cfg.FetchTimeout):
			}
			continue
		}
		// Fetch timed out; loop so pause and stop are noticed
		if d == nil {
			continue
		}

		// A pause that landed while we were blocked in Fetch: hand the
		// message back untouched.
		if w.pool.Paused() {
			if err := w.broker.Requeue(d, d.Message, 0); err != nil {
				w.logger.
					With("err", err).
					With("message_id", d.Message.MessageID).
					Error("failed to return message while paused")
			}
			continue
		}

		w.pool.enter()
		w.process(d)
		w.pool.leave()
	}
}

// process takes one delivery through its full lifecycle and always settles
// it with the broker (ack, requeue or dead letter).
func (w *worker) process(d *broker.Delivery) {
	msg := d.Message
	logger := w.logger.
		With("message_id", msg.MessageID).
		With("actor", msg.ActorName).
		With("queue", d.Queue)

	defer func() {
		// Only a bug in this package gets here; keep the worker alive and
		// don't leave the delivery in flight.
		if r := recover(); r != nil {
			logger.
				With("panic", r).
				Error("worker crashed while processing message")
			_ = w.broker.Ack(d)
		}
	}()

	// 1. Lookup
	a, ok := w.broker.Registry().Lookup(msg.ActorName)
	if !ok {
		logger.Warn("No actor registered for message; moving it to the dead-letter sink")
		w.settle(logger, w.broker.DeadLetter(d))
		w.pool.stats.deadLettered.Add(1)
		return
	}

	pipeline := w.broker.Pipeline()
	hookCtx := w.execCtx

	// 2. Age limit
	if maxAge := a.MaxAge(); maxAge > 0 && msg.Age(time.Now()) > maxAge {
		logger.
			With("max_age", maxAge).
			Warn("Message has exceeded its age limit")
		w.skip(hookCtx, logger, pipeline, d)
		return
	}

	// 3. Before hooks
	if pipeline.Before(hookCtx, w.broker, msg) {
		w.skip(hookCtx, logger, pipeline, d)
		return
	}

	// 4-5. Invoke, then after hooks
	started := time.Now()
	result, err := w.invoke(a, msg)
	pipeline.After(hookCtx, w.broker, msg, result, err)

	// 6. Decide

	policy := a.Policy(msg)
	decision := retry.Decide(retry.Input{
		Retries:          msg.Options.Retries,
		MessageTimestamp: time.UnixMilli(msg.MessageTimestamp),
		Now:              time.Now(),
		Policy:           policy,
		Err:              err,
	})

	logger = logger.
		With("retries", msg.Options.Retries).
		With("duration", time.Since(started))

	switch decision.Kind {
	case retry.Success:
		logger.Debug("message processed")
		w.pool.stats.processed.Add(1)
		w.settle(logger, w.broker.Ack(d))

	case retry.Expected:
		logger.
			With("err", err).
			Info("Failed to process message with expected exception")
		logger.Info("Aborting message")
		w.pool.stats.failed.Add(1)
		w.abort(logger, d)

	case retry.Retry, retry.Abort:
		logger.
			With("err", err).
			Log(hookCtx, retry.FailureLevel(decision.Class), failureText(decision.Class))
		w.pool.stats.failed.Add(1)

		if decision.Kind == retry.Abort {
			logger.
				With("err", err).
				With("max_retries", policy.MaxRetries).
				Log(hookCtx, retry.AbortLevel(decision.Class), "Retries exceeded for message")
			w.abort(logger, d)
			return
		}

		logger.
			With("delay", decision.Delay).
			Debug("Retrying message")
		w.pool.stats.retried.Add(1)

		next := msg.WithRetry(time.Now().Add(decision.Delay), err)
		w.settle(logger, w.broker.Requeue(d, next, decision.Delay))
	}
}

// skip consumes a message without running its actor.
func (w *worker) skip(ctx context.Context, logger *slog.Logger, pipeline *broker.Pipeline, d *broker.Delivery) {
	pipeline.AfterSkip(ctx, w.broker, d.Message)
	w.pool.stats.skipped.Add(1)
	logger.Debug("message skipped")
	w.settle(logger, w.broker.Ack(d))
}

// abort settles a message that failed for good: acked, or dead-lettered
// when the pool is configured to keep aborted messages.
func (w *worker) abort(logger *slog.Logger, d *broker.Delivery) {
	w.pool.stats.aborted.Add(1)
	if w.pool.cfg.DeadLetterAborted {
		w.pool.stats.deadLettered.Add(1)
		w.settle(logger, w.broker.DeadLetter(d))
		return
	}
	w.settle(logger, w.broker.Ack(d))
}

// settle logs a broker error from ack, requeue or dead-letter; the worker
// carries on either way.
func (w *worker) settle(logger *slog.Logger, err error) {
	if err != nil {
		logger.
			With("err", err).
			Error("failed to settle message with broker")
	}
}

// outcome is what the actor goroutine hands back to the worker.
type outcome struct {
	result any
	err    error
}

// invoke runs the actor with msg as the current message. The actor runs in
// its own goroutine so that an overrun can be abandoned: past the time limit
// the worker cancels the actor's context, records a TimeLimitExceededError and
// moves on. An actor that ignores its context keeps running in the background
// and whatever it holds is not released until it returns.
func (w *worker) invoke(a *actor.Actor, msg *types.Message) (any, error) {
	ctx := withMessage(w.execCtx, msg)

	limit := a.TimeLimit(msg)
	var cancel context.CancelFunc
	if limit > 0 {
		ctx, cancel = context.WithTimeout(ctx, limit)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("actor %s panicked: %v", a.Name(), r)}
			}
		}()
		result, err := a.Call(ctx, msg.Args, msg.Kwargs)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if limit > 0 && errors.Is(o.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &types.TimeLimitExceededError{Limit: limit}
		}
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			w.logger.
				With("message_id", msg.MessageID).
				With("time_limit", limit).
				Debug("abandoning actor after time limit")
			return nil, &types.TimeLimitExceededError{Limit: limit}
		}
		return nil, ctx.Err()
	}
}

// failureText is the log message of one failed attempt of class c.
func failureText(c retry.Class) string {
	switch c {
	case retry.ClassRateLimit:
		return "Rate limit exceeded in message"
	case retry.ClassRetrySignal:
		return "Retry requested for message"
	case retry.ClassTimeLimit:
		return "Time limit exceeded in message"
	default:
		return "Failed to process message"
	}
}
