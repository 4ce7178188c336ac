package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/actorq/pkg/types"
)

// Middleware interposes on every processed message. Hooks may fail or panic;
// the pipeline isolates them so a broken middleware never stops processing.
//
// BeforeProcessMessage may return types.ErrSkipMessage to consume the message
// without invoking its actor.
type Middleware interface {
	BeforeProcessMessage(ctx context.Context, b Broker, msg *types.Message) error
	AfterProcessMessage(ctx context.Context, b Broker, msg *types.Message, result any, err error) error
	AfterSkipMessage(ctx context.Context, b Broker, msg *types.Message) error
}

// Pipeline runs the hook chain. Before hooks run in registration order and
// after hooks in reverse, so middlewares nest like scoped resources.
type Pipeline struct {
	mu     sync.RWMutex
	mws    []Middleware
	logger *slog.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger}
}

// Add appends mw to the chain.
func (p *Pipeline) Add(mw Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mws = append(p.mws, mw)
}

// List returns the registered middlewares in registration order.
func (p *Pipeline) List() []Middleware {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Middleware(nil), p.mws...)
}

// Before runs the before hooks and reports whether one of them asked to skip
// the message. No further before hooks run after a skip.
func (p *Pipeline) Before(ctx context.Context, b Broker, msg *types.Message) (skip bool) {
	for _, mw := range p.List() {
		err := p.guard(mw, "before_process_message", msg, func() error {
			return mw.BeforeProcessMessage(ctx, b, msg)
		})
		if errors.Is(err, types.ErrSkipMessage) {
			return true
		}
	}
	return false
}

// After runs the after hooks with the attempt's outcome.
func (p *Pipeline) After(ctx context.Context, b Broker, msg *types.Message, result any, err error) {
	mws := p.List()
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		_ = p.guard(mw, "after_process_message", msg, func() error {
			return mw.AfterProcessMessage(ctx, b, msg, result, err)
		})
	}
}

// AfterSkip runs the after-skip hooks of every middleware.
func (p *Pipeline) AfterSkip(ctx context.Context, b Broker, msg *types.Message) {
	mws := p.List()
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		_ = p.guard(mw, "after_skip_message", msg, func() error {
			return mw.AfterSkipMessage(ctx, b, msg)
		})
	}
}

// guard calls fn, converting a panic into an error. Failures other than the
// skip signal are logged and returned only so Before can detect skips.
func (p *Pipeline) guard(mw Middleware, hook string, msg *types.Message, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware panic: %v", r)
		}
		if err != nil && !errors.Is(err, types.ErrSkipMessage) {
			p.logger.
				With("err", err).
				With("hook", hook).
				With("middleware", fmt.Sprintf("%T", mw)).
				With("message_id", msg.MessageID).
				Error("middleware hook failed")
		}
	}()
	return fn()
}
