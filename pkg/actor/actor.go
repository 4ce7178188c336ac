// Package actor holds the actor registry: named units of work, their declared
// options, and the handles application code uses to send them messages.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/actorq/pkg/retry"
	"github.com/ChuLiYu/actorq/pkg/types"
)

var (
	// ErrNoBroker is returned by Send when the registry is not bound to a broker.
	ErrNoBroker = errors.New("actor registry is not bound to a broker")
	// ErrNilFunc is returned when registering an actor without a function.
	ErrNilFunc = errors.New("actor function cannot be nil")
	// ErrActorNotFound is returned for names no actor is registered under.
	ErrActorNotFound = errors.New("actor not found")
)

// Func is the callable behind an actor.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Enqueuer is the part of a broker the registry needs to send messages.
type Enqueuer interface {
	Enqueue(msg *types.Message, delay time.Duration) (*types.Message, error)
}

// ============================================================================
// Actor
// ============================================================================

// Actor is a registered unit of work.
type Actor struct {
	name      string
	queueName string
	fn        Func
	options   Options
	registry  *Registry
}

// Name returns the actor name.
func (a *Actor) Name() string { return a.name }

// QueueName returns the queue the actor's messages are sent to.
func (a *Actor) QueueName() string { return a.queueName }

// Options returns the actor's declared options.
func (a *Actor) Options() Options { return a.options }

// Priority returns the declared priority.
func (a *Actor) Priority() int {
	if a.options.Priority == nil {
		return 0
	}
	return *a.options.Priority
}

// Call runs the actor synchronously in the caller's goroutine, bypassing the
// broker entirely.
func (a *Actor) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return a.fn(ctx, args, kwargs)
}

// Send enqueues a message with positional arguments.
func (a *Actor) Send(args ...any) (*types.Message, error) {
	return a.SendWithOptions(args, nil, types.MessageOptions{})
}

// SendKwargs enqueues a message with keyword arguments only.
func (a *Actor) SendKwargs(kwargs map[string]any) (*types.Message, error) {
	return a.SendWithOptions(nil, kwargs, types.MessageOptions{})
}

// SendWithOptions enqueues a message whose options override the actor's
// declared defaults for this message only. It fails only on immediate
// validation or broker problems, never because of later processing.
func (a *Actor) SendWithOptions(args []any, kwargs map[string]any, opts types.MessageOptions) (*types.Message, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	broker := a.registry.enqueuer()
	if broker == nil {
		return nil, ErrNoBroker
	}

	var delay time.Duration
	if opts.Delay != nil {
		delay = opts.Delay.Duration()
	}

	msg := types.NewMessage(a.queueName, a.name, args, kwargs, opts)
	return broker.Enqueue(msg, delay)
}

// Policy resolves the retry policy for msg: message options first, then the
// actor's declared options, then the engine defaults.
func (a *Actor) Policy(msg *types.Message) retry.Policy {
	p := retry.DefaultPolicy()
	o := a.options

	if o.MaxRetries != nil {
		p.MaxRetries = *o.MaxRetries
	}
	if o.MinBackoff != nil {
		p.MinBackoff = *o.MinBackoff
	}
	if o.MaxBackoff != nil {
		p.MaxBackoff = *o.MaxBackoff
	}
	if o.MaxAge != nil {
		p.MaxAge = *o.MaxAge
	}
	p.RetryWhen = o.RetryWhen
	p.Throws = o.Throws

	if msg != nil {
		mo := msg.Options
		if mo.MaxRetries != nil {
			p.MaxRetries = *mo.MaxRetries
		}
		if mo.MinBackoff != nil {
			p.MinBackoff = mo.MinBackoff.Duration()
		}
		if mo.MaxBackoff != nil {
			p.MaxBackoff = mo.MaxBackoff.Duration()
		}
	}

	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	return p
}

// TimeLimit resolves the time limit for msg; zero means unlimited.
func (a *Actor) TimeLimit(msg *types.Message) time.Duration {
	if msg != nil && msg.Options.TimeLimit != nil {
		return msg.Options.TimeLimit.Duration()
	}
	if a.options.TimeLimit != nil {
		return *a.options.TimeLimit
	}
	return 0
}

// MaxAge returns the declared message age limit; zero means unlimited.
func (a *Actor) MaxAge() time.Duration {
	if a.options.MaxAge != nil {
		return *a.options.MaxAge
	}
	return 0
}

func (a *Actor) String() string {
	return fmt.Sprintf("Actor(%s)", a.name)
}

// GoString renders the actor with its function and routing, for %#v.
func (a *Actor) GoString() string {
	return fmt.Sprintf("Actor(%s, queue_name=%q, actor_name=%q)", funcName(a.fn), a.queueName, a.name)
}

func funcName(fn Func) string {
	if fn == nil {
		return "<nil>"
	}
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "<func>"
}

// ============================================================================
// Registry
// ============================================================================

// RegisterOption customizes a registration.
type RegisterOption func(*registration)

type registration struct {
	queueName string
	options   Options
}

// WithQueue binds the actor to a queue other than the default one.
func WithQueue(name string) RegisterOption {
	return func(r *registration) { r.queueName = name }
}

// WithOptions sets the actor's declared options.
func WithOptions(o Options) RegisterOption {
	return func(r *registration) { r.options = r.options.merge(o) }
}

// WithPriority sets the actor's priority.
func WithPriority(p int) RegisterOption {
	return func(r *registration) { r.options.Priority = &p }
}

// Registry maps actor names to actors. One registry lives for the lifetime of
// the process; it is passed to the broker and the worker pool explicitly.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor
	broker Enqueuer
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		actors: make(map[string]*Actor),
		logger: logger,
	}
}

// Bind attaches the broker that Send enqueues onto.
func (r *Registry) Bind(b Enqueuer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broker = b
}

func (r *Registry) enqueuer() Enqueuer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broker
}

// Register validates and registers an actor. An existing actor with the same
// name is replaced.
func (r *Registry) Register(name string, fn Func, opts ...RegisterOption) (*Actor, error) {
	if name == "" {
		return nil, types.NewValidationError("actor_name", "must not be empty")
	}
	if fn == nil {
		return nil, ErrNilFunc
	}

	reg := registration{queueName: types.DefaultQueueName}
	for _, opt := range opts {
		opt(&reg)
	}

	if err := ValidateQueueName(reg.queueName); err != nil {
		return nil, err
	}
	if err := reg.options.Validate(); err != nil {
		return nil, err
	}

	a := &Actor{
		name:      name,
		queueName: reg.queueName,
		fn:        fn,
		options:   reg.options,
		registry:  r,
	}

	r.mu.Lock()
	_, replaced := r.actors[name]
	r.actors[name] = a
	r.mu.Unlock()

	r.logger.
		With("actor", name).
		With("queue", a.queueName).
		With("replaced", replaced).
		Debug("actor registered")

	return a, nil
}

// MustRegister is Register for package-level setup; it panics on error.
func (r *Registry) MustRegister(name string, fn Func, opts ...RegisterOption) *Actor {
	a, err := r.Register(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return a
}

// Configure overlays untyped option overrides (e.g. from a config file) on a
// registered actor.
func (r *Registry) Configure(name string, raw map[string]any) error {
	o, err := OptionsFromMap(raw)
	if err != nil {
		return fmt.Errorf("actor %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actors[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrActorNotFound, name)
	}

	merged := a.options.merge(o)
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("actor %q: %w", name, err)
	}

	updated := *a
	updated.options = merged
	r.actors[name] = &updated
	return nil
}

// Lookup returns the actor registered under name.
func (r *Registry) Lookup(name string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[name]
	return a, ok
}

// Actors returns all registered actors sorted by name.
func (r *Registry) Actors() []*Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Reset removes every actor. Meant for test harnesses.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors = make(map[string]*Actor)
}
