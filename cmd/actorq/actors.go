package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ChuLiYu/actorq/pkg/actor"
	"github.com/ChuLiYu/actorq/pkg/ratelimit"
	"github.com/ChuLiYu/actorq/pkg/retry"
	"github.com/ChuLiYu/actorq/pkg/types"
	"github.com/ChuLiYu/actorq/pkg/worker"
)

var (
	errFlaky      = errors.New("flaky failure")
	errMissingURL = errors.New("url is required")
)

// registerDemoActors installs the actors shipped with the binary.
func registerDemoActors(registry *actor.Registry) {
	registry.MustRegister("add", add)

	registry.MustRegister("flaky", flaky, actor.WithOptions(actor.Options{
		MaxRetries: types.Int(5),
		MinBackoff: actor.Duration(500 * time.Millisecond),
		MaxBackoff: actor.Duration(10 * time.Second),
	}))

	registry.MustRegister("sleep", sleep, actor.WithOptions(actor.Options{
		TimeLimit:  actor.Duration(5 * time.Second),
		MaxRetries: types.Int(0),
	}))

	// Two calls per second across all workers; excess calls are retried.
	limiter := ratelimit.New(2, 2)
	registry.MustRegister("fetch_url", limiter.Wrap("fetch_url", fetchURL),
		actor.WithQueue("io"),
		actor.WithPriority(10),
		actor.WithOptions(actor.Options{Throws: []retry.Matcher{retry.Is(errMissingURL)}}),
	)
}

func add(ctx context.Context, args []any, _ map[string]any) (any, error) {
	var sum float64
	for _, a := range args {
		n, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("add: argument %v is not a number", a)
		}
		sum += n
	}

	if msg, ok := worker.CurrentMessage(ctx); ok {
		slog.Info("add", "message_id", msg.MessageID, "sum", sum)
	}
	return sum, nil
}

func flaky(ctx context.Context, _ []any, _ map[string]any) (any, error) {
	msg, _ := worker.CurrentMessage(ctx)
	if rand.Intn(2) == 0 {
		return nil, errFlaky
	}
	if msg != nil {
		slog.Info("flaky succeeded", "message_id", msg.MessageID, "retries", msg.Options.Retries)
	}
	return nil, nil
}

func sleep(ctx context.Context, _ []any, kwargs map[string]any) (any, error) {
	ms, _ := kwargs["ms"].(float64)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fetchURL(ctx context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, errMissingURL
	}
	slog.Info("fetching", "url", args[0])
	return nil, nil
}
