package broker

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/actorq/internal/codec"
	"github.com/ChuLiYu/actorq/pkg/actor"
	"github.com/ChuLiYu/actorq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, []any, map[string]any) (any, error) { return nil, nil }

func newTestBroker(t *testing.T) (*MemoryBroker, *actor.Registry) {
	t.Helper()
	registry := actor.NewRegistry(nil)
	b := NewMemoryBroker(registry)
	t.Cleanup(func() { _ = b.Close() })
	return b, registry
}

func msg(queue, actorName string) *types.Message {
	return types.NewMessage(queue, actorName, []any{"arg"}, nil, types.MessageOptions{})
}

// ============================================================================
// Queues
// ============================================================================

func TestDeclareQueueIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)

	require.NoError(t, b.DeclareQueue("a"))
	require.NoError(t, b.DeclareQueue("a"))
	require.NoError(t, b.DeclareQueue("b"))
	assert.Equal(t, []string{"a", "b"}, b.Queues())

	assert.True(t, types.IsValidationError(b.DeclareQueue("not valid!")))
}

func TestEnqueueDeclaresQueueOnFirstUse(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Enqueue(msg("fresh", "x"), 0)
	require.NoError(t, err)
	assert.Contains(t, b.Queues(), "fresh")
	assert.Equal(t, 1, b.Stats()["fresh"].Ready)
}

func TestBindsRegistry(t *testing.T) {
	b, registry := newTestBroker(t)
	a := registry.MustRegister("work", noop)

	sent, err := a.Send(1)
	require.NoError(t, err)
	assert.Same(t, registry, b.Registry())

	d, err := b.Fetch(context.Background(), []string{types.DefaultQueueName}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, sent.MessageID, d.Message.MessageID)
}

// ============================================================================
// Fetch ordering
// ============================================================================

func TestFetchHonorsPriorityAcrossQueues(t *testing.T) {
	b, registry := newTestBroker(t)
	registry.MustRegister("slow", noop, actor.WithQueue("low"), actor.WithPriority(10))
	registry.MustRegister("fast", noop, actor.WithQueue("high"), actor.WithPriority(0))

	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(msg("low", "slow"), 0)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(msg("high", "fast"), 0)
		require.NoError(t, err)
	}

	var order []string
	for i := 0; i < 6; i++ {
		d, err := b.Fetch(context.Background(), []string{"low", "high"}, time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)
		order = append(order, d.Message.ActorName)
		require.NoError(t, b.Ack(d))
	}
	assert.Equal(t, []string{"fast", "fast", "fast", "slow", "slow", "slow"}, order)
}

func TestDelayedMessagesOrderedByETA(t *testing.T) {
	b, _ := newTestBroker(t)

	late, err := b.Enqueue(msg("default", "x"), 150*time.Millisecond)
	require.NoError(t, err)
	early, err := b.Enqueue(msg("default", "x"), 50*time.Millisecond)
	require.NoError(t, err)

	stats := b.Stats()["default"]
	assert.Equal(t, 2, stats.Delayed)
	assert.Equal(t, 0, stats.Ready)

	d, err := b.Fetch(context.Background(), []string{"default"}, 0)
	require.NoError(t, err)
	assert.Nil(t, d, "nothing deliverable before the first ETA")

	first, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, early.MessageID, first.Message.MessageID)

	second, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, late.MessageID, second.Message.MessageID)
	assert.GreaterOrEqual(t, time.Now().UnixMilli(), late.Options.ETA)
}

func TestDelayedMessagesDueBeforeFetchKeepETAOrder(t *testing.T) {
	b, _ := newTestBroker(t)

	late, err := b.Enqueue(msg("default", "x"), 60*time.Millisecond)
	require.NoError(t, err)
	early, err := b.Enqueue(msg("default", "x"), 30*time.Millisecond)
	require.NoError(t, err)

	// Both come due before anyone fetches
	time.Sleep(100 * time.Millisecond)

	first, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, early.MessageID, first.Message.MessageID)

	second, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, late.MessageID, second.Message.MessageID)
}

func TestDueDelayedMessageRunsBeforeLaterImmediateSend(t *testing.T) {
	b, _ := newTestBroker(t)

	delayed, err := b.Enqueue(msg("default", "x"), 20*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = b.Enqueue(msg("default", "x"), 0)
	require.NoError(t, err)

	d, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, delayed.MessageID, d.Message.MessageID)
}

func TestDelayedUrgentMessageDoesNotPreemptDeliverable(t *testing.T) {
	b, registry := newTestBroker(t)
	registry.MustRegister("urgent", noop, actor.WithPriority(0))
	registry.MustRegister("lazy", noop, actor.WithPriority(10))

	_, err := b.Enqueue(msg("default", "urgent"), time.Hour)
	require.NoError(t, err)
	_, err = b.Enqueue(msg("default", "lazy"), 0)
	require.NoError(t, err)

	d, err := b.Fetch(context.Background(), []string{"default"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "lazy", d.Message.ActorName)
}

func TestFetchWakesOnEnqueue(t *testing.T) {
	b, _ := newTestBroker(t)
	require.NoError(t, b.DeclareQueue("default"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Enqueue(msg("default", "x"), 0)
	}()

	start := time.Now()
	d, err := b.Fetch(context.Background(), []string{"default"}, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchRespectsContextAndClose(t *testing.T) {
	b, _ := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Fetch(ctx, []string{"default"}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, b.Close())
	_, err = b.Fetch(context.Background(), []string{"default"}, time.Second)
	assert.ErrorIs(t, err, ErrBrokerClosed)
	_, err = b.Enqueue(msg("default", "x"), 0)
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

// ============================================================================
// Ack / Requeue / DeadLetter
// ============================================================================

func TestAckTwiceFails(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.Enqueue(msg("default", "x"), 0)
	require.NoError(t, err)

	d, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats()["default"].InFlight)

	require.NoError(t, b.Ack(d))
	assert.ErrorIs(t, b.Ack(d), ErrNotInFlight)
	assert.False(t, b.Stats()["default"].Pending())
}

func TestRequeueSchedulesRetry(t *testing.T) {
	b, _ := newTestBroker(t)
	sent, err := b.Enqueue(msg("default", "x"), 0)
	require.NoError(t, err)

	d, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)

	retried := d.Message.WithRetry(time.Now().Add(30*time.Millisecond), assert.AnError)
	require.NoError(t, b.Requeue(d, retried, 30*time.Millisecond))

	stats := b.Stats()["default"]
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 1, stats.Delayed)

	again, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, sent.MessageID, again.Message.MessageID)
	assert.Equal(t, 1, again.Message.Options.Retries)
	assert.Equal(t, sent.MessageTimestamp, again.Message.MessageTimestamp)
}

func TestDeadLetterStoresVerbatim(t *testing.T) {
	b, _ := newTestBroker(t)
	sent, err := b.Enqueue(msg("default", "nobody"), 0)
	require.NoError(t, err)

	d, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.DeadLetter(d))

	dead, err := b.DeadLetters("default")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, sent, dead[0])
	assert.Equal(t, 1, b.Stats()["default"].DeadLettered)
	assert.False(t, b.Stats()["default"].Pending())
}

func TestDeadLetterTwiceStoresOnce(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.Enqueue(msg("default", "nobody"), 0)
	require.NoError(t, err)

	d, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.DeadLetter(d))
	assert.ErrorIs(t, b.DeadLetter(d), ErrNotInFlight)

	dead, err := b.DeadLetters("default")
	require.NoError(t, err)
	assert.Len(t, dead, 1)
	assert.Equal(t, 1, b.Stats()["default"].DeadLettered)
}

// ============================================================================
// Get / Join
// ============================================================================

func TestGetReturnsDecodableMessage(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON{}, codec.Proto{}} {
		t.Run(c.Name(), func(t *testing.T) {
			registry := actor.NewRegistry(nil)
			b := NewMemoryBroker(registry, WithCodec(c))
			defer b.Close()

			a := registry.MustRegister("do_work", noop)
			sent, err := a.Send("a", "b")
			require.NoError(t, err)

			data, err := b.Get(types.DefaultQueueName, time.Second)
			require.NoError(t, err)

			decoded, err := c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, sent, decoded)
			assert.False(t, b.Stats()[types.DefaultQueueName].Pending())
		})
	}
}

func TestGetErrors(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Get("missing", 0)
	assert.ErrorIs(t, err, ErrQueueNotFound)

	require.NoError(t, b.DeclareQueue("empty"))
	_, err = b.Get("empty", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestJoinWaitsForDrain(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.Enqueue(msg("default", "x"), 20*time.Millisecond)
	require.NoError(t, err)

	go func() {
		d, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
		if err == nil && d != nil {
			time.Sleep(20 * time.Millisecond)
			_ = b.Ack(d)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Join(ctx, "default", false))
	assert.False(t, b.Stats()["default"].Pending())
}

func TestJoinFailFast(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.Enqueue(msg("default", "nobody"), 0)
	require.NoError(t, err)
	_, err = b.Enqueue(msg("default", "other"), time.Hour)
	require.NoError(t, err)

	go func() {
		d, err := b.Fetch(context.Background(), []string{"default"}, time.Second)
		if err == nil && d != nil {
			_ = b.DeadLetter(d)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, b.Join(ctx, "default", true), ErrDeadLettered)
}

func TestJoinUnknownQueueAndTimeout(t *testing.T) {
	b, _ := newTestBroker(t)
	assert.ErrorIs(t, b.Join(context.Background(), "missing", false), ErrQueueNotFound)

	_, err := b.Enqueue(msg("default", "x"), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Join(ctx, "default", false), context.DeadlineExceeded)
}
