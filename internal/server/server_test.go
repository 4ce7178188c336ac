package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/actorq/pkg/actor"
	"github.com/ChuLiYu/actorq/pkg/broker"
	"github.com/ChuLiYu/actorq/pkg/types"
	"github.com/ChuLiYu/actorq/pkg/worker"
)

type fakePool struct {
	paused atomic.Bool
}

func (p *fakePool) Pause()  { p.paused.Store(true) }
func (p *fakePool) Resume() { p.paused.Store(false) }
func (p *fakePool) Stats() worker.Stats {
	return worker.Stats{Workers: 2, Paused: p.paused.Load()}
}

func newTestServer(t *testing.T) (*Server, broker.Broker, *fakePool) {
	t.Helper()

	registry := actor.NewRegistry(nil)
	b := broker.NewMemoryBroker(registry)
	t.Cleanup(func() { b.Close() })

	registry.MustRegister("add", func(context.Context, []any, map[string]any) (any, error) {
		return nil, nil
	}, actor.WithQueue("math"), actor.WithPriority(5))

	pool := &fakePool{}
	return NewServer(&Options{}, b, pool), b, pool
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPauseResume(t *testing.T) {
	s, _, pool := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/pool/pause", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, pool.paused.Load())

	rec = do(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Pool.Paused)
	assert.Equal(t, 2, status.Pool.Workers)

	rec = do(t, s, http.MethodPost, "/api/v1/pool/resume", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, pool.paused.Load())
}

func TestListActors(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/actors", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListActorsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []ActorInfo{{Name: "add", Queue: "math", Priority: 5}}, resp.Actors)
}

func TestSendMessage(t *testing.T) {
	s, b, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/actors/add/messages",
		`{"args":[1,2],"options":{"delay":60000,"retries":7}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.MessageId)
	assert.Equal(t, "math", resp.Queue)
	assert.Greater(t, resp.ETA, time.Now().UnixMilli())

	stats := b.Stats()["math"]
	assert.Equal(t, 1, stats.Delayed)

	rec = do(t, s, http.MethodGet, "/api/v1/status", "")
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Queues["math"].Delayed)
}

func TestSendMessageErrors(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/actors/missing/messages", `{"args":[]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/actors/add/messages", `{"options":{"max_retries":-1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDeadLetters(t *testing.T) {
	s, b, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(types.NewMessage("math", "ghost", []any{i}, nil, types.MessageOptions{}), 0)
		require.NoError(t, err)

		d, err := b.Fetch(context.Background(), []string{"math"}, time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)
		require.NoError(t, b.DeadLetter(d))
	}

	rec := do(t, s, http.MethodGet, "/api/v1/queues/math/dead?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListDeadLettersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, 2)
	assert.Equal(t, "ghost", resp.Messages[0].ActorName)

	rec = do(t, s, http.MethodGet, "/api/v1/queues/other/dead", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Messages)
}
