package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.dispatched, "dispatched counter should be initialized")
	assert.NotNil(t, collector.completed, "completed counter should be initialized")
	assert.NotNil(t, collector.failed, "failed counter should be initialized")
	assert.NotNil(t, collector.skipped, "skipped counter should be initialized")
	assert.NotNil(t, collector.latency, "latency histogram should be initialized")
	assert.NotNil(t, collector.queueMessages, "queue gauge should be initialized")
	assert.NotNil(t, collector.workersBusy, "busy gauge should be initialized")
	assert.NotNil(t, collector.workersPaused, "paused gauge should be initialized")
}

func TestMessageCounters(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	for i := 0; i < 3; i++ {
		collector.RecordDispatch("add", "default")
	}
	collector.RecordCompleted("add", "default", 0.1)
	collector.RecordFailed("add", "default", 0.2)
	collector.RecordSkipped("add", "default")

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.dispatched.WithLabelValues("add", "default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.completed.WithLabelValues("add", "default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.failed.WithLabelValues("add", "default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.skipped.WithLabelValues("add", "default")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.dispatched.WithLabelValues("add", "other")))
}

func TestUpdateQueueStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name                            string
		ready, delayed, inFlight, dead int
	}{
		{"zero values", 0, 0, 0, 0},
		{"normal values", 10, 2, 5, 1},
		{"high backlog", 100, 50, 8, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.UpdateQueueStats("default", tc.ready, tc.delayed, tc.inFlight, tc.dead)
			assert.Equal(t, float64(tc.ready), testutil.ToFloat64(collector.queueMessages.WithLabelValues("default", "ready")))
			assert.Equal(t, float64(tc.delayed), testutil.ToFloat64(collector.queueMessages.WithLabelValues("default", "delayed")))
			assert.Equal(t, float64(tc.inFlight), testutil.ToFloat64(collector.queueMessages.WithLabelValues("default", "in_flight")))
			assert.Equal(t, float64(tc.dead), testutil.ToFloat64(collector.queueMessages.WithLabelValues("default", "dead")))
		})
	}
}

func TestUpdatePoolStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.UpdatePoolStats(3, true)
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.workersBusy))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.workersPaused))

	collector.UpdatePoolStats(0, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.workersPaused))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	// Prometheus metrics are safe for concurrent use
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordDispatch("add", "default")
			collector.RecordCompleted("add", "default", 0.1)
			collector.UpdateQueueStats("default", 10, 0, 5, 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.dispatched.WithLabelValues("add", "default")))
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A process should have only one collector
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestServerExposesMetrics(t *testing.T) {
	srv := NewServer(0)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
