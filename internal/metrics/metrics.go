// ============================================================================
// actorq Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric families (RED for messages, USE for the pool):
//
//   Counters, labelled by actor and queue:
//     - actorq_messages_dispatched_total
//     - actorq_messages_completed_total
//     - actorq_messages_failed_total
//     - actorq_messages_skipped_total
//
//   Histogram, labelled by actor:
//     - actorq_message_latency_seconds
//
//   Gauges:
//     - actorq_queue_messages{queue, state}   ready / delayed / in_flight / dead
//     - actorq_workers_busy
//     - actorq_workers_paused                 1 while the pool is paused
//
// Example queries:
//
//   # Failure rate per actor
//   rate(actorq_messages_failed_total[5m]) / rate(actorq_messages_dispatched_total[5m])
//
//   # Backlog
//   sum by (queue) (actorq_queue_messages{state=~"ready|delayed"})
//
// ============================================================================

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of one process.
type Collector struct {
	// Message counters
	dispatched *prometheus.CounterVec
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	skipped    *prometheus.CounterVec

	// Latency
	latency *prometheus.HistogramVec

	// State
	queueMessages *prometheus.GaugeVec
	workersBusy   prometheus.Gauge
	workersPaused prometheus.Gauge
}

// NewCollector creates the collector and registers it with the default
// registerer. A process should create exactly one.
func NewCollector() *Collector {
	labels := []string{"actor", "queue"}

	c := &Collector{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorq_messages_dispatched_total",
			Help: "Total number of messages handed to an actor",
		}, labels),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorq_messages_completed_total",
			Help: "Total number of messages processed successfully",
		}, labels),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorq_messages_failed_total",
			Help: "Total number of failed attempts",
		}, labels),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorq_messages_skipped_total",
			Help: "Total number of messages skipped without running their actor",
		}, labels),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "actorq_message_latency_seconds",
			Help:    "Actor invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"actor"}),
		queueMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "actorq_queue_messages",
			Help: "Current number of messages per queue and state",
		}, []string{"queue", "state"}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorq_workers_busy",
			Help: "Current number of workers processing a message",
		}),
		workersPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorq_workers_paused",
			Help: "1 while the worker pool is paused",
		}),
	}

	prometheus.MustRegister(c.dispatched)
	prometheus.MustRegister(c.completed)
	prometheus.MustRegister(c.failed)
	prometheus.MustRegister(c.skipped)
	prometheus.MustRegister(c.latency)
	prometheus.MustRegister(c.queueMessages)
	prometheus.MustRegister(c.workersBusy)
	prometheus.MustRegister(c.workersPaused)

	return c
}

// RecordDispatch records a message handed to its actor.
func (c *Collector) RecordDispatch(actor, queue string) {
	c.dispatched.WithLabelValues(actor, queue).Inc()
}

// RecordCompleted records a successful attempt and its latency.
func (c *Collector) RecordCompleted(actor, queue string, latencySeconds float64) {
	c.completed.WithLabelValues(actor, queue).Inc()
	c.latency.WithLabelValues(actor).Observe(latencySeconds)
}

// RecordFailed records a failed attempt and its latency.
func (c *Collector) RecordFailed(actor, queue string, latencySeconds float64) {
	c.failed.WithLabelValues(actor, queue).Inc()
	c.latency.WithLabelValues(actor).Observe(latencySeconds)
}

// RecordSkipped records a message consumed without running its actor.
func (c *Collector) RecordSkipped(actor, queue string) {
	c.skipped.WithLabelValues(actor, queue).Inc()
}

// UpdateQueueStats sets the per-state gauges of one queue.
func (c *Collector) UpdateQueueStats(queue string, ready, delayed, inFlight, dead int) {
	c.queueMessages.WithLabelValues(queue, "ready").Set(float64(ready))
	c.queueMessages.WithLabelValues(queue, "delayed").Set(float64(delayed))
	c.queueMessages.WithLabelValues(queue, "in_flight").Set(float64(inFlight))
	c.queueMessages.WithLabelValues(queue, "dead").Set(float64(dead))
}

// UpdatePoolStats sets the worker gauges.
func (c *Collector) UpdatePoolStats(busy int64, paused bool) {
	c.workersBusy.Set(float64(busy))
	if paused {
		c.workersPaused.Set(1)
	} else {
		c.workersPaused.Set(0)
	}
}

// NewServer returns an HTTP server exposing /metrics on port.
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartServer serves /metrics on port until the server fails.
func StartServer(port int) error {
	err := NewServer(port).ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
