// ============================================================================
// actorq Controller - runtime assembly
// ============================================================================
//
// Package: internal/controller
// File: controller.go
//
// The controller wires one process together:
//   - Broker: in-memory queues with the configured codec and dead-letter sink
//   - Pool: the worker goroutines consuming those queues
//   - Metrics middleware: per-message counters, when a collector is given
//   - Health checker: gRPC health status mirroring the pool
//
// Background loop:
//   statsLoop - publishes queue and pool gauges and refreshes health status
//
// Shutdown order:
//   1. close(stopCh)  → stats loop exits
//   2. pool.Stop()    → workers finish their current message or are abandoned
//   3. broker.Close() → blocked fetches wake, dead-letter sink is closed
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/actorq/internal/codec"
	"github.com/ChuLiYu/actorq/internal/config"
	"github.com/ChuLiYu/actorq/internal/health"
	"github.com/ChuLiYu/actorq/internal/metrics"
	"github.com/ChuLiYu/actorq/internal/storage/deadletter"
	"github.com/ChuLiYu/actorq/pkg/actor"
	"github.com/ChuLiYu/actorq/pkg/broker"
	"github.com/ChuLiYu/actorq/pkg/middleware"
	"github.com/ChuLiYu/actorq/pkg/worker"
)

var log = slog.Default()

var ErrStopped = errors.New("controller is stopped")

// DefaultStatsInterval is how often gauges and health status are refreshed.
const DefaultStatsInterval = time.Second

// ============================================================================
// Types
// ============================================================================

// Config configures a Controller.
type Config struct {
	Workers           int
	Queues            []string
	FetchTimeout      time.Duration
	DeadLetterAborted bool

	Codec          string // json | proto
	DeadLetterPath string // empty = in-memory dead letters

	StatsInterval time.Duration
	StopTimeout   time.Duration

	// Collector receives metrics when set.
	Collector *metrics.Collector
	Logger    *slog.Logger
}

// FromFile maps a loaded configuration file onto a controller Config.
func FromFile(fc *config.Config, collector *metrics.Collector, logger *slog.Logger) Config {
	return Config{
		Workers:           fc.Worker.Count,
		Queues:            fc.Worker.Queues,
		FetchTimeout:      fc.Worker.FetchTimeout,
		DeadLetterAborted: fc.Worker.DeadLetterAborted,
		Codec:             fc.Broker.Codec,
		DeadLetterPath:    fc.Broker.DeadLetterPath,
		Collector:         collector,
		Logger:            logger,
	}
}

// Controller owns the broker, the pool and their supporting loops.
type Controller struct {
	mu        sync.Mutex
	registry  *actor.Registry
	broker    *broker.MemoryBroker
	pool      *worker.Pool
	health    *health.Checker
	collector *metrics.Collector
	config    Config
	logger    *slog.Logger
	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// ============================================================================
// Lifecycle
// ============================================================================

// NewController builds the runtime around registry. The registry is bound to
// the new broker, so actors registered on it can Send right away.
func NewController(registry *actor.Registry, config Config) (*Controller, error) {
	logger := config.Logger
	if logger == nil {
		logger = log
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = DefaultStatsInterval
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}

	cd, err := codec.ByName(config.Codec)
	if err != nil {
		return nil, err
	}

	var sink deadletter.Sink
	if config.DeadLetterPath != "" {
		sink, err = deadletter.NewBolt(&deadletter.Options{
			Logger: logger,
			Path:   config.DeadLetterPath,
			Codec:  cd,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
		}
	} else {
		sink = deadletter.NewMemory()
	}

	b := broker.NewMemoryBroker(registry,
		broker.WithLogger(logger),
		broker.WithCodec(cd),
		broker.WithDeadLetterSink(sink),
	)
	if config.Collector != nil {
		b.AddMiddleware(middleware.NewMetrics(config.Collector))
	}

	pool := worker.NewPool(b, worker.Config{
		Workers:           config.Workers,
		Queues:            config.Queues,
		FetchTimeout:      config.FetchTimeout,
		DeadLetterAborted: config.DeadLetterAborted,
		Logger:            logger,
	})

	return &Controller{
		registry:  registry,
		broker:    b,
		pool:      pool,
		health:    health.NewChecker(pool, logger),
		collector: config.Collector,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start declares the configured queues, starts the pool and the stats loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return worker.ErrPoolAlreadyStarted
	}

	for _, q := range c.config.Queues {
		if err := c.broker.DeclareQueue(q); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}
	for _, a := range c.registry.Actors() {
		if err := c.broker.DeclareQueue(a.QueueName()); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", a.QueueName(), err)
		}
	}

	c.startTime = time.Now()
	if err := c.pool.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.started = true

	c.loopWg.Add(1)
	go c.statsLoop()

	c.logger.Info("Controller started",
		"workers", c.pool.Stats().Workers,
		"queues", c.broker.Queues())
	return nil
}

func (c *Controller) statsLoop() {
	defer c.loopWg.Done()

	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.publish()
		}
	}
}

// publish pushes the current queue and pool state to the gauges and the
// health service.
func (c *Controller) publish() {
	if c.collector != nil {
		for name, s := range c.broker.Stats() {
			c.collector.UpdateQueueStats(name, s.Ready, s.Delayed, s.InFlight, s.DeadLettered)
		}
		ps := c.pool.Stats()
		c.collector.UpdatePoolStats(ps.Busy, ps.Paused)
	}
	c.health.Refresh()
}

// Stop shuts the runtime down. It is safe to call more than once.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.logger.Info("Stopping controller...")

	close(c.stopCh)
	c.loopWg.Wait()

	var errs []error
	if started {
		if err := c.pool.Stop(c.config.StopTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	c.health.Refresh()

	c.logger.Info("Controller stopped", "uptime", time.Since(c.startTime))
	return errors.Join(errs...)
}

// ============================================================================
// Accessors
// ============================================================================

func (c *Controller) Registry() *actor.Registry { return c.registry }
func (c *Controller) Broker() broker.Broker     { return c.broker }
func (c *Controller) Pool() *worker.Pool        { return c.pool }
func (c *Controller) Health() *health.Checker   { return c.health }
