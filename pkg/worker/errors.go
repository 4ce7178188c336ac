package worker

import "errors"

var (
	// ErrPoolClosed is returned when starting a pool that was already stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Stop on a pool that never started.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolAlreadyStarted is returned by a second Start.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrStopTimeout is returned when in-flight messages outlive Stop's timeout.
	ErrStopTimeout = errors.New("timed out waiting for workers to stop")
	// ErrNoRegistry is returned when the broker has no actor registry.
	ErrNoRegistry = errors.New("broker has no actor registry")
)
