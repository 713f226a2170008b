package cluster

import "errors"

var (
	// ErrNoWorkersAvailable is returned when the running set is empty
	ErrNoWorkersAvailable = errors.New("no workers available")

	// ErrWorkerNotFound is returned when a worker is not tracked by the pool
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrPoolAtCapacity is returned when a spawn would exceed the worker cap
	ErrPoolAtCapacity = errors.New("worker pool at capacity")

	// ErrUnknownStrategy is returned for an unrecognized balancing strategy name
	ErrUnknownStrategy = errors.New("unknown load balancing strategy")
)
