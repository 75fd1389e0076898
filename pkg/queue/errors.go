package queue

import "errors"

// Sentinel errors for queue operations.
var (
	// ErrNoJobAvailable indicates no pending job was available to claim.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrAtCapacity indicates the global concurrent job limit has been reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrAlreadyShuttingDown is returned by subscribe when a signal broker
	// latch (graceful or forceful) has already been set for the process.
	ErrAlreadyShuttingDown = errors.New("signal broker: already shutting down")

	// ErrPoolShuttingDown is returned when an operation is attempted on a
	// pool that has already begun graceful or forceful shutdown.
	ErrPoolShuttingDown = errors.New("worker pool: shutting down")
)
