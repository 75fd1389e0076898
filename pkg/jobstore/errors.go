package jobstore

import "errors"

var (
	// ErrNoJobAvailable is returned by ClaimNext when no pending job could
	// be locked (either the queue is empty or every pending row is
	// currently locked by another worker).
	ErrNoJobAvailable = errors.New("jobstore: no job available")
)
