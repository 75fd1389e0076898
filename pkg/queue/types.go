// Package queue supervises a pool of workers that dequeue and execute jobs
// from a PostgreSQL-backed queue, reacting to LISTEN/NOTIFY traffic and OS
// termination signals.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/timelf123/worker/pkg/jobstore"
)

// Job is a claimed row from the jobs table; it is a type alias for
// jobstore.Job so callers never need to import both packages to pass a job
// around.
type Job = jobstore.Job

// TaskHandler executes a single job. Retry-count bookkeeping and the
// failJobs/addJob SQL bodies remain the caller's concern — a handler only
// reports success or failure for the job it was given.
type TaskHandler func(ctx context.Context, job Job) error

// TaskRegistry maps a job's TaskIdentifier to the handler that executes it.
type TaskRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewTaskRegistry returns an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{handlers: make(map[string]TaskHandler)}
}

// Register binds a task identifier to a handler. Registering the same
// identifier twice overwrites the previous handler.
func (r *TaskRegistry) Register(taskIdentifier string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskIdentifier] = h
}

// Handler looks up the handler for a task identifier.
func (r *TaskRegistry) Handler(taskIdentifier string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskIdentifier]
	return h, ok
}

// Worker is the external collaborator contract a WorkerPool supervises.
// Individual job execution semantics are the implementation's concern; the
// pool only needs to release, nudge, and observe a worker's active job.
type Worker interface {
	// ID returns the worker's stable identifier.
	ID() string

	// Nudge hints that new work may be available. Returns true if the
	// worker accepted the hint (e.g. it was idle and will poll immediately).
	Nudge() bool

	// ActiveJob returns the job currently being processed, or nil if idle.
	ActiveJob() *Job

	// Release asks the worker to stop accepting new jobs and, once any
	// active job finishes (or ctx is cancelled), return.
	Release(ctx context.Context) error

	// Done is closed once the worker's run loop has exited.
	Done() <-chan struct{}
}

// WorkerStatus reports a worker's coarse-grained activity state.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a point-in-time snapshot of a single worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  int64        `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// PoolHealth is a point-in-time snapshot of the whole pool.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	DBReachable   bool           `json:"db_reachable"`
	DBError       string         `json:"db_error,omitempty"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}
