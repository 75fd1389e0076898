package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timelf123/worker/pkg/jobstore"
)

// pollInterval is the base cadence a PollingWorker falls back to between
// nudges; jittered so that a pool of N workers doesn't hammer the database
// in lockstep every tick.
const pollInterval = 2 * time.Second

// PollingWorker is the reference Worker implementation: it claims jobs from
// a jobstore.Store, dispatches them to a TaskRegistry, and falls back to a
// jittered poll when no jobs:insert notification arrives in time.
type PollingWorker struct {
	id        string
	queueName string
	store     jobstore.Store
	registry  *TaskRegistry
	logger    *slog.Logger
	emit      EventSink

	nudgeCh chan struct{}
	doneCh  chan struct{}

	mu            sync.Mutex
	activeJob     *Job
	jobsProcessed int
	lastActivity  time.Time

	released atomic.Bool
}

// NewPollingWorker constructs a worker bound to queueName. The caller must
// call Start to begin its run loop.
func NewPollingWorker(id, queueName string, store jobstore.Store, registry *TaskRegistry, logger *slog.Logger, emit EventSink) *PollingWorker {
	return &PollingWorker{
		id:           id,
		queueName:    queueName,
		store:        store,
		registry:     registry,
		logger:       logger.With("worker_id", id),
		emit:         emit,
		nudgeCh:      make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

func (w *PollingWorker) ID() string { return w.id }

// Nudge wakes the worker's poll loop immediately instead of waiting out the
// current jittered interval. Returns false once the worker has been
// released.
func (w *PollingWorker) Nudge() bool {
	if w.released.Load() {
		return false
	}
	select {
	case w.nudgeCh <- struct{}{}:
	default:
	}
	return true
}

func (w *PollingWorker) ActiveJob() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeJob
}

func (w *PollingWorker) Done() <-chan struct{} { return w.doneCh }

// Start runs the claim/execute loop until ctx is cancelled or Release is
// called.
func (w *PollingWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *PollingWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		if w.released.Load() {
			return
		}

		job, err := w.store.ClaimNext(ctx, w.queueName, w.id)
		if err != nil {
			if !errors.Is(err, jobstore.ErrNoJobAvailable) {
				w.logger.Warn("claim failed", "error", err)
			}
			if !w.waitForNextAttempt(ctx) {
				return
			}
			continue
		}

		w.execute(ctx, job)
	}
}

// waitForNextAttempt blocks until a nudge arrives, the jittered poll
// interval elapses, or ctx is done. Returns false if the worker should
// stop.
func (w *PollingWorker) waitForNextAttempt(ctx context.Context) bool {
	jitter := time.Duration(rand.Float64() * float64(pollInterval))
	timer := time.NewTimer(pollInterval/2 + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-w.nudgeCh:
		return true
	case <-timer.C:
		return true
	}
}

func (w *PollingWorker) execute(ctx context.Context, job Job) {
	w.mu.Lock()
	w.activeJob = &job
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.activeJob = nil
		w.lastActivity = time.Now()
		w.jobsProcessed++
		w.mu.Unlock()
	}()

	handler, ok := w.registry.Handler(job.TaskIdentifier)
	if !ok {
		w.fail(ctx, job, fmt.Errorf("no handler registered for task %q", job.TaskIdentifier))
		return
	}

	if err := handler(ctx, job); err != nil {
		w.fail(ctx, job, err)
		return
	}

	if err := w.store.MarkSucceeded(ctx, job.ID); err != nil {
		w.logger.Error("failed to mark job succeeded", "job_id", job.ID, "error", err)
		w.emit.Emit(EventPayload{Event: EventGracefulShutdownWorkerError, WorkerID: w.id, Job: &job, Err: err})
	}
}

func (w *PollingWorker) fail(ctx context.Context, job Job, cause error) {
	w.logger.Warn("job failed", "job_id", job.ID, "task", job.TaskIdentifier, "error", cause)
	if err := w.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		w.emit.Emit(EventPayload{Event: EventGracefulShutdownWorkerError, WorkerID: w.id, Job: &job, Err: err})
	}
}

// Release stops the worker from claiming further jobs and waits for any
// in-flight job to finish, or for ctx to be cancelled.
func (w *PollingWorker) Release(ctx context.Context) error {
	w.released.Store(true)
	// Wake an idle worker so its run loop sees the release now instead of
	// after its poll interval.
	select {
	case w.nudgeCh <- struct{}{}:
	default:
	}
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
