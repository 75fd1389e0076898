package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelf123/worker/pkg/jobstore"
)

type fakeStore struct {
	mu        sync.Mutex
	jobs      []jobstore.Job
	succeeded []int64
	failed    []int64
	failMsgs  []string
}

func (f *fakeStore) ClaimNext(ctx context.Context, queueName, workerID string) (jobstore.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return jobstore.Job{}, jobstore.ErrNoJobAvailable
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return j, nil
}

func (f *fakeStore) MarkSucceeded(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, jobID)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, jobID int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	f.failMsgs = append(f.failMsgs, errMsg)
	return nil
}

func (f *fakeStore) FailJobs(ctx context.Context, jobIDs []int64, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobIDs...)
	return len(jobIDs), nil
}

func (f *fakeStore) ResetLockedAt(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func TestPollingWorker_ExecutesSucceedingJob(t *testing.T) {
	store := &fakeStore{jobs: []jobstore.Job{{ID: 1, TaskIdentifier: "greet"}}}
	registry := NewTaskRegistry()

	var executed jobstore.Job
	done := make(chan struct{})
	registry.Register("greet", func(ctx context.Context, job Job) error {
		executed = job
		close(done)
		return nil
	})

	w := NewPollingWorker("w1", "default", store, registry, discardLogger(), NoopEventSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.succeeded) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, int64(1), executed.ID)
}

func TestPollingWorker_FailsJobOnHandlerError(t *testing.T) {
	store := &fakeStore{jobs: []jobstore.Job{{ID: 7, TaskIdentifier: "explode"}}}
	registry := NewTaskRegistry()
	registry.Register("explode", func(ctx context.Context, job Job) error {
		return errors.New("boom")
	})

	w := NewPollingWorker("w1", "default", store, registry, discardLogger(), NoopEventSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failed) == 1
	}, 2*time.Second, time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, int64(7), store.failed[0])
	assert.Contains(t, store.failMsgs[0], "boom")
}

func TestPollingWorker_FailsJobWhenNoHandlerRegistered(t *testing.T) {
	store := &fakeStore{jobs: []jobstore.Job{{ID: 9, TaskIdentifier: "unknown_task"}}}
	registry := NewTaskRegistry()

	w := NewPollingWorker("w1", "default", store, registry, discardLogger(), NoopEventSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failed) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestPollingWorker_NudgeWakesIdleWorkerImmediately(t *testing.T) {
	store := &fakeStore{}
	registry := NewTaskRegistry()
	done := make(chan struct{})
	registry.Register("ping", func(ctx context.Context, job Job) error {
		close(done)
		return nil
	})

	w := NewPollingWorker("w1", "default", store, registry, discardLogger(), NoopEventSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// Let the worker enter its wait loop with no job available, then inject
	// one and nudge it — it must not wait out the full poll interval.
	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	store.jobs = append(store.jobs, jobstore.Job{ID: 3, TaskIdentifier: "ping"})
	store.mu.Unlock()
	assert.True(t, w.Nudge())

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("nudge did not wake the worker before the poll interval elapsed")
	}
}

func TestPollingWorker_ReleaseWaitsForActiveJob(t *testing.T) {
	release := make(chan struct{})
	store := &fakeStore{jobs: []jobstore.Job{{ID: 1, TaskIdentifier: "slow"}}}
	registry := NewTaskRegistry()
	registry.Register("slow", func(ctx context.Context, job Job) error {
		<-release
		return nil
	})

	w := NewPollingWorker("w1", "default", store, registry, discardLogger(), NoopEventSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.Eventually(t, func() bool { return w.ActiveJob() != nil }, time.Second, time.Millisecond)

	releaseDone := make(chan error, 1)
	go func() {
		releaseDone <- w.Release(context.Background())
	}()

	select {
	case <-releaseDone:
		t.Fatal("Release returned before the active job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-releaseDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Release never returned after the job finished")
	}
}
