package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelf123/worker/pkg/jobstore"
	"github.com/timelf123/worker/pkg/queue"
	"github.com/timelf123/worker/test/util"
)

func TestWorkerPool_ClaimsAndCompletesJobViaNotification(t *testing.T) {
	pool := util.SetupTestPgxPool(t)
	store := jobstore.NewPgStore(pool)
	registry := queue.NewTaskRegistry()

	done := make(chan struct{})
	registry.Register("greet", func(ctx context.Context, job queue.Job) error {
		close(done)
		return nil
	})

	cfg := queue.DefaultPoolConfig()
	cfg.WorkerCount = 1
	cfg.NoHandleSignals = true

	wp := queue.NewWorkerPool(context.Background(), cfg, pool, store, registry, nil, nil)
	require.NoError(t, wp.Start())
	defer wp.Release(context.Background())

	_, err := pool.Exec(context.Background(),
		`INSERT INTO jobs (queue_name, task_identifier, payload) VALUES ($1, $2, $3)`,
		"default", "greet", `{}`)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was never claimed and executed after insert notification")
	}

	require.NoError(t, wp.Release(context.Background()))
}

func TestWorkerPool_GracefulShutdownAwaitsInFlightJob(t *testing.T) {
	pool := util.SetupTestPgxPool(t)
	store := jobstore.NewPgStore(pool)
	registry := queue.NewTaskRegistry()

	release := make(chan struct{})
	started := make(chan struct{})
	registry.Register("slow", func(ctx context.Context, job queue.Job) error {
		close(started)
		<-release
		return nil
	})

	cfg := queue.DefaultPoolConfig()
	cfg.WorkerCount = 1
	cfg.NoHandleSignals = true
	cfg.GracefulShutdownAbortTimeout = 2 * time.Second

	wp := queue.NewWorkerPool(context.Background(), cfg, pool, store, registry, nil, nil)
	require.NoError(t, wp.Start())

	_, err := pool.Exec(context.Background(),
		`INSERT INTO jobs (queue_name, task_identifier, payload) VALUES ($1, $2, $3)`,
		"default", "slow", `{}`)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	releaseDone := make(chan error, 1)
	go func() { releaseDone <- wp.Release(context.Background()) }()

	select {
	case <-releaseDone:
		t.Fatal("Release returned before the in-flight job finished")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-releaseDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Release never completed once the job finished")
	}
}

func TestWorkerPool_ForcefulShutdownForceFailsStuckJob(t *testing.T) {
	pool := util.SetupTestPgxPool(t)
	store := jobstore.NewPgStore(pool)
	registry := queue.NewTaskRegistry()

	started := make(chan struct{})
	registry.Register("stuck", func(ctx context.Context, job queue.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := queue.DefaultPoolConfig()
	cfg.WorkerCount = 1
	cfg.NoHandleSignals = true

	wp := queue.NewWorkerPool(context.Background(), cfg, pool, store, registry, nil, nil)
	require.NoError(t, wp.Start())

	var jobID int64
	require.NoError(t, pool.QueryRow(context.Background(), `
		INSERT INTO jobs (queue_name, task_identifier, payload) VALUES ($1, $2, $3) RETURNING id`,
		"default", "stuck", `{}`).Scan(&jobID))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	wp.Shutdown(queue.IntentForceful)

	select {
	case <-wp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pool never reached terminal state after forceful shutdown")
	}

	var lockedAt *time.Time
	var lastError string
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT locked_at, coalesce(last_error, '') FROM jobs WHERE id = $1`, jobID).Scan(&lockedAt, &lastError))
	assert.Nil(t, lockedAt, "stuck job must be unlocked by the forceful force-fail path")
	assert.NotEmpty(t, lastError, "stuck job must carry the forceful shutdown failure message")
}

func TestWorkerPool_Health_ReportsWorkerCountAndDBReachability(t *testing.T) {
	pool := util.SetupTestPgxPool(t)
	store := jobstore.NewPgStore(pool)
	registry := queue.NewTaskRegistry()

	cfg := queue.DefaultPoolConfig()
	cfg.WorkerCount = 3
	cfg.NoHandleSignals = true

	wp := queue.NewWorkerPool(context.Background(), cfg, pool, store, registry, nil, nil)
	require.NoError(t, wp.Start())
	defer wp.Release(context.Background())

	health := wp.Health(context.Background())
	assert.True(t, health.IsHealthy)
	assert.True(t, health.DBReachable)
	assert.Equal(t, 3, health.TotalWorkers)
	assert.Len(t, health.WorkerStats, 3)
}

func TestWorkerPool_RegistryTracksActivePools(t *testing.T) {
	pool := util.SetupTestPgxPool(t)
	store := jobstore.NewPgStore(pool)
	registry := queue.NewTaskRegistry()

	cfg := queue.DefaultPoolConfig()
	cfg.WorkerCount = 1
	cfg.NoHandleSignals = true

	before := queue.ActivePoolCount()

	wp := queue.NewWorkerPool(context.Background(), cfg, pool, store, registry, nil, nil)
	require.NoError(t, wp.Start())
	assert.Equal(t, before+1, queue.ActivePoolCount())

	require.NoError(t, wp.Release(context.Background()))
	assert.Equal(t, before, queue.ActivePoolCount())
}
