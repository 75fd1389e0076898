package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelf123/worker/pkg/jobstore"
	"github.com/timelf123/worker/test/util"
)

func TestPgStore_ClaimNextAndComplete(t *testing.T) {
	pool := util.SetupTestPgxPool(t)
	store := jobstore.NewPgStore(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO jobs (queue_name, task_identifier, payload) VALUES ($1, $2, $3)`,
		"default", "send_email", `{"to":"a@example.com"}`)
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, "default", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "send_email", job.TaskIdentifier)
	assert.Equal(t, 1, job.Attempts)

	_, err = store.ClaimNext(ctx, "default", "worker-2")
	assert.ErrorIs(t, err, jobstore.ErrNoJobAvailable)

	require.NoError(t, store.MarkSucceeded(ctx, job.ID))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE id = $1`, job.ID).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestPgStore_MarkFailed_RetriesUntilExhausted(t *testing.T) {
	pool := util.SetupTestPgxPool(t)
	store := jobstore.NewPgStore(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO jobs (queue_name, task_identifier, payload, max_attempts) VALUES ($1, $2, $3, $4)`,
		"default", "flaky_task", `{}`, 2)
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, "default", "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, job.ID, "first failure"))

	var runAt time.Time
	var lockedAt *time.Time
	require.NoError(t, pool.QueryRow(ctx, `SELECT run_at, locked_at FROM jobs WHERE id = $1`, job.ID).Scan(&runAt, &lockedAt))
	assert.Nil(t, lockedAt, "job must be unlocked for retry")
	assert.True(t, runAt.After(time.Now()), "rescheduled job must run in the future")

	// Bring the retry forward so it can be claimed without waiting out the
	// backoff.
	_, err = pool.Exec(ctx, `UPDATE jobs SET run_at = now() WHERE id = $1`, job.ID)
	require.NoError(t, err)

	job2, err := store.ClaimNext(ctx, "default", "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, job2.ID, "second failure"))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE id = $1`, job.ID).Scan(&count))
	assert.Equal(t, 0, count, "job must be deleted once max_attempts is exhausted")
}

func TestPgStore_ResetLockedAt_ReclaimsStaleLocks(t *testing.T) {
	pool := util.SetupTestPgxPool(t)
	store := jobstore.NewPgStore(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO jobs (queue_name, task_identifier, payload, locked_at, locked_by)
		VALUES ($1, $2, $3, now() - interval '1 hour', 'dead-worker')`,
		"default", "stuck_task", `{}`)
	require.NoError(t, err)

	n, err := store.ResetLockedAt(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := store.ClaimNext(ctx, "default", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "stuck_task", job.TaskIdentifier)
}

func TestPgStore_FailJobs_BulkForceFail(t *testing.T) {
	pool := util.SetupTestPgxPool(t)
	store := jobstore.NewPgStore(pool)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 2; i++ {
		var id int64
		require.NoError(t, pool.QueryRow(ctx, `
			INSERT INTO jobs (queue_name, task_identifier, payload, attempts, max_attempts)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			"default", "batch_task", `{}`, 5, 5).Scan(&id))
		ids = append(ids, id)
	}

	n, err := store.FailJobs(ctx, ids, "forceful shutdown")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE id = ANY($1)`, ids).Scan(&remaining))
	assert.Equal(t, 0, remaining)
}
