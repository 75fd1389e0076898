// Package jobstore implements the SQL bodies that claim, reset, and fail
// jobs against a PostgreSQL-backed `jobs` table. These bodies are external
// collaborators relative to the worker-pool core: the core only needs the
// Store interface and never inspects the SQL itself.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job is one row claimed from the jobs table.
type Job struct {
	ID             int64
	QueueName      string
	TaskIdentifier string
	Payload        json.RawMessage
	RunAt          time.Time
	Attempts       int
	MaxAttempts    int
	LastError      string
	CreatedAt      time.Time
}

// Store is the external collaborator contract for job persistence: claim,
// reset abandoned locks, and record terminal outcomes. SQL migration
// scripts and schema definitions that back this interface are themselves
// out of THE CORE's scope — they exist here only so the module runs
// end-to-end against a real Postgres instance.
type Store interface {
	// ClaimNext locks and returns the oldest runnable, unlocked job in
	// queueName via SELECT ... FOR UPDATE SKIP LOCKED. Returns
	// ErrNoJobAvailable if none is runnable right now.
	ClaimNext(ctx context.Context, queueName, workerID string) (Job, error)

	// MarkSucceeded removes a completed job from the queue.
	MarkSucceeded(ctx context.Context, jobID int64) error

	// MarkFailed records a job failure. If the job has exhausted
	// MaxAttempts it is removed permanently; otherwise it is unlocked and
	// rescheduled with backoff so another worker may retry it.
	MarkFailed(ctx context.Context, jobID int64, errMsg string) error

	// FailJobs force-fails a batch of jobs left locked by workers that did
	// not release cleanly (forceful shutdown, crashed worker cleanup).
	FailJobs(ctx context.Context, jobIDs []int64, message string) (int, error)

	// ResetLockedAt re-opens rows whose worker died mid-execution: any job
	// still locked after olderThan has elapsed since it was claimed is
	// unlocked so another worker can retry it. Returns the count reset.
	ResetLockedAt(ctx context.Context, olderThan time.Duration) (int, error)
}

// WithPgClient acquires a pooled connection, runs fn, and guarantees
// release on every exit path — the scoped-acquisition pattern spec.md §6
// calls WithPgClient.
func WithPgClient[T any](ctx context.Context, pool *pgxpool.Pool, fn func(*pgxpool.Conn) (T, error)) (T, error) {
	var zero T

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return zero, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	return fn(conn)
}

// PgStore is the Postgres-backed Store implementation.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an existing connection pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) ClaimNext(ctx context.Context, queueName, workerID string) (Job, error) {
	return WithPgClient(ctx, s.pool, func(conn *pgxpool.Conn) (Job, error) {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return Job{}, fmt.Errorf("beginning claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var j Job
		row := tx.QueryRow(ctx, `
			SELECT id, queue_name, task_identifier, payload, run_at,
			       attempts, max_attempts, coalesce(last_error, ''), created_at
			FROM jobs
			WHERE queue_name = $1 AND run_at <= now() AND locked_at IS NULL
			ORDER BY run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`, queueName)
		if err := row.Scan(&j.ID, &j.QueueName, &j.TaskIdentifier, &j.Payload,
			&j.RunAt, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Job{}, ErrNoJobAvailable
			}
			return Job{}, fmt.Errorf("querying claimable job: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET locked_at = now(), locked_by = $1, attempts = attempts + 1
			WHERE id = $2`, workerID, j.ID); err != nil {
			return Job{}, fmt.Errorf("locking job %d: %w", j.ID, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return Job{}, fmt.Errorf("committing claim of job %d: %w", j.ID, err)
		}

		j.Attempts++
		return j, nil
	})
}

func (s *PgStore) MarkSucceeded(ctx context.Context, jobID int64) error {
	_, err := WithPgClient(ctx, s.pool, func(conn *pgxpool.Conn) (struct{}, error) {
		_, err := conn.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("marking job %d succeeded: %w", jobID, err)
	}
	return nil
}

func (s *PgStore) MarkFailed(ctx context.Context, jobID int64, errMsg string) error {
	_, err := WithPgClient(ctx, s.pool, func(conn *pgxpool.Conn) (struct{}, error) {
		tag, err := conn.Exec(ctx, `
			DELETE FROM jobs WHERE id = $1 AND attempts >= max_attempts`, jobID)
		if err != nil {
			return struct{}{}, err
		}
		if tag.RowsAffected() > 0 {
			return struct{}{}, nil
		}

		backoff := backoffFor(1)
		_, err = conn.Exec(ctx, `
			UPDATE jobs
			SET locked_at = NULL, locked_by = NULL, last_error = $1, run_at = now() + $2
			WHERE id = $3`, errMsg, backoff, jobID)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("marking job %d failed: %w", jobID, err)
	}
	return nil
}

func (s *PgStore) FailJobs(ctx context.Context, jobIDs []int64, message string) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	return WithPgClient(ctx, s.pool, func(conn *pgxpool.Conn) (int, error) {
		tag, err := conn.Exec(ctx, `
			DELETE FROM jobs WHERE id = ANY($1) AND attempts >= max_attempts`, jobIDs)
		if err != nil {
			return 0, err
		}
		deleted := int(tag.RowsAffected())

		tag, err = conn.Exec(ctx, `
			UPDATE jobs
			SET locked_at = NULL, locked_by = NULL, last_error = $1, run_at = now() + interval '30 seconds'
			WHERE id = ANY($2) AND attempts < max_attempts`, message, jobIDs)
		if err != nil {
			return deleted, err
		}
		return deleted + int(tag.RowsAffected()), nil
	})
}

func (s *PgStore) ResetLockedAt(ctx context.Context, olderThan time.Duration) (int, error) {
	return WithPgClient(ctx, s.pool, func(conn *pgxpool.Conn) (int, error) {
		tag, err := conn.Exec(ctx, `
			UPDATE jobs
			SET locked_at = NULL, locked_by = NULL
			WHERE locked_at IS NOT NULL AND locked_at < now() - $1::interval`,
			fmt.Sprintf("%d milliseconds", olderThan.Milliseconds()))
		if err != nil {
			return 0, fmt.Errorf("resetting locked jobs: %w", err)
		}
		return int(tag.RowsAffected()), nil
	})
}

// backoffFor returns a retry delay of 10 seconds per attempt (attempts below
// 1 count as 1), capped at 300 seconds.
// Kept simple and deterministic; the core's invariants under test concern
// the pool/listener/ticker, not this peripheral scheduling policy.
func backoffFor(attempt int) string {
	if attempt < 1 {
		attempt = 1
	}
	seconds := 10 * attempt
	if seconds > 300 {
		seconds = 300
	}
	return fmt.Sprintf("%d seconds", seconds)
}
