package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// EnqueueEscalations inserts one pending escalation job per item ID.
// Enqueue is idempotent: a partial unique index on (item_id) for
// pending/running jobs turns duplicate enqueues into no-ops, so a
// repeated scheduler tick cannot double-queue an item. Returns the
// number of jobs actually inserted.
func (db *DB) EnqueueEscalations(ctx context.Context, tenantID uuid.UUID, itemIDs []uuid.UUID) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	var inserted int
	err := WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO escalation_jobs (item_id, tenant_id, status, enqueued_at)
			 SELECT unnest($1::uuid[]), $2, 'pending', now()
			 ON CONFLICT (item_id) WHERE status IN ('pending', 'running') DO NOTHING`,
			itemIDs, tenantID,
		)
		if err != nil {
			return err
		}
		inserted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: enqueue escalations: %w", err)
	}
	return inserted, nil
}

// DequeueJobs claims up to limit jobs, marks them running, and extends
// their lease. Eligible jobs are pending ones whose backoff lease has
// passed, plus running ones whose lease expired: a job stranded mid
// flight by a crash or shutdown becomes claimable again once its lease
// runs out, with the reclaim counted as an attempt. Uses FOR UPDATE
// SKIP LOCKED so concurrent workers never contend on the same rows.
func (db *DB) DequeueJobs(ctx context.Context, limit int, lease time.Duration) ([]model.EscalationJob, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: dequeue begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, item_id, tenant_id, status, attempts, last_error, enqueued_at, finished_at
		 FROM escalation_jobs
		 WHERE status IN ('pending', 'running')
		   AND (locked_until IS NULL OR locked_until < now())
		 ORDER BY enqueued_at ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: dequeue select: %w", err)
	}

	var jobs []model.EscalationJob
	for rows.Next() {
		var j model.EscalationJob
		if err := rows.Scan(
			&j.ID, &j.ItemID, &j.TenantID, &j.Status, &j.Attempts,
			&j.LastError, &j.EnqueuedAt, &j.FinishedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: dequeue scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: dequeue rows: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	// The lease must exceed the worker's batch timeout so a second
	// worker can't pick up jobs the first is still processing. A row
	// still marked running here is a reclaim; it costs an attempt so a
	// crash-looping job eventually dead-letters instead of cycling.
	if _, err := tx.Exec(ctx,
		`UPDATE escalation_jobs
		 SET attempts = CASE WHEN status = 'running' THEN attempts + 1 ELSE attempts END,
		     last_error = CASE WHEN status = 'running' THEN 'lease expired' ELSE last_error END,
		     status = 'running',
		     locked_until = now() + make_interval(secs => $1)
		 WHERE id = ANY($2)`,
		lease.Seconds(), ids,
	); err != nil {
		return nil, fmt.Errorf("storage: dequeue lock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: dequeue commit: %w", err)
	}

	for i := range jobs {
		if jobs[i].Status == model.JobStatusRunning {
			jobs[i].Attempts++
		}
		jobs[i].Status = model.JobStatusRunning
	}
	return jobs, nil
}

// FinishJob records a terminal outcome (completed or skipped) for a job.
func (db *DB) FinishJob(ctx context.Context, jobID int64, status model.JobStatus) error {
	if status != model.JobStatusCompleted && status != model.JobStatusSkipped {
		return fmt.Errorf("storage: finish job: %q is not a terminal success status", status)
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE escalation_jobs
		 SET status = $1, finished_at = now(), locked_until = NULL
		 WHERE id = $2`,
		string(status), jobID,
	)
	if err != nil {
		return fmt.Errorf("storage: finish job: %w", err)
	}
	return nil
}

// FailJob records a failed attempt. Below maxAttempts the job returns
// to pending with an exponential-backoff lease (2^attempts seconds,
// capped at 5 minutes); at or beyond the cap it is marked failed and
// kept for operator inspection — never silently dropped.
func (db *DB) FailJob(ctx context.Context, jobID int64, errMsg string, maxAttempts int) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE escalation_jobs
		 SET attempts = attempts + 1,
		     last_error = $1,
		     status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		     finished_at = CASE WHEN attempts + 1 >= $2 THEN now() ELSE NULL END,
		     locked_until = CASE WHEN attempts + 1 >= $2 THEN NULL
		                         ELSE now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second' END
		 WHERE id = $3`,
		errMsg, maxAttempts, jobID,
	)
	if err != nil {
		return fmt.Errorf("storage: fail job: %w", err)
	}
	return nil
}

// CountJobsByStatus returns job counts broken down by state.
func (db *DB) CountJobsByStatus(ctx context.Context) (model.QueueStatus, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM escalation_jobs GROUP BY status`,
	)
	if err != nil {
		return model.QueueStatus{}, fmt.Errorf("storage: count jobs: %w", err)
	}
	defer rows.Close()

	var qs model.QueueStatus
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return model.QueueStatus{}, fmt.Errorf("storage: scan job count: %w", err)
		}
		switch model.JobStatus(status) {
		case model.JobStatusPending:
			qs.Pending = count
		case model.JobStatusRunning:
			qs.Running = count
		case model.JobStatusCompleted:
			qs.Completed = count
		case model.JobStatusFailed:
			qs.Failed = count
		case model.JobStatusSkipped:
			qs.Skipped = count
		}
	}
	return qs, rows.Err()
}

// PendingJobCount returns the number of jobs awaiting a worker.
// Used by the escalation queue depth gauge.
func (db *DB) PendingJobCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM escalation_jobs WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: pending job count: %w", err)
	}
	return count, nil
}

// GetJob retrieves a single job by ID.
func (db *DB) GetJob(ctx context.Context, jobID int64) (model.EscalationJob, error) {
	var j model.EscalationJob
	err := db.pool.QueryRow(ctx,
		`SELECT id, item_id, tenant_id, status, attempts, last_error, enqueued_at, finished_at
		 FROM escalation_jobs WHERE id = $1`, jobID,
	).Scan(
		&j.ID, &j.ItemID, &j.TenantID, &j.Status, &j.Attempts,
		&j.LastError, &j.EnqueuedAt, &j.FinishedAt,
	)
	if err != nil {
		return model.EscalationJob{}, fmt.Errorf("storage: get job: %w", err)
	}
	return j, nil
}
