package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// CreateRun inserts the bridge-side record of an accepted invocation.
func (db *DB) CreateRun(ctx context.Context, run model.AgentRun) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, tenant_id, agent_id, user_id, session_id, correlation_id,
		                         status, content, error, started_at, completed_at, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.TenantID, run.AgentID, run.UserID, run.SessionID, run.CorrelationID,
		string(run.Status), run.Content, run.Error, run.StartedAt, run.CompletedAt, run.DurationMs, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, scoped to the given tenant.
func (db *DB) GetRun(ctx context.Context, tenantID, id uuid.UUID) (model.AgentRun, error) {
	var run model.AgentRun
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, agent_id, user_id, session_id, correlation_id,
		        status, content, error, started_at, completed_at, duration_ms, created_at
		 FROM agent_runs WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(
		&run.ID, &run.TenantID, &run.AgentID, &run.UserID, &run.SessionID, &run.CorrelationID,
		&run.Status, &run.Content, &run.Error, &run.StartedAt, &run.CompletedAt, &run.DurationMs, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, ErrNotFound
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// FinishRun applies the terminal status transition to a run record.
// Guarded so a terminal run is never resurrected or re-finished.
func (db *DB) FinishRun(ctx context.Context, tenantID, id uuid.UUID, status model.RunStatus, content, errMsg *string, durationMs int64) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: finish run: %q is not a terminal status", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs
		 SET status = $1, content = $2, error = $3, completed_at = now(), duration_ms = $4
		 WHERE id = $5 AND tenant_id = $6 AND status IN ('pending', 'running')`,
		string(status), content, errMsg, durationMs, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotEligible
	}
	return nil
}
