package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// CreateQueueItem inserts a pending approval item and returns it.
// Items are normally created by the upstream business logic; this
// method exists for seeding and tests.
func (db *DB) CreateQueueItem(ctx context.Context, tenantID uuid.UUID, title string, createdAt time.Time) (model.QueueItem, error) {
	item := model.QueueItem{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Title:     title,
		Status:    model.ItemStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO queue_items (id, tenant_id, title, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.TenantID, item.Title, string(item.Status), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("storage: create queue item: %w", err)
	}
	return item, nil
}

// GetQueueItem retrieves an item by ID, scoped to the given tenant.
func (db *DB) GetQueueItem(ctx context.Context, tenantID, id uuid.UUID) (model.QueueItem, error) {
	var item model.QueueItem
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, title, status, assigned_to, notes, created_at, escalated_at, updated_at
		 FROM queue_items WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(
		&item.ID, &item.TenantID, &item.Title, &item.Status, &item.AssignedTo,
		&item.Notes, &item.CreatedAt, &item.EscalatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueueItem{}, ErrNotFound
		}
		return model.QueueItem{}, fmt.Errorf("storage: get queue item: %w", err)
	}
	return item, nil
}

// ListDueItemIDs returns IDs of pending, never-escalated items created
// before the cutoff, oldest first.
func (db *DB) ListDueItemIDs(ctx context.Context, tenantID uuid.UUID, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM queue_items
		 WHERE tenant_id = $1 AND status = 'pending' AND escalated_at IS NULL AND created_at < $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		tenantID, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list due items: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan due item: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimEscalation atomically marks an item escalated. The eligibility
// check (pending, never escalated) and the claim (set escalated_at)
// happen in one conditional UPDATE, so exactly one caller can win even
// under concurrent workers or a racing approver action.
//
// Returns the updated item and true when this call won the claim, or
// false when the item was no longer eligible. Claims race with
// concurrent workers and approver actions, so transient serialization
// conflicts are retried.
func (db *DB) ClaimEscalation(ctx context.Context, itemID uuid.UUID, assignTo *string) (model.QueueItem, bool, error) {
	var item model.QueueItem
	var claimed bool
	err := WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		err := db.pool.QueryRow(ctx,
			`UPDATE queue_items
			 SET status = 'escalated',
			     escalated_at = now(),
			     assigned_to = COALESCE($2, assigned_to),
			     updated_at = now()
			 WHERE id = $1 AND status = 'pending' AND escalated_at IS NULL
			 RETURNING id, tenant_id, title, status, assigned_to, notes, created_at, escalated_at, updated_at`,
			itemID, assignTo,
		).Scan(
			&item.ID, &item.TenantID, &item.Title, &item.Status, &item.AssignedTo,
			&item.Notes, &item.CreatedAt, &item.EscalatedAt, &item.UpdatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			claimed = false
			return nil
		}
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return model.QueueItem{}, false, fmt.Errorf("storage: claim escalation: %w", err)
	}
	return item, claimed, nil
}

// ApplyAction applies an approve/reject action to a single item.
// Pending and escalated items can be acted on; anything else returns
// ErrNotEligible, and a missing item returns ErrNotFound.
func (db *DB) ApplyAction(ctx context.Context, tenantID, id uuid.UUID, action model.BulkAction, notes *string) error {
	var status model.ItemStatus
	switch action {
	case model.BulkActionApprove:
		status = model.ItemStatusApproved
	case model.BulkActionReject:
		status = model.ItemStatusRejected
	default:
		return fmt.Errorf("storage: unknown action %q", action)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE queue_items
		 SET status = $1, notes = COALESCE($2, notes), updated_at = now()
		 WHERE id = $3 AND tenant_id = $4 AND status IN ('pending', 'escalated')`,
		string(status), notes, id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: apply action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already-resolved for per-item reporting.
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM queue_items WHERE id = $1 AND tenant_id = $2)`, id, tenantID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: apply action existence check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotEligible
	}
	return nil
}
