// Package bulk applies approval actions to batches of queue items.
//
// Validation is fail-fast at the batch level: a malformed request is
// rejected before any item is touched. Once execution starts, failures
// are isolated per item — one bad ID never aborts the rest of the
// batch, and the caller gets a full per-item report either way.
package bulk

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

// Coordinator executes bulk approval actions.
type Coordinator struct {
	db     *storage.DB
	logger *slog.Logger
}

func NewCoordinator(db *storage.DB, logger *slog.Logger) *Coordinator {
	return &Coordinator{db: db, logger: logger}
}

// Apply validates the batch, then applies the action to each item in
// request order. Items are processed sequentially: batches are capped
// at MaxBulkItems and each action is one indexed UPDATE, so
// parallelism would buy little and lose the deterministic ordering of
// the report.
func (c *Coordinator) Apply(ctx context.Context, tenantID uuid.UUID, req model.BulkActionRequest) (model.BulkActionReport, error) {
	if err := req.Validate(); err != nil {
		return model.BulkActionReport{}, err
	}

	notes := req.Notes
	if notes == nil {
		notes = req.Reason
	}

	report := model.BulkActionReport{
		Succeeded: make([]uuid.UUID, 0, len(req.IDs)),
		Failed:    make([]model.BulkItemError, 0),
	}
	for _, id := range req.IDs {
		if err := ctx.Err(); err != nil {
			// Caller went away mid-batch. Report what completed;
			// remaining items stay untouched.
			c.logger.Warn("bulk action interrupted",
				"tenant_id", tenantID,
				"completed", len(report.Succeeded)+len(report.Failed),
				"total", len(req.IDs),
			)
			return report, err
		}

		if err := c.db.ApplyAction(ctx, tenantID, id, req.Action, notes); err != nil {
			report.Failed = append(report.Failed, model.BulkItemError{
				ID:    id,
				Error: itemErrorMessage(err),
			})
			continue
		}
		report.Succeeded = append(report.Succeeded, id)
	}

	c.logger.Info("bulk action applied",
		"tenant_id", tenantID,
		"action", req.Action,
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
	)
	return report, nil
}

// itemErrorMessage maps storage errors to stable, client-facing
// per-item messages.
func itemErrorMessage(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "item not found"
	case errors.Is(err, storage.ErrNotEligible):
		return "item already resolved"
	default:
		return "internal error"
	}
}
