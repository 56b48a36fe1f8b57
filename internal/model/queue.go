package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemStatus represents the approval state of a queue item.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusApproved  ItemStatus = "approved"
	ItemStatusRejected  ItemStatus = "rejected"
	ItemStatusEscalated ItemStatus = "escalated"
)

// QueueItem is an approval work item scoped to a tenant.
//
// EscalatedAt doubles as the escalation claim token: it is set at most
// once, inside the same UPDATE that checks eligibility, so concurrent
// workers and approver actions cannot both win.
type QueueItem struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	Title       string     `json:"title"`
	Status      ItemStatus `json:"status"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EscalationConfig is the per-tenant escalation policy. Owned by tenant
// administrators; the scheduler reads the latest value on every tick.
type EscalationConfig struct {
	TenantID             uuid.UUID `json:"tenant_id"`
	Enabled              bool      `json:"enabled"`
	CheckIntervalMinutes int       `json:"check_interval_minutes"`
	TargetUserID         *string   `json:"target_user_id,omitempty"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Threshold returns the item age beyond which a pending item qualifies
// for escalation. The tenant interval is an age threshold only — the
// scheduler cadence is an independent global floor.
func (c EscalationConfig) Threshold() time.Duration {
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}

// Validate checks config invariants before persisting an update.
func (c EscalationConfig) Validate() error {
	if c.CheckIntervalMinutes < 1 {
		return fmt.Errorf("check_interval_minutes must be >= 1")
	}
	return nil
}

// JobStatus represents the state of a durable escalation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	// JobStatusSkipped means the item was no longer eligible at dequeue
	// time (approved, rejected, or already escalated by another worker).
	JobStatusSkipped JobStatus = "skipped"
)

// EscalationJob is one unit of escalation work in the durable queue.
type EscalationJob struct {
	ID         int64      `json:"id"`
	ItemID     uuid.UUID  `json:"item_id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  *string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// QueueStatus is the observable job-count breakdown by state.
type QueueStatus struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// ItemEscalatedEvent is the payload emitted exactly once per escalated
// item on the escalation notify channel.
type ItemEscalatedEvent struct {
	ItemID       uuid.UUID `json:"item_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	AssignedTo   *string   `json:"assigned_to,omitempty"`
	EscalatedAt  time.Time `json:"escalated_at"`
	ItemAge      string    `json:"item_age"`
	JobID        int64     `json:"job_id"`
}

// NotificationIntentEvent signals that an escalation notification
// should be delivered. Delivery itself is an external collaborator.
type NotificationIntentEvent struct {
	ItemID      uuid.UUID `json:"item_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	TargetUser  *string   `json:"target_user,omitempty"`
	EscalatedAt time.Time `json:"escalated_at"`
}
