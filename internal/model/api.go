package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
)

// BulkAction is an approval action applied to a batch of queue items.
type BulkAction string

const (
	BulkActionApprove BulkAction = "approve"
	BulkActionReject  BulkAction = "reject"
)

// BulkActionRequest is the request body for POST /v1/approvals/bulk.
type BulkActionRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	Action BulkAction  `json:"action"`
	Notes  *string     `json:"notes,omitempty"`
	Reason *string     `json:"reason,omitempty"`
}

// MaxBulkItems caps one bulk request to keep per-request work bounded.
const MaxBulkItems = 500

// Validate performs fail-fast validation of the whole batch request.
// Once this passes, failures are per-item only.
func (r BulkActionRequest) Validate() error {
	if len(r.IDs) == 0 {
		return fmt.Errorf("ids must not be empty")
	}
	if len(r.IDs) > MaxBulkItems {
		return fmt.Errorf("ids exceeds maximum batch size of %d", MaxBulkItems)
	}
	switch r.Action {
	case BulkActionApprove:
	case BulkActionReject:
		if !hasText(r.Notes) && !hasText(r.Reason) {
			return fmt.Errorf("notes or reason is required when action is %q", BulkActionReject)
		}
	default:
		return fmt.Errorf("action must be %q or %q", BulkActionApprove, BulkActionReject)
	}
	return nil
}

func hasText(s *string) bool {
	return s != nil && *s != ""
}

// BulkItemError reports a single item's failure in a bulk batch.
type BulkItemError struct {
	ID    uuid.UUID `json:"id"`
	Error string    `json:"error"`
}

// BulkActionReport is the partial-success result of a bulk action.
// The batch-level call succeeds (HTTP 200) even when every item failed.
type BulkActionReport struct {
	Succeeded []uuid.UUID     `json:"succeeded"`
	Failed    []BulkItemError `json:"failed"`
}

// UpdateEscalationConfigRequest is the request body for PUT /v1/escalation-config.
type UpdateEscalationConfigRequest struct {
	Enabled              bool    `json:"enabled"`
	CheckIntervalMinutes int     `json:"check_interval_minutes"`
	TargetUserID         *string `json:"target_user_id,omitempty"`
	NotificationsEnabled bool    `json:"notifications_enabled"`
}

// TriggerResponse is the response for POST /v1/escalations/trigger.
type TriggerResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
	// Enqueued is the number of escalation jobs the manual tick produced.
	Enqueued int `json:"enqueued"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	Redis     string `json:"redis,omitempty"`
	Scheduler string `json:"scheduler,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
