// Package model defines the core domain types for Tsunagi.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Storage rows and API payloads share
// these types; wire-only request/response shapes live in api.go.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
// A run in a terminal state is never resurrected.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// AgentRunRequest is a request to invoke an agent on the upstream
// execution service. Immutable once issued; CorrelationID is generated
// when the caller did not supply one.
type AgentRunRequest struct {
	Message       string         `json:"message"`
	SessionID     *string        `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Params        map[string]any `json:"params,omitempty"`

	// Populated from the URL path and identity headers, never from the body.
	AgentID  string    `json:"-"`
	TenantID uuid.UUID `json:"-"`
	UserID   string    `json:"-"`
}

// AgentRun is the bridge-side record of one accepted invocation.
// Created when the invocation is accepted, mutated only by the
// terminal status transition (completed or failed).
type AgentRun struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	AgentID       string     `json:"agent_id"`
	UserID        string     `json:"user_id"`
	SessionID     *string    `json:"session_id,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	Status        RunStatus  `json:"status"`
	Content       *string    `json:"content,omitempty"`
	Error         *string    `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMs    *int64     `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// StreamEventType classifies a streaming relay event.
type StreamEventType string

const (
	StreamEventStart StreamEventType = "start"
	StreamEventChunk StreamEventType = "chunk"
	StreamEventEnd   StreamEventType = "end"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event in a relayed run stream. Ephemeral, ordered
// by emission time per run; a consumer may disconnect at any point
// without affecting the producer-side run.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	RunID     uuid.UUID       `json:"run_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MaxMessageLen bounds the invocation message forwarded upstream.
const MaxMessageLen = 64 * 1024 // 64 KB

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,199}$`)

// ValidateAgentID checks that an agent identifier is well-formed:
// 1-200 chars, alphanumeric plus dot/underscore/hyphen, no leading
// punctuation.
func ValidateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent_id is required")
	}
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("agent_id must be 1-200 characters of [a-zA-Z0-9._-] and start with an alphanumeric")
	}
	return nil
}

// Validate checks an AgentRunRequest before it is issued upstream.
func (r AgentRunRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}
