package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/model"
)

func TestValidateAgentID(t *testing.T) {
	valid := []string{"reporter", "agent-7", "my.agent_v2", "A", strings.Repeat("a", 200)}
	for _, id := range valid {
		assert.NoError(t, model.ValidateAgentID(id), "agent id %q", id)
	}

	invalid := []string{"", "-leading-dash", ".dot", "has space", "slash/agent", strings.Repeat("a", 201)}
	for _, id := range invalid {
		assert.Error(t, model.ValidateAgentID(id), "agent id %q", id)
	}
}

func TestAgentRunRequestValidate(t *testing.T) {
	req := model.AgentRunRequest{Message: "do the thing"}
	assert.NoError(t, req.Validate())

	req.Message = ""
	assert.Error(t, req.Validate())

	req.Message = strings.Repeat("x", model.MaxMessageLen+1)
	assert.Error(t, req.Validate())
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, model.RunStatusPending.Terminal())
	assert.False(t, model.RunStatusRunning.Terminal())
	assert.True(t, model.RunStatusCompleted.Terminal())
	assert.True(t, model.RunStatusFailed.Terminal())
}

func TestBulkActionRequestValidate(t *testing.T) {
	ids := []uuid.UUID{uuid.New()}

	// Approve needs no notes.
	assert.NoError(t, model.BulkActionRequest{IDs: ids, Action: model.BulkActionApprove}.Validate())

	// Reject needs notes or reason.
	assert.Error(t, model.BulkActionRequest{IDs: ids, Action: model.BulkActionReject}.Validate())

	reason := "out of policy"
	assert.NoError(t, model.BulkActionRequest{IDs: ids, Action: model.BulkActionReject, Reason: &reason}.Validate())
	notes := "dup"
	assert.NoError(t, model.BulkActionRequest{IDs: ids, Action: model.BulkActionReject, Notes: &notes}.Validate())

	// Empty reason doesn't count.
	empty := ""
	assert.Error(t, model.BulkActionRequest{IDs: ids, Action: model.BulkActionReject, Reason: &empty}.Validate())

	// Batch-level constraints.
	assert.Error(t, model.BulkActionRequest{IDs: nil, Action: model.BulkActionApprove}.Validate())
	assert.Error(t, model.BulkActionRequest{IDs: ids, Action: "archive"}.Validate())

	big := make([]uuid.UUID, model.MaxBulkItems+1)
	for i := range big {
		big[i] = uuid.New()
	}
	assert.Error(t, model.BulkActionRequest{IDs: big, Action: model.BulkActionApprove}.Validate())
}

func TestEscalationConfigThreshold(t *testing.T) {
	cfg := model.EscalationConfig{CheckIntervalMinutes: 90}
	assert.Equal(t, 90*time.Minute, cfg.Threshold())

	require.Error(t, model.EscalationConfig{CheckIntervalMinutes: 0}.Validate())
	require.NoError(t, model.EscalationConfig{CheckIntervalMinutes: 1}.Validate())
}
