package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestIdentityKeyFunc(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/agents/reporter/runs", nil)
	r.RemoteAddr = "203.0.113.9:4711"

	// No identity in context: the limit keys on the client IP.
	assert.Equal(t, "203.0.113.9", identityKeyFunc(r))

	tenantID := uuid.New()
	ctx := context.WithValue(r.Context(), ctxKeyIdentity, Identity{TenantID: tenantID, UserID: "user-7"})
	assert.Equal(t, tenantID.String()+":user-7", identityKeyFunc(r.WithContext(ctx)))
}
