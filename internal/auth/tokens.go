// Package auth produces credentials for outbound calls to the
// agent-execution service.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// serviceTokenTTL keeps minted tokens short-lived; every outbound call
// mints a fresh one, so there is nothing to rotate or cache.
const serviceTokenTTL = 5 * time.Minute

// ServiceTokens mints bearer tokens for calls to the upstream service.
// When a signing secret is configured, each call gets a short-lived
// HS256 token scoped to the acting tenant and user; otherwise the
// static token is used as-is.
type ServiceTokens struct {
	signingSecret []byte
	staticToken   string
	issuer        string
}

// NewServiceTokens builds a token source. Either secret or staticToken
// may be empty; a secret takes precedence when both are set.
func NewServiceTokens(signingSecret, staticToken string) *ServiceTokens {
	return &ServiceTokens{
		signingSecret: []byte(signingSecret),
		staticToken:   staticToken,
		issuer:        "tsunagi",
	}
}

// Bearer returns the Authorization bearer value for one outbound call
// on behalf of the given tenant and user.
func (s *ServiceTokens) Bearer(tenantID uuid.UUID, userID string) (string, error) {
	if len(s.signingSecret) == 0 {
		if s.staticToken == "" {
			return "", fmt.Errorf("auth: no signing secret or static token configured")
		}
		return s.staticToken, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       s.issuer,
		"sub":       userID,
		"tenant_id": tenantID.String(),
		"iat":       now.Unix(),
		"exp":       now.Add(serviceTokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign service token: %w", err)
	}
	return token, nil
}
