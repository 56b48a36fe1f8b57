package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/auth"
)

func TestBearerMintsSignedToken(t *testing.T) {
	tokens := auth.NewServiceTokens("sekrit", "")
	tenantID := uuid.New()

	raw, err := tokens.Bearer(tenantID, "user-7")
	require.NoError(t, err)

	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		return []byte("sekrit"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "tsunagi", claims["iss"])
	assert.Equal(t, "user-7", claims["sub"])
	assert.Equal(t, tenantID.String(), claims["tenant_id"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), exp.Time, 30*time.Second)
}

func TestBearerSecretTakesPrecedence(t *testing.T) {
	tokens := auth.NewServiceTokens("sekrit", "static-token")

	raw, err := tokens.Bearer(uuid.New(), "user-7")
	require.NoError(t, err)
	assert.NotEqual(t, "static-token", raw)

	_, err = jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		return []byte("sekrit"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	assert.NoError(t, err)
}

func TestBearerStaticFallback(t *testing.T) {
	tokens := auth.NewServiceTokens("", "static-token")

	raw, err := tokens.Bearer(uuid.New(), "user-7")
	require.NoError(t, err)
	assert.Equal(t, "static-token", raw)
}

func TestBearerNoCredentialConfigured(t *testing.T) {
	tokens := auth.NewServiceTokens("", "")

	_, err := tokens.Bearer(uuid.New(), "user-7")
	require.Error(t, err)
}
