package auth

import (
	"testing"
	"time"

	"budget_gateway/internal/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret: []byte("test-secret-key-for-jwt"),
		Auth: config.AuthConfig{
			IdentityTokenTTL: 15 * time.Minute,
			AdminTokenTTL:    time.Hour,
		},
	}
}

func TestIdentityTokenRoundTrip(t *testing.T) {
	cfg := testConfig()
	agentID := uuid.New()

	token, exp, err := GenerateIdentityToken(agentID, cfg)
	require.NoError(t, err)
	assert.Greater(t, exp, time.Now().Unix())

	claims, err := ValidateIdentityToken(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, agentID, claims.AgentID)
	assert.Equal(t, RoleAgent.String(), claims.Role)
}

func TestIdentityTokenRejectsWrongSecret(t *testing.T) {
	cfg := testConfig()
	token, _, err := GenerateIdentityToken(uuid.New(), cfg)
	require.NoError(t, err)

	other := testConfig()
	other.JWTSecret = []byte("a-different-secret")
	_, err = ValidateIdentityToken(token, other)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentityTokenRejectsExpired(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.IdentityTokenTTL = -time.Minute

	token, _, err := GenerateIdentityToken(uuid.New(), cfg)
	require.NoError(t, err)

	_, err = ValidateIdentityToken(token, cfg)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestIdentityTokenRejectsGarbage(t *testing.T) {
	_, err := ValidateIdentityToken("not.a.jwt", testConfig())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAdminTokenRoundTrip(t *testing.T) {
	cfg := testConfig()

	token, _, err := GenerateAdminToken("alice", []string{"admin", "viewer"}, cfg)
	require.NoError(t, err)

	claims, err := ValidateAdminToken(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.ApproverID)
	assert.Equal(t, []string{"admin", "viewer"}, claims.Roles)
}

func TestAdminTokenIsNotAnIdentityToken(t *testing.T) {
	cfg := testConfig()

	token, _, err := GenerateAdminToken("alice", []string{"admin"}, cfg)
	require.NoError(t, err)

	// parses with the shared secret but carries no agent_id
	_, err = ValidateIdentityToken(token, cfg)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
