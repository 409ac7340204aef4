package auth

import (
	"strings"
	"testing"
	"time"

	"budget_gateway/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T) vault.Vault {
	t.Helper()
	keyB64, err := vault.GenerateKey(32)
	require.NoError(t, err)
	v, err := vault.NewAESVaultFromBase64(keyB64)
	require.NoError(t, err)
	return v
}

func TestCredentialTokenRoundTrip(t *testing.T) {
	v := testVault(t)
	expires := time.Now().Add(15 * time.Minute)

	token, err := MintCredentialToken(v, "openai", "sk-very-secret", "lease_1", expires)
	require.NoError(t, err)

	bundle, err := OpenCredentialToken(v, token, "lease_1")
	require.NoError(t, err)
	assert.Equal(t, "openai", bundle.Provider)
	assert.Equal(t, "sk-very-secret", bundle.Secret)
	assert.Equal(t, expires.Unix(), bundle.ExpiresAt)
}

func TestCredentialTokenDoesNotLeakSecret(t *testing.T) {
	v := testVault(t)

	token, err := MintCredentialToken(v, "openai", "sk-very-secret", "lease_1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	assert.False(t, strings.Contains(token, "sk-very-secret"))
	assert.False(t, strings.Contains(token, "openai"))
}

func TestCredentialTokenLeaseBinding(t *testing.T) {
	v := testVault(t)

	token, err := MintCredentialToken(v, "openai", "sk-very-secret", "lease_1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = OpenCredentialToken(v, token, "lease_2")
	assert.ErrorIs(t, err, ErrLeaseMismatch)

	// empty lease skips the binding check
	_, err = OpenCredentialToken(v, token, "")
	assert.NoError(t, err)
}

func TestCredentialTokenExpiry(t *testing.T) {
	v := testVault(t)

	token, err := MintCredentialToken(v, "openai", "sk-very-secret", "lease_1", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = OpenCredentialToken(v, token, "lease_1")
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestCredentialTokenWrongVault(t *testing.T) {
	v1 := testVault(t)
	v2 := testVault(t)

	token, err := MintCredentialToken(v1, "openai", "sk-very-secret", "lease_1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = OpenCredentialToken(v2, token, "lease_1")
	assert.Error(t, err)
}

func TestGenerateAgentKey(t *testing.T) {
	key, hash, err := GenerateAgentKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "agk_"))
	assert.Equal(t, hash, HashAgentKey(key))

	key2, hash2, err := GenerateAgentKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, key2)
	assert.NotEqual(t, hash, hash2)
}
