package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"budget_gateway/internal/models"
	"budget_gateway/internal/utils"
)

// ErrKeyNotFound is returned when an agent API key does not resolve
var ErrKeyNotFound = errors.New("agent API key not found")

// AgentKeyStore resolves plaintext agent API keys into agent records.
// Lookups are by SHA-256 hash: agent keys are 256-bit random values, so the
// hash can be deterministic (and indexable) without weakening anything.
type AgentKeyStore interface {
	Lookup(ctx context.Context, plaintextKey string) (*models.Agent, error)
}

// GenerateAgentKey creates a new high-entropy agent API key (32 random
// bytes, base64) and its storage hash.
func GenerateAgentKey() (key string, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate agent key: %w", err)
	}

	key = "agk_" + base64.RawURLEncoding.EncodeToString(raw)
	return key, utils.HashString(key), nil
}

// HashAgentKey returns the storage hash for a plaintext agent key
func HashAgentKey(key string) string {
	return utils.HashString(key)
}
