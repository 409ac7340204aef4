package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"budget_gateway/internal/vault"
)

var (
	// ErrCredentialExpired is returned when an IP token is opened past its expiry
	ErrCredentialExpired = errors.New("credential token expired")

	// ErrLeaseMismatch is returned when an IP token is opened against a
	// different lease than the one it was minted for
	ErrLeaseMismatch = errors.New("credential token bound to a different lease")
)

// CredentialBundle is the plaintext content of an IP token: the provider
// secret plus the lease binding and expiry. It exists in memory only inside
// the component making the upstream call.
type CredentialBundle struct {
	Provider  string `json:"provider"`
	Secret    string `json:"secret"`
	LeaseID   string `json:"lease_id"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds
}

// MintCredentialToken seals a provider secret into an opaque IP token bound
// to a lease and its expiry.
func MintCredentialToken(v vault.Vault, provider, secret, leaseID string, expiresAt time.Time) (string, error) {
	bundle := CredentialBundle{
		Provider:  provider,
		Secret:    secret,
		LeaseID:   leaseID,
		ExpiresAt: expiresAt.Unix(),
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential bundle: %w", err)
	}

	sealed, err := v.Seal(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to seal credential bundle: %w", err)
	}

	return sealed, nil
}

// OpenCredentialToken opens an IP token and checks its expiry. If leaseID is
// non-empty, the token's lease binding is verified as well.
func OpenCredentialToken(v vault.Vault, token, leaseID string) (*CredentialBundle, error) {
	plaintext, err := v.Open(token)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential token: %w", err)
	}

	var bundle CredentialBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential bundle: %w", err)
	}

	if time.Now().Unix() > bundle.ExpiresAt {
		return nil, ErrCredentialExpired
	}
	if leaseID != "" && bundle.LeaseID != leaseID {
		return nil, ErrLeaseMismatch
	}

	return &bundle, nil
}
