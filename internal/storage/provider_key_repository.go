package storage

import (
	"context"
	"database/sql"
	"fmt"

	"budget_gateway/internal/vault"
)

// ProviderKeyRepository stores upstream provider secrets, sealed with the
// master vault key. Secrets are decrypted only on the way into a credential
// token; rows never hold plaintext.
type ProviderKeyRepository struct {
	db    *DB
	vault vault.Vault
}

// NewProviderKeyRepository creates a new provider key repository
func NewProviderKeyRepository(db *DB, v vault.Vault) *ProviderKeyRepository {
	return &ProviderKeyRepository{db: db, vault: v}
}

// Upsert seals and stores a provider secret
func (r *ProviderKeyRepository) Upsert(ctx context.Context, provider, secret string) error {
	sealed, err := r.vault.Seal([]byte(secret))
	if err != nil {
		return fmt.Errorf("failed to seal provider secret: %w", err)
	}

	query := `
		INSERT INTO provider_keys (provider, sealed_secret, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (provider) DO UPDATE
		SET sealed_secret = EXCLUDED.sealed_secret, updated_at = NOW()
	`

	if _, err := r.db.conn.ExecContext(ctx, query, provider, sealed); err != nil {
		return fmt.Errorf("failed to store provider key: %w", err)
	}
	return nil
}

// Secret returns the plaintext secret for a provider. Implements the lease
// manager's provider key store.
func (r *ProviderKeyRepository) Secret(ctx context.Context, provider string) (string, error) {
	var sealed string
	query := `SELECT sealed_secret FROM provider_keys WHERE provider = $1`

	err := r.db.conn.GetContext(ctx, &sealed, query, provider)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrProviderKeyNotFound
		}
		return "", fmt.Errorf("failed to get provider key: %w", err)
	}

	plaintext, err := r.vault.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to open provider key: %w", err)
	}
	return string(plaintext), nil
}

// Delete removes a provider secret
func (r *ProviderKeyRepository) Delete(ctx context.Context, provider string) error {
	result, err := r.db.conn.ExecContext(ctx, `DELETE FROM provider_keys WHERE provider = $1`, provider)
	if err != nil {
		return fmt.Errorf("failed to delete provider key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return ErrProviderKeyNotFound
	}
	return nil
}

// List returns the providers with stored credentials
func (r *ProviderKeyRepository) List(ctx context.Context) ([]string, error) {
	var providers []string
	if err := r.db.conn.SelectContext(ctx, &providers, `SELECT provider FROM provider_keys ORDER BY provider`); err != nil {
		return nil, fmt.Errorf("failed to list provider keys: %w", err)
	}
	return providers, nil
}
