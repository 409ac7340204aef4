package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"budget_gateway/internal/auth"
	"budget_gateway/internal/models"
)

// AdminTokenRepository handles admin service-account token operations.
// Token hashes are Argon2; lookup is by service name, then verified
// against the stored hash.
type AdminTokenRepository struct {
	db *DB
}

// NewAdminTokenRepository creates a new admin token repository
func NewAdminTokenRepository(db *DB) *AdminTokenRepository {
	return &AdminTokenRepository{db: db}
}

// GetByServiceName retrieves an admin token by service name
func (r *AdminTokenRepository) GetByServiceName(ctx context.Context, serviceName string) (*models.AdminToken, error) {
	var token models.AdminToken
	query := `
		SELECT id, service_name, token_hash, roles, enabled, expires_at, last_used_at, created_at, updated_at
		FROM admin_tokens
		WHERE service_name = $1
	`

	err := r.db.conn.GetContext(ctx, &token, query, serviceName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, auth.ErrAdminTokenNotFound
		}
		return nil, fmt.Errorf("failed to get admin token: %w", err)
	}

	return &token, nil
}

// GetByID retrieves an admin token by ID
func (r *AdminTokenRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AdminToken, error) {
	var token models.AdminToken
	query := `
		SELECT id, service_name, token_hash, roles, enabled, expires_at, last_used_at, created_at, updated_at
		FROM admin_tokens
		WHERE id = $1
	`

	err := r.db.conn.GetContext(ctx, &token, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, auth.ErrAdminTokenNotFound
		}
		return nil, fmt.Errorf("failed to get admin token: %w", err)
	}

	return &token, nil
}

// Create creates a new admin token
func (r *AdminTokenRepository) Create(ctx context.Context, token *models.AdminToken) error {
	query := `
		INSERT INTO admin_tokens (id, service_name, token_hash, roles, enabled, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	err := r.db.conn.QueryRowContext(ctx, query,
		token.ID, token.ServiceName, token.TokenHash, token.Roles, token.Enabled, token.ExpiresAt,
	).Scan(&token.CreatedAt, &token.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create admin token: %w", err)
	}

	return nil
}

// TouchLastUsed records when the token last authenticated
func (r *AdminTokenRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE admin_tokens SET last_used_at = $2 WHERE id = $1`
	if _, err := r.db.conn.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to update admin token last use: %w", err)
	}
	return nil
}

// Disable revokes an admin token
func (r *AdminTokenRepository) Disable(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE admin_tokens SET enabled = false, updated_at = NOW() WHERE id = $1`

	result, err := r.db.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to disable admin token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check disable result: %w", err)
	}
	if rows == 0 {
		return auth.ErrAdminTokenNotFound
	}
	return nil
}
