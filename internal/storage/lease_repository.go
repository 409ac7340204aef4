package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"budget_gateway/internal/models"
)

// LeaseRepository handles budget lease database operations
type LeaseRepository struct {
	db *DB
}

// NewLeaseRepository creates a new lease repository
func NewLeaseRepository(db *DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

// Save upserts a lease row. The ledger's write-through target.
func (r *LeaseRepository) Save(ctx context.Context, lease *models.BudgetLease) error {
	query := `
		INSERT INTO budget_leases (id, agent_id, provider, budget_granted, budget_spent, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET budget_granted = EXCLUDED.budget_granted,
		    budget_spent = EXCLUDED.budget_spent,
		    status = EXCLUDED.status,
		    expires_at = EXCLUDED.expires_at
	`

	_, err := r.db.conn.ExecContext(ctx, query,
		lease.ID, lease.AgentID, lease.Provider, lease.BudgetGranted, lease.BudgetSpent,
		lease.Status, lease.IssuedAt, lease.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save lease: %w", err)
	}
	return nil
}

// GetByID retrieves a lease by ID
func (r *LeaseRepository) GetByID(ctx context.Context, id string) (*models.BudgetLease, error) {
	var lease models.BudgetLease
	query := `
		SELECT id, agent_id, provider, budget_granted, budget_spent, status, issued_at, expires_at
		FROM budget_leases
		WHERE id = $1
	`

	err := r.db.conn.GetContext(ctx, &lease, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLeaseNotFound
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	return &lease, nil
}

// ListActive returns every active lease. Used at startup to hydrate the ledger.
func (r *LeaseRepository) ListActive(ctx context.Context) ([]models.BudgetLease, error) {
	query := `
		SELECT id, agent_id, provider, budget_granted, budget_spent, status, issued_at, expires_at
		FROM budget_leases
		WHERE status = $1
	`

	var leases []models.BudgetLease
	if err := r.db.conn.SelectContext(ctx, &leases, query, models.LeaseActive); err != nil {
		return nil, fmt.Errorf("failed to list active leases: %w", err)
	}
	return leases, nil
}

// ListByAgent returns every lease for an agent, newest first
func (r *LeaseRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]models.BudgetLease, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, agent_id, provider, budget_granted, budget_spent, status, issued_at, expires_at
		FROM budget_leases
		WHERE agent_id = $1
		ORDER BY issued_at DESC
		LIMIT $2
	`

	var leases []models.BudgetLease
	if err := r.db.conn.SelectContext(ctx, &leases, query, agentID, limit); err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	return leases, nil
}
