package storage

import (
	"context"
	"fmt"

	"budget_gateway/internal/models"
)

// UsageRepository handles usage event database operations. Usage events are
// write-once: event_id is the primary key and a conflicting insert is a
// silent no-op, which makes the durable record agree with the ledger's
// idempotent debits.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Create inserts one usage event, ignoring duplicates
func (r *UsageRepository) Create(ctx context.Context, event *models.UsageEvent) error {
	query := `
		INSERT INTO usage_events (event_id, lease_id, cost_micros, tokens, model, provider, outcome, audit_only, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`

	_, err := r.db.conn.ExecContext(ctx, query,
		event.EventID, event.LeaseID, event.CostMicros, event.Tokens,
		event.Model, event.Provider, event.Outcome, event.AuditOnly, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// ListByLease returns the usage events reported against a lease
func (r *UsageRepository) ListByLease(ctx context.Context, leaseID string) ([]models.UsageEvent, error) {
	query := `
		SELECT event_id, lease_id, cost_micros, tokens, model, provider, outcome, audit_only, created_at
		FROM usage_events
		WHERE lease_id = $1
		ORDER BY created_at
	`

	var events []models.UsageEvent
	if err := r.db.conn.SelectContext(ctx, &events, query, leaseID); err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	return events, nil
}

// TotalCostByLease sums the debited cost recorded against a lease,
// excluding audit-only events
func (r *UsageRepository) TotalCostByLease(ctx context.Context, leaseID string) (models.Micros, error) {
	query := `
		SELECT COALESCE(SUM(cost_micros), 0)
		FROM usage_events
		WHERE lease_id = $1 AND audit_only = false
	`

	var total models.Micros
	if err := r.db.conn.GetContext(ctx, &total, query, leaseID); err != nil {
		return 0, fmt.Errorf("failed to sum usage events: %w", err)
	}
	return total, nil
}
