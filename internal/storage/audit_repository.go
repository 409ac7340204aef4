package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"budget_gateway/internal/audit"
)

// AuditRepository handles audit event database operations. Audit rows are
// append-only; nothing updates or deletes them.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create inserts one audit event, ignoring duplicates by ID
func (r *AuditRepository) Create(ctx context.Context, event *audit.Event) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	query := `
		INSERT INTO audit_events (id, kind, severity, agent_id, lease_id, detail, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = r.db.conn.ExecContext(ctx, query,
		event.ID, event.Kind, event.Severity, event.AgentID, event.LeaseID, detail, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListByLease returns the audit trail for a lease
func (r *AuditRepository) ListByLease(ctx context.Context, leaseID string) ([]audit.Event, error) {
	type row struct {
		ID        string    `db:"id"`
		Kind      string    `db:"kind"`
		Severity  string    `db:"severity"`
		AgentID   string    `db:"agent_id"`
		LeaseID   string    `db:"lease_id"`
		Detail    []byte    `db:"detail"`
		CreatedAt time.Time `db:"created_at"`
	}

	query := `
		SELECT id, kind, severity, COALESCE(agent_id::text, '') AS agent_id,
		       COALESCE(lease_id, '') AS lease_id, detail, created_at
		FROM audit_events
		WHERE lease_id = $1
		ORDER BY created_at
	`

	var rows []row
	if err := r.db.conn.SelectContext(ctx, &rows, query, leaseID); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	events := make([]audit.Event, 0, len(rows))
	for _, rw := range rows {
		event := audit.Event{
			ID:        rw.ID,
			Kind:      rw.Kind,
			Severity:  rw.Severity,
			AgentID:   rw.AgentID,
			LeaseID:   rw.LeaseID,
			CreatedAt: rw.CreatedAt,
		}
		if len(rw.Detail) > 0 {
			_ = json.Unmarshal(rw.Detail, &event.Detail)
		}
		events = append(events, event)
	}
	return events, nil
}
