package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"budget_gateway/internal/models"
	"budget_gateway/internal/workflow"
)

// BudgetRequestRepository handles budget change request database operations.
// Implements the workflow store; the status transition is a single
// conditional UPDATE so two racing deciders cannot both win.
type BudgetRequestRepository struct {
	db *DB
}

// NewBudgetRequestRepository creates a new budget change request repository
func NewBudgetRequestRepository(db *DB) *BudgetRequestRepository {
	return &BudgetRequestRepository{db: db}
}

// Insert stores a new pending request
func (r *BudgetRequestRepository) Insert(ctx context.Context, request *models.BudgetChangeRequest) error {
	query := `
		INSERT INTO budget_change_requests
			(id, agent_id, requester_id, requested_delta, justification, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.conn.ExecContext(ctx, query,
		request.ID, request.AgentID, request.RequesterID, request.RequestedDelta,
		request.Justification, request.Status, request.CreatedAt, request.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert budget change request: %w", err)
	}
	return nil
}

// Get retrieves one request by ID
func (r *BudgetRequestRepository) Get(ctx context.Context, id string) (*models.BudgetChangeRequest, error) {
	var request models.BudgetChangeRequest
	query := `
		SELECT id, agent_id, requester_id, requested_delta, justification, status, approver_id, created_at, updated_at
		FROM budget_change_requests
		WHERE id = $1
	`

	err := r.db.conn.GetContext(ctx, &request, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, workflow.ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get budget change request: %w", err)
	}

	return &request, nil
}

// ListByAgent returns every request filed against an agent
func (r *BudgetRequestRepository) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]models.BudgetChangeRequest, error) {
	query := `
		SELECT id, agent_id, requester_id, requested_delta, justification, status, approver_id, created_at, updated_at
		FROM budget_change_requests
		WHERE agent_id = $1
		ORDER BY created_at
	`

	var requests []models.BudgetChangeRequest
	if err := r.db.conn.SelectContext(ctx, &requests, query, agentID); err != nil {
		return nil, fmt.Errorf("failed to list budget change requests: %w", err)
	}
	return requests, nil
}

// ListPending returns the approval queue, oldest first
func (r *BudgetRequestRepository) ListPending(ctx context.Context) ([]models.BudgetChangeRequest, error) {
	query := `
		SELECT id, agent_id, requester_id, requested_delta, justification, status, approver_id, created_at, updated_at
		FROM budget_change_requests
		WHERE status = $1
		ORDER BY created_at
	`

	var requests []models.BudgetChangeRequest
	if err := r.db.conn.SelectContext(ctx, &requests, query, models.RequestPending); err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	return requests, nil
}

// Transition flips a pending request to a terminal status. Returns false
// when the request was already decided: the WHERE status = 'pending' clause
// makes the decision a compare-and-set, so exactly one caller wins.
func (r *BudgetRequestRepository) Transition(ctx context.Context, id string, to models.RequestStatus, deciderID string, decidedAt time.Time) (bool, error) {
	query := `
		UPDATE budget_change_requests
		SET status = $2, approver_id = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`

	result, err := r.db.conn.ExecContext(ctx, query, id, to, deciderID, decidedAt, models.RequestPending)
	if err != nil {
		return false, fmt.Errorf("failed to transition budget change request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check transition result: %w", err)
	}
	return rows == 1, nil
}
