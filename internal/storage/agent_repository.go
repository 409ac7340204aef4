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

// AgentRepository handles agent and budget database operations
type AgentRepository struct {
	db *DB
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(db *DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create inserts an agent and its initial budget in one transaction
func (r *AgentRepository) Create(ctx context.Context, agent *models.Agent, budget *models.Budget) error {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	budget.AgentID = agent.ID

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	agentQuery := `
		INSERT INTO agents (id, name, api_key_hash, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, agentQuery,
		agent.ID, agent.Name, agent.APIKeyHash, agent.Enabled,
	).Scan(&agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}

	budgetQuery := `
		INSERT INTO budgets (agent_id, total_allocated, total_spent, budget_remaining)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, budgetQuery,
		budget.AgentID, budget.TotalAllocated, budget.TotalSpent, budget.BudgetRemaining,
	).Scan(&budget.CreatedAt, &budget.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert budget: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by ID
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	var agent models.Agent
	query := `
		SELECT id, name, api_key_hash, enabled, archived_at, created_at, updated_at
		FROM agents
		WHERE id = $1
	`

	err := r.db.conn.GetContext(ctx, &agent, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	return &agent, nil
}

// GetByAPIKeyHash retrieves an agent by the hash of its API key, with an
// LRU cache in front since this lookup sits on every token request.
func (r *AgentRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	if cached, ok := r.db.agentCache.Get(hash); ok {
		agent := cached.(models.Agent)
		return &agent, nil
	}

	var agent models.Agent
	query := `
		SELECT id, name, api_key_hash, enabled, archived_at, created_at, updated_at
		FROM agents
		WHERE api_key_hash = $1
	`

	err := r.db.conn.GetContext(ctx, &agent, query, hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent by key hash: %w", err)
	}

	r.db.agentCache.Set(hash, agent)
	return &agent, nil
}

// Lookup resolves a plaintext agent API key to its agent. Implements the
// token issuer's key store.
func (r *AgentRepository) Lookup(ctx context.Context, plaintextKey string) (*models.Agent, error) {
	agent, err := r.GetByAPIKeyHash(ctx, auth.HashAgentKey(plaintextKey))
	if err == ErrAgentNotFound {
		return nil, auth.ErrKeyNotFound
	}
	return agent, err
}

// List returns all agents
func (r *AgentRepository) List(ctx context.Context) ([]models.Agent, error) {
	query := `
		SELECT id, name, api_key_hash, enabled, archived_at, created_at, updated_at
		FROM agents
		ORDER BY name
	`

	var agents []models.Agent
	if err := r.db.conn.SelectContext(ctx, &agents, query); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// Archive marks an agent archived and disables its key
func (r *AgentRepository) Archive(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE agents
		SET archived_at = $2, enabled = false, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.conn.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to archive agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check archive result: %w", err)
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// SaveBudget upserts an agent's budget row. The ledger's write-through
// target; last write wins because the ledger serializes per-agent writes.
func (r *AgentRepository) SaveBudget(ctx context.Context, budget *models.Budget) error {
	query := `
		INSERT INTO budgets (agent_id, total_allocated, total_spent, budget_remaining, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE
		SET total_allocated = EXCLUDED.total_allocated,
		    total_spent = EXCLUDED.total_spent,
		    budget_remaining = EXCLUDED.budget_remaining,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.conn.ExecContext(ctx, query,
		budget.AgentID, budget.TotalAllocated, budget.TotalSpent, budget.BudgetRemaining,
		budget.CreatedAt, budget.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save budget: %w", err)
	}
	return nil
}

// GetBudget retrieves an agent's budget
func (r *AgentRepository) GetBudget(ctx context.Context, agentID uuid.UUID) (*models.Budget, error) {
	var budget models.Budget
	query := `
		SELECT agent_id, total_allocated, total_spent, budget_remaining, created_at, updated_at
		FROM budgets
		WHERE agent_id = $1
	`

	err := r.db.conn.GetContext(ctx, &budget, query, agentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}

	return &budget, nil
}

// ListBudgets returns every budget row. Used at startup to hydrate the ledger.
func (r *AgentRepository) ListBudgets(ctx context.Context) ([]models.Budget, error) {
	query := `
		SELECT agent_id, total_allocated, total_spent, budget_remaining, created_at, updated_at
		FROM budgets
	`

	var budgets []models.Budget
	if err := r.db.conn.SelectContext(ctx, &budgets, query); err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	return budgets, nil
}
