package storage

import (
	"context"

	"budget_gateway/internal/models"
)

// LedgerStore adapts the repositories to the ledger's write-through store
type LedgerStore struct {
	agents *AgentRepository
	leases *LeaseRepository
}

// NewLedgerStore creates the ledger's persistence target
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{
		agents: NewAgentRepository(db),
		leases: NewLeaseRepository(db),
	}
}

// SaveBudget persists a budget snapshot
func (s *LedgerStore) SaveBudget(ctx context.Context, budget *models.Budget) error {
	return s.agents.SaveBudget(ctx, budget)
}

// SaveLease persists a lease snapshot
func (s *LedgerStore) SaveLease(ctx context.Context, lease *models.BudgetLease) error {
	return s.leases.Save(ctx, lease)
}
