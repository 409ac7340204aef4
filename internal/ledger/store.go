package ledger

import (
	"context"

	"budget_gateway/internal/models"
)

// Store is the write-through persistence hook for ledger mutations. The
// in-memory arena is authoritative; the store keeps a durable copy so budgets
// and leases survive restarts. Implementations that hit contention should
// return an error the ledger can retry.
type Store interface {
	SaveBudget(ctx context.Context, budget *models.Budget) error
	SaveLease(ctx context.Context, lease *models.BudgetLease) error
}

// NoopStore discards all writes. Used in tests and single-process setups
// that accept losing ledger state on restart.
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) SaveBudget(ctx context.Context, budget *models.Budget) error {
	return nil
}

func (s *NoopStore) SaveLease(ctx context.Context, lease *models.BudgetLease) error {
	return nil
}
