package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent represents an autonomous agent identity with an assigned budget
type Agent struct {
	ID         uuid.UUID  `db:"id"`
	Name       string     `db:"name"`
	APIKeyHash string     `db:"api_key_hash"` // SHA-256 hex of the agent API key
	Enabled    bool       `db:"enabled"`
	ArchivedAt *time.Time `db:"archived_at"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// Budget is the per-agent source of truth for allocated/spent/remaining funds.
//
// Invariant, enforced on every mutation:
//
//	TotalAllocated == TotalSpent + BudgetRemaining
//
// Budgets are created when the agent is provisioned, mutated only by the
// ledger (spend) and the budget change workflow (ceiling changes), and
// archived rather than deleted.
type Budget struct {
	AgentID         uuid.UUID `db:"agent_id"`
	TotalAllocated  Micros    `db:"total_allocated"`
	TotalSpent      Micros    `db:"total_spent"`
	BudgetRemaining Micros    `db:"budget_remaining"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// InvariantHolds reports whether the budget identity holds.
func (b *Budget) InvariantHolds() bool {
	return b.TotalAllocated == b.TotalSpent+b.BudgetRemaining &&
		b.TotalAllocated >= 0 && b.TotalSpent >= 0 && b.BudgetRemaining >= 0
}
