package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LeaseStatus is the lifecycle state of a budget lease
type LeaseStatus string

const (
	LeaseActive   LeaseStatus = "active"
	LeaseExpired  LeaseStatus = "expired"
	LeaseReturned LeaseStatus = "returned"
)

// IsTerminal reports whether the lease can no longer be debited or refreshed
func (s LeaseStatus) IsTerminal() bool {
	return s == LeaseExpired || s == LeaseReturned
}

// IsValid checks if the status is a known lease status
func (s LeaseStatus) IsValid() bool {
	switch s {
	case LeaseActive, LeaseExpired, LeaseReturned:
		return true
	default:
		return false
	}
}

// BudgetLease is a time-boxed, amount-bounded grant of spending authority
// against an agent's budget. Owned exclusively by the ledger; agents hold
// only the opaque lease ID.
type BudgetLease struct {
	ID            string      `db:"id" json:"lease_id"` // format: lease_<uuid>
	AgentID       uuid.UUID   `db:"agent_id" json:"agent_id"`
	Provider      string      `db:"provider" json:"provider"`
	BudgetGranted Micros      `db:"budget_granted" json:"budget_granted"`
	BudgetSpent   Micros      `db:"budget_spent" json:"budget_spent_in_lease"`
	Status        LeaseStatus `db:"status" json:"status"`
	IssuedAt      time.Time   `db:"issued_at" json:"issued_at"`
	ExpiresAt     time.Time   `db:"expires_at" json:"expires_at"`
}

// Remaining returns the unspent portion of the lease grant
func (l *BudgetLease) Remaining() Micros {
	return l.BudgetGranted - l.BudgetSpent
}

// ExpiredAt reports whether the lease's hard expiry has passed at t
func (l *BudgetLease) ExpiredAt(t time.Time) bool {
	return t.After(l.ExpiresAt)
}

// NewLeaseID generates a lease identifier (format: lease_<uuid>)
func NewLeaseID() string {
	return fmt.Sprintf("lease_%s", uuid.New().String())
}
