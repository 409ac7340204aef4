package ledger

import (
	"errors"
	"fmt"

	"budget_gateway/internal/models"
)

var (
	// ErrAgentNotFound is returned when no budget exists for an agent
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentArchived is returned when operating on an archived agent budget
	ErrAgentArchived = errors.New("agent budget archived")

	// ErrLeaseNotFound is returned when a lease ID does not resolve
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrLeaseTerminal is returned when debiting an expired or returned lease
	ErrLeaseTerminal = errors.New("lease is terminal")

	// ErrDuplicateEvent is returned when a usage event was already applied.
	// The ledger state is unchanged; callers treat this as "already recorded",
	// not a failure.
	ErrDuplicateEvent = errors.New("usage event already applied")

	// ErrContention is returned when persistence retries are exhausted.
	// Distinct from business rejections so callers can tell "try again"
	// from "you are out of budget".
	ErrContention = errors.New("ledger store contention, retries exhausted")
)

// InsufficientBudgetError is returned when an allocation exceeds the agent's
// remaining budget. Carries the amounts so callers can report them.
type InsufficientBudgetError struct {
	Requested models.Micros
	Remaining models.Micros
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget: requested %s, remaining %s",
		models.FormatMicros(e.Requested), models.FormatMicros(e.Remaining))
}

// LeaseBudgetExceededError is returned when a debit would push a lease's
// spend past its grant. The ledger state is unchanged; Overage is surfaced so
// the caller can decide (reject the result, or refund and alert).
type LeaseBudgetExceededError struct {
	LeaseID   string
	Requested models.Micros
	Remaining models.Micros
	Overage   models.Micros
}

func (e *LeaseBudgetExceededError) Error() string {
	return fmt.Sprintf("lease %s budget exceeded: debit %s, remaining %s (overage %s)",
		e.LeaseID, models.FormatMicros(e.Requested),
		models.FormatMicros(e.Remaining), models.FormatMicros(e.Overage))
}
