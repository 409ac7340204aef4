package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the state of a budget change request.
// pending is the only non-terminal state.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// IsValid checks if the status is a known request status
func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestRejected, RequestCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the request can no longer transition
func (s RequestStatus) IsTerminal() bool {
	return s != RequestPending
}

// BudgetChangeRequest is an admin-facing request to raise an agent's budget
// ceiling. Approval atomically applies the delta to the ledger; rejection and
// cancellation have no ledger effect.
type BudgetChangeRequest struct {
	ID             string        `db:"id" json:"request_id"` // format: breq_<uuid>
	AgentID        uuid.UUID     `db:"agent_id" json:"agent_id"`
	RequesterID    string        `db:"requester_id" json:"requester_id"`
	RequestedDelta Micros        `db:"requested_delta" json:"requested_delta"`
	Justification  string        `db:"justification" json:"justification"`
	Status         RequestStatus `db:"status" json:"status"`
	ApproverID     *string       `db:"approver_id" json:"approver_id,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

const (
	MinJustificationLength = 20
	MaxJustificationLength = 500
)

// ValidateNew checks a request at creation time. The per-request delta cap is
// enforced here, independent of ledger state, so an oversized request is
// rejected at creation rather than at approval.
func (r *BudgetChangeRequest) ValidateNew(maxDelta Micros) error {
	if r.AgentID == uuid.Nil {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if r.RequesterID == "" {
		return &ValidationError{Field: "requester_id", Reason: "required"}
	}
	if r.RequestedDelta <= 0 {
		return &ValidationError{Field: "requested_delta", Reason: "must be positive"}
	}
	if maxDelta > 0 && r.RequestedDelta > maxDelta {
		return &ValidationError{
			Field:  "requested_delta",
			Reason: fmt.Sprintf("exceeds per-request cap of %s", FormatMicros(maxDelta)),
		}
	}
	if len(r.Justification) < MinJustificationLength {
		return &ValidationError{Field: "justification", Reason: fmt.Sprintf("must be at least %d characters", MinJustificationLength)}
	}
	if len(r.Justification) > MaxJustificationLength {
		return &ValidationError{Field: "justification", Reason: fmt.Sprintf("must be at most %d characters", MaxJustificationLength)}
	}
	return nil
}

// NewRequestID generates a budget change request identifier (format: breq_<uuid>)
func NewRequestID() string {
	return fmt.Sprintf("breq_%s", uuid.New().String())
}
