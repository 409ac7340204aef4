// Package audit records the financially significant moments of the system:
// lease grants and releases, forced expiries, over-budget rejections, and
// budget change decisions. Events flow through a Sink so the hot path never
// waits on durable storage.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event kinds
const (
	KindLeaseGranted     = "lease.granted"
	KindLeaseReleased    = "lease.released"
	KindLeaseExpired     = "lease.expired"
	KindLeaseForceClosed = "lease.force_closed"
	KindLateReport       = "usage.late_report"
	KindOverBudget       = "usage.over_budget"
	KindDuplicateEvent   = "usage.duplicate"
	KindRequestCreated   = "budget_request.created"
	KindRequestApproved  = "budget_request.approved"
	KindRequestRejected  = "budget_request.rejected"
	KindRequestCancelled = "budget_request.cancelled"
)

// Severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one audit record
type Event struct {
	ID        string            `json:"id" db:"id"`
	Kind      string            `json:"kind" db:"kind"`
	Severity  string            `json:"severity" db:"severity"`
	AgentID   string            `json:"agent_id,omitempty" db:"agent_id"`
	LeaseID   string            `json:"lease_id,omitempty" db:"lease_id"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// NewEvent creates an audit event with a fresh ID and timestamp
func NewEvent(kind, severity string) Event {
	return Event{
		ID:        "audit_" + uuid.New().String(),
		Kind:      kind,
		Severity:  severity,
		Detail:    make(map[string]string),
		CreatedAt: time.Now(),
	}
}

// WithAgent attaches the agent involved
func (e Event) WithAgent(agentID uuid.UUID) Event {
	e.AgentID = agentID.String()
	return e
}

// WithLease attaches the lease involved
func (e Event) WithLease(leaseID string) Event {
	e.LeaseID = leaseID
	return e
}

// WithDetail attaches one detail field
func (e Event) WithDetail(key, value string) Event {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}

// Sink receives audit events. Implementations must be safe for concurrent
// use and should never block the caller longer than an enqueue.
type Sink interface {
	Emit(ctx context.Context, event Event)
}
