package models

import (
	"time"
)

// UsageOutcome records whether the upstream call the event describes succeeded
type UsageOutcome string

const (
	UsageCompleted UsageOutcome = "completed"
	UsageFailed    UsageOutcome = "failed"
)

// IsValid checks if the outcome is a known value
func (o UsageOutcome) IsValid() bool {
	return o == UsageCompleted || o == UsageFailed
}

// UsageEvent represents a single usage report against a lease.
//
// EventID is a caller-supplied idempotency key: network retries may
// re-deliver the same report, so a duplicate EventID is a no-op rather than
// an error. Records are write-once.
type UsageEvent struct {
	EventID    string       `db:"event_id" json:"event_id"`
	LeaseID    string       `db:"lease_id" json:"lease_id"`
	CostMicros Micros       `db:"cost_micros" json:"cost_micros"`
	Tokens     int64        `db:"tokens" json:"tokens"`
	Model      string       `db:"model" json:"model"`
	Provider   string       `db:"provider" json:"provider"`
	Outcome    UsageOutcome `db:"outcome" json:"outcome"`
	// AuditOnly marks events that arrived after their lease turned terminal.
	// They are preserved for the audit trail but never debited.
	AuditOnly bool      `db:"audit_only" json:"audit_only,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

const (
	MaxEventIDLength  = 100
	MaxLeaseIDLength  = 100
	MaxModelLength    = 100
	MaxProviderLength = 50
)

// Validate checks the event fields before it touches the ledger
func (e *UsageEvent) Validate() error {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Reason: "required"}
	}
	if len(e.EventID) > MaxEventIDLength {
		return &ValidationError{Field: "event_id", Reason: "too long"}
	}
	if e.LeaseID == "" {
		return &ValidationError{Field: "lease_id", Reason: "required"}
	}
	if len(e.LeaseID) > MaxLeaseIDLength {
		return &ValidationError{Field: "lease_id", Reason: "too long"}
	}
	if e.CostMicros < 0 {
		return &ValidationError{Field: "cost_micros", Reason: "cannot be negative"}
	}
	if e.Tokens < 0 {
		return &ValidationError{Field: "tokens", Reason: "cannot be negative"}
	}
	if len(e.Model) > MaxModelLength {
		return &ValidationError{Field: "model", Reason: "too long"}
	}
	if len(e.Provider) > MaxProviderLength {
		return &ValidationError{Field: "provider", Reason: "too long"}
	}
	if e.Outcome != "" && !e.Outcome.IsValid() {
		return &ValidationError{Field: "outcome", Reason: "must be completed or failed"}
	}
	return nil
}

// ValidationError describes a rejected input field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}
