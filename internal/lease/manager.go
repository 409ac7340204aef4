// Package lease implements the budget lease lifecycle: handshake, usage
// reporting, refresh, return, and forced expiry. A lease pairs a slice of
// an agent's budget with a sealed credential token, so an agent holding a
// valid lease can call its provider without ever seeing the raw secret.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"budget_gateway/internal/audit"
	"budget_gateway/internal/auth"
	"budget_gateway/internal/ledger"
	"budget_gateway/internal/models"
	"budget_gateway/internal/utils"
	"budget_gateway/internal/vault"

	"github.com/google/uuid"
)

// ProviderKeyStore resolves the stored secret for a provider
type ProviderKeyStore interface {
	Secret(ctx context.Context, provider string) (string, error)
}

// UsageRecorder receives usage events for durable persistence off the hot
// path. Implementations must not block beyond an enqueue.
type UsageRecorder interface {
	Record(ctx context.Context, event models.UsageEvent)
}

// NopRecorder discards usage events. Test helper.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, event models.UsageEvent) {}

// Config holds lease lifecycle settings
type Config struct {
	DefaultGrantMicros models.Micros
	MaxGrantMicros     models.Micros
	TTL                time.Duration
	RefreshGrace       time.Duration
}

// Grant is the result of a successful handshake or refresh
type Grant struct {
	Lease           models.BudgetLease
	CredentialToken string
}

// Manager drives the lease lifecycle on top of the ledger
type Manager struct {
	ledger   *ledger.Ledger
	vault    vault.Vault
	keys     ProviderKeyStore
	recorder UsageRecorder
	sink     audit.Sink
	cfg      Config
	nowFn    func() time.Time
	logger   *utils.Logger
}

// NewManager creates a lease manager
func NewManager(lg *ledger.Ledger, v vault.Vault, keys ProviderKeyStore, recorder UsageRecorder, sink audit.Sink, cfg Config) *Manager {
	if cfg.DefaultGrantMicros <= 0 {
		cfg.DefaultGrantMicros = 10_000_000
	}
	if cfg.MaxGrantMicros <= 0 {
		cfg.MaxGrantMicros = 100_000_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.RefreshGrace <= 0 {
		cfg.RefreshGrace = time.Minute
	}
	return &Manager{
		ledger:   lg,
		vault:    v,
		keys:     keys,
		recorder: recorder,
		sink:     sink,
		cfg:      cfg,
		nowFn:    time.Now,
		logger:   utils.NewLogger("lease"),
	}
}

// SetNowFunc overrides the clock. Test hook. The ledger's clock is
// overridden too so leases and budgets agree on time.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.nowFn = now
	m.ledger.SetNowFunc(now)
}

// Handshake allocates a budget lease and mints the credential token the
// agent will use against the provider. A zero requested amount gets the
// configured default grant; requests above the per-handshake ceiling are
// clamped to it.
func (m *Manager) Handshake(ctx context.Context, agentID uuid.UUID, provider string, requested models.Micros) (*Grant, error) {
	if requested < 0 {
		return nil, fmt.Errorf("requested amount cannot be negative")
	}
	amount := requested
	if amount == 0 {
		amount = m.cfg.DefaultGrantMicros
	}
	if amount > m.cfg.MaxGrantMicros {
		amount = m.cfg.MaxGrantMicros
	}

	// resolve the secret before touching the ledger so a missing provider
	// never strands allocated funds
	secret, err := m.keys.Secret(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnknown, provider)
	}

	lease, err := m.ledger.Allocate(ctx, agentID, provider, amount, m.cfg.TTL)
	if err != nil {
		return nil, err
	}

	token, err := auth.MintCredentialToken(m.vault, provider, secret, lease.ID, lease.ExpiresAt)
	if err != nil {
		// undo the allocation; the agent never saw the lease
		if _, rerr := m.ledger.Release(ctx, lease.ID, models.LeaseReturned); rerr != nil {
			m.logger.Error("Failed to release lease after mint failure", "lease_id", lease.ID, "error", rerr)
		}
		return nil, fmt.Errorf("failed to mint credential token: %w", err)
	}

	m.sink.Emit(ctx, audit.NewEvent(audit.KindLeaseGranted, audit.SeverityInfo).
		WithAgent(agentID).
		WithLease(lease.ID).
		WithDetail("provider", provider).
		WithDetail("granted_micros", strconv.FormatInt(lease.BudgetGranted, 10)))

	return &Grant{Lease: *lease, CredentialToken: token}, nil
}

// Report applies a usage event to its lease. Behavior by lease state:
//
//   - active and within expiry: the cost is debited, idempotently by event
//     ID; a duplicate returns ledger.ErrDuplicateEvent with the unchanged
//     remaining amount
//   - active but past expiry: the lease is force-closed, the event is kept
//     as an audit-only record, and the caller gets ErrLeaseExpired
//   - already terminal: the event is kept as an audit-only record and the
//     caller gets ledger.ErrLeaseTerminal
//
// A debit that would exceed the lease grant force-closes the lease; the
// overage is never charged.
func (m *Manager) Report(ctx context.Context, leaseID string, event models.UsageEvent) (models.Micros, error) {
	event.LeaseID = leaseID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.nowFn()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	current, err := m.ledger.Lease(leaseID)
	if err != nil {
		return 0, err
	}

	if current.Status == models.LeaseActive && current.ExpiredAt(m.nowFn()) {
		m.forceClose(ctx, current, audit.KindLeaseExpired,
			"usage report arrived after lease expiry")
		m.recordAuditOnly(ctx, event)
		return 0, ErrLeaseExpired
	}

	remaining, err := m.ledger.Debit(ctx, leaseID, event.EventID, event.CostMicros)
	switch {
	case err == nil:
		m.recorder.Record(ctx, event)
		return remaining, nil

	case errors.Is(err, ledger.ErrDuplicateEvent):
		m.sink.Emit(ctx, audit.NewEvent(audit.KindDuplicateEvent, audit.SeverityInfo).
			WithLease(leaseID).
			WithDetail("event_id", event.EventID))
		return remaining, err

	case errors.Is(err, ledger.ErrLeaseTerminal):
		m.recordAuditOnly(ctx, event)
		m.sink.Emit(ctx, audit.NewEvent(audit.KindLateReport, audit.SeverityWarning).
			WithLease(leaseID).
			WithDetail("event_id", event.EventID).
			WithDetail("cost_micros", strconv.FormatInt(event.CostMicros, 10)))
		return remaining, err

	default:
		var exceeded *ledger.LeaseBudgetExceededError
		if errors.As(err, &exceeded) {
			m.forceClose(ctx, current, audit.KindLeaseForceClosed,
				"usage report exceeded the lease grant")
			m.sink.Emit(ctx, audit.NewEvent(audit.KindOverBudget, audit.SeverityCritical).
				WithAgent(current.AgentID).
				WithLease(leaseID).
				WithDetail("event_id", event.EventID).
				WithDetail("overage_micros", strconv.FormatInt(exceeded.Overage, 10)))
			m.recordAuditOnly(ctx, event)
		}
		return remaining, err
	}
}

// Refresh extends an active lease by a full TTL and mints a fresh
// credential token. A positive topUp asks for extra funds on the same
// lease; it is best-effort, a short budget still extends the lease. A
// refresh that lands within RefreshGrace of expiry still succeeds, so an
// agent racing its own deadline does not lose the lease to clock skew.
// Past the grace window the lease is closed and the caller gets
// ErrLeaseExpired; once the sweeper has closed it the caller sees
// ledger.ErrLeaseTerminal instead.
func (m *Manager) Refresh(ctx context.Context, leaseID string, topUp models.Micros) (*Grant, error) {
	if topUp < 0 {
		return nil, fmt.Errorf("top-up amount cannot be negative")
	}

	current, err := m.ledger.Lease(leaseID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, ledger.ErrLeaseTerminal
	}

	now := m.nowFn()
	if current.ExpiredAt(now) && now.After(current.ExpiresAt.Add(m.cfg.RefreshGrace)) {
		m.forceClose(ctx, current, audit.KindLeaseExpired, "refresh arrived past the grace window")
		return nil, ErrLeaseExpired
	}

	if topUp > 0 {
		capped := topUp
		if current.BudgetGranted+capped > m.cfg.MaxGrantMicros {
			capped = m.cfg.MaxGrantMicros - current.BudgetGranted
		}
		if capped > 0 {
			if _, err := m.ledger.TopUp(ctx, leaseID, capped); err != nil {
				var insufficient *ledger.InsufficientBudgetError
				if !errors.As(err, &insufficient) {
					return nil, err
				}
				m.logger.Warn("Lease top-up skipped, insufficient budget", "lease_id", leaseID, "requested", capped)
			}
		}
	}

	extended, err := m.ledger.ExtendLease(ctx, leaseID, now.Add(m.cfg.TTL))
	if err != nil {
		return nil, err
	}

	secret, err := m.keys.Secret(ctx, extended.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnknown, extended.Provider)
	}
	token, err := auth.MintCredentialToken(m.vault, extended.Provider, secret, extended.ID, extended.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to mint credential token: %w", err)
	}

	return &Grant{Lease: *extended, CredentialToken: token}, nil
}

// Return closes a lease and refunds its unspent funds. Idempotent:
// returning an already-closed lease succeeds with a zero refund.
func (m *Manager) Return(ctx context.Context, leaseID string) (models.Micros, error) {
	current, err := m.ledger.Lease(leaseID)
	if err != nil {
		return 0, err
	}

	refunded, err := m.ledger.Release(ctx, leaseID, models.LeaseReturned)
	if err != nil {
		return 0, err
	}
	if current.Status == models.LeaseActive {
		m.sink.Emit(ctx, audit.NewEvent(audit.KindLeaseReleased, audit.SeverityInfo).
			WithAgent(current.AgentID).
			WithLease(leaseID).
			WithDetail("refunded_micros", strconv.FormatInt(refunded, 10)))
	}
	return refunded, nil
}

// forceClose releases a lease on behalf of the system rather than its agent
func (m *Manager) forceClose(ctx context.Context, lease *models.BudgetLease, kind, reason string) {
	refunded, err := m.ledger.Release(ctx, lease.ID, models.LeaseExpired)
	if err != nil {
		m.logger.Error("Failed to force-close lease", "lease_id", lease.ID, "error", err)
		return
	}
	m.sink.Emit(ctx, audit.NewEvent(kind, audit.SeverityCritical).
		WithAgent(lease.AgentID).
		WithLease(lease.ID).
		WithDetail("reason", reason).
		WithDetail("refunded_micros", strconv.FormatInt(refunded, 10)))
}

// recordAuditOnly keeps a usage event that was never debited. The record
// preserves what the agent claimed to have spent without touching budgets.
func (m *Manager) recordAuditOnly(ctx context.Context, event models.UsageEvent) {
	event.AuditOnly = true
	m.recorder.Record(ctx, event)
}
