// Package ledger is the per-agent source of truth for allocated, spent, and
// remaining funds. Budgets live in an arena of agent accounts, each guarded
// by its own mutex, so contention on one agent never blocks another. Every
// mutation preserves the budget identity
//
//	total_allocated == total_spent + budget_remaining
//
// and is written through to a Store with bounded retry before it commits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"budget_gateway/internal/models"
	"budget_gateway/internal/utils"

	"github.com/google/uuid"
)

// ErrAgentExists is returned when provisioning an agent that already has a budget
var ErrAgentExists = errors.New("agent budget already exists")

// Config holds ledger persistence retry settings
type Config struct {
	StoreRetryMax     int
	StoreRetryBackoff time.Duration
}

// DefaultConfig returns ledger defaults
func DefaultConfig() Config {
	return Config{
		StoreRetryMax:     5,
		StoreRetryBackoff: 50 * time.Millisecond,
	}
}

// Ledger is the arena of per-agent budget accounts
type Ledger struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*account
	owners   map[string]uuid.UUID // lease_id -> agent_id

	store   Store
	retries int
	backoff time.Duration
	nowFn   func() time.Time
	logger  *utils.Logger
}

// account is one agent's budget record plus its leases. All mutations happen
// under the account mutex; cross-agent operations never share a lock.
type account struct {
	mu       sync.Mutex
	budget   models.Budget
	archived bool
	leases   map[string]*leaseState
}

// leaseState pairs a lease with the set of usage events already applied to
// it, which is what makes Debit idempotent by event ID.
type leaseState struct {
	lease   models.BudgetLease
	applied map[string]struct{}
}

// New creates a ledger backed by the given store
func New(store Store, cfg Config) *Ledger {
	if cfg.StoreRetryMax <= 0 {
		cfg.StoreRetryMax = DefaultConfig().StoreRetryMax
	}
	if cfg.StoreRetryBackoff <= 0 {
		cfg.StoreRetryBackoff = DefaultConfig().StoreRetryBackoff
	}
	return &Ledger{
		accounts: make(map[uuid.UUID]*account),
		owners:   make(map[string]uuid.UUID),
		store:    store,
		retries:  cfg.StoreRetryMax,
		backoff:  cfg.StoreRetryBackoff,
		nowFn:    time.Now,
		logger:   utils.NewLogger("ledger"),
	}
}

// SetNowFunc overrides the clock. Test hook.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	l.nowFn = now
}

// CreateAgent provisions a budget for a new agent
func (l *Ledger) CreateAgent(ctx context.Context, agentID uuid.UUID, allocation models.Micros) (*models.Budget, error) {
	if allocation < 0 {
		return nil, fmt.Errorf("allocation cannot be negative")
	}

	now := l.nowFn()
	budget := models.Budget{
		AgentID:         agentID,
		TotalAllocated:  allocation,
		TotalSpent:      0,
		BudgetRemaining: allocation,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// existence check must precede the store write, or re-provisioning an
	// agent would overwrite its persisted budget before being rejected
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[agentID]; exists {
		return nil, ErrAgentExists
	}

	if err := l.persist(ctx, func(ctx context.Context) error {
		return l.store.SaveBudget(ctx, &budget)
	}); err != nil {
		return nil, err
	}

	l.accounts[agentID] = &account{
		budget: budget,
		leases: make(map[string]*leaseState),
	}

	snapshot := budget
	return &snapshot, nil
}

// HydrateBudget loads a budget into the arena without a store write.
// Used at startup to rebuild state from persistence.
func (l *Ledger) HydrateBudget(budget models.Budget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[budget.AgentID] = &account{
		budget: budget,
		leases: make(map[string]*leaseState),
	}
}

// HydrateLease loads an active lease into its owning account without a store
// write. The owning budget must already be hydrated. Applied event IDs are
// not rebuilt; the durable usage store's write-once constraint still dedupes.
func (l *Ledger) HydrateLease(lease models.BudgetLease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[lease.AgentID]
	if !ok {
		return ErrAgentNotFound
	}

	acct.mu.Lock()
	acct.leases[lease.ID] = &leaseState{
		lease:   lease,
		applied: make(map[string]struct{}),
	}
	acct.mu.Unlock()

	l.owners[lease.ID] = lease.AgentID
	return nil
}

// Allocate atomically moves amount from the agent's remaining budget into a
// new lease grant. Fails with *InsufficientBudgetError when remaining funds
// cannot cover the request, even under concurrent allocations.
func (l *Ledger) Allocate(ctx context.Context, agentID uuid.UUID, provider string, amount models.Micros, ttl time.Duration) (*models.BudgetLease, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("allocation amount must be positive")
	}

	acct, err := l.account(agentID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.archived {
		return nil, ErrAgentArchived
	}
	if acct.budget.BudgetRemaining < amount {
		return nil, &InsufficientBudgetError{
			Requested: amount,
			Remaining: acct.budget.BudgetRemaining,
		}
	}

	now := l.nowFn()
	lease := models.BudgetLease{
		ID:            models.NewLeaseID(),
		AgentID:       agentID,
		Provider:      provider,
		BudgetGranted: amount,
		BudgetSpent:   0,
		Status:        models.LeaseActive,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}

	next := acct.budget
	next.BudgetRemaining -= amount
	next.TotalSpent += amount
	// The granted amount is committed as spent at allocation time and any
	// unspent remainder flows back on release. This keeps concurrent
	// allocations from double-promising the same remaining funds.
	if !next.InvariantHolds() {
		return nil, fmt.Errorf("budget invariant violated during allocate for agent %s", agentID)
	}
	next.UpdatedAt = now

	if err := l.persist(ctx, func(ctx context.Context) error {
		if err := l.store.SaveBudget(ctx, &next); err != nil {
			return err
		}
		return l.store.SaveLease(ctx, &lease)
	}); err != nil {
		return nil, err
	}

	acct.budget = next
	acct.leases[lease.ID] = &leaseState{
		lease:   lease,
		applied: make(map[string]struct{}),
	}

	l.mu.Lock()
	l.owners[lease.ID] = agentID
	l.mu.Unlock()

	snapshot := lease
	return &snapshot, nil
}

// Debit applies a usage event's cost to a lease. Idempotent by eventID:
// reapplying a seen event returns ErrDuplicateEvent and changes nothing.
// A debit that would exceed the lease grant fails with
// *LeaseBudgetExceededError and changes nothing.
func (l *Ledger) Debit(ctx context.Context, leaseID, eventID string, amount models.Micros) (models.Micros, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount cannot be negative")
	}

	acct, err := l.leaseAccount(leaseID)
	if err != nil {
		return 0, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	// resolve under the lock; the lease may have turned terminal meanwhile
	ls, ok := acct.leases[leaseID]
	if !ok {
		return 0, ErrLeaseNotFound
	}
	if ls.lease.Status.IsTerminal() {
		return ls.lease.Remaining(), ErrLeaseTerminal
	}
	if _, seen := ls.applied[eventID]; seen {
		return ls.lease.Remaining(), ErrDuplicateEvent
	}

	remaining := ls.lease.Remaining()
	if amount > remaining {
		return remaining, &LeaseBudgetExceededError{
			LeaseID:   leaseID,
			Requested: amount,
			Remaining: remaining,
			Overage:   amount - remaining,
		}
	}

	next := ls.lease
	next.BudgetSpent += amount

	if err := l.persist(ctx, func(ctx context.Context) error {
		return l.store.SaveLease(ctx, &next)
	}); err != nil {
		return remaining, err
	}

	ls.lease = next
	ls.applied[eventID] = struct{}{}
	return next.Remaining(), nil
}

// Release returns the unspent portion of a lease to the agent's remaining
// budget and marks the lease with the given terminal status. Safe to call
// more than once: releasing an already-terminal lease is a no-op.
func (l *Ledger) Release(ctx context.Context, leaseID string, status models.LeaseStatus) (models.Micros, error) {
	if !status.IsTerminal() {
		return 0, fmt.Errorf("release status must be terminal, got %q", status)
	}

	acct, err := l.leaseAccount(leaseID)
	if err != nil {
		return 0, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	ls, ok := acct.leases[leaseID]
	if !ok {
		return 0, ErrLeaseNotFound
	}
	if ls.lease.Status.IsTerminal() {
		return 0, nil
	}

	unspent := ls.lease.Remaining()

	nextLease := ls.lease
	nextLease.Status = status

	now := l.nowFn()
	nextBudget := acct.budget
	nextBudget.BudgetRemaining += unspent
	nextBudget.TotalSpent -= unspent
	if !nextBudget.InvariantHolds() {
		return 0, fmt.Errorf("budget invariant violated during release of lease %s", leaseID)
	}
	nextBudget.UpdatedAt = now

	if err := l.persist(ctx, func(ctx context.Context) error {
		if err := l.store.SaveBudget(ctx, &nextBudget); err != nil {
			return err
		}
		return l.store.SaveLease(ctx, &nextLease)
	}); err != nil {
		return 0, err
	}

	ls.lease = nextLease
	acct.budget = nextBudget
	return unspent, nil
}

// TopUp raises an active lease's grant by amount, drawing from the agent's
// remaining budget. Used by lease refresh; fails like Allocate when funds
// are short.
func (l *Ledger) TopUp(ctx context.Context, leaseID string, amount models.Micros) (*models.BudgetLease, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("top-up amount must be positive")
	}

	acct, err := l.leaseAccount(leaseID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	ls, ok := acct.leases[leaseID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	if ls.lease.Status.IsTerminal() {
		return nil, ErrLeaseTerminal
	}
	if acct.budget.BudgetRemaining < amount {
		return nil, &InsufficientBudgetError{
			Requested: amount,
			Remaining: acct.budget.BudgetRemaining,
		}
	}

	now := l.nowFn()
	nextLease := ls.lease
	nextLease.BudgetGranted += amount

	nextBudget := acct.budget
	nextBudget.BudgetRemaining -= amount
	nextBudget.TotalSpent += amount
	if !nextBudget.InvariantHolds() {
		return nil, fmt.Errorf("budget invariant violated during top-up of lease %s", leaseID)
	}
	nextBudget.UpdatedAt = now

	if err := l.persist(ctx, func(ctx context.Context) error {
		if err := l.store.SaveBudget(ctx, &nextBudget); err != nil {
			return err
		}
		return l.store.SaveLease(ctx, &nextLease)
	}); err != nil {
		return nil, err
	}

	ls.lease = nextLease
	acct.budget = nextBudget

	snapshot := nextLease
	return &snapshot, nil
}

// ExtendLease pushes an active lease's expiry to the given time
func (l *Ledger) ExtendLease(ctx context.Context, leaseID string, expiresAt time.Time) (*models.BudgetLease, error) {
	acct, err := l.leaseAccount(leaseID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	ls, ok := acct.leases[leaseID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	if ls.lease.Status.IsTerminal() {
		return nil, ErrLeaseTerminal
	}

	next := ls.lease
	next.ExpiresAt = expiresAt

	if err := l.persist(ctx, func(ctx context.Context) error {
		return l.store.SaveLease(ctx, &next)
	}); err != nil {
		return nil, err
	}

	ls.lease = next
	snapshot := next
	return &snapshot, nil
}

// ApplyDelta raises the agent's ceiling: total_allocated and
// budget_remaining both grow by delta. Only the budget change workflow
// calls this.
func (l *Ledger) ApplyDelta(ctx context.Context, agentID uuid.UUID, delta models.Micros) (*models.Budget, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("delta must be positive")
	}

	acct, err := l.account(agentID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.archived {
		return nil, ErrAgentArchived
	}

	now := l.nowFn()
	next := acct.budget
	next.TotalAllocated += delta
	next.BudgetRemaining += delta
	if !next.InvariantHolds() {
		return nil, fmt.Errorf("budget invariant violated during delta apply for agent %s", agentID)
	}
	next.UpdatedAt = now

	if err := l.persist(ctx, func(ctx context.Context) error {
		return l.store.SaveBudget(ctx, &next)
	}); err != nil {
		return nil, err
	}

	acct.budget = next
	snapshot := next
	return &snapshot, nil
}

// ArchiveAgent marks an agent's budget archived. Archived budgets refuse new
// allocations and ceiling changes but are never deleted.
func (l *Ledger) ArchiveAgent(agentID uuid.UUID) error {
	acct, err := l.account(agentID)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.archived = true
	return nil
}

// Snapshot returns a copy of the agent's budget record
func (l *Ledger) Snapshot(agentID uuid.UUID) (*models.Budget, error) {
	acct, err := l.account(agentID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	snapshot := acct.budget
	return &snapshot, nil
}

// Lease returns a copy of a lease
func (l *Ledger) Lease(leaseID string) (*models.BudgetLease, error) {
	acct, err := l.leaseAccount(leaseID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	ls, ok := acct.leases[leaseID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	snapshot := ls.lease
	return &snapshot, nil
}

// ActiveLeases returns copies of every active lease. Accounts are visited
// one at a time; no account lock is held while another is taken, and no
// aggregate is computed while a lease lock is held.
func (l *Ledger) ActiveLeases() []models.BudgetLease {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		accounts = append(accounts, acct)
	}
	l.mu.RUnlock()

	var active []models.BudgetLease
	for _, acct := range accounts {
		acct.mu.Lock()
		for _, ls := range acct.leases {
			if ls.lease.Status == models.LeaseActive {
				active = append(active, ls.lease)
			}
		}
		acct.mu.Unlock()
	}
	return active
}

// account resolves an agent's account under the registry read lock
func (l *Ledger) account(agentID uuid.UUID) (*account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acct, ok := l.accounts[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return acct, nil
}

// leaseAccount resolves the account owning a lease
func (l *Ledger) leaseAccount(leaseID string) (*account, error) {
	l.mu.RLock()
	agentID, ok := l.owners[leaseID]
	if !ok {
		l.mu.RUnlock()
		return nil, ErrLeaseNotFound
	}
	acct := l.accounts[agentID]
	l.mu.RUnlock()

	if acct == nil {
		return nil, ErrLeaseNotFound
	}
	return acct, nil
}

// persist runs a store write with bounded exponential backoff. Exhausted
// retries surface as ErrContention so callers can distinguish transient
// failures from business rejections.
func (l *Ledger) persist(ctx context.Context, fn func(context.Context) error) error {
	backoff := l.backoff
	var err error
	for attempt := 0; attempt <= l.retries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == l.retries {
			break
		}
		l.logger.Warn("Ledger store write failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrContention, err)
}
