package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"budget_gateway/internal/audit"
	"budget_gateway/internal/auth"
	"budget_gateway/internal/ledger"
	"budget_gateway/internal/models"
	"budget_gateway/internal/vault"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapKeyStore map[string]string

func (m mapKeyStore) Secret(ctx context.Context, provider string) (string, error) {
	secret, ok := m[provider]
	if !ok {
		return "", ErrProviderUnknown
	}
	return secret, nil
}

// captureRecorder keeps recorded usage events in memory
type captureRecorder struct {
	mu     sync.Mutex
	events []models.UsageEvent
}

func (r *captureRecorder) Record(ctx context.Context, event models.UsageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *captureRecorder) all() []models.UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.UsageEvent, len(r.events))
	copy(out, r.events)
	return out
}

type fixture struct {
	manager  *Manager
	ledger   *ledger.Ledger
	vault    vault.Vault
	sink     *audit.CaptureSink
	recorder *captureRecorder
	agentID  uuid.UUID
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	keyB64, err := vault.GenerateKey(32)
	require.NoError(t, err)
	v, err := vault.NewAESVaultFromBase64(keyB64)
	require.NoError(t, err)

	lg := ledger.New(ledger.NewNoopStore(), ledger.Config{})
	agentID := uuid.New()
	_, err = lg.CreateAgent(context.Background(), agentID, 100_000_000) // $100
	require.NoError(t, err)

	sink := &audit.CaptureSink{}
	recorder := &captureRecorder{}
	f := &fixture{
		ledger:   lg,
		vault:    v,
		sink:     sink,
		recorder: recorder,
		agentID:  agentID,
		clock:    time.Now().UTC().Truncate(time.Second),
	}
	f.manager = NewManager(lg, v, mapKeyStore{"openai": "sk-secret"}, recorder, sink, Config{
		DefaultGrantMicros: 10_000_000,  // $10
		MaxGrantMicros:     100_000_000, // $100
		TTL:                15 * time.Minute,
		RefreshGrace:       time.Minute,
	})
	f.manager.SetNowFunc(func() time.Time { return f.clock })
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) auditKinds() []string {
	var kinds []string
	for _, e := range f.sink.Events() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestHandshakeGrantsLeaseAndSealedCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 50_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), grant.Lease.BudgetGranted)
	assert.Equal(t, models.LeaseActive, grant.Lease.Status)
	assert.NotEmpty(t, grant.CredentialToken)

	// the token opens to the provider secret, bound to this lease
	bundle, err := auth.OpenCredentialToken(f.vault, grant.CredentialToken, grant.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", bundle.Secret)
	assert.Equal(t, "openai", bundle.Provider)

	// the raw secret never appears in the token itself
	assert.NotContains(t, grant.CredentialToken, "sk-secret")

	assert.Contains(t, f.auditKinds(), audit.KindLeaseGranted)
}

func TestHandshakeDefaultAndCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), grant.Lease.BudgetGranted)
}

func TestHandshakeClampsToCeiling(t *testing.T) {
	f := newFixture(t)

	grant, err := f.manager.Handshake(context.Background(), f.agentID, "openai", 500_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), grant.Lease.BudgetGranted)
}

func TestHandshakeUnknownProviderLeavesBudgetUntouched(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Handshake(context.Background(), f.agentID, "nonexistent", 10_000_000)
	assert.ErrorIs(t, err, ErrProviderUnknown)

	budget, err := f.ledger.Snapshot(f.agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), budget.BudgetRemaining)
}

func TestReportDebitsLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)

	remaining, err := f.manager.Report(ctx, grant.Lease.ID, models.UsageEvent{
		EventID:    "evt-1",
		CostMicros: 4_000_000,
		Tokens:     1200,
		Model:      "gpt-4",
		Provider:   "openai",
		Outcome:    models.UsageCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), remaining)

	recorded := f.recorder.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, grant.Lease.ID, recorded[0].LeaseID)
	assert.False(t, recorded[0].AuditOnly)
}

func TestReportDuplicateEventIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)

	event := models.UsageEvent{EventID: "evt-1", CostMicros: 4_000_000}
	_, err = f.manager.Report(ctx, grant.Lease.ID, event)
	require.NoError(t, err)

	remaining, err := f.manager.Report(ctx, grant.Lease.ID, event)
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)
	assert.Equal(t, int64(6_000_000), remaining)

	// the duplicate is not recorded a second time
	assert.Len(t, f.recorder.all(), 1)
}

func TestReportOverBudgetForceClosesLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 5_000_000)
	require.NoError(t, err)

	_, err = f.manager.Report(ctx, grant.Lease.ID, models.UsageEvent{
		EventID:    "evt-1",
		CostMicros: 7_000_000,
	})
	var exceeded *ledger.LeaseBudgetExceededError
	require.ErrorAs(t, err, &exceeded)

	got, err := f.ledger.Lease(grant.Lease.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())

	// the overage was never charged and the unspent grant flowed back
	budget, err := f.ledger.Snapshot(f.agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), budget.BudgetRemaining)

	assert.Contains(t, f.auditKinds(), audit.KindOverBudget)

	// the event survives as an audit-only record
	recorded := f.recorder.all()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].AuditOnly)
}

func TestReportAfterExpiryForceClosesLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)
	f.advance(16 * time.Minute)

	_, err = f.manager.Report(ctx, grant.Lease.ID, models.UsageEvent{
		EventID:    "evt-1",
		CostMicros: 1_000_000,
	})
	assert.ErrorIs(t, err, ErrLeaseExpired)

	got, err := f.ledger.Lease(grant.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeaseExpired, got.Status)

	recorded := f.recorder.all()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].AuditOnly)
}

func TestReportOnClosedLeaseIsAuditOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)
	_, err = f.manager.Return(ctx, grant.Lease.ID)
	require.NoError(t, err)

	_, err = f.manager.Report(ctx, grant.Lease.ID, models.UsageEvent{
		EventID:    "evt-late",
		CostMicros: 1_000_000,
	})
	assert.ErrorIs(t, err, ledger.ErrLeaseTerminal)

	recorded := f.recorder.all()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].AuditOnly)
	assert.Contains(t, f.auditKinds(), audit.KindLateReport)

	// the late claim never touched the budget
	budget, err := f.ledger.Snapshot(f.agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), budget.BudgetRemaining)
}

func TestRefreshExtendsAndTopsUp(t *testing.T) {
	// $50 handshake, $30 spent, refresh with a $20 top-up request
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 50_000_000)
	require.NoError(t, err)
	_, err = f.manager.Report(ctx, grant.Lease.ID, models.UsageEvent{
		EventID:    "evt-1",
		CostMicros: 30_000_000,
	})
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	refreshed, err := f.manager.Refresh(ctx, grant.Lease.ID, 20_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(70_000_000), refreshed.Lease.BudgetGranted)
	assert.Equal(t, int64(40_000_000), refreshed.Lease.Remaining())
	assert.Equal(t, f.clock.Add(15*time.Minute), refreshed.Lease.ExpiresAt)
	assert.NotEmpty(t, refreshed.CredentialToken)

	// the fresh credential is bound to the extended expiry
	bundle, err := auth.OpenCredentialToken(f.vault, refreshed.CredentialToken, grant.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, refreshed.Lease.ExpiresAt.Unix(), bundle.ExpiresAt)
}

func TestRefreshTopUpIsBestEffort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 90_000_000)
	require.NoError(t, err)
	_, err = f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)

	// nothing left in the budget; the top-up is skipped but the lease is
	// still extended
	refreshed, err := f.manager.Refresh(ctx, grant.Lease.ID, 5_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(90_000_000), refreshed.Lease.BudgetGranted)
	assert.Equal(t, f.clock.Add(15*time.Minute), refreshed.Lease.ExpiresAt)
}

func TestRefreshWithinGraceRevivesLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)

	// 30s past expiry, still inside the one-minute grace window
	f.advance(15*time.Minute + 30*time.Second)
	refreshed, err := f.manager.Refresh(ctx, grant.Lease.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Add(15*time.Minute), refreshed.Lease.ExpiresAt)
	assert.NotEmpty(t, refreshed.CredentialToken)

	got, err := f.ledger.Lease(grant.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeaseActive, got.Status)
}

func TestRefreshPastGraceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)
	f.advance(17 * time.Minute) // a minute beyond the grace window

	_, err = f.manager.Refresh(ctx, grant.Lease.ID, 0)
	assert.ErrorIs(t, err, ErrLeaseExpired)

	got, err := f.ledger.Lease(grant.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeaseExpired, got.Status)

	// once closed, a later refresh sees the terminal state
	_, err = f.manager.Refresh(ctx, grant.Lease.ID, 0)
	assert.ErrorIs(t, err, ledger.ErrLeaseTerminal)
}

func TestReturnRefundsUnspent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)
	_, err = f.manager.Report(ctx, grant.Lease.ID, models.UsageEvent{
		EventID:    "evt-1",
		CostMicros: 3_000_000,
	})
	require.NoError(t, err)

	refunded, err := f.manager.Return(ctx, grant.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7_000_000), refunded)
	assert.Contains(t, f.auditKinds(), audit.KindLeaseReleased)

	// returning again is a harmless no-op
	refunded, err = f.manager.Return(ctx, grant.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refunded)
}

func TestSweeperForceClosesExpiredLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	fresh, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)

	// the first lease is past expiry and past its refresh grace
	f.advance(7 * time.Minute)
	sweeper := NewSweeper(f.manager, time.Second)
	closed := sweeper.Sweep(ctx)
	assert.Equal(t, 1, closed)

	got, err := f.ledger.Lease(expired.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeaseExpired, got.Status)

	got, err = f.ledger.Lease(fresh.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeaseActive, got.Status)

	// the expired lease's funds flowed back to the budget
	budget, err := f.ledger.Snapshot(f.agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(90_000_000), budget.BudgetRemaining)
}

func TestSweeperLeavesGraceWindowAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.manager.Handshake(ctx, f.agentID, "openai", 10_000_000)
	require.NoError(t, err)

	f.advance(15*time.Minute + 30*time.Second)
	closed := NewSweeper(f.manager, time.Second).Sweep(ctx)
	assert.Equal(t, 0, closed)

	// the window the sweeper left open is enough for a refresh to land
	_, err = f.manager.Refresh(ctx, grant.Lease.ID, 0)
	require.NoError(t, err)
}

func TestSweeperStartStop(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.manager, 10*time.Millisecond)
	sweeper.Start()
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
}
