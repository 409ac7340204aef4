// Package workflow implements the budget change approval flow. Raising an
// agent's spending ceiling takes two people: a requester files a justified
// request and a different principal approves it. Approval is a one-shot
// compare-and-set, so two admins racing to decide the same request produce
// exactly one decision.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"budget_gateway/internal/audit"
	"budget_gateway/internal/ledger"
	"budget_gateway/internal/models"
	"budget_gateway/internal/utils"

	"github.com/google/uuid"
)

var (
	// ErrRequestNotFound is returned for unknown request IDs
	ErrRequestNotFound = errors.New("budget change request not found")

	// ErrAlreadyDecided is returned when a transition loses the CAS race or
	// targets a request that is no longer pending
	ErrAlreadyDecided = errors.New("budget change request already decided")

	// ErrSelfApproval is returned when a requester tries to approve their own request
	ErrSelfApproval = errors.New("requester cannot approve their own request")

	// ErrNotRequester is returned when someone other than the requester cancels
	ErrNotRequester = errors.New("only the requester can cancel a request")
)

// Store persists budget change requests. Transition must be atomic: it
// succeeds only if the request is still pending, and reports whether this
// caller won the decision.
type Store interface {
	Insert(ctx context.Context, request *models.BudgetChangeRequest) error
	Get(ctx context.Context, id string) (*models.BudgetChangeRequest, error)
	ListByAgent(ctx context.Context, agentID uuid.UUID) ([]models.BudgetChangeRequest, error)
	ListPending(ctx context.Context) ([]models.BudgetChangeRequest, error)
	Transition(ctx context.Context, id string, to models.RequestStatus, deciderID string, decidedAt time.Time) (bool, error)
}

// Config holds workflow settings
type Config struct {
	MaxRequestDeltaMicros models.Micros
}

// Service drives budget change requests from creation to decision
type Service struct {
	store  Store
	ledger *ledger.Ledger
	sink   audit.Sink
	cfg    Config
	nowFn  func() time.Time
	logger *utils.Logger
}

// NewService creates a workflow service
func NewService(store Store, lg *ledger.Ledger, sink audit.Sink, cfg Config) *Service {
	if cfg.MaxRequestDeltaMicros <= 0 {
		cfg.MaxRequestDeltaMicros = 10_000_000_000 // $10,000
	}
	return &Service{
		store:  store,
		ledger: lg,
		sink:   sink,
		cfg:    cfg,
		nowFn:  time.Now,
		logger: utils.NewLogger("workflow"),
	}
}

// SetNowFunc overrides the clock. Test hook.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.nowFn = now
}

// Create files a new pending request. The per-request delta cap is checked
// here so oversized requests never sit pending.
func (s *Service) Create(ctx context.Context, agentID uuid.UUID, requesterID string, delta models.Micros, justification string) (*models.BudgetChangeRequest, error) {
	now := s.nowFn()
	request := &models.BudgetChangeRequest{
		ID:             models.NewRequestID(),
		AgentID:        agentID,
		RequesterID:    requesterID,
		RequestedDelta: delta,
		Justification:  justification,
		Status:         models.RequestPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := request.ValidateNew(s.cfg.MaxRequestDeltaMicros); err != nil {
		return nil, err
	}

	// the target agent must exist before a request can be filed against it
	if _, err := s.ledger.Snapshot(agentID); err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to store budget change request: %w", err)
	}

	s.sink.Emit(ctx, audit.NewEvent(audit.KindRequestCreated, audit.SeverityInfo).
		WithAgent(agentID).
		WithDetail("request_id", request.ID).
		WithDetail("requester_id", requesterID).
		WithDetail("delta_micros", strconv.FormatInt(delta, 10)))

	return request, nil
}

// Approve decides a pending request and applies its delta to the ledger.
// The approver must differ from the requester. The status flip is a CAS on
// the pending state: of two racing approvals exactly one wins, the loser
// gets ErrAlreadyDecided, and the delta is applied exactly once.
func (s *Service) Approve(ctx context.Context, id, approverID string) (*models.BudgetChangeRequest, error) {
	request, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.Status.IsTerminal() {
		return nil, ErrAlreadyDecided
	}
	if request.RequesterID == approverID {
		return nil, ErrSelfApproval
	}

	now := s.nowFn()
	won, err := s.store.Transition(ctx, id, models.RequestApproved, approverID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyDecided
	}

	if _, err := s.ledger.ApplyDelta(ctx, request.AgentID, request.RequestedDelta); err != nil {
		// the decision is recorded but the ledger refused the delta; this
		// needs an operator, not a silent retry
		s.logger.Error("Approved delta could not be applied", "request_id", id, "error", err)
		s.sink.Emit(ctx, audit.NewEvent(audit.KindRequestApproved, audit.SeverityCritical).
			WithAgent(request.AgentID).
			WithDetail("request_id", id).
			WithDetail("error", err.Error()))
		return nil, fmt.Errorf("request approved but delta not applied: %w", err)
	}

	s.sink.Emit(ctx, audit.NewEvent(audit.KindRequestApproved, audit.SeverityInfo).
		WithAgent(request.AgentID).
		WithDetail("request_id", id).
		WithDetail("approver_id", approverID).
		WithDetail("delta_micros", strconv.FormatInt(request.RequestedDelta, 10)))

	return s.store.Get(ctx, id)
}

// Reject decides a pending request without touching the ledger
func (s *Service) Reject(ctx context.Context, id, approverID string) (*models.BudgetChangeRequest, error) {
	request, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.Status.IsTerminal() {
		return nil, ErrAlreadyDecided
	}

	won, err := s.store.Transition(ctx, id, models.RequestRejected, approverID, s.nowFn())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyDecided
	}

	s.sink.Emit(ctx, audit.NewEvent(audit.KindRequestRejected, audit.SeverityInfo).
		WithAgent(request.AgentID).
		WithDetail("request_id", id).
		WithDetail("approver_id", approverID))

	return s.store.Get(ctx, id)
}

// Cancel withdraws a pending request. Only its requester may cancel.
func (s *Service) Cancel(ctx context.Context, id, requesterID string) (*models.BudgetChangeRequest, error) {
	request, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.Status.IsTerminal() {
		return nil, ErrAlreadyDecided
	}
	if request.RequesterID != requesterID {
		return nil, ErrNotRequester
	}

	won, err := s.store.Transition(ctx, id, models.RequestCancelled, requesterID, s.nowFn())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyDecided
	}

	s.sink.Emit(ctx, audit.NewEvent(audit.KindRequestCancelled, audit.SeverityInfo).
		WithAgent(request.AgentID).
		WithDetail("request_id", id).
		WithDetail("requester_id", requesterID))

	return s.store.Get(ctx, id)
}

// Get returns one request by ID
func (s *Service) Get(ctx context.Context, id string) (*models.BudgetChangeRequest, error) {
	return s.store.Get(ctx, id)
}

// ListByAgent returns every request filed against an agent
func (s *Service) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]models.BudgetChangeRequest, error) {
	return s.store.ListByAgent(ctx, agentID)
}

// ListPending returns the approval queue
func (s *Service) ListPending(ctx context.Context) ([]models.BudgetChangeRequest, error) {
	return s.store.ListPending(ctx)
}
