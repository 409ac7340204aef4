package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"budget_gateway/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps budget change requests in memory. Used in standalone
// deployments and tests; production uses the Postgres-backed repository.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]models.BudgetChangeRequest
}

// NewMemoryStore creates an in-memory request store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]models.BudgetChangeRequest)}
}

func (s *MemoryStore) Insert(ctx context.Context, request *models.BudgetChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[request.ID] = *request
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.BudgetChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	snapshot := request
	return &snapshot, nil
}

func (s *MemoryStore) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]models.BudgetChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.BudgetChangeRequest
	for _, request := range s.requests {
		if request.AgentID == agentID {
			out = append(out, request)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]models.BudgetChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.BudgetChangeRequest
	for _, request := range s.requests {
		if request.Status == models.RequestPending {
			out = append(out, request)
		}
	}
	sortByCreated(out)
	return out, nil
}

// Transition flips a pending request to a terminal status. The check and
// the write happen under one lock, mirroring the repository's single
// conditional UPDATE.
func (s *MemoryStore) Transition(ctx context.Context, id string, to models.RequestStatus, deciderID string, decidedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.requests[id]
	if !ok {
		return false, ErrRequestNotFound
	}
	if request.Status != models.RequestPending {
		return false, nil
	}

	request.Status = to
	request.ApproverID = &deciderID
	request.UpdatedAt = decidedAt
	s.requests[id] = request
	return true, nil
}

func sortByCreated(requests []models.BudgetChangeRequest) {
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}
