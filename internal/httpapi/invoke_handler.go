package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"budget_gateway/internal/fallback"
	"budget_gateway/internal/models"
	"budget_gateway/internal/utils"
)

// InvokeRequest runs a provider task through the fallback chain on behalf
// of a lease. EventID is optional; supplying one makes retries of the same
// invocation idempotent, otherwise a fresh one is generated.
type InvokeRequest struct {
	LeaseID         string          `json:"lease_id"`
	CredentialToken string          `json:"credential_token"`
	Model           string          `json:"model"`
	EventID         string          `json:"event_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// InvokeResponse is the winning tier's result plus the lease accounting
type InvokeResponse struct {
	Tier            string          `json:"tier"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	Degraded        bool            `json:"degraded"`
	Body            json.RawMessage `json:"body"`
	CostMicros      int64           `json:"cost_micros"`
	BudgetRemaining int64           `json:"budget_remaining_in_lease"`
}

// handleInvoke executes the configured fallback chain and reports the
// winning tier's cost against the lease
func (d *Dependencies) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if d.Executor == nil || len(d.Chain) == 0 {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "No fallback chain configured")
		return
	}

	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.LeaseID == "" || req.CredentialToken == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "lease_id and credential_token are required")
		return
	}

	resp, err := d.Executor.Execute(r.Context(), d.Chain, &fallback.Request{
		LeaseID:         req.LeaseID,
		CredentialToken: req.CredentialToken,
		Model:           req.Model,
		Payload:         req.Payload,
	})
	if err != nil {
		var exhausted *fallback.AllTiersFailedError
		if errors.As(err, &exhausted) {
			utils.RespondWithError(w, http.StatusBadGateway, exhausted.Error())
			return
		}
		utils.RespondWithError(w, http.StatusBadGateway, fmt.Sprintf("provider call failed: %v", err))
		return
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = "evt_" + uuid.New().String()
	}

	remaining, err := d.Leases.Report(r.Context(), req.LeaseID, models.UsageEvent{
		EventID:    eventID,
		CostMicros: resp.CostMicros,
		Tokens:     int64(resp.Tokens),
		Model:      resp.Model,
		Provider:   resp.Provider,
		Outcome:    models.UsageCompleted,
	})
	if err != nil {
		respondLeaseError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, InvokeResponse{
		Tier:            resp.Tier,
		Provider:        resp.Provider,
		Model:           resp.Model,
		Degraded:        resp.Degraded,
		Body:            resp.Body,
		CostMicros:      resp.CostMicros,
		BudgetRemaining: remaining,
	})
}
