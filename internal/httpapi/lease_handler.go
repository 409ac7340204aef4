package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"budget_gateway/internal/lease"
	"budget_gateway/internal/ledger"
	"budget_gateway/internal/middleware"
	"budget_gateway/internal/models"
	"budget_gateway/internal/utils"
)

// HandshakeRequest asks for a budget lease against a provider
type HandshakeRequest struct {
	Provider        string `json:"provider"`
	RequestedMicros int64  `json:"requested_amount"`
}

// HandshakeResponse carries the lease and its sealed credential token.
// The credential token is opaque to the agent; it is opened only at the
// provider boundary.
type HandshakeResponse struct {
	LeaseID         string `json:"lease_id"`
	BudgetGranted   int64  `json:"budget_granted"`
	ExpiresAt       string `json:"expires_at"`
	CredentialToken string `json:"credential_token"`
}

// ReportRequest reports one upstream call's cost against a lease
type ReportRequest struct {
	LeaseID    string              `json:"lease_id"`
	EventID    string              `json:"event_id"`
	CostMicros int64               `json:"cost_micros"`
	Tokens     int64               `json:"tokens"`
	Model      string              `json:"model"`
	Provider   string              `json:"provider"`
	Outcome    models.UsageOutcome `json:"outcome"`
}

// RefreshRequest extends a lease and optionally asks for more funds
type RefreshRequest struct {
	LeaseID     string `json:"lease_id"`
	TopUpMicros int64  `json:"top_up_amount"`
}

// ReturnRequest closes a lease early
type ReturnRequest struct {
	LeaseID string `json:"lease_id"`
}

// handleHandshake opens a budget lease for the authenticated agent
func (d *Dependencies) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	agentID, ok := middleware.GetAgentID(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing agent identity")
		return
	}

	var req HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Provider == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Provider is required")
		return
	}

	if d.RateLimit != nil {
		limit := d.Config.RateLimit.HandshakePerMinute
		allowed, _, resetAt, err := d.RateLimit.AllowWithDetails(r.Context(), "handshake:"+agentID.String(), limit)
		if err == nil && !allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetAt).Seconds())+1, 10))
			utils.RespondWithError(w, http.StatusTooManyRequests, "Handshake rate limit exceeded")
			return
		}
		// a rate limiter outage never blocks handshakes
	}

	grant, err := d.Leases.Handshake(r.Context(), agentID, req.Provider, req.RequestedMicros)
	if err != nil {
		respondLeaseError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusCreated, HandshakeResponse{
		LeaseID:         grant.Lease.ID,
		BudgetGranted:   grant.Lease.BudgetGranted,
		ExpiresAt:       grant.Lease.ExpiresAt.Format(time.RFC3339),
		CredentialToken: grant.CredentialToken,
	})
}

// handleReport applies a usage report to a lease
func (d *Dependencies) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	event := models.UsageEvent{
		EventID:    req.EventID,
		CostMicros: req.CostMicros,
		Tokens:     req.Tokens,
		Model:      req.Model,
		Provider:   req.Provider,
		Outcome:    req.Outcome,
	}

	remaining, err := d.Leases.Report(r.Context(), req.LeaseID, event)
	switch {
	case err == nil:
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"budget_remaining_in_lease": remaining,
		})

	case errors.Is(err, ledger.ErrDuplicateEvent):
		utils.RespondWithJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":                    "already recorded",
			"budget_remaining_in_lease": remaining,
		})

	default:
		respondLeaseError(w, err)
	}
}

// handleRefresh extends a lease and mints a fresh credential token
func (d *Dependencies) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	grant, err := d.Leases.Refresh(r.Context(), req.LeaseID, req.TopUpMicros)
	if err != nil {
		respondLeaseError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"lease_id":         grant.Lease.ID,
		"new_expires_at":   grant.Lease.ExpiresAt.Format(time.RFC3339),
		"budget_granted":   grant.Lease.BudgetGranted,
		"credential_token": grant.CredentialToken,
	})
}

// handleReturn closes a lease and refunds unspent funds
func (d *Dependencies) handleReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	refunded, err := d.Leases.Return(r.Context(), req.LeaseID)
	if err != nil {
		respondLeaseError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"returned_amount": refunded,
	})
}

// respondLeaseError maps lease and ledger errors onto HTTP statuses.
// Financial rejections are always reported, never clamped; contention is
// surfaced distinctly so callers know a retry may succeed.
func respondLeaseError(w http.ResponseWriter, err error) {
	var validation *models.ValidationError
	var insufficient *ledger.InsufficientBudgetError
	var exceeded *ledger.LeaseBudgetExceededError

	switch {
	case errors.As(err, &validation):
		utils.RespondWithError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, ledger.ErrAgentNotFound), errors.Is(err, ledger.ErrLeaseNotFound),
		errors.Is(err, lease.ErrProviderUnknown):
		utils.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &insufficient), errors.Is(err, ledger.ErrAgentArchived):
		utils.RespondWithError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &exceeded), errors.Is(err, ledger.ErrLeaseTerminal):
		utils.RespondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lease.ErrLeaseExpired):
		utils.RespondWithError(w, http.StatusGone, err.Error())
	case errors.Is(err, ledger.ErrContention):
		utils.RespondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal error")
	}
}
