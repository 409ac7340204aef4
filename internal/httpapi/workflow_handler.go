package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"budget_gateway/internal/auth"
	"budget_gateway/internal/ledger"
	"budget_gateway/internal/middleware"
	"budget_gateway/internal/models"
	"budget_gateway/internal/utils"
	"budget_gateway/internal/workflow"
)

// CreateRequestPayload asks for a budget ceiling change on an agent
type CreateRequestPayload struct {
	AgentID        string `json:"agent_id"`
	RequestedDelta int64  `json:"requested_delta"`
	Justification  string `json:"justification"`
}

// handleRequests serves the collection endpoint: create and list
func (d *Dependencies) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		d.createRequest(w, r)
	case http.MethodGet:
		d.listRequests(w, r)
	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (d *Dependencies) createRequest(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := middleware.GetApproverID(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing principal identity")
		return
	}

	var payload CreateRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	agentID, err := uuid.Parse(payload.AgentID)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid agent_id")
		return
	}

	req, err := d.Workflow.Create(r.Context(), agentID, requesterID, payload.RequestedDelta, payload.Justification)
	if err != nil {
		respondWorkflowError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusCreated, req)
}

func (d *Dependencies) listRequests(w http.ResponseWriter, r *http.Request) {
	if agentParam := r.URL.Query().Get("agent_id"); agentParam != "" {
		agentID, err := uuid.Parse(agentParam)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid agent_id")
			return
		}
		requests, err := d.Workflow.ListByAgent(r.Context(), agentID)
		if err != nil {
			respondWorkflowError(w, err)
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
		return
	}

	requests, err := d.Workflow.ListPending(r.Context())
	if err != nil {
		respondWorkflowError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// handleRequestByID serves /v1/budget/requests/{id} and the transition
// endpoints /v1/budget/requests/{id}/{approve|reject|cancel}
func (d *Dependencies) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/budget/requests/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		d.getRequest(w, r, parts[0])

	case len(parts) == 2:
		if r.Method != http.MethodPost {
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		d.transitionRequest(w, r, parts[0], parts[1])

	default:
		utils.RespondWithError(w, http.StatusNotFound, "Not found")
	}
}

func (d *Dependencies) getRequest(w http.ResponseWriter, r *http.Request, id string) {
	req, err := d.Workflow.Get(r.Context(), id)
	if err != nil {
		respondWorkflowError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, req)
}

func (d *Dependencies) transitionRequest(w http.ResponseWriter, r *http.Request, id, action string) {
	principalID, ok := middleware.GetApproverID(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing principal identity")
		return
	}

	var (
		req *models.BudgetChangeRequest
		err error
	)
	switch action {
	case "approve":
		if !middleware.HasRole(r.Context(), auth.RoleAdmin.String()) {
			utils.RespondWithError(w, http.StatusForbidden, "Approval requires the admin role")
			return
		}
		req, err = d.Workflow.Approve(r.Context(), id, principalID)
	case "reject":
		if !middleware.HasRole(r.Context(), auth.RoleAdmin.String()) {
			utils.RespondWithError(w, http.StatusForbidden, "Rejection requires the admin role")
			return
		}
		req, err = d.Workflow.Reject(r.Context(), id, principalID)
	case "cancel":
		req, err = d.Workflow.Cancel(r.Context(), id, principalID)
	default:
		utils.RespondWithError(w, http.StatusNotFound, "Unknown action")
		return
	}

	if err != nil {
		respondWorkflowError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, req)
}

// respondWorkflowError maps workflow errors onto HTTP statuses. A lost
// approval race and a decided request both surface as 409.
func respondWorkflowError(w http.ResponseWriter, err error) {
	var validation *models.ValidationError

	switch {
	case errors.As(err, &validation):
		utils.RespondWithError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, workflow.ErrRequestNotFound), errors.Is(err, ledger.ErrAgentNotFound):
		utils.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrAlreadyDecided):
		utils.RespondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrSelfApproval), errors.Is(err, workflow.ErrNotRequester):
		utils.RespondWithError(w, http.StatusForbidden, err.Error())
	default:
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal error")
	}
}
