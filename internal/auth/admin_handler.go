package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"budget_gateway/internal/config"
	"budget_gateway/internal/models"
	"budget_gateway/internal/utils"
)

// ErrAdminTokenNotFound is returned when a service name does not resolve
// to an admin token
var ErrAdminTokenNotFound = errors.New("admin token not found")

// AdminTokenStore resolves admin service tokens for the exchange endpoint
type AdminTokenStore interface {
	GetByServiceName(ctx context.Context, serviceName string) (*models.AdminToken, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

type adminTokenRequest struct {
	ServiceName string `json:"service_name"`
	Token       string `json:"token"`
}

// AdminTokenHandler exchanges an admin service token for an admin JWT.
// The plaintext token is verified against the stored Argon2 hash; the JWT
// carries the service name as approver identity plus the stored roles.
func AdminTokenHandler(store AdminTokenStore, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req adminTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.ServiceName == "" || req.Token == "" {
			utils.RespondWithError(w, http.StatusBadRequest, "service_name and token are required")
			return
		}

		record, err := store.GetByServiceName(r.Context(), req.ServiceName)
		if err != nil {
			if errors.Is(err, ErrAdminTokenNotFound) {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid credentials")
				return
			}
			utils.RespondWithError(w, http.StatusInternalServerError, "Error validating credentials")
			return
		}

		if !record.Enabled {
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		if record.ExpiresAt != nil && time.Now().After(*record.ExpiresAt) {
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		match, err := utils.VerifyPasswordArgon2(req.Token, record.TokenHash)
		if err != nil || !match {
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		token, exp, err := GenerateAdminToken(record.ServiceName, record.Roles, cfg)
		if err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, "Error generating token")
			return
		}

		// best effort, a failed timestamp write must not block the login
		_ = store.TouchLastUsed(r.Context(), record.ID, time.Now())

		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"token": token,
			"exp":   exp,
		})
	}
}
