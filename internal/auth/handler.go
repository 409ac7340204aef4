package auth

import (
	"errors"
	"net/http"

	"budget_gateway/internal/config"
	"budget_gateway/internal/utils"
)

// TokenHandler exchanges an agent API key for an IC token.
// Requires an AgentKeyStore to be injected.
func TokenHandler(store AgentKeyStore, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			utils.RespondWithError(w, http.StatusBadRequest, "API key is required")
			return
		}

		agent, err := store.Lookup(r.Context(), apiKey)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			utils.RespondWithError(w, http.StatusInternalServerError, "Error validating API key")
			return
		}

		if !agent.Enabled || agent.ArchivedAt != nil {
			utils.RespondWithError(w, http.StatusUnauthorized, "Agent is disabled")
			return
		}

		token, exp, err := GenerateIdentityToken(agent.ID, cfg)
		if err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, "Error generating token")
			return
		}

		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"token": token,
			"exp":   exp,
		})
	}
}
