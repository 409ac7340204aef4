package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"budget_gateway/internal/auth"
	"budget_gateway/internal/config"
	"budget_gateway/internal/utils"

	"github.com/google/uuid"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// AgentClaimsKey is the context key for the authenticated agent's IC token claims
	AgentClaimsKey ContextKey = "agentClaims"

	// AgentIDKey is the context key for the authenticated agent's ID
	AgentIDKey ContextKey = "agentID"
)

// AgentMiddleware validates agent IC tokens for lease routes and puts the
// agent identity into the request context. The IC token is the only agent
// credential these routes accept; raw API keys stop at the token exchange.
func AgentMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing identity token")
				return
			}

			claims, err := auth.ValidateIdentityToken(tokenString, cfg)
			if err != nil {
				if errors.Is(err, auth.ErrTokenExpired) {
					utils.RespondWithError(w, http.StatusUnauthorized, "Identity token expired")
					return
				}
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid identity token")
				return
			}

			ctx := context.WithValue(r.Context(), AgentClaimsKey, claims)
			ctx = context.WithValue(ctx, AgentIDKey, claims.AgentID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAgentClaims retrieves the agent IC token claims from the request context
func GetAgentClaims(ctx context.Context) (*auth.IdentityClaims, bool) {
	claims, ok := ctx.Value(AgentClaimsKey).(*auth.IdentityClaims)
	return claims, ok
}

// GetAgentID retrieves the authenticated agent ID from the request context
func GetAgentID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(AgentIDKey).(uuid.UUID)
	return id, ok
}

// bearerToken extracts a bearer token from the Authorization header
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}
