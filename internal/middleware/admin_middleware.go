package middleware

import (
	"context"
	"net/http"

	"budget_gateway/internal/auth"
	"budget_gateway/internal/config"
	"budget_gateway/internal/utils"
)

// Context keys for admin authentication data
const (
	AdminClaimsKey ContextKey = "adminClaims"
	ApproverIDKey  ContextKey = "approverID"
	AdminRolesKey  ContextKey = "adminRoles"
)

// AdminMiddleware validates admin JWT tokens for workflow routes and
// enforces role-based access. Handlers take approver identity from the
// validated token, never from request payloads.
func AdminMiddleware(cfg *config.Config, requiredRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			claims, err := auth.ValidateAdminToken(tokenString, cfg)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			if len(requiredRoles) > 0 {
				hasPermission := false
				for _, requiredRoleStr := range requiredRoles {
					requiredRole := auth.Role(requiredRoleStr)
					for _, userRoleStr := range claims.Roles {
						if auth.Role(userRoleStr).HasPermission(requiredRole) {
							hasPermission = true
							break
						}
					}
					if hasPermission {
						break
					}
				}
				if !hasPermission {
					utils.RespondWithError(w, http.StatusForbidden, "Insufficient permissions")
					return
				}
			}

			ctx := context.WithValue(r.Context(), AdminClaimsKey, claims)
			ctx = context.WithValue(ctx, ApproverIDKey, claims.ApproverID)
			ctx = context.WithValue(ctx, AdminRolesKey, claims.Roles)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdminClaims retrieves the admin claims from the request context
func GetAdminClaims(ctx context.Context) (*auth.AdminClaims, bool) {
	claims, ok := ctx.Value(AdminClaimsKey).(*auth.AdminClaims)
	return claims, ok
}

// GetApproverID retrieves the authenticated approver ID from the request context
func GetApproverID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ApproverIDKey).(string)
	return id, ok
}

// GetAdminRoles retrieves the admin roles from the request context
func GetAdminRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(AdminRolesKey).([]string)
	return roles, ok
}

// HasRole checks if the admin has a specific role
func HasRole(ctx context.Context, role string) bool {
	roles, ok := GetAdminRoles(ctx)
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
