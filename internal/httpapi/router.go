package httpapi

import (
	"context"
	"net/http"

	"budget_gateway/internal/auth"
	"budget_gateway/internal/config"
	"budget_gateway/internal/fallback"
	"budget_gateway/internal/lease"
	"budget_gateway/internal/middleware"
	"budget_gateway/internal/ratelimit"
	"budget_gateway/internal/utils"
	"budget_gateway/internal/workflow"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Config      *config.Config
	AgentKeys   auth.AgentKeyStore
	AdminTokens auth.AdminTokenStore
	Leases      *lease.Manager
	Workflow    *workflow.Service
	Executor    *fallback.Executor
	Chain       []fallback.Tier
	RateLimit   ratelimit.Limiter

	// Health pings the backing store; nil means no store to check
	Health func(ctx context.Context) error
}

// NewRouter creates an HTTP router with all routes wired up
func NewRouter(cfg *config.Config, deps *Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	registerRoutes(mux, deps, cfg)
	return mux
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies, cfg *config.Config) {
	// Token exchanges - public, authenticated by the presented secret itself
	mux.HandleFunc("/auth/token", auth.TokenHandler(deps.AgentKeys, cfg))
	mux.HandleFunc("/admin/auth/token", auth.AdminTokenHandler(deps.AdminTokens, cfg))

	// Lease lifecycle - protected with agent IC-token middleware
	agentAuth := middleware.AgentMiddleware(cfg)
	mux.Handle("/v1/budget/handshake", agentAuth(http.HandlerFunc(deps.handleHandshake)))
	mux.Handle("/v1/budget/report", agentAuth(http.HandlerFunc(deps.handleReport)))
	mux.Handle("/v1/budget/refresh", agentAuth(http.HandlerFunc(deps.handleRefresh)))
	mux.Handle("/v1/budget/return", agentAuth(http.HandlerFunc(deps.handleReturn)))

	// Provider invocation through the fallback chain
	mux.Handle("/v1/invoke", agentAuth(http.HandlerFunc(deps.handleInvoke)))

	// Budget change workflow - protected with admin JWT middleware.
	// Viewer role is enough to get in; approve/reject additionally require
	// the admin role, checked inside the handler.
	viewerAuth := middleware.AdminMiddleware(cfg, auth.RoleViewer.String())
	mux.Handle("/v1/budget/requests", viewerAuth(http.HandlerFunc(deps.handleRequests)))
	mux.Handle("/v1/budget/requests/", viewerAuth(http.HandlerFunc(deps.handleRequestByID)))

	// Health check endpoint - public
	mux.HandleFunc("/healthz", deps.handleHealth)
}

// handleHealth reports liveness plus backing store reachability
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.Health != nil {
		if err := d.Health(r.Context()); err != nil {
			utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
