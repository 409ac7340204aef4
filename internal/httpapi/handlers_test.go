package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budget_gateway/internal/audit"
	"budget_gateway/internal/auth"
	"budget_gateway/internal/breaker"
	"budget_gateway/internal/config"
	"budget_gateway/internal/fallback"
	"budget_gateway/internal/ledger"
	"budget_gateway/internal/lease"
	"budget_gateway/internal/models"
	"budget_gateway/internal/ratelimit"
	"budget_gateway/internal/utils"
	"budget_gateway/internal/vault"
	"budget_gateway/internal/workflow"
)

type mapKeyStore map[string]string

func (m mapKeyStore) Secret(ctx context.Context, provider string) (string, error) {
	secret, ok := m[provider]
	if !ok {
		return "", lease.ErrProviderUnknown
	}
	return secret, nil
}

// stubAdminTokens serves a single admin service token record
type stubAdminTokens struct {
	record *models.AdminToken
}

func (s stubAdminTokens) GetByServiceName(ctx context.Context, serviceName string) (*models.AdminToken, error) {
	if s.record == nil || s.record.ServiceName != serviceName {
		return nil, auth.ErrAdminTokenNotFound
	}
	return s.record, nil
}

func (s stubAdminTokens) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

// denyLimiter refuses every request
type denyLimiter struct{}

func (denyLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	return false, 0, time.Now().Add(time.Minute), nil
}

type apiFixture struct {
	mux        *http.ServeMux
	deps       *Dependencies
	cfg        *config.Config
	ledger     *ledger.Ledger
	agentID    uuid.UUID
	agentToken string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := &config.Config{
		JWTSecret: []byte("test-secret-key-for-httpapi"),
		Auth: config.AuthConfig{
			IdentityTokenTTL: 15 * time.Minute,
			AdminTokenTTL:    time.Hour,
		},
		RateLimit: config.RateLimitConfig{HandshakePerMinute: 60},
	}

	keyB64, err := vault.GenerateKey(32)
	require.NoError(t, err)
	v, err := vault.NewAESVaultFromBase64(keyB64)
	require.NoError(t, err)

	lg := ledger.New(ledger.NewNoopStore(), ledger.Config{})
	agentID := uuid.New()
	_, err = lg.CreateAgent(context.Background(), agentID, 50_000_000) // $50
	require.NoError(t, err)

	manager := lease.NewManager(lg, v, mapKeyStore{"openai": "sk-secret"}, lease.NopRecorder{}, audit.NopSink{}, lease.Config{
		DefaultGrantMicros: 10_000_000,  // $10
		MaxGrantMicros:     100_000_000, // $100
		TTL:                15 * time.Minute,
		RefreshGrace:       time.Minute,
	})

	wf := workflow.NewService(workflow.NewMemoryStore(), lg, audit.NopSink{}, workflow.Config{
		MaxRequestDeltaMicros: 10_000_000_000,
	})

	adminHash, err := utils.HashPasswordArgon2("admt_fixture_secret")
	require.NoError(t, err)

	deps := &Dependencies{
		Config: cfg,
		AdminTokens: stubAdminTokens{record: &models.AdminToken{
			ID:          uuid.New(),
			ServiceName: "ops-bot",
			TokenHash:   adminHash,
			Roles:       pq.StringArray{auth.RoleAdmin.String(), auth.RoleViewer.String()},
			Enabled:     true,
		}},
		Leases:    manager,
		Workflow:  wf,
		RateLimit: ratelimit.NewNoopLimiter(),
	}

	token, _, err := auth.GenerateIdentityToken(agentID, cfg)
	require.NoError(t, err)

	return &apiFixture{
		mux:        NewRouter(cfg, deps),
		deps:       deps,
		cfg:        cfg,
		ledger:     lg,
		agentID:    agentID,
		agentToken: token,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), target))
}

func (f *apiFixture) handshake(t *testing.T, amount int64) HandshakeResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/budget/handshake", f.agentToken, HandshakeRequest{
		Provider:        "openai",
		RequestedMicros: amount,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp HandshakeResponse
	decode(t, rec, &resp)
	return resp
}

func TestHandshakeEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.handshake(t, 5_000_000)
	assert.NotEmpty(t, resp.LeaseID)
	assert.NotEmpty(t, resp.CredentialToken)
	assert.Equal(t, int64(5_000_000), resp.BudgetGranted)
}

func TestHandshakeRequiresIdentityToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/budget/handshake", "", HandshakeRequest{Provider: "openai"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandshakeUnknownProvider(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/budget/handshake", f.agentToken, HandshakeRequest{Provider: "nonesuch"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandshakeInsufficientBudget(t *testing.T) {
	f := newAPIFixture(t)

	// drain the $50 budget with a first lease
	f.handshake(t, 50_000_000)

	rec := f.do(t, http.MethodPost, "/v1/budget/handshake", f.agentToken, HandshakeRequest{
		Provider:        "openai",
		RequestedMicros: 10_000_000,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandshakeRateLimited(t *testing.T) {
	f := newAPIFixture(t)
	f.deps.RateLimit = denyLimiter{}

	rec := f.do(t, http.MethodPost, "/v1/budget/handshake", f.agentToken, HandshakeRequest{Provider: "openai"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestReportEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	grant := f.handshake(t, 10_000_000)

	report := ReportRequest{
		LeaseID:    grant.LeaseID,
		EventID:    "evt_1",
		CostMicros: 3_000_000,
		Tokens:     1200,
		Model:      "gpt-4",
		Provider:   "openai",
		Outcome:    models.UsageCompleted,
	}

	rec := f.do(t, http.MethodPost, "/v1/budget/report", f.agentToken, report)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]int64
	decode(t, rec, &resp)
	assert.Equal(t, int64(7_000_000), resp["budget_remaining_in_lease"])

	// same event again is acknowledged without a second debit
	rec = f.do(t, http.MethodPost, "/v1/budget/report", f.agentToken, report)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var dup map[string]interface{}
	decode(t, rec, &dup)
	assert.Equal(t, "already recorded", dup["status"])
}

func TestReportUnknownLease(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/budget/report", f.agentToken, ReportRequest{
		LeaseID:    "lease_" + uuid.New().String(),
		EventID:    "evt_1",
		CostMicros: 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportOverBudgetConflicts(t *testing.T) {
	f := newAPIFixture(t)
	grant := f.handshake(t, 10_000_000)

	rec := f.do(t, http.MethodPost, "/v1/budget/report", f.agentToken, ReportRequest{
		LeaseID:    grant.LeaseID,
		EventID:    "evt_big",
		CostMicros: 11_000_000,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRefreshEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	grant := f.handshake(t, 10_000_000)

	rec := f.do(t, http.MethodPost, "/v1/budget/refresh", f.agentToken, RefreshRequest{
		LeaseID:     grant.LeaseID,
		TopUpMicros: 5_000_000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, float64(15_000_000), resp["budget_granted"])
	assert.NotEmpty(t, resp["credential_token"])
}

func TestReturnEndpointIsIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	grant := f.handshake(t, 10_000_000)

	rec := f.do(t, http.MethodPost, "/v1/budget/return", f.agentToken, ReturnRequest{LeaseID: grant.LeaseID})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int64
	decode(t, rec, &resp)
	assert.Equal(t, int64(10_000_000), resp["returned_amount"])

	rec = f.do(t, http.MethodPost, "/v1/budget/return", f.agentToken, ReturnRequest{LeaseID: grant.LeaseID})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, int64(0), resp["returned_amount"])
}

func TestWorkflowEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	requesterToken, _, err := auth.GenerateAdminToken("alice", []string{auth.RoleAdmin.String()}, f.cfg)
	require.NoError(t, err)
	approverToken, _, err := auth.GenerateAdminToken("bob", []string{auth.RoleAdmin.String()}, f.cfg)
	require.NoError(t, err)
	viewerToken, _, err := auth.GenerateAdminToken("carol", []string{auth.RoleViewer.String()}, f.cfg)
	require.NoError(t, err)

	create := CreateRequestPayload{
		AgentID:        f.agentID.String(),
		RequestedDelta: 25_000_000,
		Justification:  "pilot workload needs a larger ceiling",
	}

	rec := f.do(t, http.MethodPost, "/v1/budget/requests", requesterToken, create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.BudgetChangeRequest
	decode(t, rec, &created)
	assert.Equal(t, models.RequestPending, created.Status)

	// viewers can read but not approve
	rec = f.do(t, http.MethodGet, "/v1/budget/requests/"+created.ID, viewerToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/budget/requests/%s/approve", created.ID), viewerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// requesters cannot approve their own request
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/budget/requests/%s/approve", created.ID), requesterToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/budget/requests/%s/approve", created.ID), approverToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved models.BudgetChangeRequest
	decode(t, rec, &approved)
	assert.Equal(t, models.RequestApproved, approved.Status)

	snap, err := f.ledger.Snapshot(f.agentID)
	require.NoError(t, err)
	assert.Equal(t, models.Micros(75_000_000), snap.TotalAllocated)

	// second decision on the same request conflicts
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/budget/requests/%s/approve", created.ID), approverToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminTokenExchangeOpensWorkflow(t *testing.T) {
	f := newAPIFixture(t)

	// a bad secret never yields a JWT
	rec := f.do(t, http.MethodPost, "/admin/auth/token", "", map[string]string{
		"service_name": "ops-bot",
		"token":        "admt_wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/auth/token", "", map[string]string{
		"service_name": "ops-bot",
		"token":        "admt_fixture_secret",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var exchange struct {
		Token string `json:"token"`
	}
	decode(t, rec, &exchange)

	// the exchanged JWT carries the stored roles into the workflow routes
	rec = f.do(t, http.MethodPost, "/v1/budget/requests", exchange.Token, CreateRequestPayload{
		AgentID:        f.agentID.String(),
		RequestedDelta: 2_000_000,
		Justification:  "follow-up capacity for the ops service account",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.BudgetChangeRequest
	decode(t, rec, &created)
	assert.Equal(t, "ops-bot", created.RequesterID)
}

func TestWorkflowCancelOnlyByRequester(t *testing.T) {
	f := newAPIFixture(t)

	requesterToken, _, err := auth.GenerateAdminToken("alice", []string{auth.RoleAdmin.String()}, f.cfg)
	require.NoError(t, err)
	otherToken, _, err := auth.GenerateAdminToken("bob", []string{auth.RoleAdmin.String()}, f.cfg)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/budget/requests", requesterToken, CreateRequestPayload{
		AgentID:        f.agentID.String(),
		RequestedDelta: 1_000_000,
		Justification:  "small bump for a weekend experiment",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.BudgetChangeRequest
	decode(t, rec, &created)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/budget/requests/%s/cancel", created.ID), otherToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/budget/requests/%s/cancel", created.ID), requesterToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkflowRejectsOversizedDelta(t *testing.T) {
	f := newAPIFixture(t)

	token, _, err := auth.GenerateAdminToken("alice", []string{auth.RoleAdmin.String()}, f.cfg)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/budget/requests", token, CreateRequestPayload{
		AgentID:        f.agentID.String(),
		RequestedDelta: 50_000_000_000, // $50,000, above the $10,000 cap
		Justification:  "very large increase for a new deployment",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// chainInvoker scripts per-tier outcomes for invoke tests
type chainInvoker struct {
	responses map[string]*fallback.Response
	errs      map[string]error
}

func (c *chainInvoker) Invoke(ctx context.Context, tier fallback.Tier, req *fallback.Request) (*fallback.Response, error) {
	if err, ok := c.errs[tier.Name]; ok {
		return nil, err
	}
	if resp, ok := c.responses[tier.Name]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("provider returned status 500")
}

func TestInvokeEndpointReportsUsage(t *testing.T) {
	f := newAPIFixture(t)
	grant := f.handshake(t, 10_000_000)

	invoker := &chainInvoker{
		responses: map[string]*fallback.Response{
			"secondary": {
				Provider:   "openai",
				Model:      "gpt-4o-mini",
				Body:       json.RawMessage(`{"ok":true}`),
				CostMicros: 2_000_000,
				Tokens:     800,
			},
		},
		errs: map[string]error{
			"primary": fmt.Errorf("provider returned status 503"),
		},
	}
	registry := breaker.NewRegistry(breaker.DefaultSettings())
	f.deps.Executor = fallback.NewExecutor(invoker, registry, fallback.Config{DefaultTimeout: time.Second})
	f.deps.Chain = []fallback.Tier{
		{Name: "primary", Provider: "openai", Model: "gpt-4", Priority: 0, Timeout: time.Second},
		{Name: "secondary", Provider: "openai", Model: "gpt-4o-mini", Priority: 1, Timeout: time.Second},
	}

	rec := f.do(t, http.MethodPost, "/v1/invoke", f.agentToken, InvokeRequest{
		LeaseID:         grant.LeaseID,
		CredentialToken: grant.CredentialToken,
		Model:           "gpt-4",
		Payload:         json.RawMessage(`{"messages":[]}`),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp InvokeResponse
	decode(t, rec, &resp)
	assert.Equal(t, "secondary", resp.Tier)
	assert.Equal(t, int64(8_000_000), resp.BudgetRemaining)
}

func TestInvokeWithoutChainIsUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	grant := f.handshake(t, 10_000_000)

	rec := f.do(t, http.MethodPost, "/v1/invoke", f.agentToken, InvokeRequest{
		LeaseID:         grant.LeaseID,
		CredentialToken: grant.CredentialToken,
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.deps.Health = func(ctx context.Context) error { return fmt.Errorf("connection refused") }
	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
