package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budget_gateway/internal/models"
	"budget_gateway/internal/utils"
)

// fakeAdminTokenStore serves one token record by service name
type fakeAdminTokenStore struct {
	record  *models.AdminToken
	touched int
}

func (s *fakeAdminTokenStore) GetByServiceName(ctx context.Context, serviceName string) (*models.AdminToken, error) {
	if s.record == nil || s.record.ServiceName != serviceName {
		return nil, ErrAdminTokenNotFound
	}
	return s.record, nil
}

func (s *fakeAdminTokenStore) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.touched++
	return nil
}

func adminStoreWithToken(t *testing.T, secret string, enabled bool, expiresAt *time.Time) *fakeAdminTokenStore {
	t.Helper()
	hash, err := utils.HashPasswordArgon2(secret)
	require.NoError(t, err)
	return &fakeAdminTokenStore{record: &models.AdminToken{
		ID:          uuid.New(),
		ServiceName: "ops-bot",
		TokenHash:   hash,
		Roles:       pq.StringArray{"admin", "viewer"},
		Enabled:     enabled,
		ExpiresAt:   expiresAt,
	}}
}

func exchangeAdminToken(t *testing.T, store AdminTokenStore, serviceName, token string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"service_name": serviceName, "token": token})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/admin/auth/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	AdminTokenHandler(store, testConfig())(rec, req)
	return rec
}

func TestAdminTokenExchange(t *testing.T) {
	store := adminStoreWithToken(t, "admt_super_secret", true, nil)

	rec := exchangeAdminToken(t, store, "ops-bot", "admt_super_secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
		Exp   int64  `json:"exp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.Exp, time.Now().Unix())

	claims, err := ValidateAdminToken(resp.Token, testConfig())
	require.NoError(t, err)
	assert.Equal(t, "ops-bot", claims.ApproverID)
	assert.Equal(t, []string{"admin", "viewer"}, claims.Roles)
	assert.Equal(t, 1, store.touched)
}

func TestAdminTokenExchangeWrongSecret(t *testing.T) {
	store := adminStoreWithToken(t, "admt_super_secret", true, nil)

	rec := exchangeAdminToken(t, store, "ops-bot", "admt_wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, store.touched)
}

func TestAdminTokenExchangeUnknownService(t *testing.T) {
	store := adminStoreWithToken(t, "admt_super_secret", true, nil)

	rec := exchangeAdminToken(t, store, "nobody", "admt_super_secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminTokenExchangeDisabledToken(t *testing.T) {
	store := adminStoreWithToken(t, "admt_super_secret", false, nil)

	rec := exchangeAdminToken(t, store, "ops-bot", "admt_super_secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminTokenExchangeExpiredToken(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := adminStoreWithToken(t, "admt_super_secret", true, &past)

	rec := exchangeAdminToken(t, store, "ops-bot", "admt_super_secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminTokenExchangeRejectsMissingFields(t *testing.T) {
	store := adminStoreWithToken(t, "admt_super_secret", true, nil)

	rec := exchangeAdminToken(t, store, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
