package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudegate/internal/config"
	"claudegate/internal/limits"
	"claudegate/internal/observability"
	"claudegate/internal/pricing"
	"claudegate/internal/proxy"
	"claudegate/internal/rewrite"
	"claudegate/internal/store"
)

type testServer struct {
	server *Server
	store  *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.Config{
		SecretKey:         "test-secret",
		AdminUsername:     "admin",
		AdminPassword:     "hunter2",
		ServerHost:        "127.0.0.1",
		ServerPort:        8000,
		DefaultRateLimit:  1000,
		DefaultQuotaLimit: 100000,
		UpstreamTimeout:   5 * time.Second,
	}
	engine := limits.New(s, nil)
	rewriter := rewrite.New(false, nil, nil)
	metrics := &observability.MetricsCollector{}
	proxyHandler := proxy.New(s, engine, rewriter, pricing.Default, metrics, nil, cfg.UpstreamTimeout)

	return &testServer{
		server: New(cfg, s, engine, rewriter, proxyHandler, metrics, nil),
		store:  s,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	form := url.Values{"username": {"admin"}, "password": {"hunter2"}}
	req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "bearer", resp.TokenType)
	return resp.AccessToken
}

func TestHealthAndRoot(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = ts.do(t, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "claudegate")
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)

	form := url.Values{"username": {"admin"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Incorrect username or password")
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/admin/api-keys", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/admin/api-keys", "", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	rec := ts.do(t, http.MethodPost, "/admin/api-keys", `{"name":"team-a","cost_limit":2.5}`, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var created struct {
		ID         string  `json:"id"`
		Key        string  `json:"key"`
		RateLimit  int64   `json:"rate_limit"`
		QuotaLimit int64   `json:"quota_limit"`
		CostLimit  float64 `json:"cost_limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Key, "ck-"))
	// Omitted limits fall back to the configured defaults.
	assert.Equal(t, int64(1000), created.RateLimit)
	assert.Equal(t, int64(100000), created.QuotaLimit)
	assert.Equal(t, 2.5, created.CostLimit)

	// The list view never exposes plaintext.
	rec = ts.do(t, http.MethodGet, "/admin/api-keys", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Key)

	rec = ts.do(t, http.MethodPut, "/admin/api-keys/"+created.ID, `{"rate_limit":5}`, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rate_limit":5`)

	rec = ts.do(t, http.MethodPost, "/admin/api-keys/"+created.ID+"/regenerate", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var regenerated struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &regenerated))
	assert.NotEqual(t, created.Key, regenerated.Key)

	rec = ts.do(t, http.MethodDelete, "/admin/api-keys/"+created.ID, "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deactivated")

	rec = ts.do(t, http.MethodPut, "/admin/api-keys/missing", `{"rate_limit":5}`, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLimitStatusEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)
	ctx := context.Background()

	key, err := ts.store.CreateAPIKey(ctx, "status", 10, 0, 5.0, 0)
	require.NoError(t, err)
	_, err = ts.store.InsertUsage(ctx, store.UsageRecord{APIKeyID: key.ID, Endpoint: "messages", Method: "POST", Cost: 1.25})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/admin/api-keys/"+key.ID+"/rate-limit-status", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var rate struct {
		RateLimit    int64 `json:"rate_limit"`
		CurrentUsage int64 `json:"current_usage"`
		Remaining    int64 `json:"remaining"`
		IsLimited    bool  `json:"is_limited"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rate))
	assert.Equal(t, int64(10), rate.RateLimit)
	assert.Equal(t, int64(1), rate.CurrentUsage)
	assert.Equal(t, int64(9), rate.Remaining)
	assert.True(t, rate.IsLimited)

	rec = ts.do(t, http.MethodGet, "/admin/api-keys/"+key.ID+"/cost-limit-status", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var cost struct {
		CostLimit     float64 `json:"cost_limit"`
		CurrentCost   float64 `json:"current_cost"`
		RemainingCost float64 `json:"remaining_cost"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cost))
	assert.Equal(t, 5.0, cost.CostLimit)
	assert.InDelta(t, 1.25, cost.CurrentCost, 1e-9)
	assert.InDelta(t, 3.75, cost.RemainingCost, 1e-9)

	rec = ts.do(t, http.MethodGet, "/admin/api-keys/"+key.ID+"/daily-quota-status", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var quota struct {
		DailyQuota float64 `json:"daily_quota"`
		IsLimited  bool    `json:"is_limited"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quota))
	assert.Zero(t, quota.DailyQuota)
	assert.False(t, quota.IsLimited)
}

func TestModelSwapConfigRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	rec := ts.do(t, http.MethodGet, "/admin/model-swap-config", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":false`)

	rec = ts.do(t, http.MethodPut, "/admin/model-swap-config",
		`{"enabled":true,"mapping":{"claude-3-haiku":"claude-haiku-4-5"}}`, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/admin/model-swap-config", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":true`)
	assert.Contains(t, rec.Body.String(), "claude-haiku-4-5")
}

func TestBackendEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	rec := ts.do(t, http.MethodPost, "/admin/backends",
		`{"name":"primary","base_url":"https://api.anthropic.com/","api_key":"sk-ant-verysecret-12345","is_default":true}`, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		ID      string `json:"id"`
		BaseURL string `json:"base_url"`
		APIKey  string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "https://api.anthropic.com", created.BaseURL)
	// Credentials are masked on the way out.
	assert.NotContains(t, rec.Body.String(), "sk-ant-verysecret-12345")

	rec = ts.do(t, http.MethodPost, "/admin/backends",
		`{"name":"secondary","base_url":"https://b.example.com","api_key":"sk-b"}`, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var secondary struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &secondary))

	rec = ts.do(t, http.MethodPost, "/admin/backends/"+secondary.ID+"/activate", "", token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/admin/backends/"+created.ID, "", token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Default backend cannot be deleted")

	rec = ts.do(t, http.MethodDelete, "/admin/backends/"+secondary.ID, "", token)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUsageEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	key, err := ts.store.CreateAPIKey(ctx, "usage", 0, 0, 0, 0)
	require.NoError(t, err)
	_, err = ts.store.InsertUsage(ctx, store.UsageRecord{
		APIKeyID: key.ID, Endpoint: "messages", Method: "POST",
		Model: "claude-sonnet-4", InputTokens: 100, OutputTokens: 200, Cost: 0.0033,
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/usage/summary", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_requests":1`)

	rec = ts.do(t, http.MethodGet, "/usage/stats/"+key.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_tokens":300`)

	rec = ts.do(t, http.MethodGet, "/usage/records/"+key.ID+"?limit=10", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "claude-sonnet-4")

	rec = ts.do(t, http.MethodGet, "/usage/records/"+key.ID+"?limit=5000", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/usage/chart/"+key.ID+"?days=7", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var chart struct {
		Days int               `json:"days"`
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chart))
	assert.Equal(t, 7, chart.Days)
	assert.Len(t, chart.Data, 7)

	rec = ts.do(t, http.MethodGet, "/usage/chart?days=3", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/usage/records/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	date := time.Now().UTC().Format("2006-01-02")
	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/usage/aggregate?date=%s", date), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aggregated successfully")
}

func TestUsageEndpointsSurfaceStoreErrors(t *testing.T) {
	ts := newTestServer(t)
	// A failing store must produce a 500, not masquerade as a missing
	// key or fall through to the usage queries.
	require.NoError(t, ts.store.Close())

	for _, path := range []string{
		"/usage/stats/some-key",
		"/usage/records/some-key",
		"/usage/chart/some-key",
	} {
		rec := ts.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "Could not load API key", path)
	}
}

func TestTokenManagerRoundTrip(t *testing.T) {
	manager := NewTokenManager("secret", "claudegate", time.Minute)

	token, expires, err := manager.Issue("admin")
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	subject, err := manager.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)

	other := NewTokenManager("different-secret", "claudegate", time.Minute)
	_, err = other.Parse(token)
	assert.Error(t, err)
}
