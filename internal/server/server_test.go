package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Aidin1998/dreamjournal-api/internal/auth"
	"github.com/Aidin1998/dreamjournal-api/internal/infrastructure/config"
	"github.com/Aidin1998/dreamjournal-api/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/dreamjournal-api/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "server-test-secret-of-at-least-32-chars"

type testEnv struct {
	router *gin.Engine
	tokens *auth.TokenService
	mr     *miniredis.Miniredis
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	for _, k := range []string{"APP_ENV", "GO_ENV", "REDIS_URL", "REDIS_ADDRESS", "JWT_SECRET", "ADMIN_IPS", "BYPASS_RATE_LIMIT", "RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW", "RATE_LIMIT_FAIL_MODE", "RATE_LIMIT_ENABLED"} {
		t.Setenv(k, "")
	}
	t.Setenv("APP_ENV", "test")

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.RateLimit.HealthCheckTimeout = 200 * time.Millisecond

	mr, client := testutil.NewRedis(t)
	store := ratelimit.NewRedisStore(client, zap.NewNop(), ratelimit.WithHealthCheckTimeout(200*time.Millisecond))

	table, err := cfg.LimiterTable()
	require.NoError(t, err)
	table[ratelimit.ClassGeneral] = ratelimit.LimiterConfig{MaxRequests: 5, Window: time.Minute, Namespace: "rl_general"}
	registry, err := ratelimit.NewRegistry(store, table)
	require.NoError(t, err)

	sc, err := cfg.SelectorConfig()
	require.NoError(t, err)
	gate := ratelimit.NewGate(registry, ratelimit.NewSelector(sc), auth.RateLimitSubject, cfg.GateConfig(), zap.NewNop())

	tokens, err := auth.NewTokenService(testSecret, "", time.Hour)
	require.NoError(t, err)

	srv := NewServer(cfg, zap.NewNop(), tokens, registry, gate)
	return &testEnv{router: srv.Router(), tokens: tokens, mr: mr}
}

func (e *testEnv) request(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) token(t *testing.T, id, role, plan string) string {
	t.Helper()
	tok, err := e.tokens.IssueToken(id, id+"@example.com", role, plan)
	require.NoError(t, err)
	return tok
}

func TestServer_HealthIsNotRateLimited(t *testing.T) {
	env := setupServer(t)

	for i := 0; i < 10; i++ {
		w := env.request(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get(ratelimit.HeaderLimit))
	}
	assert.Empty(t, env.mr.Keys())
}

func TestServer_AuthenticatedQuotaAndAdminClear(t *testing.T) {
	env := setupServer(t)
	user := env.token(t, "42", auth.RoleUser, "")

	for i := 0; i < 5; i++ {
		w := env.request(t, http.MethodGet, "/api/me", user)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := env.request(t, http.MethodGet, "/api/me", user)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.True(t, env.mr.Exists("rl_general:user_42"))

	// a regular user cannot clear counters
	w = env.request(t, http.MethodPost, "/admin/rate-limit/clear/user_42", env.token(t, "7", auth.RoleUser, ""))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.request(t, http.MethodPost, "/admin/rate-limit/clear/user_42", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.request(t, http.MethodPost, "/admin/rate-limit/clear/user_42", env.token(t, "1", auth.RoleAdmin, ""))
	require.Equal(t, http.StatusOK, w.Code)
	var resp ratelimit.AdminAPIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	w = env.request(t, http.MethodGet, "/api/me", user)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4", w.Header().Get(ratelimit.HeaderRemaining))
}

func TestServer_AdminTierUsesPremiumLimiter(t *testing.T) {
	env := setupServer(t)
	admin := env.token(t, "1", auth.RoleAdmin, "")

	w := env.request(t, http.MethodGet, "/api/me", admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10000", w.Header().Get(ratelimit.HeaderLimit))
	assert.True(t, env.mr.Exists("rl_premium:user_1"))
}

func TestServer_StoreOutageDegradesGracefully(t *testing.T) {
	env := setupServer(t)

	w := env.request(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	env.mr.Close()

	w = env.request(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(ratelimit.HeaderError))
	assert.Empty(t, w.Header().Get(ratelimit.HeaderLimit))

	w = env.request(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_NotFoundIsProblemJSON(t *testing.T) {
	env := setupServer(t)

	w := env.request(t, http.MethodGet, "/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_CORSPreflightSkipsLimiter(t *testing.T) {
	env := setupServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get(ratelimit.HeaderLimit))
	assert.Empty(t, env.mr.Keys())
}

func TestServer_PanicIsProblemJSON(t *testing.T) {
	env := setupServer(t)
	env.router.GET("/api/explode", func(c *gin.Context) { panic("boom") })

	w := env.request(t, http.MethodGet, "/api/explode", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "https://api.dreamjournal.app/errors/internal-error", body["type"])
	assert.EqualValues(t, 500, body["status"])
	assert.Equal(t, "/api/explode", body["instance"])
}

func TestServer_EditorStuffRequiresUserRole(t *testing.T) {
	env := setupServer(t)

	assert.Equal(t, http.StatusUnauthorized, env.request(t, http.MethodGet, "/editor-stuff", "").Code)
	assert.Equal(t, http.StatusForbidden, env.request(t, http.MethodGet, "/editor-stuff", env.token(t, "1", auth.RoleAdmin, "")).Code)

	w := env.request(t, http.MethodGet, "/editor-stuff", env.token(t, "2", auth.RoleUser, "free"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"You are an editor!"}`, w.Body.String())
}

func TestServer_LogoutClearsSessionCookie(t *testing.T) {
	env := setupServer(t)

	w := env.request(t, http.MethodPost, "/auth/logout", env.token(t, "7", auth.RoleUser, ""))
	assert.Equal(t, http.StatusOK, w.Code)
	cookie := w.Header().Get("Set-Cookie")
	assert.Contains(t, cookie, "auth-token=;")
	assert.Contains(t, cookie, "Max-Age=0")
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"), "auth routes use the auth limiter")

	me := env.request(t, http.MethodGet, "/auth/me", env.token(t, "7", auth.RoleUser, ""))
	assert.Equal(t, http.StatusOK, me.Code)
	assert.Contains(t, me.Body.String(), `"userId":"7"`)
}
