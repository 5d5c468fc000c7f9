package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/membank/membank/internal/api/mcp"
	"github.com/membank/membank/internal/auth"
	"github.com/membank/membank/internal/embedding"
	"github.com/membank/membank/internal/engine"
	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/storage/sqlite"
	"github.com/membank/membank/pkg/types"
)

const (
	testUser     = "user_alice"
	testIdPToken = "idp-token-alice"
	testClientID = "cli_desktop"
	testSecret   = "s3cret"
	testRedirect = "https://client.example/callback"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := sqlite.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, &types.User{
		ID: testUser, Email: "alice@example.com", Name: "Alice",
	}))
	require.NoError(t, store.UpsertClient(ctx, &storage.OAuthClient{
		ID:            testClientID,
		SecretHash:    auth.HashSecret(testSecret),
		RedirectURIs:  []string{testRedirect},
		AllowedScopes: []string{"memories:read", "memories:write"},
		Name:          "Desktop client",
		CreatedAt:     time.Now().UTC(),
	}))

	verifier := &auth.StaticVerifier{Identities: map[string]auth.Identity{
		testIdPToken: {UserID: testUser, Email: "alice@example.com", Name: "Alice"},
	}}
	broker := auth.NewBroker(store, verifier, logger)

	queue := engine.NewQueue()
	eng := engine.New(store, embedding.NewMockProvider(), queue, logger)
	server := mcp.NewServer(eng, mcp.BrokerAuth(broker), logger, mcp.WithVersion("test"))

	return New(server, broker, "test", logger).Router(0)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestRPCRequiresCredential(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/rpc",
		strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Error *mcp.JSONRPCError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeUnauthorized, resp.Error.Code)
}

func TestRPCWithIdPCredential(t *testing.T) {
	router := newTestRouter(t)

	payload := `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"store_memory","arguments":{"content":"over http"}},"id":1}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+testIdPToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Result *mcp.MCPToolCallResult `json:"result"`
		Error  *mcp.JSONRPCError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
	assert.False(t, resp.Result.IsError)
}

func TestOAuthFlowEndToEnd(t *testing.T) {
	router := newTestRouter(t)

	// Authorize with an IdP credential.
	authorizeURL := "/oauth/authorize?response_type=code&client_id=" + testClientID +
		"&redirect_uri=" + url.QueryEscape(testRedirect) +
		"&scope=" + url.QueryEscape("memories:read") + "&state=xyz"
	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	req.Header.Set("Authorization", "Bearer "+testIdPToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client.example", location.Host)
	assert.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	// Exchange the code for an access token.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {testClientID},
		"client_secret": {testSecret},
		"redirect_uri":  {testRedirect},
	}
	req = httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var token auth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.True(t, strings.HasPrefix(token.AccessToken, auth.TokenPrefix))
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, 3600, token.ExpiresIn)
	assert.Equal(t, "memories:read", token.Scope)

	// The issued token authenticates RPC calls.
	payload := `{"jsonrpc":"2.0","method":"get_memory_stats","id":9}`
	req = httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Error *mcp.JSONRPCError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
}

func TestOAuthAuthorizeRejections(t *testing.T) {
	router := newTestRouter(t)

	t.Run("missing credential", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/oauth/authorize?response_type=code&client_id="+testClientID+
				"&redirect_uri="+url.QueryEscape(testRedirect), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong response_type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/oauth/authorize?response_type=token&client_id="+testClientID+
				"&redirect_uri="+url.QueryEscape(testRedirect), nil)
		req.Header.Set("Authorization", "Bearer "+testIdPToken)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var oe auth.OAuthError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oe))
		assert.Equal(t, auth.ErrCodeInvalidRequest, oe.Code)
	})

	t.Run("disallowed scope", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/oauth/authorize?response_type=code&client_id="+testClientID+
				"&redirect_uri="+url.QueryEscape(testRedirect)+
				"&scope="+url.QueryEscape("admin:everything"), nil)
		req.Header.Set("Authorization", "Bearer "+testIdPToken)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var oe auth.OAuthError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oe))
		assert.Equal(t, auth.ErrCodeInvalidScope, oe.Code)
	})

	t.Run("unregistered redirect is never followed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/oauth/authorize?response_type=code&client_id="+testClientID+
				"&redirect_uri="+url.QueryEscape("https://evil.example/steal"), nil)
		req.Header.Set("Authorization", "Bearer "+testIdPToken)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, rec.Header().Get("Location"))
	})
}

func TestOAuthTokenErrorStatuses(t *testing.T) {
	router := newTestRouter(t)

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	t.Run("bad client secret is 401", func(t *testing.T) {
		rec := post(url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {"bogus"},
			"client_id":     {testClientID},
			"client_secret": {"wrong"},
			"redirect_uri":  {testRedirect},
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Basic", rec.Header().Get("WWW-Authenticate"))
		var oe auth.OAuthError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oe))
		assert.Equal(t, auth.ErrCodeInvalidClient, oe.Code)
	})

	t.Run("unknown grant type is 400", func(t *testing.T) {
		rec := post(url.Values{"grant_type": {"client_credentials"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var oe auth.OAuthError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oe))
		assert.Equal(t, auth.ErrCodeUnsupportedGrantType, oe.Code)
	})

	t.Run("unknown code is 400 invalid_grant", func(t *testing.T) {
		rec := post(url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {"never-issued"},
			"client_id":     {testClientID},
			"client_secret": {testSecret},
			"redirect_uri":  {testRedirect},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var oe auth.OAuthError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oe))
		assert.Equal(t, auth.ErrCodeInvalidGrant, oe.Code)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := zaptest.NewLogger(t)
	limited := RateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler := Logging(logger)(limited)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}
