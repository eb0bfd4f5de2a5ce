package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mnehpets/accessgate/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWhop serves the token endpoint and the provider API.
type fakeWhop struct {
	srv *httptest.Server

	mu           sync.Mutex
	tokenStatus  int
	memberships  string
	legacy       string
	legacyCalls  int
	membersCalls int
}

func newFakeWhop(t *testing.T) *fakeWhop {
	t.Helper()
	f := &fakeWhop{memberships: `{"data":[]}`, legacy: `{"data":[]}`}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWhop) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	auth := r.Header.Get("Authorization")
	switch r.URL.Path {
	case "/token":
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "abc" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"bearer","expires_in":3600}`))
	case "/v5/me":
		if auth != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"user":{"id":"u1","username":"alice"}}`))
	case "/v5/me/memberships":
		f.membersCalls++
		if auth != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(f.memberships))
	case "/v2/memberships":
		f.legacyCalls++
		if auth != "Bearer api-key" || r.URL.Query().Get("user_id") != "u1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(f.legacy))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeWhop) set(fn func(f *fakeWhop)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeWhop) calls() (members, legacy int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.membersCalls, f.legacyCalls
}

func newTestServer(t *testing.T, f *fakeWhop, extra string) *Server {
	t.Helper()
	body := `
http:
  allowed_origins: ["https://app.example.com"]
  allow_credentials: true
provider:
  client_id: app_test
  client_secret: shh
  auth_url: ` + f.srv.URL + `/oauth
  token_url: ` + f.srv.URL + `/token
  api_base_url: ` + f.srv.URL + `
  api_key: api-key
  pkce: true
oauth:
  callback_url: https://app.example.com/oauth/callback
  local_callback_url: http://localhost:3000/oauth/callback
  callback_paths: [/api/auth/callback]
entitlement:
  product_ids: [prod_X]
session:
  secret: 0123456789abcdef0123456789abcdef
` + extra
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)

	s, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func do(s *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func cookieMap(w *httptest.ResponseRecorder) map[string]*http.Cookie {
	m := map[string]*http.Cookie{}
	for _, c := range w.Result().Cookies() {
		m[c.Name] = c
	}
	return m
}

// login runs init and callback and returns the callback response.
func login(t *testing.T, s *Server, next string) *httptest.ResponseRecorder {
	t.Helper()
	target := "https://app.example.com/oauth/init"
	if next != "" {
		target += "?next=" + url.QueryEscape(next)
	}
	w := do(s, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/oauth", loc.Path)
	assert.Equal(t, "https://app.example.com/oauth/callback", loc.Query().Get("redirect_uri"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	stateCookie := cookieMap(w)["oauth-state-"+state]
	require.NotNil(t, stateCookie)
	assert.True(t, stateCookie.HttpOnly)

	r := httptest.NewRequest(http.MethodGet, "https://app.example.com/oauth/callback?code=abc&state="+state, nil)
	r.AddCookie(&http.Cookie{Name: stateCookie.Name, Value: stateCookie.Value})
	return do(s, r)
}

func TestScenarioA_EntitledLogin(t *testing.T) {
	f := newFakeWhop(t)
	f.set(func(f *fakeWhop) {
		f.memberships = `{"data":[{"id":"mem_1","status":"active","product":{"id":"prod_X"}}]}`
	})
	s := newTestServer(t, f, "")

	w := login(t, s, "")
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/generate", w.Header().Get("Location"))

	cookies := cookieMap(w)
	require.Contains(t, cookies, "session_token")
	assert.Equal(t, "true", cookies["has_access"].Value)
	assert.Equal(t, "u1", cookies["user_id"].Value)
	assert.Equal(t, "true", cookies["logged_in"].Value)
	for _, name := range []string{"session_token", "has_access", "user_id", "logged_in"} {
		assert.True(t, cookies[name].HttpOnly, name)
		assert.True(t, cookies[name].Secure, name)
		assert.Equal(t, http.SameSiteLaxMode, cookies[name].SameSite, name)
	}
	_, legacy := f.calls()
	assert.Zero(t, legacy, "no fallback when the user path matches")

	w = login(t, s, "/dashboard")
	assert.Equal(t, "/dashboard", w.Header().Get("Location"))

	// The session cookie drives the access check.
	r := httptest.NewRequest(http.MethodPost, "https://app.example.com/check-access", nil)
	r.AddCookie(&http.Cookie{Name: "session_token", Value: cookies["session_token"].Value})
	w = do(s, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"hasAccess":true,"user":{"id":"u1"},"action":"grant"}`, w.Body.String())
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestScenarioB_KnownButUnentitled(t *testing.T) {
	f := newFakeWhop(t)
	s := newTestServer(t, f, "")

	w := login(t, s, "")
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/home", w.Header().Get("Location"))

	cookies := cookieMap(w)
	require.Contains(t, cookies, "session_token")
	assert.Equal(t, "false", cookies["has_access"].Value)
	assert.Equal(t, "u1", cookies["user_id"].Value)
	assert.Equal(t, "true", cookies["logged_in"].Value)

	members, legacy := f.calls()
	assert.Equal(t, 1, members)
	assert.Equal(t, 1, legacy, "one fallback query per configured product")

	r := httptest.NewRequest(http.MethodGet, "https://app.example.com/user-status", nil)
	for _, c := range cookies {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	w = do(s, r)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, true, status["isLoggedIn"])
	assert.Equal(t, "u1", status["userId"])
	assert.Equal(t, false, status["hasAccess"])
}

func TestScenarioB_FallbackGrants(t *testing.T) {
	f := newFakeWhop(t)
	f.set(func(f *fakeWhop) {
		f.legacy = `[{"id":"mem_2","status":"trialing"}]`
	})
	s := newTestServer(t, f, "")

	w := login(t, s, "")
	assert.Equal(t, "/generate", w.Header().Get("Location"))
	assert.Equal(t, "true", cookieMap(w)["has_access"].Value)
}

func TestScenarioC_CodeExchangeRejected(t *testing.T) {
	f := newFakeWhop(t)
	f.set(func(f *fakeWhop) { f.tokenStatus = http.StatusBadRequest })
	s := newTestServer(t, f, "")

	w := login(t, s, "/dashboard")
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/oauth/error?error=code_exchange_failed", w.Header().Get("Location"))

	cookies := cookieMap(w)
	for _, name := range []string{"session_token", "user_id", "has_access", "logged_in"} {
		assert.NotContains(t, cookies, name)
	}
	members, legacy := f.calls()
	assert.Zero(t, members)
	assert.Zero(t, legacy)

	w = do(s, httptest.NewRequest(http.MethodGet, "https://app.example.com/oauth/error?error=code_exchange_failed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "code_exchange_failed")
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "style-src 'self' 'unsafe-inline'")
}

func TestURLTransport(t *testing.T) {
	f := newFakeWhop(t)
	f.set(func(f *fakeWhop) {
		f.memberships = `[{"status":"past_due","plan":"plan_Y","product_id":"prod_X"}]`
	})
	s := newTestServer(t, f, "  transport: url\n  format: signed\n")

	w := login(t, s, "/dashboard")
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/dashboard", loc.Path)
	assert.Equal(t, "u1", loc.Query().Get("user_id"))
	assert.Equal(t, "true", loc.Query().Get("has_access"))
	token := loc.Query().Get("token")
	require.NotEmpty(t, token)
	assert.NotContains(t, cookieMap(w), "session_token")

	r := httptest.NewRequest(http.MethodPost, "https://app.example.com/check-access", strings.NewReader(`{"token":"`+token+`"}`))
	r.Header.Set("Content-Type", "application/json")
	w = do(s, r)
	assert.JSONEq(t, `{"hasAccess":true,"user":{"id":"u1"},"action":"grant"}`, w.Body.String())
}

func TestCallbackAlias(t *testing.T) {
	f := newFakeWhop(t)
	s := newTestServer(t, f, "")
	w := do(s, httptest.NewRequest(http.MethodGet, "https://app.example.com/api/auth/callback?state=x", nil))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/oauth/error?error=missing_code", w.Header().Get("Location"))
}

func TestCheckAccessPreflight(t *testing.T) {
	f := newFakeWhop(t)
	s := newTestServer(t, f, "")

	r := httptest.NewRequest(http.MethodOptions, "https://app.example.com/check-access", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := do(s, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestLogoutAndHealth(t *testing.T) {
	f := newFakeWhop(t)
	s := newTestServer(t, f, "")

	w := do(s, httptest.NewRequest(http.MethodPost, "https://app.example.com/logout?next=/bye", nil))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/bye", w.Header().Get("Location"))
	assert.Equal(t, -1, cookieMap(w)["session_token"].MaxAge)

	w = do(s, httptest.NewRequest(http.MethodGet, "https://app.example.com/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, true, health["ok"])
}

func TestInsecureCookiesDropHSTS(t *testing.T) {
	f := newFakeWhop(t)
	s := newTestServer(t, f, "  cookie_secure: false\n")

	w := do(s, httptest.NewRequest(http.MethodGet, "http://localhost:3000/oauth/init", nil))
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/oauth/callback", loc.Query().Get("redirect_uri"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
	for _, c := range w.Result().Cookies() {
		assert.False(t, c.Secure, c.Name)
	}
}

func TestIssuerDiscoveryFillsEndpoints(t *testing.T) {
	var issuer string
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                issuer,
			"jwks_uri":                              issuer + "/keys",
			"authorization_endpoint":                issuer + "/discovered/authorize",
			"token_endpoint":                        issuer + "/discovered/token",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	}))
	t.Cleanup(idp.Close)
	issuer = idp.URL

	body := `
provider:
  client_id: app_test
  client_secret: shh
  issuer: ` + issuer + `
oauth:
  callback_url: https://app.example.com/oauth/callback
entitlement:
  product_ids: [prod_X]
session:
  secret: 0123456789abcdef0123456789abcdef
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	require.Empty(t, cfg.Provider.AuthURL)

	s, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	w := do(s, httptest.NewRequest(http.MethodGet, "https://app.example.com/oauth/init", nil))
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, issuer+"/discovered/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
}
