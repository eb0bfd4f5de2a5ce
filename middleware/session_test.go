package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mnehpets/accessgate/endpoint"
	"github.com/mnehpets/accessgate/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionTestNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestSessionProcessor(t *testing.T) (*SessionProcessor, session.Codec) {
	t.Helper()
	clock := func() time.Time { return sessionTestNow }
	codec, err := session.NewSealedCodec(bytes.Repeat([]byte{7}, 32), clock)
	require.NoError(t, err)
	p, err := NewSessionProcessor(codec, WithClock(clock))
	require.NoError(t, err)
	return p, codec
}

func serveWithSession(p *SessionProcessor, req *http.Request, fn func(Session)) *httptest.ResponseRecorder {
	h := endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			return nil, endpoint.Error(http.StatusInternalServerError, "no session", nil)
		}
		fn(sess)
		return &endpoint.NoContentRenderer{}, nil
	}, p)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func cookieMap(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestSessionProcessor_NoCookies(t *testing.T) {
	p, _ := newTestSessionProcessor(t)
	rec := serveWithSession(p, httptest.NewRequest(http.MethodGet, "/", nil), func(s Session) {
		_, err := s.Token()
		assert.ErrorIs(t, err, ErrNoSession)
		_, ok := s.UserID()
		assert.False(t, ok)
		assert.False(t, s.LoggedIn())
		assert.False(t, s.HasAccess())
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestSessionProcessor_LoginWritesAllCookies(t *testing.T) {
	p, codec := newTestSessionProcessor(t)
	tok := session.New("at", "", "u1", sessionTestNow, session.DefaultTTL)

	rec := serveWithSession(p, httptest.NewRequest(http.MethodGet, "/", nil), func(s Session) {
		require.NoError(t, s.Login(tok, true))
	})

	cookies := cookieMap(rec)
	require.Len(t, cookies, 4)

	sc := cookies["session_token"]
	require.NotNil(t, sc)
	assert.Equal(t, int(session.DefaultTTL.Seconds()), sc.MaxAge)
	assert.True(t, sc.HttpOnly)
	assert.True(t, sc.Secure)
	assert.Equal(t, http.SameSiteLaxMode, sc.SameSite)
	decoded, err := codec.Decode(sc.Value)
	require.NoError(t, err)
	assert.Equal(t, "u1", decoded.UserID)
	assert.Equal(t, "at", decoded.AccessToken)

	flagAge := int(DefaultFlagPeriod.Seconds())
	assert.Equal(t, "u1", cookies["user_id"].Value)
	assert.Equal(t, "true", cookies["has_access"].Value)
	assert.Equal(t, "true", cookies["logged_in"].Value)
	for _, name := range []string{"user_id", "has_access", "logged_in"} {
		assert.Equal(t, flagAge, cookies[name].MaxAge, name)
		assert.True(t, cookies[name].HttpOnly, name)
	}
}

func TestSessionProcessor_ReadsExistingSession(t *testing.T) {
	p, codec := newTestSessionProcessor(t)
	raw, err := codec.Encode(session.New("at", "", "u1", sessionTestNow, time.Hour))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: raw})
	req.AddCookie(&http.Cookie{Name: "user_id", Value: "u1"})
	req.AddCookie(&http.Cookie{Name: "has_access", Value: "false"})
	req.AddCookie(&http.Cookie{Name: "logged_in", Value: "true"})

	rec := serveWithSession(p, req, func(s Session) {
		assert.Equal(t, raw, s.Raw())
		tok, err := s.Token()
		require.NoError(t, err)
		assert.Equal(t, "u1", tok.UserID)
		id, ok := s.UserID()
		assert.True(t, ok)
		assert.Equal(t, "u1", id)
		assert.True(t, s.LoggedIn())
		assert.False(t, s.HasAccess())
	})
	assert.Empty(t, rec.Result().Cookies())
}

func TestSessionProcessor_SetAccessRewritesFlagsOnly(t *testing.T) {
	p, codec := newTestSessionProcessor(t)
	raw, err := codec.Encode(session.New("at", "", "u1", sessionTestNow, time.Hour))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: raw})
	req.AddCookie(&http.Cookie{Name: "user_id", Value: "u1"})
	req.AddCookie(&http.Cookie{Name: "has_access", Value: "true"})
	req.AddCookie(&http.Cookie{Name: "logged_in", Value: "true"})

	rec := serveWithSession(p, req, func(s Session) {
		s.SetAccess(false)
	})
	cookies := cookieMap(rec)
	assert.NotContains(t, cookies, "session_token")
	require.Contains(t, cookies, "has_access")
	assert.Equal(t, "false", cookies["has_access"].Value)
	assert.Equal(t, "u1", cookies["user_id"].Value)
	assert.Equal(t, "true", cookies["logged_in"].Value)
}

func TestSessionProcessor_SetAccessFillsMissingFlags(t *testing.T) {
	p, codec := newTestSessionProcessor(t)
	raw, err := codec.Encode(session.New("at", "", "u1", sessionTestNow, time.Hour))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: raw})

	rec := serveWithSession(p, req, func(s Session) {
		s.SetAccess(true)
	})
	cookies := cookieMap(rec)
	assert.NotContains(t, cookies, "session_token")
	assert.Equal(t, "true", cookies["has_access"].Value)
	assert.Equal(t, "u1", cookies["user_id"].Value)
	assert.Equal(t, "true", cookies["logged_in"].Value)
}

func TestSessionProcessor_SetAccessUnchangedWritesNothing(t *testing.T) {
	p, _ := newTestSessionProcessor(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "has_access", Value: "true"})

	rec := serveWithSession(p, req, func(s Session) {
		s.SetAccess(true)
	})
	assert.Empty(t, rec.Result().Cookies())
}

func TestSessionProcessor_ExpiredSessionIsNotCleared(t *testing.T) {
	p, codec := newTestSessionProcessor(t)
	raw, err := codec.Encode(session.New("at", "", "u1", sessionTestNow.Add(-2*time.Hour), time.Hour))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: raw})

	rec := serveWithSession(p, req, func(s Session) {
		tok, err := s.Token()
		assert.ErrorIs(t, err, session.ErrExpired)
		assert.Equal(t, "u1", tok.UserID)
	})
	assert.Empty(t, rec.Result().Cookies())
}

func TestSessionProcessor_MalformedSession(t *testing.T) {
	p, _ := newTestSessionProcessor(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "not-a-token"})

	serveWithSession(p, req, func(s Session) {
		_, err := s.Token()
		assert.ErrorIs(t, err, session.ErrMalformed)
	})
}

func TestSessionProcessor_LogoutClearsEverything(t *testing.T) {
	p, _ := newTestSessionProcessor(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "x"})
	req.AddCookie(&http.Cookie{Name: "logged_in", Value: "true"})

	rec := serveWithSession(p, req, func(s Session) {
		s.Logout()
		s.SetAccess(true)
		assert.False(t, s.LoggedIn())
		assert.Empty(t, s.Raw())
	})

	cookies := cookieMap(rec)
	require.Len(t, cookies, 4)
	for name, c := range cookies {
		assert.Equal(t, -1, c.MaxAge, name)
		assert.Empty(t, c.Value, name)
	}
}

func TestSessionProcessor_CustomNamesAndAttrs(t *testing.T) {
	codec, err := session.NewSignedCodec(bytes.Repeat([]byte{9}, 32), nil)
	require.NoError(t, err)
	names := CookieNames{Session: "s", UserID: "uid", HasAccess: "paid", LoggedIn: "in"}
	p, err := NewSessionProcessor(codec,
		WithCookieNames(names),
		WithSessionCookieAttrs(CookieAttrs{Path: "/", Secure: false, SameSite: http.SameSiteStrictMode}),
		WithFlagPeriod(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, names, p.Names())

	rec := serveWithSession(p, httptest.NewRequest(http.MethodGet, "/", nil), func(s Session) {
		require.NoError(t, s.Login(session.New("at", "", "u9", time.Now(), time.Hour), false))
	})
	cookies := cookieMap(rec)
	require.Contains(t, cookies, "s")
	require.Contains(t, cookies, "paid")
	assert.Equal(t, "false", cookies["paid"].Value)
	assert.Equal(t, 3600, cookies["uid"].MaxAge)
	assert.False(t, cookies["s"].Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookies["s"].SameSite)
}

func TestNewSessionProcessor_RequiresCodec(t *testing.T) {
	_, err := NewSessionProcessor(nil)
	assert.Error(t, err)
}
