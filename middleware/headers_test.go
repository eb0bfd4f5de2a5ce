package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mnehpets/accessgate/endpoint"
	"github.com/stretchr/testify/assert"
)

func serve(req *http.Request, processors ...endpoint.Processor) *httptest.ResponseRecorder {
	h := endpoint.Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}, processors...)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSecurityHeaders_APIPreset(t *testing.T) {
	rec := serve(httptest.NewRequest(http.MethodGet, "/", nil), NewAPISecurityHeadersProcessor())

	h := rec.Header()
	assert.Equal(t, "max-age=31536000; includeSubDomains", h.Get("Strict-Transport-Security"))
	assert.Equal(t, "no-referrer", h.Get("Referrer-Policy"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", h.Get("Content-Security-Policy"))
}

func TestSecurityHeaders_WebPresetAndOptions(t *testing.T) {
	p := NewSecurityHeadersProcessor(
		WithoutHSTS(),
		WithCSP("default-src 'self'"),
		WithHeader("Permissions-Policy", "camera=()"),
		WithHeader("X-Frame-Options", ""),
	)
	rec := serve(httptest.NewRequest(http.MethodGet, "/", nil), p)

	h := rec.Header()
	assert.Empty(t, h.Get("Strict-Transport-Security"))
	assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", h.Get("Content-Security-Policy"))
	assert.Equal(t, "camera=()", h.Get("Permissions-Policy"))
	assert.Empty(t, h.Get("X-Frame-Options"))
}

func TestHSTSConfig_String(t *testing.T) {
	assert.Equal(t, "", HSTSConfig{}.String())
	assert.Equal(t, "max-age=60", HSTSConfig{MaxAge: 60}.String())
	assert.Equal(t, "max-age=60; includeSubDomains; preload", HSTSConfig{MaxAge: 60, IncludeSubDomains: true, Preload: true}.String())
}
