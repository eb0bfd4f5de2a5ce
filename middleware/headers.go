package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/accessgate/endpoint"
)

// SecurityHeadersProcessor sets a fixed set of response security headers
// before the endpoint runs.
//
// Two presets exist: NewSecurityHeadersProcessor for HTML pages (the OAuth
// error page) and NewAPISecurityHeadersProcessor for JSON and redirect
// responses. Redirect responses keep Referrer-Policy no-referrer so that the
// query string of the callback URL never reaches a third party.
type SecurityHeadersProcessor struct {
	headers http.Header
}

// HSTSConfig configures HTTP Strict Transport Security.
type HSTSConfig struct {
	MaxAge            int
	IncludeSubDomains bool
	Preload           bool
}

func (c HSTSConfig) String() string {
	if c.MaxAge <= 0 {
		return ""
	}
	parts := []string{"max-age=" + strconv.Itoa(c.MaxAge)}
	if c.IncludeSubDomains {
		parts = append(parts, "includeSubDomains")
	}
	if c.Preload {
		parts = append(parts, "preload")
	}
	return strings.Join(parts, "; ")
}

// SecurityHeadersOption is a functional option for SecurityHeadersProcessor.
type SecurityHeadersOption func(h http.Header)

// WithHSTS replaces the Strict-Transport-Security value.
func WithHSTS(c HSTSConfig) SecurityHeadersOption {
	return func(h http.Header) {
		setOrDelete(h, "Strict-Transport-Security", c.String())
	}
}

// WithoutHSTS drops Strict-Transport-Security, for plain-HTTP development.
func WithoutHSTS() SecurityHeadersOption {
	return func(h http.Header) {
		h.Del("Strict-Transport-Security")
	}
}

// WithCSP replaces the Content-Security-Policy. An empty policy removes it.
func WithCSP(policy string) SecurityHeadersOption {
	return func(h http.Header) {
		setOrDelete(h, "Content-Security-Policy", policy)
	}
}

// WithHeader sets an arbitrary header. An empty value removes it.
func WithHeader(name, value string) SecurityHeadersOption {
	return func(h http.Header) {
		setOrDelete(h, name, value)
	}
}

func setOrDelete(h http.Header, name, value string) {
	if value == "" {
		h.Del(name)
		return
	}
	h.Set(name, value)
}

func baseSecurityHeaders() http.Header {
	h := http.Header{}
	h.Set("Strict-Transport-Security", HSTSConfig{MaxAge: 31536000, IncludeSubDomains: true}.String())
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	return h
}

// NewSecurityHeadersProcessor returns the preset for HTML pages.
func NewSecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	h := baseSecurityHeaders()
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; base-uri 'self'; form-action 'self'; frame-ancestors 'none'")
	for _, opt := range opts {
		opt(h)
	}
	return &SecurityHeadersProcessor{headers: h}
}

// NewAPISecurityHeadersProcessor returns the preset for JSON and redirect
// responses.
func NewAPISecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	h := baseSecurityHeaders()
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	for _, opt := range opts {
		opt(h)
	}
	return &SecurityHeadersProcessor{headers: h}
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	dst := w.Header()
	for k, vs := range p.headers {
		dst[k] = append([]string(nil), vs...)
	}
	return next(w, r)
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
