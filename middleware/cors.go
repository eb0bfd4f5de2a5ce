package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/mnehpets/accessgate/endpoint"
)

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists exact origins, or "*" for any origin. "*" is
	// ignored when AllowCredentials is set.
	AllowedOrigins []string
	// AllowedMethods default: GET, POST, OPTIONS.
	AllowedMethods []string
	// AllowedHeaders default: Accept, Content-Type, Authorization.
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds. Default: 3600.
	MaxAge int
}

// CORSProcessor sets CORS response headers and answers preflight requests
// with 204 before the endpoint runs.
type CORSProcessor struct {
	config CORSConfig
}

// NewCORSProcessor returns a CORSProcessor with defaults filled in.
func NewCORSProcessor(config CORSConfig) *CORSProcessor {
	if len(config.AllowedMethods) == 0 {
		config.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(config.AllowedHeaders) == 0 {
		config.AllowedHeaders = []string{"Accept", "Content-Type", "Authorization"}
	}
	if config.MaxAge == 0 {
		config.MaxAge = 3600
	}
	return &CORSProcessor{config: config}
}

// Process implements endpoint.Processor.
func (p *CORSProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a cross-origin request.
		return next(w, r)
	}
	h := w.Header()
	h.Add("Vary", "Origin")

	if allowed := p.allowOrigin(origin); allowed != "" {
		h.Set("Access-Control-Allow-Origin", allowed)
		if p.config.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if len(p.config.ExposedHeaders) > 0 {
			h.Set("Access-Control-Expose-Headers", strings.Join(p.config.ExposedHeaders, ", "))
		}
	}

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		h.Set("Access-Control-Allow-Methods", strings.Join(p.config.AllowedMethods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(p.config.AllowedHeaders, ", "))
		if p.config.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(p.config.MaxAge))
		}
		return endpoint.Error(http.StatusNoContent, "", nil)
	}
	return next(w, r)
}

func (p *CORSProcessor) allowOrigin(origin string) string {
	if slices.Contains(p.config.AllowedOrigins, origin) {
		return origin
	}
	// The CORS protocol forbids "*" together with credentials.
	if !p.config.AllowCredentials && slices.Contains(p.config.AllowedOrigins, "*") {
		return "*"
	}
	return ""
}

var _ endpoint.Processor = (*CORSProcessor)(nil)
