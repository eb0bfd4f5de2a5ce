package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultScopes is requested when ProviderConfig.Scopes is empty.
var DefaultScopes = []string{"read_user"}

// DefaultExchangeTimeout bounds the code exchange when ProviderConfig.Timeout
// is zero.
const DefaultExchangeTimeout = 8 * time.Second

// ProviderConfig describes the OAuth client registration with the provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	// CallbackURL is the redirect URI registered for production origins;
	// LocalCallbackURL the one registered for local development.
	CallbackURL      string
	LocalCallbackURL string

	PKCE       bool
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Provider is the configured OAuth provider.
type Provider struct {
	config           oauth2.Config
	callbackURL      string
	localCallbackURL string
	verifier         *oidc.IDTokenVerifier // Optional: nil if not OIDC
	usePKCE          bool
	timeout          time.Duration
	httpClient       *http.Client
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithVerifier makes the provider verify ID tokens returned by the token
// endpoint, and take the user id from the verified subject.
func WithVerifier(v *oidc.IDTokenVerifier) ProviderOption {
	return func(p *Provider) {
		p.verifier = v
	}
}

// NewProvider returns a Provider for cfg.
func NewProvider(cfg ProviderConfig, opts ...ProviderOption) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("auth: provider client id is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("auth: provider endpoints are required")
	}
	if cfg.CallbackURL == "" {
		return nil, errors.New("auth: callback url is required")
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	p := &Provider{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
			Scopes:       scopes,
		},
		callbackURL:      cfg.CallbackURL,
		localCallbackURL: cfg.LocalCallbackURL,
		usePKCE:          cfg.PKCE,
		timeout:          cfg.Timeout,
		httpClient:       cfg.HTTPClient,
	}
	if p.localCallbackURL == "" {
		p.localCallbackURL = p.callbackURL
	}
	if p.timeout <= 0 {
		p.timeout = DefaultExchangeTimeout
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: p.timeout}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// DiscoverVerifier performs OIDC discovery on issuer and returns an ID token
// verifier for clientID. Endpoints advertised by the issuer fill in those
// missing from cfg.
func DiscoverVerifier(ctx context.Context, issuer string, cfg *ProviderConfig) (*oidc.IDTokenVerifier, error) {
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}
	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider %q: %v", issuer, err)
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = op.Endpoint().AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = op.Endpoint().TokenURL
	}
	return op.Verifier(&oidc.Config{ClientID: cfg.ClientID}), nil
}

// RedirectURL returns the redirect URI for a request. Initiation and
// exchange both derive it here, so they always agree.
func (p *Provider) RedirectURL(r *http.Request) string {
	if isLocalHost(r.Host) {
		return p.localCallbackURL
	}
	return p.callbackURL
}

// oauth2Config returns a copy of the client config bound to redirectURL.
func (p *Provider) oauth2Config(redirectURL string) *oauth2.Config {
	conf := p.config
	conf.RedirectURL = redirectURL
	return &conf
}

// exchangeContext bounds ctx by the provider timeout and routes token
// requests through the provider HTTP client.
func (p *Provider) exchangeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient), cancel
}
