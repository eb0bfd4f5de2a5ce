// Package server builds every component from a config.Config and mounts the
// login and access routes on one mux.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mnehpets/accessgate/access"
	"github.com/mnehpets/accessgate/auth"
	"github.com/mnehpets/accessgate/config"
	"github.com/mnehpets/accessgate/endpoint"
	"github.com/mnehpets/accessgate/entitlement"
	"github.com/mnehpets/accessgate/middleware"
	"github.com/mnehpets/accessgate/provider"
	"github.com/mnehpets/accessgate/session"
	"github.com/rs/zerolog"
)

// stateKeyID names the single state cookie key. Changing session.secret
// invalidates in-flight logins.
const stateKeyID = "k1"

// Server is the assembled HTTP handler.
type Server struct {
	mux *http.ServeMux
}

type options struct {
	now        func() time.Time
	httpClient *http.Client
}

// Option configures New.
type Option func(*options)

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithHTTPClient sets the base client for provider calls and discovery.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// New wires the service. ctx bounds OIDC discovery when an issuer is
// configured.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts ...Option) (*Server, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	attrs := middleware.CookieAttrs{
		Path:     "/",
		Domain:   cfg.Session.CookieDomain,
		Secure:   cfg.Session.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	}

	stateKey, err := cfg.Session.DeriveKey(config.PurposeStateCookie, middleware.DefaultAEADKeysize)
	if err != nil {
		return nil, err
	}
	keyring, err := middleware.NewKeyring(stateKeyID, map[string][]byte{stateKeyID: stateKey}, nil)
	if err != nil {
		return nil, fmt.Errorf("server: state keyring: %w", err)
	}
	states, err := auth.NewStateCodec(keyring,
		auth.WithStateTTL(cfg.OAuth.StateTTL),
		auth.WithStateClock(o.now),
		auth.WithStateCookieAttrs(attrs),
	)
	if err != nil {
		return nil, fmt.Errorf("server: state codec: %w", err)
	}

	sessionKey, err := cfg.Session.DeriveKey(config.PurposeSession, session.MinKeySize)
	if err != nil {
		return nil, err
	}
	codec, err := session.NewCodec(session.Format(cfg.Session.Format), sessionKey, o.now)
	if err != nil {
		return nil, fmt.Errorf("server: session codec: %w", err)
	}
	sessions, err := middleware.NewSessionProcessor(codec,
		middleware.WithSessionCookieAttrs(attrs),
		middleware.WithFlagPeriod(cfg.Session.FlagTTL),
		middleware.WithClock(o.now),
	)
	if err != nil {
		return nil, fmt.Errorf("server: session processor: %w", err)
	}

	client := provider.NewClient(provider.Config{
		BaseURL:    cfg.Provider.APIBaseURL,
		APIKey:     cfg.Provider.APIKey,
		Timeout:    cfg.Provider.Timeout,
		HTTPClient: o.httpClient,
	})
	policy := entitlement.NewPolicy(cfg.Entitlement.ProductIDs, cfg.Entitlement.PlanIDs, cfg.Entitlement.PastDueAllowed())
	resolver := entitlement.NewResolver(client, policy)

	pcfg := auth.ProviderConfig{
		ClientID:         cfg.Provider.ClientID,
		ClientSecret:     cfg.Provider.ClientSecret,
		AuthURL:          cfg.Provider.AuthURL,
		TokenURL:         cfg.Provider.TokenURL,
		Scopes:           cfg.Provider.Scopes,
		CallbackURL:      cfg.OAuth.CallbackURL,
		LocalCallbackURL: cfg.OAuth.LocalCallbackURL,
		PKCE:             cfg.Provider.PKCE,
		Timeout:          cfg.Provider.Timeout,
		HTTPClient:       client.HTTPClient(),
	}
	var popts []auth.ProviderOption
	if cfg.Provider.Issuer != "" {
		verifier, err := auth.DiscoverVerifier(ctx, cfg.Provider.Issuer, &pcfg)
		if err != nil {
			return nil, fmt.Errorf("server: oidc discovery: %w", err)
		}
		popts = append(popts, auth.WithVerifier(verifier))
	}
	p, err := auth.NewProvider(pcfg, popts...)
	if err != nil {
		return nil, err
	}

	var headerOpts []middleware.SecurityHeadersOption
	if !attrs.Secure {
		headerOpts = append(headerOpts, middleware.WithoutHSTS())
	}
	cors := middleware.NewCORSProcessor(middleware.CORSConfig{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowCredentials: cfg.HTTP.AllowCredentials,
		ExposedHeaders:   []string{middleware.RequestIDHeader},
	})
	common := []endpoint.Processor{middleware.NewRequestLogger(logger), middleware.Recover{}}

	authHandler, err := auth.NewHandler(p, states, client, resolver, codec,
		auth.WithProcessors(append(common, middleware.NewSecurityHeadersProcessor(headerOpts...), cors, sessions)...),
		auth.WithRoutes(auth.Routes{
			CallbackAliases: cfg.OAuth.CallbackPaths,
			Error:           cfg.Routes.Error,
			AccessGranted:   cfg.Routes.AccessGranted,
			NoAccess:        cfg.Routes.NoAccess,
		}),
		auth.WithTransport(auth.Transport(cfg.Session.Transport)),
		auth.WithSessionTTL(cfg.Session.TTL),
		auth.WithClock(o.now),
	)
	if err != nil {
		return nil, err
	}

	accessHandler, err := access.NewHandler(codec, client, resolver,
		access.WithProcessors(append(common, middleware.NewAPISecurityHeadersProcessor(headerOpts...), cors, sessions)...),
		access.WithClock(o.now),
	)
	if err != nil {
		return nil, err
	}

	s := &Server{mux: http.NewServeMux()}
	for _, path := range authHandler.Paths() {
		s.mux.Handle(path, authHandler)
	}
	for _, path := range accessHandler.Paths() {
		s.mux.Handle(path, accessHandler)
	}

	logger.Info().
		Strs("auth_paths", authHandler.Paths()).
		Strs("access_paths", accessHandler.Paths()).
		Str("transport", cfg.Session.Transport).
		Str("session_format", cfg.Session.Format).
		Bool("oidc", cfg.Provider.Issuer != "").
		Bool("pkce", cfg.Provider.PKCE).
		Msg("routes mounted")
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HTTPServer returns an http.Server for s with the configured timeouts.
func (s *Server) HTTPServer(cfg config.HTTPConfig) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
