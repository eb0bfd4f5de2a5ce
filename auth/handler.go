package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"slices"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/accessgate/endpoint"
	"github.com/mnehpets/accessgate/entitlement"
	"github.com/mnehpets/accessgate/middleware"
	"github.com/mnehpets/accessgate/provider"
	"github.com/mnehpets/accessgate/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Transport selects how session material reaches the browser after login.
type Transport string

const (
	// TransportCookie sets the session cookie and flag cookies through the
	// session processor. The access token never appears in a URL.
	TransportCookie Transport = "cookie"
	// TransportURL appends token, user_id and has_access to the final
	// redirect URL.
	TransportURL Transport = "url"
)

// IdentitySource fetches the owner of an access token; *provider.Client
// implements it.
type IdentitySource interface {
	CurrentUser(ctx context.Context, accessToken string) (provider.Identity, error)
}

// Resolver decides entitlement; *entitlement.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, accessToken, userID string) entitlement.Record
}

// Routes are the paths served and redirected to by the Handler.
type Routes struct {
	Init     string
	Callback string
	// CallbackAliases serve the callback under additional registered
	// redirect paths.
	CallbackAliases []string
	Error           string
	// AccessGranted and NoAccess are the landing pages used when the login
	// carried no explicit next path.
	AccessGranted string
	NoAccess      string
}

// DefaultRoutes returns the default paths.
func DefaultRoutes() Routes {
	return Routes{
		Init:          "/oauth/init",
		Callback:      "/oauth/callback",
		Error:         "/oauth/error",
		AccessGranted: "/generate",
		NoAccess:      "/home",
	}
}

// maxLoggedBody bounds upstream bodies written to the log.
const maxLoggedBody = 512

// Handler implements the login flow: initiation, callback and error page.
type Handler struct {
	mux        *http.ServeMux
	provider   *Provider
	states     *StateCodec
	users      IdentitySource
	resolver   Resolver
	codec      session.Codec
	transport  Transport
	sessionTTL time.Duration
	routes     Routes
	now        func() time.Time

	// processors are the middleware processors to run for each endpoint
	processors []endpoint.Processor
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds middleware processors to the auth endpoints. Cookie
// transport needs a *middleware.SessionProcessor among them.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithRoutes replaces DefaultRoutes. Empty fields keep their default.
func WithRoutes(routes Routes) Option {
	return func(h *Handler) {
		def := h.routes
		h.routes = routes
		keep(&h.routes.Init, def.Init)
		keep(&h.routes.Callback, def.Callback)
		keep(&h.routes.Error, def.Error)
		keep(&h.routes.AccessGranted, def.AccessGranted)
		keep(&h.routes.NoAccess, def.NoAccess)
	}
}

func keep(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// WithTransport selects the session transport (default TransportCookie).
func WithTransport(t Transport) Option {
	return func(h *Handler) {
		h.transport = t
	}
}

// WithSessionTTL sets the validity window of minted session tokens.
func WithSessionTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		h.sessionTTL = ttl
	}
}

// WithClock replaces time.Now when minting session tokens.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a Handler.
func NewHandler(p *Provider, states *StateCodec, users IdentitySource, resolver Resolver, codec session.Codec, opts ...Option) (*Handler, error) {
	if p == nil || states == nil || users == nil || resolver == nil || codec == nil {
		return nil, errors.New("auth: provider, state codec, identity source, resolver and session codec are required")
	}
	h := &Handler{
		mux:        http.NewServeMux(),
		provider:   p,
		states:     states,
		users:      users,
		resolver:   resolver,
		codec:      codec,
		transport:  TransportCookie,
		sessionTTL: session.DefaultTTL,
		routes:     DefaultRoutes(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	switch h.transport {
	case TransportCookie, TransportURL:
	default:
		return nil, fmt.Errorf("auth: unknown session transport %q", h.transport)
	}

	// Methods are checked by a processor rather than the mux pattern so that
	// a wrong method gets the JSON error body.
	get := append(slices.Clone(h.processors), middleware.AllowMethods{http.MethodGet})
	h.mux.Handle(h.routes.Init, endpoint.Handler(h.Init, get...))
	callback := endpoint.Handler(h.Callback, get...)
	for _, path := range h.callbackPaths() {
		h.mux.Handle(path, callback)
	}
	h.mux.Handle("GET "+h.routes.Error, endpoint.Handler(h.ErrorPage, h.processors...))
	return h, nil
}

func (h *Handler) callbackPaths() []string {
	paths := []string{h.routes.Callback}
	for _, alias := range h.routes.CallbackAliases {
		if alias != "" && !slices.Contains(paths, alias) {
			paths = append(paths, alias)
		}
	}
	return paths
}

// Paths returns every path served by the Handler, for mounting on an outer
// mux.
func (h *Handler) Paths() []string {
	return append([]string{h.routes.Init, h.routes.Error}, h.callbackPaths()...)
}

// Routes returns the effective routes.
func (h *Handler) Routes() Routes {
	return h.routes
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// InitParams are the query parameters of the init route.
type InitParams struct {
	Next string `query:"next"`
}

// CallbackParams are the query parameters the provider returns with.
type CallbackParams struct {
	State     string `query:"state"`
	Code      string `query:"code"`
	Error     string `query:"error"`
	ErrorDesc string `query:"error_description"`
}

// Init starts a login: it issues a state cookie and redirects to the
// provider authorization URL.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request, params InitParams) (endpoint.Renderer, error) {
	logger := log.Ctx(r.Context())

	st := AuthState{Next: params.Next}
	var opts []oauth2.AuthCodeOption

	if h.provider.usePKCE {
		verifier, challenge, err := generatePKCE()
		if err != nil {
			logger.Error().Err(err).Msg("failed to generate PKCE")
			return h.fail(CodeInitFailed), nil
		}
		st.PKCEVerifier = verifier
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}

	if h.provider.verifier != nil {
		nonce, err := generateState() // Reuse random string gen
		if err != nil {
			logger.Error().Err(err).Msg("failed to generate nonce")
			return h.fail(CodeInitFailed), nil
		}
		st.Nonce = nonce
		opts = append(opts, oidc.Nonce(nonce))
	}

	stateID, cookie, err := h.states.Issue(st)
	if err != nil {
		logger.Error().Err(err).Msg("failed to issue state")
		return h.fail(CodeInitFailed), nil
	}
	http.SetCookie(w, cookie)

	conf := h.provider.oauth2Config(h.provider.RedirectURL(r))
	return &endpoint.RedirectRenderer{URL: conf.AuthCodeURL(stateID, opts...)}, nil
}

// Callback completes a login. Every outcome is a redirect: to the landing
// page on success, to the error route with a stable code otherwise.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (rend endpoint.Renderer, err error) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("callback panicked")
			rend, err = h.fail(CodeCallbackFailed), nil
		}
	}()

	if params.Error != "" {
		logger.Info().
			Str("provider_error", params.Error).
			Str("provider_error_description", params.ErrorDesc).
			Msg("provider returned error")
		if validStateID(params.State) {
			http.SetCookie(w, h.states.Clear(params.State))
		}
		return h.fail(CodeAccessDenied), nil
	}
	if params.Code == "" {
		return h.fail(CodeMissingCode), nil
	}
	if params.State == "" {
		return h.fail(CodeMissingState), nil
	}

	st, err := h.states.Validate(r, params.State)
	if err != nil {
		logger.Warn().Err(err).Msg("state validation failed")
		return h.fail(stateErrorCode(err)), nil
	}
	// Single use.
	http.SetCookie(w, h.states.Clear(params.State))

	token, err := h.exchange(ctx, r, params.Code, st)
	if err != nil {
		logExchangeError(logger, err)
		return h.fail(CodeCodeExchangeFailed), nil
	}

	ident, err := h.identify(ctx, token, st.Nonce)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to get user")
		return h.fail(CodeFailedToGetUser), nil
	}

	rec := h.resolver.Resolve(ctx, token.AccessToken, ident.ID)
	logger.Info().
		Str("user_id", ident.ID).
		Bool("has_access", rec.HasAccess).
		Str("match_source", string(rec.Source)).
		Str("membership_id", rec.MatchedMembership).
		Msg("login completed")

	tok := session.New(token.AccessToken, token.RefreshToken, ident.ID, h.now(), h.sessionTTL)
	redirect := &endpoint.RedirectRenderer{URL: h.destination(st.Next, rec.HasAccess)}

	switch h.transport {
	case TransportURL:
		raw, err := h.codec.Encode(tok)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode session")
			return h.fail(CodeCallbackFailed), nil
		}
		redirect.Query = url.Values{
			"token":      {raw},
			"user_id":    {ident.ID},
			"has_access": {strconv.FormatBool(rec.HasAccess)},
		}
	default:
		sess, ok := middleware.SessionFromContext(ctx)
		if !ok {
			logger.Error().Msg("cookie transport without session processor")
			return h.fail(CodeCallbackFailed), nil
		}
		if err := sess.Login(tok, rec.HasAccess); err != nil {
			logger.Error().Err(err).Msg("failed to store session")
			return h.fail(CodeCallbackFailed), nil
		}
	}
	return redirect, nil
}

// exchange trades code for a token using the same redirect URI as Init.
func (h *Handler) exchange(ctx context.Context, r *http.Request, code string, st AuthState) (*oauth2.Token, error) {
	ctx, cancel := h.provider.exchangeContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if st.PKCEVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", st.PKCEVerifier))
	}
	conf := h.provider.oauth2Config(h.provider.RedirectURL(r))
	token, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	return token, nil
}

// identify returns the owner of token: the verified ID token subject when
// the provider is OIDC and returned one, the current-user API otherwise.
func (h *Handler) identify(ctx context.Context, token *oauth2.Token, nonce string) (provider.Identity, error) {
	if h.provider.verifier != nil {
		if raw, ok := token.Extra("id_token").(string); ok && raw != "" {
			idToken, err := h.provider.verifier.Verify(ctx, raw)
			if err != nil {
				return provider.Identity{}, fmt.Errorf("id_token verification failed: %w", err)
			}
			if nonce != "" && subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
				return provider.Identity{}, errors.New("nonce mismatch")
			}
			ident := identityFromIDToken(idToken)
			if ident.ID == "" {
				return provider.Identity{}, errors.New("id_token has no subject")
			}
			return ident, nil
		}
	}
	return h.users.CurrentUser(ctx, token.AccessToken)
}

// destination prefers the next path carried by the state, except "/", in
// which case the landing page depends on access.
func (h *Handler) destination(next string, hasAccess bool) string {
	if next != "" && next != "/" {
		return next
	}
	if hasAccess {
		return h.routes.AccessGranted
	}
	return h.routes.NoAccess
}

func (h *Handler) fail(code string) endpoint.Renderer {
	return &endpoint.RedirectRenderer{
		URL:   h.routes.Error,
		Query: url.Values{"error": {code}},
	}
}

func stateErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrStateExpired):
		return CodeStateExpired
	case errors.Is(err, ErrInvalidStateData):
		return CodeInvalidStateData
	default:
		return CodeInvalidState
	}
}

// logExchangeError logs the upstream status and body of a failed exchange.
// They go to the log only; the browser gets the error code.
func logExchangeError(logger *zerolog.Logger, err error) {
	ev := logger.Warn().Err(err)
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			ev = ev.Int("upstream_status", re.Response.StatusCode)
		}
		body := re.Body
		if len(body) > maxLoggedBody {
			body = body[:maxLoggedBody]
		}
		ev = ev.Str("upstream_error", re.ErrorCode).Bytes("upstream_body", body)
	}
	ev.Msg("code exchange failed")
}
