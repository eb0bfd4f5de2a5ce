// Package access serves the post-login API: the access check, the cookie
// status probe, logout and a health probe.
//
// The access check recomputes entitlement on every call. It accepts the
// session material minted at login, or a bare provider access token for
// clients that stored one before sessions existed. Three outcomes are
// distinguished for the caller: reauthenticate (no usable session), subscribe
// (known user without entitlement) and grant. Session cookies are never
// cleared here; a logged-in user without entitlement stays logged in.
package access

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/mnehpets/accessgate/auth"
	"github.com/mnehpets/accessgate/endpoint"
	"github.com/mnehpets/accessgate/entitlement"
	"github.com/mnehpets/accessgate/middleware"
	"github.com/mnehpets/accessgate/provider"
	"github.com/mnehpets/accessgate/session"
	"github.com/rs/zerolog/log"
)

// Action tells the caller what to do next.
type Action string

const (
	ActionReauthenticate Action = "reauthenticate"
	ActionSubscribe      Action = "subscribe"
	ActionGrant          Action = "grant"
)

// Error codes reported in Result.Error.
const (
	ErrorMissingToken   = "missing_token"
	ErrorSessionExpired = "session_expired"
	ErrorInvalidToken   = "invalid_token"
	ErrorInvalidRequest = "invalid_request"
)

// Result is the access check answer.
type Result struct {
	HasAccess bool               `json:"hasAccess"`
	User      *provider.Identity `json:"user,omitempty"`
	Expired   bool               `json:"expired,omitempty"`
	Error     string             `json:"error,omitempty"`
	Action    Action             `json:"action"`
}

// IdentitySource fetches the owner of an access token.
type IdentitySource interface {
	CurrentUser(ctx context.Context, accessToken string) (provider.Identity, error)
}

// Resolver decides entitlement.
type Resolver interface {
	Resolve(ctx context.Context, accessToken, userID string) entitlement.Record
}

// Routes are the paths served by the Handler.
type Routes struct {
	CheckAccess string
	UserStatus  string
	Logout      string
	Health      string
}

// DefaultRoutes returns the default paths.
func DefaultRoutes() Routes {
	return Routes{
		CheckAccess: "/check-access",
		UserStatus:  "/user-status",
		Logout:      "/logout",
		Health:      "/health",
	}
}

// Handler serves the access API.
type Handler struct {
	mux        *http.ServeMux
	codec      session.Codec
	users      IdentitySource
	resolver   Resolver
	routes     Routes
	now        func() time.Time
	processors []endpoint.Processor
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds processors to every endpoint. Cookie material and
// logout need a *middleware.SessionProcessor among them.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler returns a Handler. The codec must be the one used at login.
func NewHandler(codec session.Codec, users IdentitySource, resolver Resolver, opts ...Option) (*Handler, error) {
	if codec == nil || users == nil || resolver == nil {
		return nil, errors.New("access: session codec, identity source and resolver are required")
	}
	h := &Handler{
		mux:      http.NewServeMux(),
		codec:    codec,
		users:    users,
		resolver: resolver,
		routes:   DefaultRoutes(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	with := func(methods ...string) []endpoint.Processor {
		return append(slices.Clone(h.processors), middleware.AllowMethods(methods))
	}
	h.mux.Handle(h.routes.CheckAccess, endpoint.Handler(h.CheckAccess, with(http.MethodPost)...))
	h.mux.Handle(h.routes.UserStatus, endpoint.Handler(h.UserStatus, with(http.MethodGet)...))
	h.mux.Handle(h.routes.Logout, endpoint.Handler(h.Logout, with(http.MethodGet, http.MethodPost)...))
	h.mux.Handle(h.routes.Health, endpoint.Handler(h.Health, with(http.MethodGet, http.MethodHead)...))
	return h, nil
}

// Paths returns every path served by the Handler.
func (h *Handler) Paths() []string {
	return []string{h.routes.CheckAccess, h.routes.UserStatus, h.routes.Logout, h.routes.Health}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CheckRequest is the optional JSON body of the access check.
type CheckRequest struct {
	Token string `json:"token"`
}

// CheckParams carry the session material candidates. The body is decoded by
// CheckAccess so that a bad body still gets a Result.
type CheckParams struct {
	Body          []byte `body:"body"`
	Authorization string `header:"Authorization"`
}

// material picks the session material: body token, then bearer header, then
// session cookie. fromCookie reports the last case.
func material(body CheckRequest, params CheckParams, sess middleware.Session) (raw string, fromCookie bool) {
	if t := strings.TrimSpace(body.Token); t != "" {
		return t, false
	}
	if scheme, t, ok := strings.Cut(params.Authorization, " "); ok && strings.EqualFold(scheme, "Bearer") {
		if t = strings.TrimSpace(t); t != "" {
			return t, false
		}
	}
	if sess != nil && sess.Raw() != "" {
		return sess.Raw(), true
	}
	return "", false
}

// CheckAccess answers whether the holder of the session material is entitled.
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request, params CheckParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	logger := log.Ctx(ctx)
	sess, _ := middleware.SessionFromContext(ctx)

	var body CheckRequest
	if len(bytes.TrimSpace(params.Body)) > 0 {
		if err := json.Unmarshal(params.Body, &body); err != nil {
			logger.Info().Err(err).Msg("malformed access check body")
			return answer(Result{Error: ErrorInvalidRequest, Action: ActionReauthenticate}), nil
		}
	}

	raw, fromCookie := material(body, params, sess)
	if raw == "" {
		return answer(Result{Error: ErrorMissingToken, Action: ActionReauthenticate}), nil
	}

	tok, ident, err := h.decode(ctx, raw)
	switch {
	case errors.Is(err, session.ErrExpired):
		return answer(Result{
			User:    &ident,
			Expired: true,
			Error:   ErrorSessionExpired,
			Action:  ActionReauthenticate,
		}), nil
	case err != nil && upstreamFailure(err):
		logger.Warn().Err(err).Bool("from_cookie", fromCookie).Msg("provider user lookup failed")
		return answer(Result{Error: ErrorInvalidToken, Action: ActionReauthenticate}), nil
	case err != nil:
		logger.Info().Err(err).Bool("from_cookie", fromCookie).Msg("unusable session material")
		return answer(Result{Error: ErrorInvalidToken, Action: ActionReauthenticate}), nil
	}

	rec := h.resolver.Resolve(ctx, tok.AccessToken, tok.UserID)
	if fromCookie {
		sess.SetAccess(rec.HasAccess)
	}
	res := Result{
		HasAccess: rec.HasAccess,
		User:      &ident,
		Action:    ActionSubscribe,
	}
	if rec.HasAccess {
		res.Action = ActionGrant
	}
	return answer(res), nil
}

// decode returns the session token for raw and its owner. Material that is
// not a session token is tried as a bare provider access token, whose owner
// is looked up with the provider; a caller-supplied user id is never trusted.
func (h *Handler) decode(ctx context.Context, raw string) (session.Token, provider.Identity, error) {
	if session.LooksLikeToken(raw) {
		tok, err := h.codec.Decode(raw)
		if err == nil || errors.Is(err, session.ErrExpired) {
			return tok, provider.Identity{ID: tok.UserID}, err
		}
	}
	ident, err := h.users.CurrentUser(ctx, raw)
	if err != nil {
		return session.Token{}, provider.Identity{}, err
	}
	return session.Token{AccessToken: raw, UserID: ident.ID}, ident, nil
}

// upstreamFailure reports whether err is the provider failing rather than
// rejecting the token. Both fail closed.
func upstreamFailure(err error) bool {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

func answer(res Result) endpoint.Renderer {
	return &endpoint.JSONRenderer{Value: res}
}

// StatusResult is the cookie-only login status.
type StatusResult struct {
	IsLoggedIn bool    `json:"isLoggedIn"`
	UserID     *string `json:"userId"`
	HasAccess  bool    `json:"hasAccess"`
	Timestamp  int64   `json:"timestamp"`
}

// UserStatus reports the login flags from cookies. It never contacts the
// provider.
func (h *Handler) UserStatus(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	res := StatusResult{Timestamp: h.now().UnixMilli()}
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		res.IsLoggedIn = sess.LoggedIn()
		res.HasAccess = sess.HasAccess()
		if id, ok := sess.UserID(); ok {
			res.UserID = &id
		}
	}
	return &endpoint.JSONRenderer{Value: res}, nil
}

// LogoutParams name the landing page after logout.
type LogoutParams struct {
	Next string `query:"next"`
}

// Logout clears the session cookie and flags and redirects to a local page.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request, params LogoutParams) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", errors.New("access: logout without session processor"))
	}
	sess.Logout()
	return &endpoint.RedirectRenderer{URL: auth.ValidateNextURLIsLocal(params.Next)}, nil
}

// HealthResult is the health probe answer.
type HealthResult struct {
	OK  bool  `json:"ok"`
	Now int64 `json:"now"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Value: HealthResult{OK: true, Now: h.now().UnixMilli()}}, nil
}
