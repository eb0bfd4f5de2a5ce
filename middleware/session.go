package middleware

// Session middleware for the endpoint processor/renderer pipeline.
//
// Session material lives entirely in client-held cookies: one cookie carries
// the encoded session.Token, three plain flag cookies (user id, has access,
// logged in) let the front end and /user-status read login state without
// contacting the provider.

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mnehpets/accessgate/endpoint"
	"github.com/mnehpets/accessgate/session"
)

var (
	ErrNilSession = errors.New("nil session")
	// ErrNoSession is returned by Session.Token when the request carries no
	// session cookie.
	ErrNoSession = errors.New("no session cookie")
)

// DefaultFlagPeriod is the lifetime of the user id, has access and logged in
// flag cookies.
const DefaultFlagPeriod = 30 * 24 * time.Hour

// CookieNames are the names of the cookies written by SessionProcessor.
type CookieNames struct {
	Session   string
	UserID    string
	HasAccess string
	LoggedIn  string
}

// DefaultCookieNames returns the cookie names used unless overridden.
func DefaultCookieNames() CookieNames {
	return CookieNames{
		Session:   "session_token",
		UserID:    "user_id",
		HasAccess: "has_access",
		LoggedIn:  "logged_in",
	}
}

// Session is request-scoped session state.
type Session interface {
	// Raw returns the encoded session cookie value, or "" when absent.
	Raw() string
	// Token decodes the session cookie. It returns ErrNoSession when there is
	// none, and the session package errors for malformed or expired material
	// (an expired token is returned alongside session.ErrExpired).
	Token() (session.Token, error)
	// UserID returns the user id flag and whether it is set.
	UserID() (string, bool)
	// LoggedIn reports the logged in flag.
	LoggedIn() bool
	// HasAccess reports the has access flag.
	HasAccess() bool
	// Login replaces the session with tok and sets all flags.
	Login(tok session.Token, hasAccess bool) error
	// SetAccess updates only the has access flag.
	SetAccess(hasAccess bool)
	// Logout clears the session cookie and all flags.
	Logout()
}

// cookieSession implements Session, tracking which cookies need rewriting.
type cookieSession struct {
	codec session.Codec

	raw       string
	decoded   bool
	token     session.Token
	tokenErr  error
	userID    string
	loggedIn  bool
	hasAccess bool

	sessionDirty bool
	flagsDirty   bool
	cleared      bool
}

func (s *cookieSession) Raw() string {
	if s == nil {
		return ""
	}
	return s.raw
}

func (s *cookieSession) Token() (session.Token, error) {
	if s == nil {
		return session.Token{}, ErrNilSession
	}
	if s.raw == "" {
		return session.Token{}, ErrNoSession
	}
	if !s.decoded {
		s.token, s.tokenErr = s.codec.Decode(s.raw)
		s.decoded = true
	}
	return s.token, s.tokenErr
}

func (s *cookieSession) UserID() (string, bool) {
	if s == nil || s.userID == "" {
		return "", false
	}
	return s.userID, true
}

func (s *cookieSession) LoggedIn() bool {
	return s != nil && s.loggedIn
}

func (s *cookieSession) HasAccess() bool {
	return s != nil && s.hasAccess
}

func (s *cookieSession) Login(tok session.Token, hasAccess bool) error {
	if s == nil {
		return ErrNilSession
	}
	raw, err := s.codec.Encode(tok)
	if err != nil {
		return err
	}
	s.raw = raw
	s.token, s.tokenErr, s.decoded = tok, nil, true
	s.userID = tok.UserID
	s.loggedIn = true
	s.hasAccess = hasAccess
	s.sessionDirty, s.flagsDirty, s.cleared = true, true, false
	return nil
}

func (s *cookieSession) SetAccess(hasAccess bool) {
	if s == nil || s.cleared {
		return
	}
	if s.hasAccess != hasAccess {
		s.hasAccess = hasAccess
		s.flagsDirty = true
		// Flags are rewritten together; fill the others from a valid token.
		if tok, err := s.Token(); err == nil {
			s.userID, s.loggedIn = tok.UserID, true
		}
	}
}

func (s *cookieSession) Logout() {
	if s == nil {
		return
	}
	*s = cookieSession{codec: s.codec, cleared: true}
}

// sessionContextKey is an unexported unique key for storing sessions in context.
type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor is an endpoint processor that reads the session cookies
// into a Session and writes back whatever the endpoint changed, just before
// the response headers are committed. It never clears cookies on its own:
// an undecodable or expired session stays in place until Logout or a new
// Login replaces it.
type SessionProcessor struct {
	codec      session.Codec
	names      CookieNames
	attrs      CookieAttrs
	flagPeriod time.Duration
	now        func() time.Time
}

// SessionProcessorOption configures the SessionProcessor.
type SessionProcessorOption func(*SessionProcessor)

// WithCookieNames overrides the cookie names.
func WithCookieNames(names CookieNames) SessionProcessorOption {
	return func(p *SessionProcessor) {
		p.names = names
	}
}

// WithSessionCookieAttrs sets path, domain, secure and same-site for every
// session cookie.
func WithSessionCookieAttrs(attrs CookieAttrs) SessionProcessorOption {
	return func(p *SessionProcessor) {
		p.attrs = attrs
	}
}

// WithFlagPeriod sets the flag cookie lifetime.
func WithFlagPeriod(d time.Duration) SessionProcessorOption {
	return func(p *SessionProcessor) {
		p.flagPeriod = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SessionProcessorOption {
	return func(p *SessionProcessor) {
		p.now = now
	}
}

// NewSessionProcessor returns a SessionProcessor encoding tokens with codec.
func NewSessionProcessor(codec session.Codec, opts ...SessionProcessorOption) (*SessionProcessor, error) {
	if codec == nil {
		return nil, errors.New("SessionProcessor requires a session codec")
	}
	p := &SessionProcessor{
		codec:      codec,
		names:      DefaultCookieNames(),
		attrs:      DefaultCookieAttrs(),
		flagPeriod: DefaultFlagPeriod,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Names returns the configured cookie names.
func (p *SessionProcessor) Names() CookieNames {
	return p.names
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := &cookieSession{codec: p.codec}
	if c, err := r.Cookie(p.names.Session); err == nil {
		sess.raw = c.Value
	}
	if c, err := r.Cookie(p.names.UserID); err == nil {
		sess.userID = c.Value
	}
	sess.loggedIn = p.flag(r, p.names.LoggedIn)
	sess.hasAccess = p.flag(r, p.names.HasAccess)

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.writeCookies(w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor) flag(r *http.Request, name string) bool {
	c, err := r.Cookie(name)
	if err != nil {
		return false
	}
	b, err := strconv.ParseBool(c.Value)
	return err == nil && b
}

func (p *SessionProcessor) writeCookies(w http.ResponseWriter, sess *cookieSession) {
	if sess.cleared {
		for _, name := range []string{p.names.Session, p.names.UserID, p.names.HasAccess, p.names.LoggedIn} {
			http.SetCookie(w, p.attrs.Cookie(name, "", -1, true))
		}
		return
	}
	if sess.sessionDirty {
		maxAge := int(sess.token.ExpiresAt.Sub(p.now()).Seconds())
		if maxAge > 0 {
			http.SetCookie(w, p.attrs.Cookie(p.names.Session, sess.raw, maxAge, true))
		}
	}
	if sess.flagsDirty {
		flagAge := int(p.flagPeriod.Seconds())
		http.SetCookie(w, p.attrs.Cookie(p.names.UserID, sess.userID, flagAge, true))
		http.SetCookie(w, p.attrs.Cookie(p.names.HasAccess, strconv.FormatBool(sess.hasAccess), flagAge, true))
		http.SetCookie(w, p.attrs.Cookie(p.names.LoggedIn, strconv.FormatBool(sess.loggedIn), flagAge, true))
	}
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*cookieSession)(nil)
