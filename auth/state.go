package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mnehpets/accessgate/middleware"
)

var (
	// ErrInvalidState is returned when the state parameter is malformed or
	// no state cookie matches it.
	ErrInvalidState = errors.New("auth: invalid state")
	// ErrStateExpired is returned when the matching state is older than the
	// codec TTL.
	ErrStateExpired = errors.New("auth: state expired")
	// ErrInvalidStateData is returned when the state cookie exists but cannot
	// be opened or decoded.
	ErrInvalidStateData = errors.New("auth: invalid state data")
)

// StateCookiePrefix prefixes the per-attempt state cookie name. Each login
// attempt gets its own cookie so that concurrent attempts from several tabs
// do not overwrite each other.
const StateCookiePrefix = "oauth-state-"

// DefaultStateTTL bounds the age of a state at the callback.
const DefaultStateTTL = time.Hour

// stateLength is the number of random bytes used to generate the state parameter.
// 32 bytes provides 256 bits of entropy, which is sufficient to prevent collisions
// and brute-force attacks on the state parameter even with a large number of concurrent flows.
const stateLength = 32

// stateIDLength is the base64url (unpadded) length of stateLength bytes.
var stateIDLength = base64.RawURLEncoding.EncodedLen(stateLength)

// AuthState is the payload sealed into a state cookie.
type AuthState struct {
	// Next is the local path to land on after login.
	Next string `cbor:"1,keyasint,omitempty"`

	// IssuedAtMs is the issue time in epoch milliseconds.
	IssuedAtMs int64 `cbor:"2,keyasint"`

	// PKCEVerifier is the code verifier for PKCE flows.
	PKCEVerifier string `cbor:"3,keyasint,omitempty"`

	// Nonce is the OIDC nonce sent to the provider (if OIDC is used).
	// It must be verified against the ID Token upon return.
	Nonce string `cbor:"4,keyasint,omitempty"`
}

// IssuedAt returns the issue time.
func (s AuthState) IssuedAt() time.Time {
	return time.UnixMilli(s.IssuedAtMs)
}

// StateCodec issues and validates per-attempt state cookies.
type StateCodec struct {
	cookie *middleware.SecureCookie
	ttl    time.Duration
	now    func() time.Time
}

// StateOption configures a StateCodec.
type StateOption func(*StateCodec)

// WithStateTTL overrides DefaultStateTTL.
func WithStateTTL(ttl time.Duration) StateOption {
	return func(c *StateCodec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithStateClock replaces time.Now.
func WithStateClock(now func() time.Time) StateOption {
	return func(c *StateCodec) {
		c.now = now
	}
}

// WithStateCookieAttrs sets path, domain, secure and same-site of the state
// cookies.
func WithStateCookieAttrs(attrs middleware.CookieAttrs) StateOption {
	return func(c *StateCodec) {
		c.cookie = c.cookie.WithAttrs(attrs)
	}
}

// NewStateCodec returns a StateCodec sealing with keyring.
func NewStateCodec(keyring *middleware.Keyring, opts ...StateOption) (*StateCodec, error) {
	sc, err := middleware.NewSecureCookie(StateCookiePrefix, keyring)
	if err != nil {
		return nil, err
	}
	c := &StateCodec{cookie: sc, ttl: DefaultStateTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the state lifetime.
func (c *StateCodec) TTL() time.Duration {
	return c.ttl
}

// CookieName returns the name of the cookie holding stateID.
func (c *StateCodec) CookieName(stateID string) string {
	return StateCookiePrefix + stateID
}

// Issue generates a state id and seals st, stamped with the current time,
// into the matching cookie.
func (c *StateCodec) Issue(st AuthState) (string, *http.Cookie, error) {
	stateID, err := generateState()
	if err != nil {
		return "", nil, fmt.Errorf("auth: generate state: %w", err)
	}
	st.Next = ValidateNextURLIsLocal(st.Next)
	st.IssuedAtMs = c.now().UnixMilli()
	cookie, err := c.cookie.Named(c.CookieName(stateID)).Encode(st, int(c.ttl.Seconds()))
	if err != nil {
		return "", nil, fmt.Errorf("auth: seal state: %w", err)
	}
	return stateID, cookie, nil
}

// Validate returns the state issued under stateID. The returned Next is
// always a local path.
func (c *StateCodec) Validate(r *http.Request, stateID string) (AuthState, error) {
	if !validStateID(stateID) {
		return AuthState{}, ErrInvalidState
	}
	cookie, err := r.Cookie(c.CookieName(stateID))
	if err != nil {
		return AuthState{}, ErrInvalidState
	}
	var st AuthState
	if err := c.cookie.Named(cookie.Name).Decode(cookie, &st); err != nil {
		return AuthState{}, fmt.Errorf("%w: %w", ErrInvalidStateData, err)
	}
	if st.IssuedAtMs == 0 {
		return AuthState{}, ErrInvalidStateData
	}
	if c.now().Sub(st.IssuedAt()) > c.ttl {
		return AuthState{}, ErrStateExpired
	}
	st.Next = ValidateNextURLIsLocal(st.Next)
	return st, nil
}

// Clear returns a cookie removing the state cookie of stateID.
func (c *StateCodec) Clear(stateID string) *http.Cookie {
	return c.cookie.Named(c.CookieName(stateID)).Clear()
}

// generateState creates a random, URL-safe state string.
// It is used for generating both the OAuth state parameter and the OIDC nonce.
func generateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// validStateID reports whether s could have come from generateState. The
// check runs before s is used to build a cookie name.
func validStateID(s string) bool {
	if len(s) != stateIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return false
		}
	}
	return true
}
