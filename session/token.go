// Package session encodes the session material handed to the browser after a
// successful login: the provider access token, the user id and an expiry
// chosen by this service.
//
// Two codecs are provided. SignedCodec produces an HS256 JWT (integrity
// only); SealedCodec produces a JWE using direct A256GCM encryption, so the
// embedded access token is not readable by the holder.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned for material that is not a token issued by
	// this service (wrong format, bad signature, wrong key).
	ErrMalformed = errors.New("session: malformed token")
	// ErrExpired is returned alongside the decoded token once its expiry
	// has passed.
	ErrExpired = errors.New("session: token expired")
)

// DefaultTTL is the validity window of a freshly minted token.
const DefaultTTL = 7 * 24 * time.Hour

// MinKeySize is the minimum accepted key length in bytes.
const MinKeySize = 32

// Token is the session bundle persisted by the browser.
type Token struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	ExpiresAt    time.Time
}

// New mints a token valid for ttl from now. The expiry is independent of the
// upstream token lifetime.
func New(accessToken, refreshToken, userID string, now time.Time, ttl time.Duration) Token {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       userID,
		ExpiresAt:    now.Add(ttl).Truncate(time.Millisecond),
	}
}

// Expired reports whether now is past the token expiry.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Codec converts between Token and its string form.
//
// Decode returns ErrMalformed (wrapped) when the input is not a token from
// this codec. When the token decodes but has expired, Decode returns the
// token together with ErrExpired.
type Codec interface {
	Encode(Token) (string, error)
	Decode(raw string) (Token, error)
}

// Format names a Codec implementation.
type Format string

const (
	FormatSigned Format = "signed"
	FormatSealed Format = "sealed"
)

// NewCodec returns the codec for format keyed with key.
func NewCodec(format Format, key []byte, now func() time.Time) (Codec, error) {
	switch Format(strings.ToLower(string(format))) {
	case FormatSigned:
		return NewSignedCodec(key, now)
	case FormatSealed, "":
		return NewSealedCodec(key, now)
	default:
		return nil, fmt.Errorf("session: unknown format %q", format)
	}
}

// LooksLikeToken reports whether raw has the compact JWS (three segments) or
// JWE (five segments) shape. Material that does not is treated by callers as
// a bare provider access token.
func LooksLikeToken(raw string) bool {
	n := strings.Count(raw, ".")
	return n == 2 || n == 4
}

// claims is the wire payload shared by both codecs. Expiry is kept in
// epoch milliseconds.
type claims struct {
	AccessToken  string `json:"at"`
	RefreshToken string `json:"rt,omitempty"`
	ExpiresAtMs  int64  `json:"exp_ms"`
}

func (c claims) token(userID string) (Token, error) {
	if userID == "" || c.AccessToken == "" || c.ExpiresAtMs == 0 {
		return Token{}, fmt.Errorf("%w: missing fields", ErrMalformed)
	}
	return Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		UserID:       userID,
		ExpiresAt:    time.UnixMilli(c.ExpiresAtMs).UTC(),
	}, nil
}

func checkExpiry(tok Token, now func() time.Time) (Token, error) {
	if tok.Expired(now()) {
		return tok, ErrExpired
	}
	return tok, nil
}

func checkKey(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("session: key must be at least %d bytes", MinKeySize)
	}
	return nil
}
