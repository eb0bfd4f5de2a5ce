package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignedCodec encodes tokens as HS256 JWTs.
type SignedCodec struct {
	key    []byte
	now    func() time.Time
	parser *jwt.Parser
}

type signedClaims struct {
	claims
	jwt.RegisteredClaims
}

// NewSignedCodec returns a SignedCodec. now defaults to time.Now.
func NewSignedCodec(key []byte, now func() time.Time) (*SignedCodec, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &SignedCodec{
		key: key,
		now: now,
		// Expiry is checked against the injected clock below, not by the parser.
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation()),
	}, nil
}

func (c *SignedCodec) Encode(tok Token) (string, error) {
	sc := signedClaims{
		claims: claims{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAtMs:  tok.ExpiresAt.UnixMilli(),
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tok.UserID,
			IssuedAt:  jwt.NewNumericDate(c.now()),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, sc).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("session: sign: %w", err)
	}
	return signed, nil
}

func (c *SignedCodec) Decode(raw string) (Token, error) {
	var sc signedClaims
	_, err := c.parser.ParseWithClaims(raw, &sc, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	tok, err := sc.claims.token(sc.Subject)
	if err != nil {
		return Token{}, err
	}
	return checkExpiry(tok, c.now)
}
