package session

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
)

// SealedCodec encodes tokens as compact JWEs (alg "dir", enc "A256GCM").
type SealedCodec struct {
	key []byte
	enc jose.Encrypter
	now func() time.Time
}

// NewSealedCodec returns a SealedCodec. Only the first 32 bytes of key are
// used. now defaults to time.Now.
func NewSealedCodec(key []byte, now func() time.Time) (*SealedCodec, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	key = key[:32]
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("session: encrypter: %w", err)
	}
	return &SealedCodec{key: key, enc: enc, now: now}, nil
}

func (c *SealedCodec) Encode(tok Token) (string, error) {
	std := josejwt.Claims{
		Subject:  tok.UserID,
		IssuedAt: josejwt.NewNumericDate(c.now()),
		Expiry:   josejwt.NewNumericDate(tok.ExpiresAt),
	}
	priv := claims{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAtMs:  tok.ExpiresAt.UnixMilli(),
	}
	raw, err := josejwt.Encrypted(c.enc).Claims(std).Claims(priv).Serialize()
	if err != nil {
		return "", fmt.Errorf("session: seal: %w", err)
	}
	return raw, nil
}

func (c *SealedCodec) Decode(raw string) (Token, error) {
	parsed, err := josejwt.ParseEncrypted(raw, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var (
		std  josejwt.Claims
		priv claims
	)
	if err := parsed.Claims(c.key, &std, &priv); err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	tok, err := priv.token(std.Subject)
	if err != nil {
		return Token{}, err
	}
	return checkExpiry(tok, c.now)
}
