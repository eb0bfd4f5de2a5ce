package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid cookie format")
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the amount of attacker-controlled data decoded for a
// single cookie value.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key size in bytes of the default AEAD
// (XChaCha20-Poly1305).
const DefaultAEADKeysize = chacha20poly1305.KeySize

// Keyring seals and opens byte strings with an AEAD. It holds every accepted
// key; KeyID selects the key used for sealing.
//
// Sealed format: [keyID] "." base64url(nonce || ciphertext)
type Keyring struct {
	KeyID   string
	Keys    map[string][]byte
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewKeyring validates the keys against newAEAD and returns a Keyring.
func NewKeyring(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrCookieConfig, id, err)
		}
	}
	return &Keyring{KeyID: keyID, Keys: keys, NewAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding aad.
func (k *Keyring) Seal(plain, aad []byte) (string, error) {
	if k == nil {
		return "", ErrCookieConfig
	}
	aead, err := k.aead(k.KeyID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return k.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. It fails with ErrCookieFormat for structurally broken
// input and ErrCookieInvalid when authentication fails.
func (k *Keyring) Open(value string, aad []byte) ([]byte, error) {
	if k == nil {
		return nil, ErrCookieConfig
	}
	if value == "" || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	if _, known := k.Keys[keyID]; !known {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := k.aead(keyID)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

func (k *Keyring) aead(keyID string) (cipher.AEAD, error) {
	key, ok := k.Keys[keyID]
	if !ok {
		return nil, ErrCookieConfig
	}
	return k.NewAEAD(key)
}

// CookieAttrs are the attributes shared by every cookie the service sets.
type CookieAttrs struct {
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// DefaultCookieAttrs returns Path "/", Secure, SameSite=Lax.
func DefaultCookieAttrs() CookieAttrs {
	return CookieAttrs{Path: "/", Secure: true, SameSite: http.SameSiteLaxMode}
}

// Cookie builds a cookie with these attributes. maxAge < 0 produces a
// clearing cookie.
func (a CookieAttrs) Cookie(name, value string, maxAge int, httpOnly bool) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     a.Path,
		Domain:   a.Domain,
		MaxAge:   maxAge,
		Secure:   a.Secure,
		HttpOnly: httpOnly,
		SameSite: a.SameSite,
	}
	if c.Path == "" {
		c.Path = "/"
	}
	switch {
	case maxAge > 0:
		c.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
	case maxAge < 0:
		c.Value = ""
		c.Expires = time.Unix(0, 0)
	}
	return c
}

// SecureCookie seals CBOR-encoded values into an HttpOnly cookie. The cookie
// name and attributes are bound into the AEAD additional data, so a value
// sealed for one cookie name does not open under another.
type SecureCookie struct {
	name    string
	attrs   CookieAttrs
	keyring *Keyring

	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

// SecureCookieOption configures a SecureCookie.
type SecureCookieOption func(*SecureCookie)

// WithCookieAttrs sets path, domain, secure and same-site.
func WithCookieAttrs(attrs CookieAttrs) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.attrs = attrs
	}
}

// WithMarshalUnmarshal replaces the CBOR encoding.
func WithMarshalUnmarshal(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.marshal = marshal
		sc.unmarshal = unmarshal
	}
}

// NewSecureCookie returns a SecureCookie named name sealed with keyring.
func NewSecureCookie(name string, keyring *Keyring, opts ...SecureCookieOption) (*SecureCookie, error) {
	if keyring == nil {
		return nil, fmt.Errorf("%w: nil keyring", ErrCookieConfig)
	}
	sc := &SecureCookie{
		name:      name,
		attrs:     DefaultCookieAttrs(),
		keyring:   keyring,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.attrs.Path == "" {
		sc.attrs.Path = "/"
	}
	if sc.marshal == nil || sc.unmarshal == nil {
		return nil, fmt.Errorf("%w: nil codec", ErrCookieConfig)
	}
	return sc, nil
}

// Named returns a copy of sc that writes and reads the cookie name instead.
func (sc *SecureCookie) Named(name string) *SecureCookie {
	clone := *sc
	clone.name = name
	return &clone
}

// WithAttrs returns a copy of sc using attrs.
func (sc *SecureCookie) WithAttrs(attrs CookieAttrs) *SecureCookie {
	clone := *sc
	if attrs.Path == "" {
		attrs.Path = "/"
	}
	clone.attrs = attrs
	return &clone
}

func (sc *SecureCookie) aad() []byte {
	secure := "f"
	if sc.attrs.Secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.attrs.Domain + ":" + sc.attrs.Path + ":" + secure)
}

// Encode seals v into a cookie living maxAge seconds.
func (sc *SecureCookie) Encode(v any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: maxAge must be positive", ErrCookieConfig)
	}
	plain, err := sc.marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := sc.keyring.Seal(plain, sc.aad())
	if err != nil {
		return nil, err
	}
	return sc.attrs.Cookie(sc.name, val, maxAge, true), nil
}

// Decode opens cookie into v.
func (sc *SecureCookie) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	plain, err := sc.keyring.Open(cookie.Value, sc.aad())
	if err != nil {
		return err
	}
	if err := sc.unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCookieFormat, err)
	}
	return nil
}

// Clear returns a cookie that removes this cookie from the client.
func (sc *SecureCookie) Clear() *http.Cookie {
	return sc.attrs.Cookie(sc.name, "", -1, true)
}
