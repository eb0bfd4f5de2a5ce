package middleware

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAESGCMAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

type testPayload struct {
	Msg string
	Num int
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, DefaultAEADKeysize)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr, err := NewKeyring("a", map[string][]byte{"a": randomKey(t)}, nil)
	require.NoError(t, err)
	return kr
}

func TestSecureCookie_RoundTrip(t *testing.T) {
	attrs := CookieAttrs{Path: "/", Domain: "example.com", Secure: false, SameSite: http.SameSiteNoneMode}
	sc, err := NewSecureCookie("sc", testKeyring(t), WithCookieAttrs(attrs))
	require.NoError(t, err)

	in := testPayload{Msg: "hello world", Num: 1}
	ck, err := sc.Encode(in, 3600)
	require.NoError(t, err)

	assert.Equal(t, "sc", ck.Name)
	assert.Equal(t, "example.com", ck.Domain)
	assert.Equal(t, "/", ck.Path)
	assert.True(t, ck.HttpOnly)
	assert.False(t, ck.Secure)
	assert.Equal(t, http.SameSiteNoneMode, ck.SameSite)
	assert.Equal(t, 3600, ck.MaxAge)
	assert.True(t, strings.HasPrefix(ck.Value, "a."))

	var out testPayload
	require.NoError(t, sc.Decode(ck, &out))
	assert.Equal(t, in, out)
}

func TestSecureCookie_NamedBindsName(t *testing.T) {
	base, err := NewSecureCookie("oauth-state", testKeyring(t))
	require.NoError(t, err)

	one := base.Named("oauth-state-one")
	two := base.Named("oauth-state-two")
	baseCk, err := base.Encode(testPayload{Msg: "x"}, 60)
	require.NoError(t, err)
	assert.Equal(t, "oauth-state", baseCk.Name)

	ck, err := one.Encode(testPayload{Msg: "x"}, 60)
	require.NoError(t, err)
	assert.Equal(t, "oauth-state-one", ck.Name)

	// The same value presented under another name does not open.
	moved := *ck
	moved.Name = "oauth-state-two"
	var out testPayload
	assert.ErrorIs(t, two.Decode(&moved, &out), ErrCookieInvalid)
	require.NoError(t, one.Decode(ck, &out))
}

func TestSecureCookie_KeyRotation(t *testing.T) {
	ka, kb := randomKey(t), randomKey(t)
	oldRing, err := NewKeyring("a", map[string][]byte{"a": ka}, nil)
	require.NoError(t, err)
	newRing, err := NewKeyring("b", map[string][]byte{"a": ka, "b": kb}, nil)
	require.NoError(t, err)

	oldSC, err := NewSecureCookie("sc", oldRing)
	require.NoError(t, err)
	newSC, err := NewSecureCookie("sc", newRing)
	require.NoError(t, err)

	ck, err := oldSC.Encode(testPayload{Num: 7}, 60)
	require.NoError(t, err)
	var out testPayload
	require.NoError(t, newSC.Decode(ck, &out))
	assert.Equal(t, 7, out.Num)

	ck, err = newSC.Encode(testPayload{Num: 8}, 60)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ck.Value, "b."))
	assert.ErrorIs(t, oldSC.Decode(ck, &out), ErrCookieInvalid)
}

func TestSecureCookie_TamperedAndMalformed(t *testing.T) {
	sc, err := NewSecureCookie("sc", testKeyring(t))
	require.NoError(t, err)
	ck, err := sc.Encode(testPayload{Msg: "x"}, 60)
	require.NoError(t, err)

	var out testPayload
	for name, value := range map[string]string{
		"empty":      "",
		"no dot":     "abc",
		"bad base64": "a.!!!",
		"too short":  "a.AAAA",
		"too long":   "a." + strings.Repeat("A", maxCookieLen),
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, sc.Decode(&http.Cookie{Name: "sc", Value: value}, &out), ErrCookieFormat)
		})
	}

	// Flip a character in the middle of the sealed payload.
	i := len(ck.Value) / 2
	flipped := byte('A')
	if ck.Value[i] == 'A' {
		flipped = 'B'
	}
	tampered := ck.Value[:i] + string(flipped) + ck.Value[i+1:]
	assert.ErrorIs(t, sc.Decode(&http.Cookie{Name: "sc", Value: tampered}, &out), ErrCookieInvalid)
	assert.ErrorIs(t, sc.Decode(&http.Cookie{Name: "sc", Value: "zz." + strings.SplitN(ck.Value, ".", 2)[1]}, &out), ErrCookieInvalid)
	assert.ErrorIs(t, sc.Decode(nil, &out), ErrCookieFormat)
}

func TestSecureCookie_CustomAEADAndCodec(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	kr, err := NewKeyring("g", map[string][]byte{"g": key}, newAESGCMAEAD)
	require.NoError(t, err)

	sc, err := NewSecureCookie("sc", kr, WithMarshalUnmarshal(json.Marshal, json.Unmarshal))
	require.NoError(t, err)
	ck, err := sc.Encode(testPayload{Msg: "json"}, 60)
	require.NoError(t, err)

	var out testPayload
	require.NoError(t, sc.Decode(ck, &out))
	assert.Equal(t, "json", out.Msg)
}

func TestNewKeyring_Validation(t *testing.T) {
	_, err := NewKeyring("a", nil, nil)
	assert.ErrorIs(t, err, ErrCookieConfig)

	_, err = NewKeyring("missing", map[string][]byte{"a": make([]byte, DefaultAEADKeysize)}, nil)
	assert.ErrorIs(t, err, ErrCookieConfig)

	_, err = NewKeyring("a", map[string][]byte{"a": []byte("short")}, nil)
	assert.ErrorIs(t, err, ErrCookieConfig)
}

func TestSecureCookie_EncodeRejectsNonPositiveMaxAge(t *testing.T) {
	sc, err := NewSecureCookie("sc", testKeyring(t))
	require.NoError(t, err)
	_, err = sc.Encode(testPayload{}, 0)
	assert.ErrorIs(t, err, ErrCookieConfig)
}

func TestSecureCookie_Clear(t *testing.T) {
	sc, err := NewSecureCookie("sc", testKeyring(t))
	require.NoError(t, err)
	c := sc.Clear()
	assert.Equal(t, "sc", c.Name)
	assert.Empty(t, c.Value)
	assert.Equal(t, -1, c.MaxAge)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
}
