package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/accessgate/provider"
)

// pkceVerifierLength is the number of random bytes used to generate the PKCE verifier.
// 32 bytes of random data results in a 43 character string (using RawURLEncoding), satisfying the
// RFC 7636 requirement (min 43 characters).
const pkceVerifierLength = 32

// generatePKCE creates a PKCE verifier and challenge.
// It uses S256 as the challenge method.
func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, pkceVerifierLength)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)

	// SHA256 hash of the verifier for the challenge
	s := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(s[:])

	return verifier, challenge, nil
}

// identityFromIDToken builds an Identity from verified ID token claims. The
// email is only taken when the provider marks it verified.
func identityFromIDToken(token *oidc.IDToken) provider.Identity {
	id := provider.Identity{ID: token.Subject}
	var claims struct {
		Email             string `json:"email"`
		EmailVerified     bool   `json:"email_verified"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := token.Claims(&claims); err != nil {
		return id
	}
	if claims.EmailVerified {
		id.Email = claims.Email
	}
	id.Name = claims.Name
	id.Username = claims.PreferredUsername
	return id
}

// ValidateNextURLIsLocal returns nextURL when it is a path on this origin,
// and "/" otherwise.
func ValidateNextURLIsLocal(nextURL string) string {
	// Must be relative (start with /) and not protocol-relative (// or /\,
	// which browsers treat alike).
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") ||
		strings.HasPrefix(nextURL, "//") || strings.HasPrefix(nextURL, "/\\") ||
		strings.ContainsAny(nextURL, "\r\n\t") {
		return "/"
	}
	return nextURL
}

// isLocalHost reports whether host (optionally with a port) is a loopback
// development origin.
func isLocalHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
