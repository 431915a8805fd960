// Package oauthflow implements the PKCE helpers and token endpoint client:
// pure verifier/challenge/authorization-URL functions, plus the HTTP
// client that performs authorization_code and refresh_token grants
// against the upstream's fixed token endpoint.
package oauthflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
)

// Fixed provider endpoints and client identity. These
// are constants of the one implemented provider, not configuration: the
// design explicitly admits only a single concrete provider behind the
// polymorphic boundary.
const (
	ClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	AuthorizeURL = "https://claude.ai/oauth/authorize"
	RedirectURI  = "https://console.anthropic.com/oauth/code/callback"
)

// TokenURL is the upstream token endpoint. It is a var, not a const, so
// tests can point it at an httptest server; production code never
// reassigns it.
var TokenURL = "https://console.anthropic.com/v1/oauth/token"

// RequiredScopes is the fixed scope list requested during enrollment.
var RequiredScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// verifierBytes is the raw entropy length for GenerateVerifier. 128 raw
// bytes base64url-encode (no padding) to exactly 171 characters.
const verifierBytes = 128

// GenerateVerifier returns a 128-byte cryptographically random PKCE
// verifier, base64url-encoded without padding: exactly 171
// characters drawn from [A-Za-z0-9-_].
func GenerateVerifier() (string, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauthflow: generating verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ComputeChallenge returns the base64url (no padding) encoding of
// SHA-256(verifier) — a deterministic, 43-character S256 PKCE challenge.
func ComputeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// BuildAuthorizationURL composes the provider's authorization URL with the
// fixed client id, redirect URI, response type, PKCE challenge, and scope
// list, plus the caller-supplied state.
func BuildAuthorizationURL(state, challenge string) string {
	q := url.Values{}
	q.Set("client_id", ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", RedirectURI)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("scope", joinScopes(RequiredScopes))
	q.Set("state", state)
	q.Set("code", "true")

	u := url.URL{
		Scheme:   "https",
		Host:     "claude.ai",
		Path:     "/oauth/authorize",
		RawQuery: q.Encode(),
	}
	return u.String()
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
