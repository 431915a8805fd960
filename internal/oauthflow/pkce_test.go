package oauthflow

import (
	"net/url"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var verifierAlphabet = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)

func TestGenerateVerifier(t *testing.T) {
	v1, err := GenerateVerifier()
	require.NoError(t, err)
	assert.Len(t, v1, 171)
	assert.True(t, verifierAlphabet.MatchString(v1), "verifier %q must be base64url alphabet", v1)

	v2, err := GenerateVerifier()
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2, "two generated verifiers must differ")
}

func TestComputeChallenge(t *testing.T) {
	verifier := "fixed-test-verifier-value"

	challenge := ComputeChallenge(verifier)
	assert.Len(t, challenge, 43)
	assert.True(t, verifierAlphabet.MatchString(challenge))

	// Deterministic given the same input.
	assert.Equal(t, challenge, ComputeChallenge(verifier))
}

func TestComputeChallenge_RoundTripWithGeneratedVerifier(t *testing.T) {
	verifier, err := GenerateVerifier()
	require.NoError(t, err)

	challenge := ComputeChallenge(verifier)
	assert.Len(t, challenge, 43)
}

// TestBuildAuthorizationURLContainsExpectedParams checks that, with
// state="S" and a literal challenge, the authorization URL contains the
// exact expected substrings.
func TestBuildAuthorizationURLContainsExpectedParams(t *testing.T) {
	authURL := BuildAuthorizationURL("S", "C")

	for _, want := range []string{
		"client_id=" + ClientID,
		"response_type=code",
		"code_challenge=C",
		"code_challenge_method=S256",
		"state=S",
	} {
		assert.Contains(t, authURL, want)
	}

	// redirect_uri is URL-encoded in the query string; assert on the
	// decoded form via url.Values semantics instead of a raw substring.
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, RedirectURI, parsed.Query().Get("redirect_uri"))
}

func TestBuildAuthorizationURL_Deterministic(t *testing.T) {
	a := BuildAuthorizationURL("state1", "chal1")
	b := BuildAuthorizationURL("state1", "chal1")
	assert.Equal(t, a, b)
}
