package oauthflow

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewClient(2 * time.Second)
	orig := TokenURL
	TokenURL = srv.URL
	return c, func() {
		TokenURL = orig
		srv.Close()
	}
}

func TestClient_Refresh_Success(t *testing.T) {
	c, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		assert.Equal(t, "old-refresh", r.FormValue("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`)
	})
	defer cleanup()

	res, err := c.Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", res.AccessToken)
	assert.Equal(t, "new-refresh", res.RefreshToken)
	assert.Equal(t, time.Hour, res.ExpiresIn)
}

func TestClient_Refresh_InvalidCredentials(t *testing.T) {
	c, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})
	defer cleanup()

	_, err := c.Refresh(context.Background(), "dead-refresh")
	require.Error(t, err)

	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, ErrKindInvalidCredentials, tokenErr.Kind)
}

func TestClient_Refresh_TokenExchangeError(t *testing.T) {
	c, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_request"}`)
	})
	defer cleanup()

	_, err := c.Refresh(context.Background(), "refresh")
	require.Error(t, err)

	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, ErrKindTokenExchange, tokenErr.Kind)
}

func TestClient_ExchangeCode_FormShape(t *testing.T) {
	c, cleanup := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.Equal(t, "the-code", r.FormValue("code"))
		assert.Equal(t, "the-verifier", r.FormValue("code_verifier"))
		assert.Equal(t, ClientID, r.FormValue("client_id"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"a","refresh_token":"r","expires_in":60}`)
	})
	defer cleanup()

	res, err := c.ExchangeCode(context.Background(), "the-code", "the-verifier")
	require.NoError(t, err)
	assert.Equal(t, "a", res.AccessToken)
}

func TestClient_Refresh_TransportError(t *testing.T) {
	c := NewClient(50 * time.Millisecond)
	orig := TokenURL
	TokenURL = "http://127.0.0.1:1" // nothing listening
	defer func() { TokenURL = orig }()

	_, err := c.Refresh(context.Background(), "refresh")
	require.Error(t, err)

	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, ErrKindHTTP, tokenErr.Kind)
}
