package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/basher83/oauth-gateway/internal/breaker"
)

// maxErrorBodyBytes bounds how much of a non-success token response body
// is read into a TokenError's Body, mirroring the dispatch loop's bounded
// classification read.
const maxErrorBodyBytes = 4096

// ErrorKind distinguishes the token client's error taxonomy.
type ErrorKind string

const (
	ErrKindHTTP               ErrorKind = "http"
	ErrKindInvalidCredentials ErrorKind = "invalid_credentials"
	ErrKindTokenExchange      ErrorKind = "token_exchange"
)

// TokenError is returned by ExchangeCode/Refresh, tagged with ErrorKind so
// callers (the pool, the admin surface) can branch without string
// matching.
type TokenError struct {
	Kind ErrorKind
	Body string
	Err  error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oauthflow: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("oauthflow: %s: %s", e.Kind, e.Body)
}

func (e *TokenError) Unwrap() error { return e.Err }

// Result is the triple exchange/refresh calls return; the
// caller converts ExpiresIn to an absolute expires_at.
type Result struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Token converts Result into the oauth2 package's Token vocabulary.
// Callers persisting a credential use this to compute its expiry rather
// than re-deriving it from ExpiresIn by hand; the grant exchange itself
// stays hand-built in post, since the upstream token endpoint isn't a
// generic OAuth2 provider and rejects the extra fields oauth2.Config's
// own Exchange/TokenSource helpers would add.
func (r Result) Token(issuedAt time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       issuedAt.Add(r.ExpiresIn),
	}
}

// Client performs authorization_code and refresh_token grants against the
// upstream's fixed token endpoint.
type Client struct {
	httpClient *http.Client
	breaker    *breaker.Breaker
}

// NewClient builds a token client with the given transport timeout and a
// circuit breaker guarding the token endpoint.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker.New(5, 30*time.Second, 1),
	}
}

// ExchangeCode performs the authorization_code grant. It is
// one-shot: the upstream rejects reuse of a code.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (Result, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", ClientID)
	form.Set("code", code)
	form.Set("redirect_uri", RedirectURI)
	form.Set("code_verifier", verifier)
	return c.post(ctx, form)
}

// Refresh performs the refresh_token grant. It is safe to
// retry on ErrKindHTTP only; on ErrKindInvalidCredentials the caller must
// treat the credential as dead.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", ClientID)
	form.Set("refresh_token", refreshToken)
	return c.post(ctx, form)
}

func (c *Client) post(ctx context.Context, form url.Values) (Result, error) {
	var result Result
	err := c.breaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return &TokenError{Kind: ErrKindHTTP, Err: err}
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &TokenError{Kind: ErrKindHTTP, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			return &TokenError{Kind: ErrKindInvalidCredentials, Body: string(body)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			return &TokenError{Kind: ErrKindTokenExchange, Body: string(body)}
		}

		parsed, err := decodeTokenResponse(resp.Body)
		if err != nil {
			return &TokenError{Kind: ErrKindTokenExchange, Err: err}
		}
		result = parsed
		return nil
	})

	if errors.Is(err, breaker.ErrOpen) {
		return Result{}, &TokenError{Kind: ErrKindHTTP, Err: err}
	}
	if err != nil {
		var tokenErr *TokenError
		if errors.As(err, &tokenErr) {
			return Result{}, tokenErr
		}
		return Result{}, &TokenError{Kind: ErrKindHTTP, Err: err}
	}
	return result, nil
}

// tokenResponse is the upstream token endpoint's JSON success shape.
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
}

func decodeTokenResponse(body io.Reader) (Result, error) {
	var tr tokenResponse
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&tr); err != nil {
		return Result{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return Result{}, errors.New("token response missing access_token or refresh_token")
	}
	secs, err := strconv.ParseInt(tr.ExpiresIn.String(), 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("parsing expires_in: %w", err)
	}
	return Result{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    time.Duration(secs) * time.Second,
	}, nil
}
