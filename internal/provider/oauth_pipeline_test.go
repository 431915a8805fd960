package provider

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basher83/oauth-gateway/internal/oauthflow"
	"github.com/basher83/oauth-gateway/internal/pool"
	"github.com/basher83/oauth-gateway/internal/store"
)

type noopRefresher struct{}

func (noopRefresher) Refresh(context.Context, string) (oauthflow.Result, error) {
	return oauthflow.Result{}, nil
}

func newTestPool(t *testing.T, id string) *pool.Pool {
	t.Helper()
	st, err := store.Load(filepath.Join(t.TempDir(), "creds.json"))
	require.NoError(t, err)
	require.NoError(t, st.Add(id, store.Credential{
		Kind:      "oauth",
		Refresh:   "r",
		Access:    "the-access-token",
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}))
	return pool.New(st, noopRefresher{}, time.Hour, []string{id})
}

func TestOAuthPipeline_HeaderContract(t *testing.T) {
	p := newTestPool(t, "acct-1")
	pipe := NewOAuthPipeline(p)

	req := &Request{
		Header: map[string][]string{
			"Authorization": {"Bearer client-supplied"},
			"X-Api-Key":     {"should-be-stripped"},
			"Anthropic-Beta": {"custom-beta-flag"},
		},
	}

	id, err := pipe.PrepareRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", id)

	assert.Equal(t, []string{"Bearer the-access-token"}, req.Header["authorization"])
	assert.Nil(t, req.Header["X-Api-Key"])
	assert.Equal(t, []string{"claude-cli/1.0 (oauth-gateway)"}, req.Header["user-agent"])
	assert.Equal(t, []string{"2023-06-01"}, req.Header["anthropic-version"])
	assert.Equal(t, []string{"true"}, req.Header["anthropic-dangerous-direct-browser-access"])
}

// TestHeaderMergeDeterminism checks that merging a client anthropic-beta
// value with the required set is deterministic and deduplicated.
func TestHeaderMergeDeterminism(t *testing.T) {
	merged := mergeBetaFlags("custom-flag,oauth-2025-04-20,custom-flag")

	tokens := map[string]bool{}
	for _, tok := range splitComma(merged) {
		tokens[tok] = true
	}

	for _, required := range requiredBetaFlags {
		assert.True(t, tokens[required], "required token %q must be present", required)
	}
	assert.True(t, tokens["custom-flag"])

	// No duplicates.
	assert.Len(t, splitComma(merged), len(tokens))

	// Deterministic given the same input.
	assert.Equal(t, merged, mergeBetaFlags("custom-flag,oauth-2025-04-20,custom-flag"))
}

func splitComma(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ',' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func TestMergeBetaFlags_NoClientValue(t *testing.T) {
	merged := mergeBetaFlags("")
	assert.Equal(t, "oauth-2025-04-20,interleaved-thinking-2025-05-14,context-management-2025-06-27", merged)
}

// TestSystemPromptPrepend checks that an existing system string without
// the required prefix gets the prefix prepended.
func TestSystemPromptPrepend(t *testing.T) {
	p := newTestPool(t, "acct-1")
	pipe := NewOAuthPipeline(p)

	req := &Request{
		Header: map[string][]string{},
		Body:   []byte(`{"model":"sonnet","system":"hello"}`),
	}

	_, err := pipe.PrepareRequest(context.Background(), req)
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"model":"sonnet","system":"You are Claude Code, Anthropic's official CLI for Claude. hello"}`,
		string(req.Body))
}

// TestSystemPromptInjection_MissingSystemCreatesIt checks that a body with
// no system field gets one set to the prefix.
func TestSystemPromptInjection_MissingSystemCreatesIt(t *testing.T) {
	p := newTestPool(t, "acct-1")
	pipe := NewOAuthPipeline(p)

	req := &Request{Header: map[string][]string{}, Body: []byte(`{"model":"sonnet"}`)}
	_, err := pipe.PrepareRequest(context.Background(), req)
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"model":"sonnet","system":"You are Claude Code, Anthropic's official CLI for Claude."}`,
		string(req.Body))
}

func TestSystemPromptInjection_PrefixAlreadyPresentUnchanged(t *testing.T) {
	p := newTestPool(t, "acct-1")
	pipe := NewOAuthPipeline(p)

	body := `{"model":"sonnet","system":"You are Claude Code, Anthropic's official CLI for Claude. extra context"}`
	req := &Request{Header: map[string][]string{}, Body: []byte(body)}
	_, err := pipe.PrepareRequest(context.Background(), req)
	require.NoError(t, err)

	assert.JSONEq(t, body, string(req.Body))
}

func TestSystemPromptInjection_NonStringSystemPassesThrough(t *testing.T) {
	p := newTestPool(t, "acct-1")
	pipe := NewOAuthPipeline(p)

	body := `{"model":"sonnet","system":[{"type":"text","text":"hi"}]}`
	req := &Request{Header: map[string][]string{}, Body: []byte(body)}
	_, err := pipe.PrepareRequest(context.Background(), req)
	require.NoError(t, err)

	assert.JSONEq(t, body, string(req.Body))
}

func TestBodyRewrite_NoModelSkipsRewrite(t *testing.T) {
	p := newTestPool(t, "acct-1")
	pipe := NewOAuthPipeline(p)

	body := `{"messages":[]}`
	req := &Request{Header: map[string][]string{}, Body: []byte(body)}
	_, err := pipe.PrepareRequest(context.Background(), req)
	require.NoError(t, err)

	assert.JSONEq(t, body, string(req.Body))
}

// TestQuotaClassification checks 429/401/403/5xx/408 classification rules.
func TestQuotaClassification(t *testing.T) {
	p := newTestPool(t, "acct-1")
	pipe := NewOAuthPipeline(p)

	cases := []struct {
		name   string
		status int
		body   string
		want   pool.Classification
	}{
		{"429 with phrase", 429, "You have hit your 5-hour limit", pool.QuotaExceeded},
		{"429 with another phrase case-insensitive", 429, "ROLLING WINDOW exceeded", pool.QuotaExceeded},
		{"429 without phrase", 429, "rate limited, slow down", pool.Transient},
		{"401", 401, "", pool.Permanent},
		{"403", 403, "", pool.Permanent},
		{"500", 500, "", pool.Transient},
		{"408", 408, "", pool.Transient},
		{"400 other 4xx", 400, "", pool.Transient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := pipe.ClassifyError(tc.status, []byte(tc.body))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOAuthPipeline_PoolExhausted(t *testing.T) {
	st, err := store.Load(filepath.Join(t.TempDir(), "creds.json"))
	require.NoError(t, err)
	p := pool.New(st, noopRefresher{}, time.Hour, nil)
	pipe := NewOAuthPipeline(p)

	_, err = pipe.PrepareRequest(context.Background(), &Request{Header: map[string][]string{}})
	require.Error(t, err)

	snapshot, ok := AsExhausted(err)
	require.True(t, ok)
	assert.Equal(t, pool.Exhausted{}, snapshot)
}
