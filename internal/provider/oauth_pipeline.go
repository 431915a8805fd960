package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/basher83/oauth-gateway/internal/pool"
)

// systemPromptPrefix is the fixed prefix the upstream requires to see at
// the start of every request's system prompt.
const systemPromptPrefix = "You are Claude Code, Anthropic's official CLI for Claude."

// requiredBetaFlags is the fixed set of anthropic-beta tokens the upstream
// requires for OAuth-authenticated requests.
var requiredBetaFlags = []string{
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"context-management-2025-06-27",
}

// quotaPhrases are case-insensitive substrings of a 429 body that indicate
// plan-level quota exhaustion rather than transient rate limiting.
var quotaPhrases = []string{
	"5-hour",
	"rolling window",
	"usage limit for your plan",
	"subscription usage limit",
}

const (
	userAgentValue      = "claude-cli/1.0 (oauth-gateway)"
	anthropicVersion    = "2023-06-01"
	directBrowserHeader = "true"
)

// apiKeyHeaders are client-supplied headers that carry a static API key;
// the OAuth pipeline strips them since the selected account's bearer token
// is the only credential the upstream should see.
var apiKeyHeaders = []string{"x-api-key", "api-key"}

// OAuthPipeline implements Pipeline against the pool of OAuth accounts.
// It is the only pipeline with a real upstream deployed; the
// static-header pipeline has no provider to target.
type OAuthPipeline struct {
	Pool *pool.Pool
}

// NewOAuthPipeline builds an OAuthPipeline bound to p.
func NewOAuthPipeline(p *pool.Pool) *OAuthPipeline {
	return &OAuthPipeline{Pool: p}
}

// Name implements Pipeline.
func (o *OAuthPipeline) Name() string { return "oauth" }

// NeedsBody implements Pipeline: the OAuth pipeline must parse the body to
// inject the system prompt.
func (o *OAuthPipeline) NeedsBody() bool { return true }

// PrepareRequest implements Pipeline: selects an account, rewrites
// headers, and rewrites the body's system prompt.
func (o *OAuthPipeline) PrepareRequest(ctx context.Context, req *Request) (string, error) {
	sel, err := o.Pool.Select(ctx)
	if err != nil {
		if selErr, ok := err.(*pool.SelectError); ok {
			return "", Exhausted(selErr.Snapshot)
		}
		return "", Exhausted(pool.Exhausted{})
	}

	rewriteHeaders(req, sel.AccessToken)
	if err := rewriteBody(req); err != nil {
		return "", err
	}
	return sel.ID, nil
}

// rewriteHeaders applies the upstream's required header contract.
func rewriteHeaders(req *Request, accessToken string) {
	h := req.Header
	deleteHeader(h, "authorization")
	for _, key := range apiKeyHeaders {
		deleteHeader(h, key)
	}

	setHeader(h, "authorization", "Bearer "+accessToken)
	setHeader(h, "anthropic-beta", mergeBetaFlags(getHeader(h, "anthropic-beta")))
	setHeader(h, "user-agent", userAgentValue)
	setHeader(h, "anthropic-version", anthropicVersion)
	setHeader(h, "anthropic-dangerous-direct-browser-access", directBrowserHeader)
}

// mergeBetaFlags computes the set union of the client's comma-separated
// anthropic-beta value and requiredBetaFlags, deduplicated while
// preserving first-seen order.
func mergeBetaFlags(clientValue string) string {
	seen := make(map[string]bool, len(requiredBetaFlags))
	var merged []string

	add := func(token string) {
		token = strings.TrimSpace(token)
		if token == "" || seen[token] {
			return
		}
		seen[token] = true
		merged = append(merged, token)
	}

	if clientValue != "" {
		for _, token := range strings.Split(clientValue, ",") {
			add(token)
		}
	}
	for _, token := range requiredBetaFlags {
		add(token)
	}

	return strings.Join(merged, ",")
}

// rewriteBody applies the upstream's required body contract: the system
// prompt prefix is injected ahead of whatever the client supplied, unless
// the client already supplied a body with no "model" field (skip
// rewriting) or a non-string "system" value (pass through unchanged; see
// DESIGN.md's Open Question decision).
func rewriteBody(req *Request) error {
	if len(req.Body) == 0 {
		return nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &doc); err != nil {
		return nil // not a JSON object; leave untouched, dispatch's size/shape limits apply elsewhere
	}

	if _, hasModel := doc["model"]; !hasModel {
		return nil
	}

	system, hasSystem := doc["system"]
	if !hasSystem {
		encoded, _ := json.Marshal(systemPromptPrefix)
		doc["system"] = encoded
	} else {
		var asString string
		if err := json.Unmarshal(system, &asString); err == nil {
			if !strings.HasPrefix(asString, systemPromptPrefix) {
				encoded, _ := json.Marshal(systemPromptPrefix + " " + asString)
				doc["system"] = encoded
			}
			// else: already has the prefix, leave unchanged
		}
		// else: system is a non-string JSON shape; pass through unchanged
	}

	rewritten, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req.Body = rewritten
	return nil
}

// ClassifyError derives a pool.Classification from an upstream status
// code and error body.
func (o *OAuthPipeline) ClassifyError(status int, body []byte) pool.Classification {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pool.Permanent
	case status == http.StatusTooManyRequests:
		if containsQuotaPhrase(body) {
			return pool.QuotaExceeded
		}
		return pool.Transient
	case status == http.StatusRequestTimeout || status >= 500:
		return pool.Transient
	default:
		return pool.Transient
	}
}

func containsQuotaPhrase(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, phrase := range quotaPhrases {
		if bytes.Contains(lower, []byte(strings.ToLower(phrase))) {
			return true
		}
	}
	return false
}

// ReportError implements Pipeline by delegating to the pool.
func (o *OAuthPipeline) ReportError(accountID string, c pool.Classification) {
	o.Pool.ReportError(accountID, c)
}

// Health implements Pipeline.
func (o *OAuthPipeline) Health() pool.Health { return o.Pool.Health() }

func getHeader(h map[string][]string, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func setHeader(h map[string][]string, key, value string) {
	deleteHeader(h, key)
	h[key] = []string{value}
}

func deleteHeader(h map[string][]string, key string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
}
