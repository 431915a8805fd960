// Package admin implements the five-operation administrative surface:
// enumerating accounts, the two-step PKCE enrollment handshake, removing
// an account, and reporting pool health. It is meant to sit behind a
// separate, untrusted-unreachable listener (internal/adminapi), never the
// main proxy's.
package admin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basher83/oauth-gateway/internal/gwerrors"
	"github.com/basher83/oauth-gateway/internal/oauthflow"
	"github.com/basher83/oauth-gateway/internal/pool"
	"github.com/basher83/oauth-gateway/internal/store"
)

// pkceStateTTL bounds how long a begun enrollment may be completed.
const pkceStateTTL = 10 * time.Minute

// CredentialStore is the subset of store.Store the admin surface depends on.
type CredentialStore interface {
	Get(id string) (store.Credential, error)
	Add(id string, cred store.Credential) error
	Remove(id string) error
	ListIDs() []string
}

// TokenClient is the subset of oauthflow.Client the admin surface depends on.
type TokenClient interface {
	ExchangeCode(ctx context.Context, code, verifier string) (oauthflow.Result, error)
}

// AccountPool is the subset of pool.Pool the admin surface depends on.
type AccountPool interface {
	AddAccount(id string)
	RemoveAccount(id string)
	Health() pool.Health
}

// pkceEntry is one in-flight enrollment's PkceState.
type pkceEntry struct {
	verifier  string
	createdAt time.Time
}

// Admin implements the five operations against a credential store, token
// client, and account pool. Its PKCE state table is process-local,
// in-memory, and never persisted.
type Admin struct {
	store  CredentialStore
	client TokenClient
	pool   AccountPool

	mu    sync.Mutex
	state map[string]pkceEntry
}

// New builds an Admin surface.
func New(st CredentialStore, client TokenClient, p AccountPool) *Admin {
	return &Admin{
		store:  st,
		client: client,
		pool:   p,
		state:  make(map[string]pkceEntry),
	}
}

// AccountSummary is one entry in ListAccounts' response; it never carries
// token material.
type AccountSummary struct {
	ID                    string `json:"id"`
	Status                string `json:"status"`
	CooldownRemainingSecs int64  `json:"cooldown_remaining_secs,omitempty"`
}

// ListAccounts implements the "List accounts" operation.
func (a *Admin) ListAccounts() []AccountSummary {
	health := a.pool.Health()
	out := make([]AccountSummary, 0, len(health.Accounts))
	for _, acc := range health.Accounts {
		out = append(out, AccountSummary{
			ID:                    acc.ID,
			Status:                acc.Status,
			CooldownRemainingSecs: acc.CooldownRemainingSecs,
		})
	}
	return out
}

// BeginResult is returned by BeginEnrollment.
type BeginResult struct {
	AccountID        string `json:"account_id"`
	AuthorizationURL string `json:"authorization_url"`
}

// BeginEnrollment implements the "Begin enrollment" operation: it mints a
// fresh account id, generates a PKCE verifier/challenge pair, and stashes
// the verifier under that id pending completion.
func (a *Admin) BeginEnrollment() (BeginResult, error) {
	verifier, err := oauthflow.GenerateVerifier()
	if err != nil {
		return BeginResult{}, gwerrors.Wrap(gwerrors.KindConfiguration, "generating pkce verifier", err)
	}
	challenge := oauthflow.ComputeChallenge(verifier)

	accountID := fmt.Sprintf("claude-max-%d", nowUnix())

	a.mu.Lock()
	a.gcExpiredLocked()
	a.state[accountID] = pkceEntry{verifier: verifier, createdAt: timeNow()}
	a.mu.Unlock()

	return BeginResult{
		AccountID:        accountID,
		AuthorizationURL: oauthflow.BuildAuthorizationURL(accountID, challenge),
	}, nil
}

// CompleteEnrollment implements the "Complete enrollment" operation.
// code is the provider's concatenated `authcode#state` value; state here is the account id BeginEnrollment minted, so the
// PkceState lookup and the authorization-state check are the same lookup.
func (a *Admin) CompleteEnrollment(ctx context.Context, accountID, code string) error {
	authCode := code
	if idx := strings.IndexByte(code, '#'); idx >= 0 {
		authCode = code[:idx]
	}

	a.mu.Lock()
	a.gcExpiredLocked()
	entry, ok := a.state[accountID]
	if ok {
		delete(a.state, accountID)
	}
	a.mu.Unlock()

	if !ok {
		return gwerrors.New(gwerrors.KindInvalidRequest, "no pending enrollment for this account id")
	}

	result, err := a.client.ExchangeCode(ctx, authCode, entry.verifier)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindTokenExchange, "exchanging authorization code", err)
	}

	cred := store.Credential{
		Kind:      "oauth",
		Refresh:   result.RefreshToken,
		Access:    result.AccessToken,
		ExpiresAt: result.Token(timeNow()).Expiry.UnixMilli(),
	}
	if err := a.store.Add(accountID, cred); err != nil {
		return gwerrors.Wrap(gwerrors.KindProxyError, "persisting enrolled credential", err)
	}

	a.pool.AddAccount(accountID)
	return nil
}

// RemoveAccount implements the "Remove account" operation; idempotent
// against both the pool and the store.
func (a *Admin) RemoveAccount(id string) error {
	a.pool.RemoveAccount(id)
	if err := a.store.Remove(id); err != nil && err != store.ErrNotFound {
		return gwerrors.Wrap(gwerrors.KindProxyError, "removing credential", err)
	}
	return nil
}

// Health implements the "Pool health" operation.
func (a *Admin) Health() pool.Health {
	return a.pool.Health()
}

// gcExpiredLocked drops PkceState entries older than pkceStateTTL. Callers
// must hold a.mu.
func (a *Admin) gcExpiredLocked() {
	now := timeNow()
	for id, entry := range a.state {
		if now.Sub(entry.createdAt) > pkceStateTTL {
			delete(a.state, id)
		}
	}
}

// timeNow and nowUnix are indirected through package vars so tests can pin
// the clock without sleeping out the 10-minute PKCE state TTL.
var timeNow = time.Now

func nowUnix() int64 { return timeNow().Unix() }
