// Package pool implements the in-memory account pool state machine:
// round-robin selection over AccountIds, cooldown/disable transitions,
// the request-time inline refresh gate, and error reporting that feeds
// failover decisions back from the provider pipeline.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basher83/oauth-gateway/internal/obsmetrics"
	"github.com/basher83/oauth-gateway/internal/oauthflow"
	"github.com/basher83/oauth-gateway/internal/store"
)

// Classification is the outcome of classifying an upstream or token-endpoint
// response; Pool.ReportError consumes it to decide an
// account's next status.
type Classification int

const (
	Transient Classification = iota
	QuotaExceeded
	Permanent
)

// Status is the tagged union over an account's lifecycle state. The zero value is Available.
type Status struct {
	Kind  StatusKind
	Until time.Time // meaningful only when Kind == CoolingDown
}

// StatusKind names one arm of Status.
type StatusKind int

const (
	Available StatusKind = iota
	CoolingDown
	Disabled
)

func (k StatusKind) String() string {
	switch k {
	case Available:
		return "available"
	case CoolingDown:
		return "cooling_down"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Selected is returned by Select on success.
type Selected struct {
	ID          string
	AccessToken string
}

// Exhausted is the per-status count snapshot that Select reports, inside a
// *SelectError, when no account could be selected.
type Exhausted struct {
	AccountsTotal int `json:"accounts_total"`
	Available     int `json:"available"`
	CoolingDown   int `json:"cooling_down"`
	Disabled      int `json:"disabled"`
}

// ErrExhausted is wrapped into a *SelectError when Select cannot find an
// account; callers inspect the Exhausted payload via errors.As.
var ErrExhausted = errors.New("pool: exhausted")

// SelectError carries the Exhausted snapshot alongside ErrExhausted so
// callers can build the pool_exhausted response body.
type SelectError struct {
	Snapshot Exhausted
}

func (e *SelectError) Error() string { return "pool: exhausted" }
func (e *SelectError) Unwrap() error { return ErrExhausted }

// Refresher is the subset of the token client Pool needs: refreshing a
// refresh token into a new credential triple.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (oauthflow.Result, error)
}

// CredentialStore is the subset of store.Store Pool depends on.
type CredentialStore interface {
	Get(id string) (store.Credential, error)
	Add(id string, cred store.Credential) error
}

// Pool is the round-robin account pool.
type Pool struct {
	store    CredentialStore
	refresh  Refresher
	cooldown time.Duration

	mu       sync.RWMutex
	ids      []string
	statuses map[string]Status

	cursor atomic.Uint64
}

// New builds a Pool seeded with ids, all Available, against the given
// credential store and token refresher. cooldown is the default duration
// an account spends in CoolingDown after a quota signal.
func New(st CredentialStore, refresher Refresher, cooldown time.Duration, ids []string) *Pool {
	p := &Pool{
		store:    st,
		refresh:  refresher,
		cooldown: cooldown,
		statuses: make(map[string]Status, len(ids)),
	}
	for _, id := range ids {
		p.ids = append(p.ids, id)
		p.statuses[id] = Status{Kind: Available}
	}
	return p
}

// Select runs the pool's selection algorithm: a single fetch-and-increment
// atomic cursor advance, then a bounded scan over the
// insertion-ordered id vector applying cooldown-expiry, disable-on-missing,
// and inline-refresh-on-near-expiry rules in place.
func (p *Pool) Select(ctx context.Context) (Selected, error) {
	p.mu.RLock()
	ids := make([]string, len(p.ids))
	copy(ids, p.ids)
	p.mu.RUnlock()

	n := len(ids)
	if n == 0 {
		return Selected{}, &SelectError{Snapshot: Exhausted{}}
	}

	start := int(p.cursor.Add(1)-1) % n

	for i := 0; i < n; i++ {
		id := ids[(start+i)%n]

		status := p.expireCooldownLocked(id)

		cred, err := p.store.Get(id)
		if err != nil {
			if status.Kind != Disabled {
				p.setStatus(id, Status{Kind: Disabled})
			}
			continue
		}

		if status.Kind != Available {
			continue
		}

		if time.Until(time.UnixMilli(cred.ExpiresAt)) < 60*time.Second {
			token, ok := p.inlineRefresh(ctx, id, cred)
			if !ok {
				continue
			}
			return Selected{ID: id, AccessToken: token}, nil
		}

		return Selected{ID: id, AccessToken: cred.Access}, nil
	}

	return Selected{}, &SelectError{Snapshot: p.health().Exhausted()}
}

// expireCooldownLocked transitions a CoolingDown status whose Until has
// passed in place to Available. It returns the
// (possibly updated) status.
func (p *Pool) expireCooldownLocked(id string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[id]
	if !ok {
		status = Status{Kind: Available}
	}
	if status.Kind == CoolingDown && !status.Until.After(time.Now()) {
		status = Status{Kind: Available}
	}
	p.statuses[id] = status
	return status
}

// inlineRefresh performs the request-time refresh gate. On
// success it persists the new credential and returns the new access token.
// On InvalidCredentials it disables the account and reports ok=false so
// Select continues its scan; on any other refresh error (or a failed store
// write) it conservatively disables the account too (see DESIGN.md's Open
// Question decision). Nothing in the pool re-enables a Disabled account: a
// later successful background refresh updates the stored credential but
// leaves the account's status unchanged.
func (p *Pool) inlineRefresh(ctx context.Context, id string, cred store.Credential) (string, bool) {
	result, err := p.refresh.Refresh(ctx, cred.Refresh)
	if err != nil {
		var tokenErr *oauthflow.TokenError
		if errors.As(err, &tokenErr) && tokenErr.Kind == oauthflow.ErrKindInvalidCredentials {
			obsmetrics.RecordTokenRefresh("invalid_credentials")
			p.disable(id)
			return "", false
		}
		obsmetrics.RecordTokenRefresh("http")
		p.disable(id)
		return "", false
	}

	newCred := store.Credential{
		Kind:      "oauth",
		Refresh:   result.RefreshToken,
		Access:    result.AccessToken,
		ExpiresAt: result.Token(time.Now()).Expiry.UnixMilli(),
	}
	if err := p.store.Add(id, newCred); err != nil {
		obsmetrics.RecordTokenRefresh("http")
		p.disable(id)
		return "", false
	}

	obsmetrics.RecordTokenRefresh("success")
	return result.AccessToken, true
}

func (p *Pool) disable(id string) {
	p.setStatus(id, Status{Kind: Disabled})
}

func (p *Pool) setStatus(id string, status Status) {
	p.mu.Lock()
	p.statuses[id] = status
	p.mu.Unlock()
	obsmetrics.SetAccountStatus(id, status.Kind.String())
}

// ReportError applies the pool's reporting rules: Transient is a no-op,
// QuotaExceeded starts a cooldown, Permanent disables the account.
func (p *Pool) ReportError(id string, c Classification) {
	switch c {
	case Transient:
		return
	case QuotaExceeded:
		p.setStatus(id, Status{Kind: CoolingDown, Until: time.Now().Add(p.cooldown)})
		obsmetrics.RecordQuotaExhaustion()
	case Permanent:
		p.setStatus(id, Status{Kind: Disabled})
	}
}

// AddAccount appends id as Available if it is not already present
// (idempotent).
func (p *Pool) AddAccount(id string) {
	p.mu.Lock()
	if _, ok := p.statuses[id]; ok {
		p.mu.Unlock()
		return
	}
	p.ids = append(p.ids, id)
	p.statuses[id] = Status{Kind: Available}
	p.mu.Unlock()
	obsmetrics.SetAccountStatus(id, Available.String())
}

// RemoveAccount drops id from the pool; idempotent.
func (p *Pool) RemoveAccount(id string) {
	p.mu.Lock()
	delete(p.statuses, id)
	for i, existing := range p.ids {
		if existing == id {
			p.ids = append(p.ids[:i], p.ids[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	obsmetrics.DeleteAccount(id)
}

// Size returns the number of accounts currently in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ids)
}

// IDs returns a snapshot of the pool's account ids in insertion order, for
// callers (the background refresher) that need to iterate every account
// without driving the selection cursor.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.ids))
	copy(out, p.ids)
	return out
}

// AccountHealth is one account's entry in a Health snapshot.
type AccountHealth struct {
	ID                    string `json:"id"`
	Status                string `json:"status"`
	CooldownRemainingSecs int64  `json:"cooldown_remaining_secs,omitempty"`
}

// Health is the aggregated pool view returned by Health().
type Health struct {
	Total       int             `json:"total"`
	Available   int             `json:"available"`
	CoolingDown int             `json:"cooling_down"`
	Disabled    int             `json:"disabled"`
	Accounts    []AccountHealth `json:"accounts"`
}

// Exhausted projects a Health snapshot into the Exhausted shape used in
// pool-exhausted error bodies.
func (h Health) Exhausted() Exhausted {
	return Exhausted{
		AccountsTotal: h.Total,
		Available:     h.Available,
		CoolingDown:   h.CoolingDown,
		Disabled:      h.Disabled,
	}
}

// Health returns the pool's aggregated health snapshot.
func (p *Pool) Health() Health {
	return p.health()
}

func (p *Pool) health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h := Health{Total: len(p.ids)}
	now := time.Now()
	for _, id := range p.ids {
		status := p.statuses[id]
		entry := AccountHealth{ID: id, Status: status.Kind.String()}
		switch status.Kind {
		case Available:
			h.Available++
		case CoolingDown:
			h.CoolingDown++
			remaining := status.Until.Sub(now)
			if remaining > 0 {
				entry.CooldownRemainingSecs = int64(remaining / time.Second)
			}
		case Disabled:
			h.Disabled++
		}
		h.Accounts = append(h.Accounts, entry)
	}
	return h
}
