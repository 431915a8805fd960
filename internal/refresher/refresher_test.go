package refresher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basher83/oauth-gateway/internal/oauthflow"
	"github.com/basher83/oauth-gateway/internal/obslog"
	"github.com/basher83/oauth-gateway/internal/pool"
	"github.com/basher83/oauth-gateway/internal/store"
)

func init() {
	obslog.Init(obslog.Options{Level: "error"})
}

type memStore struct {
	mu   sync.Mutex
	data map[string]store.Credential
}

func newMemStore(entries map[string]store.Credential) *memStore {
	data := make(map[string]store.Credential, len(entries))
	for k, v := range entries {
		data[k] = v
	}
	return &memStore{data: data}
}

func (s *memStore) Get(id string) (store.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[id]
	if !ok {
		return store.Credential{}, store.ErrNotFound
	}
	return c, nil
}

func (s *memStore) Add(id string, cred store.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = cred
	return nil
}

type fakeClient struct {
	mu       sync.Mutex
	calls    map[string]int
	refresh  func(refreshToken string) (oauthflow.Result, error)
}

func (c *fakeClient) Refresh(_ context.Context, refreshToken string) (oauthflow.Result, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[refreshToken]++
	c.mu.Unlock()
	return c.refresh(refreshToken)
}

func (c *fakeClient) callCount(refreshToken string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[refreshToken]
}

type fakePool struct {
	mu       sync.Mutex
	ids      []string
	reported map[string]pool.Classification
}

func (p *fakePool) IDs() []string { return p.ids }

func (p *fakePool) ReportError(id string, c pool.Classification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reported == nil {
		p.reported = map[string]pool.Classification{}
	}
	p.reported[id] = c
}

func (p *fakePool) reportedFor(id string) (pool.Classification, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.reported[id]
	return c, ok
}

func TestRefresher_SkipsFarFromExpiry(t *testing.T) {
	st := newMemStore(map[string]store.Credential{
		"a": {Kind: "oauth", Refresh: "r-a", Access: "old", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()},
	})
	client := &fakeClient{refresh: func(string) (oauthflow.Result, error) {
		t.Fatal("refresh should not be called when far from expiry")
		return oauthflow.Result{}, nil
	}}
	p := &fakePool{ids: []string{"a"}}

	r := New(st, client, p, Config{Interval: time.Hour, Threshold: 15 * time.Minute, Workers: 2})
	r.refreshOne("a")
}

func TestRefresher_RefreshesNearExpiry(t *testing.T) {
	st := newMemStore(map[string]store.Credential{
		"a": {Kind: "oauth", Refresh: "r-a", Access: "old", ExpiresAt: time.Now().Add(5 * time.Minute).UnixMilli()},
	})
	client := &fakeClient{refresh: func(string) (oauthflow.Result, error) {
		return oauthflow.Result{AccessToken: "new", RefreshToken: "r-a-2", ExpiresIn: time.Hour}, nil
	}}
	p := &fakePool{ids: []string{"a"}}

	r := New(st, client, p, Config{Interval: time.Hour, Threshold: 15 * time.Minute, Workers: 2})
	r.refreshOne("a")

	cred, err := st.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "new", cred.Access)
	assert.Equal(t, "r-a-2", cred.Refresh)
}

func TestRefresher_InvalidCredentials_DisablesViaPool(t *testing.T) {
	st := newMemStore(map[string]store.Credential{
		"a": {Kind: "oauth", Refresh: "dead", Access: "old", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()},
	})
	client := &fakeClient{refresh: func(string) (oauthflow.Result, error) {
		return oauthflow.Result{}, &oauthflow.TokenError{Kind: oauthflow.ErrKindInvalidCredentials}
	}}
	p := &fakePool{ids: []string{"a"}}

	r := New(st, client, p, Config{Interval: time.Hour, Threshold: 15 * time.Minute, Workers: 2})
	r.refreshOne("a")

	c, ok := p.reportedFor("a")
	require.True(t, ok)
	assert.Equal(t, pool.Permanent, c)
}

func TestRefresher_TransientError_LeavesCredentialForNextCycle(t *testing.T) {
	st := newMemStore(map[string]store.Credential{
		"a": {Kind: "oauth", Refresh: "r-a", Access: "old", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()},
	})
	client := &fakeClient{refresh: func(string) (oauthflow.Result, error) {
		return oauthflow.Result{}, &oauthflow.TokenError{Kind: oauthflow.ErrKindHTTP}
	}}
	p := &fakePool{ids: []string{"a"}}

	r := New(st, client, p, Config{Interval: time.Hour, Threshold: 15 * time.Minute, Workers: 2})
	r.refreshOne("a")

	_, reported := p.reportedFor("a")
	assert.False(t, reported, "transient refresh errors must not disable the account")

	cred, err := st.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "old", cred.Access, "credential is left untouched for the next cycle")

	assert.GreaterOrEqual(t, client.callCount("r-a"), 1)
}

func TestRefresher_MakesProgressOnAllAccounts(t *testing.T) {
	st := newMemStore(map[string]store.Credential{
		"a": {Kind: "oauth", Refresh: "r-a", Access: "old-a", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()},
		"b": {Kind: "oauth", Refresh: "r-b", Access: "old-b", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()},
		"c": {Kind: "oauth", Refresh: "r-c", Access: "old-c", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()},
	})
	client := &fakeClient{refresh: func(refreshToken string) (oauthflow.Result, error) {
		return oauthflow.Result{AccessToken: "new-" + refreshToken, RefreshToken: refreshToken, ExpiresIn: time.Hour}, nil
	}}
	p := &fakePool{ids: []string{"a", "b", "c"}}

	r := New(st, client, p, Config{Interval: time.Hour, Threshold: 15 * time.Minute, Workers: 2})
	r.runCycle()

	for _, id := range []string{"a", "b", "c"} {
		cred, err := st.Get(id)
		require.NoError(t, err)
		assert.Contains(t, cred.Access, "new-")
	}
}

func TestRefresher_StartStop(t *testing.T) {
	st := newMemStore(nil)
	client := &fakeClient{refresh: func(string) (oauthflow.Result, error) { return oauthflow.Result{}, nil }}
	p := &fakePool{}

	r := New(st, client, p, Config{Interval: 10 * time.Millisecond, Threshold: time.Minute, Workers: 1})
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
