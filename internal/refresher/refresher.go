// Package refresher implements the background refresher: a long-lived
// task that wakes on a fixed interval and proactively refreshes any
// account's token whose expiry falls within a configurable threshold, so
// the pool's request-time inline refresh rarely has to block a client on
// the token endpoint.
package refresher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/basher83/oauth-gateway/internal/obslog"
	"github.com/basher83/oauth-gateway/internal/obsmetrics"
	"github.com/basher83/oauth-gateway/internal/oauthflow"
	"github.com/basher83/oauth-gateway/internal/pool"
	"github.com/basher83/oauth-gateway/internal/retry"
	"github.com/basher83/oauth-gateway/internal/store"
	"github.com/basher83/oauth-gateway/internal/workerpool"
)

// CredentialStore is the subset of store.Store the refresher depends on.
type CredentialStore interface {
	Get(id string) (store.Credential, error)
	Add(id string, cred store.Credential) error
}

// TokenClient is the subset of oauthflow.Client the refresher depends on.
type TokenClient interface {
	Refresh(ctx context.Context, refreshToken string) (oauthflow.Result, error)
}

// AccountPool is the subset of pool.Pool the refresher depends on: listing
// accounts to consider, and reporting a dead credential back so the pool's
// own bookkeeping (status, metrics) stays authoritative.
type AccountPool interface {
	IDs() []string
	ReportError(id string, c pool.Classification)
}

// Config bounds the refresher's cadence.
type Config struct {
	// Interval is how often a refresh cycle runs. Default 5 minutes.
	Interval time.Duration
	// Threshold is how far in advance of expiry a credential is
	// proactively refreshed. Default 15 minutes.
	Threshold time.Duration
	// Workers bounds per-cycle fan-out concurrency. Default 4.
	Workers int
}

// DefaultConfig returns the refresher's documented defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, Threshold: 15 * time.Minute, Workers: 4}
}

// Refresher runs Config.Interval-spaced refresh cycles until Stop is
// called, making progress on every account each cycle via a bounded worker pool.
type Refresher struct {
	store  CredentialStore
	client TokenClient
	pool   AccountPool
	cfg    Config

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Refresher. Call Start to begin its background loop and
// Stop to shut it down cooperatively.
func New(st CredentialStore, client TokenClient, p AccountPool, cfg Config) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Refresher{
		store:  st,
		client: client,
		pool:   p,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the refresh loop in its own goroutine. It returns
// immediately; the loop exits promptly after Stop is called.
func (r *Refresher) Start() {
	go r.loop()
}

// Stop signals the loop to exit and blocks until it has drained.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Refresher) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runCycle()
		}
	}
}

// runCycle fans the pool's accounts out across a bounded worker pool so a
// large pool still makes progress on every account within one cycle.
func (r *Refresher) runCycle() {
	ids := r.pool.IDs()
	if len(ids) == 0 {
		return
	}

	wp := workerpool.New(r.cfg.Workers)
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		wp.Submit(func() {
			defer wg.Done()
			r.refreshOne(id)
		})
	}
	wg.Wait()
	wp.Wait()
}

// refreshOne reads, checks, and conditionally refreshes one account's
// credential, wrapped in a bounded retry-with-backoff helper on top of
// the per-cycle retry the outer loop already provides.
func (r *Refresher) refreshOne(id string) {
	log := obslog.Log.With().Str("account_id", id).Logger()

	cred, err := r.store.Get(id)
	if err != nil {
		log.Debug().Err(err).Msg("refresher_account_missing")
		return
	}

	if time.Until(time.UnixMilli(cred.ExpiresAt)) > r.cfg.Threshold {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var result oauthflow.Result
	retryErr := retry.Do(ctx, retry.DefaultConfig(), isRetryableRefreshError, func() error {
		res, err := r.client.Refresh(ctx, cred.Refresh)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if retryErr != nil {
		var tokenErr *oauthflow.TokenError
		if errors.As(retryErr, &tokenErr) && tokenErr.Kind == oauthflow.ErrKindInvalidCredentials {
			obsmetrics.RecordTokenRefresh("invalid_credentials")
			r.pool.ReportError(id, pool.Permanent)
			log.Warn().Msg("refresher_disabled_invalid_credentials")
			return
		}
		obsmetrics.RecordTokenRefresh("http")
		log.Warn().Err(retryErr).Msg("refresher_cycle_failed_will_retry_next_cycle")
		return
	}

	newCred := store.Credential{
		Kind:      "oauth",
		Refresh:   result.RefreshToken,
		Access:    result.AccessToken,
		ExpiresAt: result.Token(time.Now()).Expiry.UnixMilli(),
	}
	if err := r.store.Add(id, newCred); err != nil {
		log.Error().Err(err).Msg("refresher_store_write_failed")
		return
	}
	obsmetrics.RecordTokenRefresh("success")
	log.Info().Msg("refresher_refresh_succeeded")
}

// isRetryableRefreshError retries only on transport-class failures; an
// InvalidCredentials response means the credential is dead and further
// attempts within this cycle are pointless.
func isRetryableRefreshError(err error) bool {
	var tokenErr *oauthflow.TokenError
	if errors.As(err, &tokenErr) {
		return tokenErr.Kind == oauthflow.ErrKindHTTP
	}
	return true
}
