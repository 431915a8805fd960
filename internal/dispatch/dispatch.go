// Package dispatch implements the outer dispatch loop: it drives the
// provider pipeline against the upstream API with failover, applies the
// three request timeout phases (connect, initial response, stream idle),
// and hands back a response the HTTP listener can stream to the client
// unchanged.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/basher83/oauth-gateway/internal/gwerrors"
	"github.com/basher83/oauth-gateway/internal/obslog"
	"github.com/basher83/oauth-gateway/internal/obsmetrics"
	"github.com/basher83/oauth-gateway/internal/pool"
	"github.com/basher83/oauth-gateway/internal/provider"
)

// maxClassificationBodyBytes bounds how much of a non-success response
// body is buffered before classification, so the bytes consumed are
// reproducible.
const maxClassificationBodyBytes = 64 * 1024

// maxInitialResponseRetries bounds the total number of tries of a single
// upstream attempt when the initial-response phase itself times out.
const maxInitialResponseRetries = 3

// Config bounds the dispatch loop's three timeout phases.
type Config struct {
	ConnectTimeout         time.Duration
	InitialResponseTimeout time.Duration
	StreamIdleTimeout      time.Duration
}

// DefaultConfig returns the documented defaults: a 5s connect timeout,
// and the configured request timeout backing both the initial-response
// and stream-idle phases.
func DefaultConfig(requestTimeout time.Duration) Config {
	return Config{
		ConnectTimeout:         5 * time.Second,
		InitialResponseTimeout: requestTimeout,
		StreamIdleTimeout:      requestTimeout,
	}
}

// Loop drives one provider pipeline against one upstream base URL.
type Loop struct {
	Pipeline provider.Pipeline
	Upstream string
	cfg      Config
	client   *http.Client
}

// New builds a Loop. upstream is the base URL every inbound request path
// is joined against.
func New(pipe provider.Pipeline, upstream string, cfg Config) *Loop {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Loop{
		Pipeline: pipe,
		Upstream: upstream,
		cfg:      cfg,
		client: &http.Client{
			// No blanket timeout: SSE streams must survive past the
			// initial-response phase.
			Timeout: 0,
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 0, // governed explicitly below, per attempt
			},
		},
	}
}

// Result is what the HTTP listener writes back to the client.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ExhaustedError is returned by Dispatch when every attempt failed over
// until the pool had nothing left to offer. The HTTP listener renders it
// as the pool_exhausted envelope with its own request id.
type ExhaustedError struct {
	Snapshot pool.Exhausted
}

func (e *ExhaustedError) Error() string { return "dispatch: pool exhausted" }

// Dispatch attempts prepare+send against successive accounts until a
// terminal outcome (success, Transient, Permanent) or pool exhaustion.
func (l *Loop) Dispatch(ctx context.Context, method, path string, header http.Header, body []byte) (*Result, error) {
	maxAttempts := l.Pipeline.Health().Total
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req := &provider.Request{
			Method: method,
			URL:    path,
			Header: cloneHeader(header),
			Body:   cloneBody(body),
		}

		accountID, err := l.Pipeline.PrepareRequest(ctx, req)
		if err != nil {
			if snapshot, ok := provider.AsExhausted(err); ok {
				return nil, &ExhaustedError{Snapshot: snapshot}
			}
			return nil, gwerrors.Wrap(gwerrors.KindProxyError, "preparing upstream request", err)
		}

		resp, cancel, sendErr := l.send(ctx, req)
		if sendErr != nil {
			obsmetrics.RecordUpstreamError(string(gwerrors.KindUpstreamTransient))
			return nil, gwerrors.Wrap(gwerrors.KindUpstreamTransient, "upstream request failed", sendErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			// The initial-response timeout governed only Do(); the body
			// stream itself is bounded by the idle-timeout wrapper, so the
			// call's cancel must not fire until that wrapper closes.
			return &Result{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       newIdleTimeoutBody(&cancelingBody{ReadCloser: resp.Body, cancel: cancel}, l.cfg.StreamIdleTimeout),
			}, nil
		}

		buffered, classification := l.classify(resp)
		cancel()

		switch classification {
		case pool.Transient:
			obsmetrics.RecordUpstreamError(string(gwerrors.KindUpstreamTransient))
			return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: io.NopCloser(bytes.NewReader(buffered))}, nil
		case pool.Permanent:
			obsmetrics.RecordUpstreamError(string(gwerrors.KindUpstreamPermanent))
			if accountID != "" {
				l.Pipeline.ReportError(accountID, pool.Permanent)
			}
			return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: io.NopCloser(bytes.NewReader(buffered))}, nil
		case pool.QuotaExceeded:
			obsmetrics.RecordUpstreamError(string(gwerrors.KindUpstreamQuota))
			if accountID != "" {
				l.Pipeline.ReportError(accountID, pool.QuotaExceeded)
			}
			obsmetrics.RecordFailover()
			obslog.Log.Info().Str("account_id", accountID).Int("attempt", attempt).Msg("dispatch_failover")
			continue
		}
	}

	return nil, &ExhaustedError{Snapshot: l.Pipeline.Health().Exhausted()}
}

// send performs one upstream attempt, making up to
// maxInitialResponseRetries tries in total while the initial-response
// phase times out. On success it returns the response together with the
// cancel func for the per-attempt context that bounded Do(); the caller
// owns that cancel and must not invoke it until the response body has
// been fully consumed or closed, since canceling it earlier would abort
// an in-flight stream read.
func (l *Loop) send(ctx context.Context, req *provider.Request) (*http.Response, context.CancelFunc, error) {
	url := l.Upstream + req.URL

	var lastErr error
	for attempt := 0; attempt < maxInitialResponseRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
		if err != nil {
			return nil, nil, err
		}
		httpReq.Header = http.Header(req.Header)

		callCtx, cancel := context.WithTimeout(ctx, l.cfg.InitialResponseTimeout)
		httpReq = httpReq.WithContext(callCtx)

		resp, err := l.client.Do(httpReq)
		if err == nil {
			return resp, cancel, nil
		}
		cancel()
		lastErr = err
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		// Initial-response timeout: retry the same account's attempt.
	}
	return nil, nil, fmt.Errorf("initial response timed out after %d attempts: %w", maxInitialResponseRetries, lastErr)
}

// classify buffers a bounded, reproducible chunk of a non-success body and
// asks the pipeline to classify it.
func (l *Loop) classify(resp *http.Response) ([]byte, pool.Classification) {
	defer resp.Body.Close()
	buffered, _ := io.ReadAll(io.LimitReader(resp.Body, maxClassificationBodyBytes))
	return buffered, l.Pipeline.ClassifyError(resp.StatusCode, buffered)
}

func cloneHeader(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		copied := make([]string, len(v))
		copy(copied, v)
		out[k] = copied
	}
	return out
}

func cloneBody(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
