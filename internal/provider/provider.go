// Package provider implements the per-request provider pipeline: it picks
// an account from the pool, rewrites headers and body so the upstream
// accepts the selected credential, and classifies upstream responses so
// the dispatch loop can decide whether to fail over.
//
// Dispatch depends on the Pipeline interface (identity, NeedsBody,
// PrepareRequest, ClassifyError, ReportError, Health) rather than on the
// OAuth pipeline concretely; it has two implementations: the OAuth
// pipeline and the static-header pipeline kept for backward
// compatibility.
package provider

import (
	"context"

	"github.com/basher83/oauth-gateway/internal/pool"
)

// Pipeline is the boundary the dispatch loop programs against.
type Pipeline interface {
	// Name identifies the pipeline for logging/metrics.
	Name() string
	// NeedsBody reports whether PrepareRequest must deserialize the body.
	NeedsBody() bool
	// PrepareRequest mutates headers and body in place to match the
	// selected account's credential. It returns the selected account id,
	// or "" if no account was selected (e.g. pool exhausted).
	PrepareRequest(ctx context.Context, req *Request) (accountID string, err error)
	// ClassifyError derives a pool.Classification from an upstream status
	// code and a bounded error body.
	ClassifyError(status int, body []byte) pool.Classification
	// ReportError feeds a classification back into the pool.
	ReportError(accountID string, c pool.Classification)
	// Health returns the pool health snapshot backing this pipeline, or
	// the zero value for pipelines with no pool.
	Health() pool.Health
}

// Request is the mutable in-flight representation of an inbound client
// request as it is transformed into an upstream request.
type Request struct {
	Method  string
	URL     string
	Header  map[string][]string
	Body    []byte // raw bytes; pipelines that NeedsBody() parse/rewrite this
}

type poolExhaustedError struct{ snapshot pool.Exhausted }

func (e poolExhaustedError) Error() string { return "provider: pool exhausted" }

// Exhausted builds the sentinel pool-exhausted error carrying a snapshot.
func Exhausted(snapshot pool.Exhausted) error {
	return poolExhaustedError{snapshot: snapshot}
}

// AsExhausted reports whether err is a pool-exhaustion error and returns
// its snapshot.
func AsExhausted(err error) (pool.Exhausted, bool) {
	if e, ok := err.(poolExhaustedError); ok {
		return e.snapshot, true
	}
	return pool.Exhausted{}, false
}
