package provider

import (
	"context"
	"net/http"

	"github.com/basher83/oauth-gateway/internal/pool"
)

// StaticPipeline is the simpler static-header pipeline kept for backward
// compatibility: it injects one fixed API key header and
// never parses or rewrites the request body. It has no pool of rotating
// accounts, so ClassifyError/ReportError/Health are degenerate.
type StaticPipeline struct {
	APIKeyHeader string
	APIKeyValue  string
}

// NewStaticPipeline builds a StaticPipeline that injects headerName:
// headerValue on every request.
func NewStaticPipeline(headerName, headerValue string) *StaticPipeline {
	return &StaticPipeline{APIKeyHeader: headerName, APIKeyValue: headerValue}
}

// Name implements Pipeline.
func (s *StaticPipeline) Name() string { return "static" }

// NeedsBody implements Pipeline: the static pipeline never touches the body.
func (s *StaticPipeline) NeedsBody() bool { return false }

// PrepareRequest implements Pipeline by injecting the fixed header; it
// selects no account, so it always returns "" for accountID.
func (s *StaticPipeline) PrepareRequest(_ context.Context, req *Request) (string, error) {
	deleteHeader(req.Header, "authorization")
	setHeader(req.Header, s.APIKeyHeader, s.APIKeyValue)
	return "", nil
}

// ClassifyError implements Pipeline with the same status-code rules as the
// OAuth pipeline, minus quota-phrase inspection (there is no pool to cool
// down).
func (s *StaticPipeline) ClassifyError(status int, _ []byte) pool.Classification {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pool.Permanent
	case status == http.StatusRequestTimeout || status >= 500:
		return pool.Transient
	default:
		return pool.Transient
	}
}

// ReportError implements Pipeline as a no-op: there is no pool to mutate.
func (s *StaticPipeline) ReportError(string, pool.Classification) {}

// Health implements Pipeline, returning the zero value (no pool exists).
func (s *StaticPipeline) Health() pool.Health { return pool.Health{} }
