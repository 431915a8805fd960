// Package gwerrors defines the gateway's error taxonomy and the JSON
// envelope clients see on failure.
package gwerrors

import "fmt"

// Kind is one of the error classes the core distinguishes.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindCredentialParse    Kind = "credential_parse"
	KindTokenHTTP          Kind = "token_http"
	KindTokenExchange      Kind = "token_exchange"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindUpstreamTransient  Kind = "upstream_transient"
	KindUpstreamQuota      Kind = "upstream_quota"
	KindUpstreamPermanent  Kind = "upstream_permanent"
	KindPoolExhausted      Kind = "pool_exhausted"
	KindInvalidRequest     Kind = "invalid_request"
	KindProxyError         Kind = "proxy_error"
)

// Error wraps an inner cause with one of the Kind classes above.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no inner cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
