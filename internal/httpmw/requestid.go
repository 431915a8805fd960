// Package httpmw holds the small HTTP middleware shared by the proxy
// listener and the admin listener.
package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderXRequestID is the header carrying the request correlation id.
const HeaderXRequestID = "X-Request-Id"

type ctxKeyRequestID struct{}

// RequestID assigns a request id from the inbound header, or generates one,
// and stashes it in the response header and the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderXRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		w.Header().Set(HeaderXRequestID, reqID)

		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id stashed in ctx, or "" if none.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if reqID, ok := ctx.Value(ctxKeyRequestID{}).(string); ok {
		return reqID
	}
	return ""
}
