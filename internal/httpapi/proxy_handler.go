package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/basher83/oauth-gateway/internal/dispatch"
	"github.com/basher83/oauth-gateway/internal/gwerrors"
	"github.com/basher83/oauth-gateway/internal/httpmw"
	"github.com/basher83/oauth-gateway/internal/obslog"
)

// maxRequestBodyBytes bounds how much of an inbound request body the
// proxy buffers before forwarding; large uploads are not this system's
// target workload (chat completion requests).
const maxRequestBodyBytes = 16 << 20 // 16MiB

// newProxyHandler builds the handler that drives one request through the
// dispatch loop and streams its result back.
func newProxyHandler(loop *dispatch.Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := httpmw.GetRequestID(r.Context())
		log := obslog.Ctx(r.Context())

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
		if err != nil {
			gwerrors.WriteJSON(w, gwerrors.KindInvalidRequest, "reading request body", requestID, nil)
			return
		}
		if len(body) > maxRequestBodyBytes {
			gwerrors.WriteJSON(w, gwerrors.KindInvalidRequest, "request body too large", requestID, nil)
			return
		}

		result, err := loop.Dispatch(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
		if err != nil {
			writeDispatchError(w, requestID, err)
			return
		}
		defer result.Body.Close()

		for k, vs := range result.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(result.StatusCode)

		flusher, canFlush := w.(http.Flusher)
		copyStreaming(w, result.Body, flusher, canFlush, log)
	}
}

func writeDispatchError(w http.ResponseWriter, requestID string, err error) {
	if exhausted, ok := err.(*dispatch.ExhaustedError); ok {
		gwerrors.WriteJSON(w, gwerrors.KindPoolExhausted, "All accounts exhausted", requestID, exhausted.Snapshot)
		return
	}
	if gwErr, ok := err.(*gwerrors.Error); ok {
		gwerrors.WriteJSON(w, gwErr.Kind, gwErr.Msg, requestID, nil)
		return
	}
	gwerrors.WriteJSON(w, gwerrors.KindProxyError, "dispatch failed", requestID, nil)
}

// copyStreaming forwards the response body chunk by chunk, flushing after
// each write so SSE events reach the client without buffering delay.
func copyStreaming(w http.ResponseWriter, body io.Reader, flusher http.Flusher, canFlush bool, log *zerolog.Logger) {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Warn().Err(readErr).Msg("proxy_stream_read_failed")
			}
			return
		}
	}
}
