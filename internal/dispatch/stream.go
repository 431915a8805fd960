package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// cancelingBody wraps a response body together with the context.CancelFunc
// that bounded the initial-response phase of the request that produced it.
// The cancel must not fire until the body is fully read or closed, so it is
// deferred here rather than called immediately after Do returns.
type cancelingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelingBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// idleTimeoutBody wraps an upstream response body with an idle deadline
// that resets on every delivered chunk. The upstream sends
// SSE heartbeat comments during long completions, so idle timeout on
// inactivity — not a wall-clock deadline over the whole body — is the
// correct dead-connection signal.
type idleTimeoutBody struct {
	inner io.ReadCloser
	idle  time.Duration

	ch     chan readResult
	doneCh chan struct{}
	once   sync.Once

	pending  []byte
	finished bool
}

type readResult struct {
	p   []byte
	err error
}

// newIdleTimeoutBody starts a pump goroutine reading inner in the
// background so Read can race each chunk against the idle timer.
func newIdleTimeoutBody(inner io.ReadCloser, idle time.Duration) *idleTimeoutBody {
	b := &idleTimeoutBody{
		inner:  inner,
		idle:   idle,
		ch:     make(chan readResult),
		doneCh: make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *idleTimeoutBody) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := b.inner.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case b.ch <- readResult{p: chunk}:
			case <-b.doneCh:
				return
			}
		}
		if err != nil {
			select {
			case b.ch <- readResult{err: err}:
			case <-b.doneCh:
			}
			return
		}
	}
}

// Read implements io.Reader. Once the idle timer has fired once, the
// wrapper is terminated for good: it never re-arms on subsequent calls.
func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	if b.finished {
		return 0, io.EOF
	}

	if len(b.pending) > 0 {
		n := copy(p, b.pending)
		b.pending = b.pending[n:]
		return n, nil
	}

	timer := time.NewTimer(b.idle)
	defer timer.Stop()

	select {
	case res, ok := <-b.ch:
		if !ok {
			b.finished = true
			return 0, io.EOF
		}
		if res.err != nil {
			b.finished = true
			if errors.Is(res.err, io.EOF) {
				return 0, io.EOF
			}
			return 0, res.err
		}
		n := copy(p, res.p)
		if n < len(res.p) {
			b.pending = res.p[n:]
		}
		return n, nil
	case <-timer.C:
		// Idle timeout: finish cleanly, never an error frame.
		b.finished = true
		b.stopPump()
		return 0, io.EOF
	}
}

func (b *idleTimeoutBody) stopPump() {
	b.once.Do(func() { close(b.doneCh) })
}

// Close releases the inner stream and stops the pump goroutine.
func (b *idleTimeoutBody) Close() error {
	b.stopPump()
	return b.inner.Close()
}
