package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/portcullis-io/portcullis/auth"
	"github.com/portcullis-io/portcullis/routing"
)

// maxReplayBodySize bounds how much of a request body is buffered to
// make retries possible. Larger bodies are dispatched in a single
// attempt.
const maxReplayBodySize = 1 << 20

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 2 * time.Second
)

type dispatchErrorKind int

const (
	dispatchTimeout dispatchErrorKind = iota
	dispatchConnect
	dispatchCanceled
)

type dispatchError struct {
	kind dispatchErrorKind
	err  error
}

func (e *dispatchError) Error() string { return e.err.Error() }

// dispatchResponse holds the upstream response together with the
// cancel func of its attempt context. The context must stay alive
// until the body has been fully relayed.
type dispatchResponse struct {
	resp   *http.Response
	cancel context.CancelFunc
}

func (d *dispatchResponse) Close() {
	d.resp.Body.Close()
	d.cancel()
}

func idempotent(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPatch:
		return false
	}
	return true
}

// dialFailed reports whether the error happened before any byte of
// the request reached the upstream, which makes a retry safe for any
// method.
func dialFailed(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// retryable decides whether the attempt error permits another try.
// Connection errors before anything was sent always do; timeouts and
// mid-flight connection errors only for idempotent methods.
func retryable(method string, err error) bool {
	if dialFailed(err) {
		return true
	}
	return idempotent(method)
}

// dispatch forwards the request to the route's upstream, applying the
// per-attempt timeout and the retry policy of the route.
func (p *Proxy) dispatch(ctx context.Context, route *routing.Route, r *http.Request, requestID string, id *auth.Identity) (*dispatchResponse, *dispatchError) {
	u := route.TargetBaseURL + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}

	attempts := route.Retries + 1

	// Bodies are replayed from memory on retry; anything too large
	// to buffer gets a single attempt.
	var bodyBytes []byte
	if r.Body != nil && r.ContentLength != 0 {
		if r.ContentLength > 0 && r.ContentLength <= maxReplayBodySize {
			var err error
			bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, maxReplayBodySize+1))
			if err != nil {
				return nil, &dispatchError{kind: dispatchConnect, err: err}
			}
		} else {
			attempts = 1
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.Multiplier = 2
	bo.MaxInterval = backoffCap
	bo.RandomizationFactor = 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				if canceled(ctx.Err()) {
					return nil, &dispatchError{kind: dispatchCanceled, err: ctx.Err()}
				}
				return nil, &dispatchError{kind: dispatchTimeout, err: ctx.Err()}
			}
		}

		actx, cancel := context.WithTimeout(ctx, route.Timeout)
		req, err := http.NewRequestWithContext(actx, r.Method, u, attemptBody(bodyBytes, r, attempt))
		if err != nil {
			cancel()
			return nil, &dispatchError{kind: dispatchConnect, err: err}
		}
		req.Header = upstreamHeaders(r, requestID, id)
		if bodyBytes != nil {
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := p.client.Do(req)
		if err == nil {
			return &dispatchResponse{resp: resp, cancel: cancel}, nil
		}
		cancel()

		if ctx.Err() != nil && canceled(ctx.Err()) {
			// The client went away; the outbound call was canceled
			// on the same signal.
			return nil, &dispatchError{kind: dispatchCanceled, err: err}
		}

		lastErr = err
		log.Debugf("dispatch attempt %d/%d to %s failed: %v", attempt+1, attempts, route.TargetService, err)

		if !retryable(r.Method, err) {
			break
		}
	}

	var uerr *url.Error
	if errors.As(lastErr, &uerr) {
		lastErr = uerr.Err
	}
	if timedOut(lastErr) {
		return nil, &dispatchError{kind: dispatchTimeout, err: lastErr}
	}
	return nil, &dispatchError{kind: dispatchConnect, err: lastErr}
}

func attemptBody(bodyBytes []byte, r *http.Request, attempt int) io.Reader {
	if bodyBytes != nil {
		return bytes.NewReader(bodyBytes)
	}
	if attempt == 0 && r.Body != nil && r.ContentLength != 0 {
		return r.Body
	}
	return nil
}
