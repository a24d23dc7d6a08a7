// Package proxy implements the request pipeline of the gateway: the
// reserved-prefix short circuit, the routing, authentication, rate
// limit and circuit breaker gates, the upstream dispatch and the
// response relay. Every request that enters the pipeline, whatever its
// outcome, produces exactly one request log record; CORS preflights,
// requests under the reserved prefix and requests shed by the
// in-flight limit are not logged.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go4.org/netipx"

	"github.com/portcullis-io/portcullis/auth"
	"github.com/portcullis-io/portcullis/circuit"
	"github.com/portcullis-io/portcullis/gwerror"
	"github.com/portcullis-io/portcullis/logging"
	"github.com/portcullis-io/portcullis/logsink"
	"github.com/portcullis-io/portcullis/metrics"
	gwnet "github.com/portcullis-io/portcullis/net"
	"github.com/portcullis-io/portcullis/ratelimit"
	"github.com/portcullis-io/portcullis/routing"
	"github.com/portcullis-io/portcullis/store"
)

// StatusClientClosedRequest is logged when the client disconnects
// before the response could be written.
const StatusClientClosedRequest = 499

const managementPrefix = "/api/v1/gateway"

var probePaths = []string{"/health", "/ready", "/live"}

// Options to create a Proxy.
type Options struct {
	Routes   *routing.Table
	Verifier *auth.Verifier
	Limits   *ratelimit.Engine
	Breakers *circuit.Registry
	Sink     *logsink.Sink
	Metrics  *metrics.Metrics

	// Admin serves the reserved management prefix and the probe
	// endpoints.
	Admin http.Handler

	// TrustedProxies gates X-Forwarded-For parsing.
	TrustedProxies *netipx.IPSet

	CORS CORSOptions

	// MaxInFlight sheds load with 503 once this many requests are
	// being served. Zero means unlimited.
	MaxInFlight int

	// DeadlineSlack is added on top of timeout*(retries+1) for the
	// overall request deadline.
	DeadlineSlack time.Duration

	// Transport overrides the upstream round tripper, used by the
	// tests.
	Transport http.RoundTripper
}

// Proxy is the gateway's HTTP handler.
type Proxy struct {
	routes   *routing.Table
	verifier *auth.Verifier
	limits   *ratelimit.Engine
	breakers *circuit.Registry
	sink     *logsink.Sink
	metrics  *metrics.Metrics
	admin    http.Handler
	trusted  *netipx.IPSet
	cors     CORSOptions
	slack    time.Duration
	client   *http.Client
	inflight chan struct{}
}

func defaultTransport() http.RoundTripper {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}
}

// New creates the proxy handler.
func New(o Options) *Proxy {
	transport := o.Transport
	if transport == nil {
		transport = defaultTransport()
	}
	if o.DeadlineSlack <= 0 {
		o.DeadlineSlack = 2 * time.Second
	}

	p := &Proxy{
		routes:   o.Routes,
		verifier: o.Verifier,
		limits:   o.Limits,
		breakers: o.Breakers,
		sink:     o.Sink,
		metrics:  o.Metrics,
		admin:    o.Admin,
		trusted:  o.TrustedProxies,
		cors:     o.CORS,
		slack:    o.DeadlineSlack,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if o.MaxInFlight > 0 {
		p.inflight = make(chan struct{}, o.MaxInFlight)
	}
	return p
}

func reserved(path string) bool {
	if path == managementPrefix || strings.HasPrefix(path, managementPrefix+"/") {
		return true
	}
	for _, p := range probePaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set(headerRequestID, requestID)

	if p.cors.apply(w, r) {
		return
	}

	if reserved(r.URL.Path) {
		p.admin.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
		return
	}

	if p.inflight != nil {
		select {
		case p.inflight <- struct{}{}:
			defer func() { <-p.inflight }()
		default:
			gwerror.WriteJSON(w, requestID, gwerror.New(
				gwerror.CodeOverloaded, http.StatusServiceUnavailable, "gateway overloaded"))
			return
		}
	}

	p.serve(w, r, requestID, start)
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, requestID string, start time.Time) {
	clientIP := ""
	if ip := gwnet.ClientIP(r, p.trusted); ip.IsValid() {
		clientIP = ip.String()
	}

	lg := &store.RequestLog{
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  clientIP,
	}

	var responseSize int64

	finish := func(code int, errMsg string) {
		elapsed := time.Since(start)
		lg.ResponseTimeMs = float64(elapsed) / float64(time.Millisecond)
		if code != 0 {
			lg.StatusCode = &code
		}
		if errMsg != "" {
			lg.ErrorMessage = &errMsg
		}
		service := ""
		if lg.TargetService != nil {
			service = *lg.TargetService
		}
		p.sink.Enqueue(lg)
		p.metrics.MeasureProxy(service, code, elapsed)
		logging.LogAccess(&logging.AccessEntry{
			Request:      r,
			StatusCode:   code,
			ResponseSize: responseSize,
			RequestID:    requestID,
			Duration:     elapsed,
			RequestTime:  start,
		})
	}

	fail := func(e *gwerror.Error, errMsg string) {
		gwerror.WriteJSON(w, requestID, e)
		finish(e.Status, errMsg)
	}

	// Routing gate.
	route, err := p.routes.Resolve(r.URL.Path, r.Method)
	if err != nil {
		var mna *routing.MethodNotAllowedError
		if errors.As(err, &mna) {
			w.Header().Set("Allow", strings.Join(mna.Allowed, ", "))
			fail(gwerror.New(gwerror.CodeMethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed").
				WithDetails(map[string]any{"allowed_methods": mna.Allowed}), "method_not_allowed")
			return
		}
		fail(gwerror.New(gwerror.CodeRouteNotFound, http.StatusNotFound, "no route matches this path"), "route_not_found")
		return
	}
	lg.MatchedRouteID = &route.ID
	lg.TargetService = &route.TargetService

	// Authentication gate.
	var identity *auth.Identity
	if route.AuthRequired {
		identity, err = p.verifier.Verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			p.failAuth(w, fail, err)
			return
		}
		lg.UserID = &identity.UserID
	}

	// Rate limit gate.
	userID := ""
	if identity != nil {
		userID = identity.UserID
	}
	verdict, err := p.limits.Evaluate(r.Context(), ratelimit.Request{
		Path:     r.URL.Path,
		Method:   r.Method,
		UserID:   userID,
		ClientIP: clientIP,
		RouteID:  route.ID,
	})
	if err != nil {
		fail(gwerror.Internal(err), "internal_error")
		return
	}
	if verdict.Applied {
		setRateLimitHeaders(w.Header(), verdict)
	}
	if !verdict.Allowed {
		retryAfter := int(time.Until(verdict.Reset)/time.Second) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		p.metrics.IncRateLimited(verdict.RuleName)
		fail(gwerror.New(gwerror.CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded"),
			"rate_limited:"+verdict.RuleName)
		return
	}

	// Circuit breaker gate.
	useBreaker := route.CircuitBreakerEnabled
	if useBreaker && !p.breakers.Allow(route.TargetService) {
		w.Header().Set("X-Circuit-Open", "true")
		fail(gwerror.New(gwerror.CodeCircuitOpen, http.StatusServiceUnavailable, "upstream circuit open"),
			"circuit_open")
		return
	}

	// Dispatch.
	deadline := route.Timeout*time.Duration(route.Retries+1) + p.slack
	dctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()

	dresp, derr := p.dispatch(dctx, route, r, requestID, identity)
	if derr != nil {
		switch derr.kind {
		case dispatchCanceled:
			if useBreaker {
				p.breakers.RecordCanceled(route.TargetService)
			}
			finish(StatusClientClosedRequest, "client_closed_request")
		case dispatchTimeout:
			p.recordFailure(useBreaker, route.TargetService, "timeout")
			fail(gwerror.New(gwerror.CodeUpstreamTimeout, http.StatusGatewayTimeout, "upstream timed out"),
				"upstream_timeout")
		default:
			p.recordFailure(useBreaker, route.TargetService, "connect")
			fail(gwerror.New(gwerror.CodeUpstreamConnect, http.StatusBadGateway, "upstream unreachable"),
				"upstream_connect_error")
		}
		return
	}
	defer dresp.Close()
	resp := dresp.resp

	// Relay, streaming the body.
	relayHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	responseSize, err = io.Copy(w, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		p.recordFailure(useBreaker, route.TargetService, "upstream_5xx")
		finish(resp.StatusCode, "upstream_status_5xx")
		return
	}

	if useBreaker {
		p.breakers.RecordSuccess(route.TargetService)
		p.metrics.SetBreakerOpen(route.TargetService, p.breakers.Open(route.TargetService))
	}
	if err != nil {
		finish(resp.StatusCode, "response_stream_interrupted")
		return
	}
	finish(resp.StatusCode, "")
}

func (p *Proxy) recordFailure(useBreaker bool, service, kind string) {
	p.metrics.IncUpstreamError(service, kind)
	if !useBreaker {
		return
	}
	p.breakers.RecordFailure(service)
	p.metrics.SetBreakerOpen(service, p.breakers.Open(service))
}

func (p *Proxy) failAuth(w http.ResponseWriter, fail func(*gwerror.Error, string), err error) {
	kind := "invalid"
	e := gwerror.New(gwerror.CodeUnauthorized, http.StatusUnauthorized, "authentication required")
	switch {
	case errors.Is(err, auth.ErrMissing):
		kind = "missing"
	case errors.Is(err, auth.ErrMalformed):
		kind = "malformed"
	case errors.Is(err, auth.ErrExpired):
		kind = "expired"
		e = gwerror.New(gwerror.CodeUnauthorized, http.StatusUnauthorized, "token expired")
	case errors.Is(err, auth.ErrRevoked):
		kind = "revoked"
		e = gwerror.New(gwerror.CodeUnauthorized, http.StatusUnauthorized, "token revoked")
	case errors.Is(err, auth.ErrUnavailable):
		kind = "unavailable"
		e = gwerror.New(gwerror.CodeAuthUnavailable, http.StatusServiceUnavailable, "identity service unavailable")
	}
	p.metrics.IncAuthFailure(kind)
	fail(e, "auth_"+kind)
}

func setRateLimitHeaders(h http.Header, v ratelimit.Verdict) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(v.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(v.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(v.Reset.Unix(), 10))
}

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the gateway request id on the context for the
// management handlers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the gateway request id, or an empty string.
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
