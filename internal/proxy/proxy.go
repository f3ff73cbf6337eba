// Package proxy provides HTTP reverse proxy functionality.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	mathrand "math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/valmatov/edgeproxy/internal/backend"
	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/observability"
	"github.com/valmatov/edgeproxy/internal/ratelimit"
	"github.com/valmatov/edgeproxy/internal/retry"
	"github.com/valmatov/edgeproxy/internal/router"
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// maxBufferedBodyBytes bounds how much of the request body is buffered
// to make retries possible. Larger bodies are forwarded once without
// retries.
const maxBufferedBodyBytes = 1 << 20

// ReverseProxy routes requests to backend services.
type ReverseProxy struct {
	router       *router.Router
	backends     *backend.Registry
	limits       *ratelimit.Registry
	logger       observability.Logger
	rateLimitHit func(route string)
}

// ProxyOption is a functional option for configuring the proxy.
type ProxyOption func(*ReverseProxy)

// WithProxyLogger sets the logger for the proxy.
func WithProxyLogger(logger observability.Logger) ProxyOption {
	return func(p *ReverseProxy) {
		p.logger = logger
	}
}

// WithRateLimits sets the rate limit policy registry used to enforce
// route rateLimitRef policies.
func WithRateLimits(limits *ratelimit.Registry) ProxyOption {
	return func(p *ReverseProxy) {
		p.limits = limits
	}
}

// WithRateLimitHitFunc registers a callback invoked with the route name
// whenever a request is rejected by its rate limit policy.
func WithRateLimitHitFunc(fn func(route string)) ProxyOption {
	return func(p *ReverseProxy) {
		p.rateLimitHit = fn
	}
}

// NewReverseProxy creates a new reverse proxy.
func NewReverseProxy(r *router.Router, backends *backend.Registry, opts ...ProxyOption) *ReverseProxy {
	p := &ReverseProxy{
		router:   r,
		backends: backends,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ServeHTTP implements http.Handler.
func (p *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result, err := p.router.Match(r)
	if err != nil {
		p.handleRouteNotFound(w, r, err)
		return
	}

	route := result.Route

	ctx := observability.ContextWithRoute(r.Context(), route.Name)
	if len(result.PathParams) > 0 {
		ctx = router.ContextWithPathParams(ctx, result.PathParams)
	}
	r = r.WithContext(ctx)

	if !p.checkRateLimit(w, r, route) {
		return
	}

	if route.Config.DirectResponse != nil {
		p.handleDirectResponse(w, route.Config.DirectResponse)
		return
	}

	if route.Config.Redirect != nil {
		p.handleRedirect(w, r, route.Config.Redirect)
		return
	}

	sb, err := p.selectBackend(route)
	if err != nil {
		p.writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
		p.logger.WithContext(r.Context()).Error("backend selection failed",
			observability.String("route", route.Name),
			observability.Error(err))
		return
	}

	if route.Config.WebSocket && isWebSocketRequest(r) {
		p.proxyWebSocket(w, r, route, sb)
		return
	}

	if route.Config.Timeout.Duration() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.Context(), route.Config.Timeout.Duration())
		defer cancel()
		r = r.WithContext(ctx)
	}

	p.proxyRequest(w, r, route, sb)
}

// checkRateLimit enforces the route's rate limit policy. It writes a 429
// and returns false when the request is over limit. Limiter errors fail
// open so a broken counter store does not take down traffic.
func (p *ReverseProxy) checkRateLimit(w http.ResponseWriter, r *http.Request, route *router.CompiledRoute) bool {
	if p.limits == nil || route.Config.RateLimitRef == "" {
		return true
	}

	policy := p.limits.Get(route.Config.RateLimitRef)
	if policy == nil {
		p.logger.Warn("route references unknown rate limit policy",
			observability.String("route", route.Name),
			observability.String("policy", route.Config.RateLimitRef))
		return true
	}

	result, err := policy.Check(r.Context(), r)
	if err != nil {
		p.logger.WithContext(r.Context()).Warn("rate limit check failed",
			observability.String("policy", policy.Name()),
			observability.Error(err))
		return true
	}

	if result.Limit >= 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	}

	if result.Allowed {
		return true
	}

	retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

	if p.rateLimitHit != nil {
		p.rateLimitHit(route.Name)
	}

	p.logger.WithContext(r.Context()).Warn("rate limit exceeded",
		observability.String("route", route.Name),
		observability.String("policy", policy.Name()))
	p.writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// selectBackend picks a backend for the route, weighted across its
// backend refs.
func (p *ReverseProxy) selectBackend(route *router.CompiledRoute) (*backend.ServiceBackend, error) {
	refs := route.Config.BackendRefs
	if len(refs) == 0 {
		return nil, NewProxyError("select_backend", route.Name, "", ErrNoBackend)
	}

	ref := refs[0]
	if len(refs) > 1 {
		totalWeight := 0
		for _, br := range refs {
			weight := br.Weight
			if weight < 1 {
				weight = 1
			}
			totalWeight += weight
		}
		target := mathrand.IntN(totalWeight) //nolint:gosec // traffic splitting only
		for _, br := range refs {
			weight := br.Weight
			if weight < 1 {
				weight = 1
			}
			target -= weight
			if target < 0 {
				ref = br
				break
			}
		}
	}

	sb, ok := p.backends.Get(ref.Name)
	if !ok {
		return nil, NewProxyError("select_backend", route.Name, ref.Name,
			fmt.Errorf("unknown backend %s", ref.Name))
	}
	return sb, nil
}

// proxyRequest forwards the request, retrying per the route retry
// policy. Each attempt re-picks a host from the backend.
func (p *ReverseProxy) proxyRequest(w http.ResponseWriter, r *http.Request, route *router.CompiledRoute, sb *backend.ServiceBackend) {
	retries := route.Config.Retries
	attempts := 1
	if retries != nil && retries.NumRetries > 0 {
		attempts += retries.NumRetries
	}

	var bodyBytes []byte
	if attempts > 1 && r.Body != nil && r.Body != http.NoBody {
		buf, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBodyBytes+1))
		if err != nil {
			p.writeJSONError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(buf) > maxBufferedBodyBytes {
			// Too large to replay, forward once without retries.
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
			attempts = 1
		} else {
			bodyBytes = buf
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	breaker := sb.Breaker()
	var lastErr error

	attempt := 0
	for ; attempt < attempts; attempt++ {
		if attempt > 0 {
			recordRetry(route.Name)
			if err := p.backoff(r.Context(), retries, attempt); err != nil {
				break
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		if breaker != nil && !breaker.Allow() {
			p.writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
			p.logger.WithContext(r.Context()).Warn("circuit breaker open",
				observability.String("route", route.Name),
				observability.String("backend", sb.Name()))
			recordUpstreamError(sb.Name(), "circuit_open")
			return
		}

		host, err := sb.Pick(r)
		if err != nil {
			lastErr = NewProxyError("pick_host", route.Name, sb.Name(),
				fmt.Errorf("%w: %w", ErrBackendUnavailable, err))
			recordUpstreamError(sb.Name(), "no_healthy_hosts")
			break
		}

		resp, err := p.send(r, route, sb, host)
		if err != nil {
			lastErr = err
			if breaker != nil {
				breaker.RecordFailure()
			}
			recordUpstreamError(sb.Name(), classifyError(err))
			if retryOnConnectFailure(retries) && attempt < attempts-1 {
				continue
			}
			break
		}

		if shouldRetryStatus(retries, resp.StatusCode) && attempt < attempts-1 {
			if breaker != nil {
				breaker.RecordFailure()
			}
			drainAndClose(resp.Body)
			lastErr = NewProxyError("forward", route.Name, host.Addr(),
				fmt.Errorf("retriable status %d", resp.StatusCode))
			continue
		}

		if breaker != nil {
			if resp.StatusCode >= http.StatusInternalServerError {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}
		}

		p.writeResponse(w, r, resp, route)
		return
	}

	if lastErr != nil && attempts > 1 && attempt == attempts-1 {
		lastErr = fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
	}
	p.handleUpstreamError(w, r, route, lastErr)
}

// send performs a single upstream attempt against the given host.
func (p *ReverseProxy) send(r *http.Request, route *router.CompiledRoute, sb *backend.ServiceBackend, host *backend.Host) (*http.Response, error) {
	ctx := r.Context()
	var cancel context.CancelFunc
	if route.Config.Retries != nil && route.Config.Retries.PerTryTimeout.Duration() > 0 {
		ctx, cancel = context.WithTimeout(ctx, route.Config.Retries.PerTryTimeout.Duration())
	}

	req := p.buildUpstreamRequest(r, route, sb, host)
	req = req.WithContext(ctx)

	host.IncActive()
	start := time.Now()
	resp, err := sb.Transport().RoundTrip(req)
	duration := time.Since(start)
	host.DecActive()

	if err != nil {
		if cancel != nil {
			cancel()
		}
		cause := err
		if isTimeoutError(err) {
			cause = fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		return nil, NewProxyError("forward", route.Name, host.Addr(), cause)
	}

	recordUpstreamRequest(sb.Name(), resp.StatusCode, duration)

	// Tie the per-try context to the response body lifetime.
	if cancel != nil {
		resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

// buildUpstreamRequest clones the request and rewrites it for the
// upstream host.
func (p *ReverseProxy) buildUpstreamRequest(r *http.Request, route *router.CompiledRoute, sb *backend.ServiceBackend, host *backend.Host) *http.Request {
	req := r.Clone(r.Context())

	req.URL.Scheme = sb.Scheme()
	req.URL.Host = host.Addr()
	req.RequestURI = ""

	matchedPrefix := ""
	if route.Config.PathMatch.Type == config.MatchTypePathPrefix {
		matchedPrefix = route.Config.PathMatch.Value
	}
	applyRequestFilters(req, route.Config.Filters, matchedPrefix)

	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	if r.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", r.Host)

	if req.Host == r.Host {
		// Not overridden by a URLRewrite filter.
		req.Host = host.Addr()
	}

	observability.InjectTraceContext(r.Context(), req)

	return req
}

// writeResponse copies the upstream response to the client, applying
// response filters and stripping hop-by-hop headers.
func (p *ReverseProxy) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, route *router.CompiledRoute) {
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	applyResponseFilters(header, route.Config.Filters)

	w.WriteHeader(resp.StatusCode)

	if err := copyWithFlush(w, resp.Body); err != nil {
		p.logger.WithContext(r.Context()).Debug("response copy interrupted",
			observability.String("route", route.Name),
			observability.Error(err))
	}
}

// copyWithFlush streams the body to the client, flushing after each
// chunk so that streaming responses are not buffered.
func copyWithFlush(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// backoff sleeps between retry attempts, honoring context cancellation.
func (p *ReverseProxy) backoff(ctx context.Context, retries *config.RetryConfig, attempt int) error {
	base := retry.DefaultBaseInterval
	maxInterval := retry.DefaultMaxInterval
	if retries != nil {
		if retries.BackoffBaseInterval.Duration() > 0 {
			base = retries.BackoffBaseInterval.Duration()
		}
		if retries.BackoffMaxInterval.Duration() > 0 {
			maxInterval = retries.BackoffMaxInterval.Duration()
		}
	}

	delay := retry.Backoff(attempt-1, base, maxInterval, retry.DefaultJitterFactor)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryOnConnectFailure reports whether transport errors are retriable.
func retryOnConnectFailure(retries *config.RetryConfig) bool {
	if retries == nil {
		return false
	}
	if len(retries.RetryOn) == 0 {
		return true
	}
	for _, cond := range retries.RetryOn {
		if cond == "connect-failure" {
			return true
		}
	}
	return false
}

// shouldRetryStatus reports whether a response status is retriable
// under the route retry policy.
func shouldRetryStatus(retries *config.RetryConfig, status int) bool {
	if retries == nil {
		return false
	}
	for _, cond := range retries.RetryOn {
		switch cond {
		case "5xx":
			if status >= 500 {
				return true
			}
		case "gateway-error":
			if status == http.StatusBadGateway ||
				status == http.StatusServiceUnavailable ||
				status == http.StatusGatewayTimeout {
				return true
			}
		case "retriable-status-codes":
			for _, code := range retries.RetriableStatusCodes {
				if status == code {
					return true
				}
			}
		}
	}
	return false
}

// classifyError maps a transport error onto a metric label.
func classifyError(err error) string {
	switch {
	case isTimeoutError(err):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "connect_failure"
	}
}

// isTimeoutError reports whether the error is a deadline or network
// timeout.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// handleDirectResponse serves a fixed response without proxying.
func (p *ReverseProxy) handleDirectResponse(w http.ResponseWriter, dr *config.DirectResponseConfig) {
	if dr.ContentType != "" {
		w.Header().Set("Content-Type", dr.ContentType)
	}

	status := dr.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if dr.Body != "" {
		_, _ = io.WriteString(w, dr.Body)
	}
}

// handleRedirect redirects the request.
func (p *ReverseProxy) handleRedirect(w http.ResponseWriter, r *http.Request, redirect *config.RedirectConfig) {
	redirectURL := *r.URL

	redirectURL.Scheme = redirect.Scheme
	if redirectURL.Scheme == "" {
		if r.TLS != nil {
			redirectURL.Scheme = "https"
		} else {
			redirectURL.Scheme = "http"
		}
	}

	host := r.Host
	if redirect.Hostname != "" {
		host = redirect.Hostname
	}
	if redirect.Port != 0 {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = net.JoinHostPort(host, strconv.Itoa(redirect.Port))
	}
	redirectURL.Host = host

	code := redirect.StatusCode
	if code == 0 {
		code = http.StatusFound
	}

	http.Redirect(w, r, redirectURL.String(), code)
}

// handleRouteNotFound answers unmatched requests with a JSON 404.
func (p *ReverseProxy) handleRouteNotFound(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.WithContext(r.Context()).Debug("route not found",
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Error(err))

	p.writeJSONError(w, http.StatusNotFound, "no matching route")
}

// handleUpstreamError maps a final forwarding error onto a client
// response.
func (p *ReverseProxy) handleUpstreamError(w http.ResponseWriter, r *http.Request, route *router.CompiledRoute, err error) {
	p.logger.WithContext(r.Context()).Error("upstream request failed",
		observability.String("route", route.Name),
		observability.Error(err))

	switch {
	case errors.Is(err, ErrUpstreamTimeout) || isTimeoutError(err):
		p.writeJSONError(w, http.StatusGatewayTimeout, "upstream timeout")
	case errors.Is(err, ErrBackendUnavailable) || errors.Is(err, backend.ErrNoHealthyHosts):
		p.writeJSONError(w, http.StatusServiceUnavailable, "no healthy upstream hosts")
	default:
		p.writeJSONError(w, http.StatusBadGateway, "failed to proxy request")
	}
}

func (p *ReverseProxy) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q,"status":%d}`, message, status)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

// cancelReadCloser cancels a context when the response body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Handler returns an http.Handler for the proxy.
func (p *ReverseProxy) Handler() http.Handler {
	return p
}
