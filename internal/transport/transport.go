// Package transport executes requests against the remote ticketing API with
// automatic retries, exponential backoff, client-side rate limiting, and
// error classification.
//
// # Quick start
//
//	c, err := transport.New("https://tickets.example.com",
//	    transport.WithRateLimit(10, 2))
//
//	out := c.Execute(ctx, types.Request{
//	    Method: http.MethodGet,
//	    Path:   "/rest/api/2/issue/PROJ-42",
//	})
//	if !out.Success() {
//	    // out.Err is a *types.RemoteError for any remote failure
//	}
//
// # Retry semantics
//
// Transient failures (429, 5xx, timeouts, network errors) are retried with
// exponential backoff and jitter, up to the policy's attempt budget. A
// Retry-After header acts as a floor on the computed wait, never a ceiling.
// Permanent failures (400, 401, 403, 404, 409, 422) fail immediately on the
// first response.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client so
// connections are reused across goroutines.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ratchet-labs/ratchet/internal/metrics"
	"github.com/ratchet-labs/ratchet/internal/types"
)

// ErrInvalidRequest is returned (wrapped) when a request is structurally
// unusable: missing method or path, or a path the URL parser rejects.
var ErrInvalidRequest = errors.New("transport: invalid request")

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client. Use this to configure
// TLS, proxies, or to install a StubTransport for tests and dry runs.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryPolicy replaces the default retry policy for every call.
// Individual calls can still override it via ExecuteWith.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p.normalized() }
}

// WithRateLimit applies a client-side token bucket of rps requests per second
// with the given burst. Every attempt, retries included, consumes a token.
// rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout sets the per-attempt timeout. Each retry gets a fresh deadline.
// The default is 30 seconds; zero disables the per-attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithUserAgent overrides the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.ua = ua }
}

// WithMetrics attaches a metrics registry. Attempts, retries and final
// failures are counted on it.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Client) { c.metrics = m }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client executes requests with retries. It is safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	policy  RetryPolicy
	limiter *rate.Limiter
	timeout time.Duration
	ua      string
	metrics *metrics.Registry
}

// New creates a Client for the API at baseURL. baseURL must be absolute
// (scheme and host); a trailing slash is ignored.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("transport: base URL %q is not an absolute URL", baseURL)
	}
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		policy:  DefaultPolicy(),
		timeout: 30 * time.Second,
		ua:      "ratchet/1.0",
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Policy returns the client's default retry policy.
func (c *Client) Policy() RetryPolicy { return c.policy }

// Execute performs one logical request under the client's default policy.
// The returned Outcome always has Attempts and Elapsed filled in; Err is nil
// exactly when the request ultimately succeeded.
func (c *Client) Execute(ctx context.Context, req types.Request) types.Outcome {
	return c.ExecuteWith(ctx, req, c.policy)
}

// ExecuteWith performs one logical request under the given policy. It never
// returns a partial Outcome: on failure, Err carries the last attempt's
// classified error.
func (c *Client) ExecuteWith(ctx context.Context, req types.Request, policy RetryPolicy) types.Outcome {
	p := policy.normalized()
	start := time.Now()

	finish := func(out types.Outcome) types.Outcome {
		out.Elapsed = time.Since(start)
		if out.Err != nil && c.metrics != nil {
			kind := types.KindUnknown.String()
			var re *types.RemoteError
			if errors.As(out.Err, &re) {
				kind = re.Kind.String()
			}
			c.metrics.Failures.Inc(kind)
		}
		return out
	}

	if req.Method == "" || req.Path == "" {
		return finish(types.Outcome{
			Err: fmt.Errorf("%w: method and path are required", ErrInvalidRequest),
		})
	}

	var out types.Outcome
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				out.Err = fmt.Errorf("transport: %s %s: %w", req.Method, req.Path, err)
				return finish(out)
			}
		}

		out.Attempts = attempt
		if c.metrics != nil {
			c.metrics.Attempts.Inc(req.Method)
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			out.Response = resp
			out.Err = nil
			return finish(out)
		}
		out.Err = err

		var re *types.RemoteError
		if !errors.As(err, &re) || !re.Transient() || attempt >= p.MaxAttempts {
			return finish(out)
		}

		wait := p.Backoff(attempt)
		if re.RetryAfter > wait {
			wait = re.RetryAfter
		}
		if p.MaxElapsed > 0 && time.Since(start)+wait > p.MaxElapsed {
			slog.Debug("retry budget exhausted",
				"method", req.Method,
				"path", req.Path,
				"attempt", attempt,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return finish(out)
		}

		if c.metrics != nil {
			c.metrics.Retries.Inc(re.Kind.String())
		}
		slog.Debug("retrying request",
			"method", req.Method,
			"path", req.Path,
			"attempt", attempt,
			"kind", re.Kind.String(),
			"wait_ms", wait.Milliseconds(),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			out.Err = fmt.Errorf("transport: %s %s: %w", req.Method, req.Path, ctx.Err())
			return finish(out)
		case <-t.C:
		}
	}
}

// ─── Single attempt ───────────────────────────────────────────────────────────

// attempt performs one HTTP round trip and classifies the result. A non-nil
// error is either a *types.RemoteError or the caller's own cancellation.
func (c *Client) attempt(ctx context.Context, req types.Request) (*types.Response, error) {
	actx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(actx, req.Method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	if c.ua != "" {
		httpReq.Header.Set("User-Agent", c.ua)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyErr(err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, &types.RemoteError{
			Kind:       classifyStatus(httpResp.StatusCode),
			StatusCode: httpResp.StatusCode,
			Message:    errorMessage(respBody, httpResp.StatusCode),
			RetryAfter: parseRetryAfter(httpResp.Header),
		}
	}

	return &types.Response{
		StatusCode: httpResp.StatusCode,
		Header:     flattenHeader(httpResp.Header),
		Body:       respBody,
	}, nil
}

// flattenHeader keeps the first value of each response header.
func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
