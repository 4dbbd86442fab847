package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kjstillabower/offline-resilience/internal/circuitbreaker"
	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/observability"
)

var (
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrBodyTooLarge    = errors.New("response body too large")
	ErrCircuitOpen     = circuitbreaker.ErrOpen
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Options configures a Fetcher. Zero values get defaults.
type Options struct {
	// Origin is the base URL origin-relative requests are resolved against.
	Origin         string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxBodyBytes   int64
	Transport      http.RoundTripper
}

// Fetcher performs buffered upstream requests with per-attempt timeout,
// retry with exponential backoff and an optional circuit breaker. Non-2xx
// responses are returned as responses, not errors.
type Fetcher struct {
	origin         *url.URL
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	maxBodyBytes   int64
	now            func() time.Time

	breakersMu sync.Mutex
	newBreaker BreakerFactory
	breakers   map[string]*circuitbreaker.Breaker[models.Response]
}

// BreakerFactory builds the circuit breaker guarding one upstream host.
type BreakerFactory func(host string) *circuitbreaker.Breaker[models.Response]

// New returns a Fetcher for opts.
func New(opts Options) (*Fetcher, error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL, got %q", opts.Origin)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Fetcher{
		origin:         origin,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		maxBodyBytes:   opts.MaxBodyBytes,
		client: &http.Client{
			Transport: transport,
			// Redirects are returned to the caller like any other response.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		now: time.Now,
	}, nil
}

// SetCircuitBreakers installs newBreaker. Each upstream host gets its own
// breaker on first use, so failures at one host never fail fast another.
// Transport failures and 5xx responses count as breaker failures.
func (f *Fetcher) SetCircuitBreakers(newBreaker BreakerFactory) {
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()
	f.newBreaker = newBreaker
	f.breakers = make(map[string]*circuitbreaker.Breaker[models.Response])
}

func (f *Fetcher) breakerFor(host string) *circuitbreaker.Breaker[models.Response] {
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()
	if f.newBreaker == nil {
		return nil
	}
	b, ok := f.breakers[host]
	if !ok {
		b = f.newBreaker(host)
		f.breakers[host] = b
	}
	return b
}

// Origin returns the configured origin.
func (f *Fetcher) Origin() *url.URL {
	u := *f.origin
	return &u
}

// Resolve returns u as an absolute URL, resolving origin-relative URLs
// against the origin.
func (f *Fetcher) Resolve(u *url.URL) *url.URL {
	if u.IsAbs() {
		c := *u
		return &c
	}
	return f.origin.ResolveReference(u)
}

// Fetch sends req upstream and returns the buffered response. GET and HEAD
// are retried on transport failures, 429 and 502-504; other methods are sent
// once. The returned error is non-nil only when no response was obtained.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (models.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(io.LimitReader(req.Body, f.maxBodyBytes+1))
		if err != nil {
			return models.Response{}, fmt.Errorf("read request body: %w", err)
		}
		if int64(len(b)) > f.maxBodyBytes {
			return models.Response{}, ErrBodyTooLarge
		}
		body = b
	}

	attempts := 1
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		attempts = f.retryAttempts
	}

	var (
		resp    models.Response
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return models.Response{}, ctx.Err()
			case <-time.After(f.calculateBackoff(attempt)):
			}
		}

		resp, lastErr = f.execute(ctx, req, body)
		if lastErr == nil && !retryableStatus(resp.Status) {
			return resp, nil
		}
		if lastErr != nil && !isRetryable(lastErr) {
			break
		}
	}
	if lastErr == nil {
		// Retries exhausted on a retryable status: the last response stands.
		return resp, nil
	}
	observability.UpstreamErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	if attempts > 1 {
		return models.Response{}, fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return models.Response{}, lastErr
}

// statusFailure carries a 5xx response through the breaker as a failure.
type statusFailure struct {
	resp models.Response
}

func (e *statusFailure) Error() string {
	return fmt.Sprintf("%v: HTTP %d", ErrUpstreamFailure, e.resp.Status)
}

func (f *Fetcher) execute(ctx context.Context, req *http.Request, body []byte) (models.Response, error) {
	breaker := f.breakerFor(f.Resolve(req.URL).Host)
	if breaker == nil {
		return f.callUpstream(ctx, req, body)
	}
	resp, err := breaker.Execute(func() (models.Response, error) {
		r, err := f.callUpstream(ctx, req, body)
		if err == nil && r.Status >= 500 {
			return r, &statusFailure{resp: r}
		}
		return r, err
	})
	var sf *statusFailure
	if errors.As(err, &sf) {
		return sf.resp, nil
	}
	return resp, err
}

func (f *Fetcher) callUpstream(ctx context.Context, in *http.Request, body []byte) (models.Response, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := f.buildRequest(reqCtx, in, body)
	if err != nil {
		observability.UpstreamFetchesTotal.WithLabelValues("error").Inc()
		return models.Response{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.UpstreamFetchesTotal.WithLabelValues("error").Inc()
		observability.UpstreamFetchDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.Response{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.Response{}, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.UpstreamFetchesTotal.WithLabelValues(status).Inc()
	observability.UpstreamFetchDuration.WithLabelValues(status).Observe(duration)
	if err != nil {
		return models.Response{}, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > f.maxBodyBytes {
		return models.Response{}, ErrBodyTooLarge
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	return models.Response{
		Status:     resp.StatusCode,
		Header:     header,
		Body:       data,
		CapturedAt: f.now(),
	}, nil
}

func (f *Fetcher) buildRequest(ctx context.Context, in *http.Request, body []byte) (*http.Request, error) {
	target := f.Resolve(in.URL)
	target.Fragment = ""

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, target.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = in.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

// GetJSON fetches rawURL (absolute or origin-relative) and decodes a 2xx JSON
// body into dst.
func (f *Fetcher) GetJSON(ctx context.Context, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if err := handleErrorStatus(resp.Status); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, dst); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// Probe sends a single HEAD request to rawURL, bypassing retries and the
// circuit breaker. Any HTTP response counts as reachable.
func (f *Fetcher) Probe(ctx context.Context, rawURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	req.URL = f.Resolve(req.URL)
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

// StatusError reports a response whose status the caller could not use.
// 429 unwraps to ErrRateLimited and 5xx to ErrUpstreamFailure.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: HTTP %d", e.Status)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status >= 500:
		return ErrUpstreamFailure
	}
	return nil
}

func handleErrorStatus(status int) error {
	if status < 200 || status >= 300 {
		return &StatusError{Status: status}
	}
	return nil
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrBodyTooLarge) {
		return false
	}
	if errors.Is(err, ErrUpstreamFailure) || errors.Is(err, ErrRateLimited) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded")
}

func (f *Fetcher) calculateBackoff(attempt int) time.Duration {
	delay := float64(f.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(f.retryMaxDelay) {
		delay = float64(f.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode >= 300 && statusCode < 400 {
		return "redirect"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
