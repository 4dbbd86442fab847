// Package strategy routes every proxied request through one of the caching
// policies and always produces a response: live, cached or synthetic.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/offline-resilience/internal/cache"
	"github.com/kjstillabower/offline-resilience/internal/client"
	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/observability"
	"github.com/kjstillabower/offline-resilience/internal/traffic"
)

var (
	// ErrNetworkUnavailable means the fetch failed, timed out, or was skipped
	// because the monitor reports offline.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrCacheMiss means the namespace consulted holds no usable entry.
	ErrCacheMiss = errors.New("cache miss")
)

// Response headers describing how a response was produced.
const (
	HeaderSource = "X-Cache-Source"
	HeaderPolicy = "X-Cache-Policy"
	HeaderStale  = "X-Cache-Stale"
)

// Response sources.
const (
	SourceNetwork   = "network"
	SourceStatic    = "static"
	SourceDynamic   = "dynamic"
	SourceSynthetic = "synthetic"
)

// urlRoot is the static entry served to navigations when nothing else is available.
var urlRoot = url.URL{Path: "/"}

// Connectivity reports whether the network should be tried.
type Connectivity interface {
	IsOnline() bool
}

// Notifier receives DATA_REFRESHED notifications.
type Notifier interface {
	Broadcast(n models.Notification)
}

// Options configures an Engine. Zero values get defaults.
type Options struct {
	// Version selects the current static and dynamic namespaces.
	Version string
	// StaticTTL bounds the age of cache-first entries. Default 30 days.
	StaticTTL time.Duration
	// FetchTimeout bounds every network fetch, including background ones. Default 10s.
	FetchTimeout time.Duration
	// DedupeRevalidation shares one background fetch among concurrent
	// revalidations of the same key.
	DedupeRevalidation bool
}

// Engine applies the routing table's policies to requests.
type Engine struct {
	router   *Router
	static   *cache.Namespace
	dynamic  *cache.Namespace
	fetcher  cache.Fetcher
	monitor  Connectivity
	notifier Notifier
	logger   *zap.Logger

	staticTTL    time.Duration
	fetchTimeout time.Duration
	dedupe       bool

	group   singleflight.Group
	tracker *revalidationTracker
	wg      sync.WaitGroup

	now func() time.Time
}

// NewEngine returns an Engine. monitor and notifier may be nil: the network
// is then always tried and refreshes are not announced.
func NewEngine(router *Router, storage *cache.Storage, fetcher cache.Fetcher, monitor Connectivity, notifier Notifier, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StaticTTL <= 0 {
		opts.StaticTTL = 30 * 24 * time.Hour
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Engine{
		router:       router,
		static:       storage.Namespace(cache.NamespaceName(cache.KindStatic, opts.Version)),
		dynamic:      storage.Namespace(cache.NamespaceName(cache.KindDynamic, opts.Version)),
		fetcher:      fetcher,
		monitor:      monitor,
		notifier:     notifier,
		logger:       logger,
		staticTTL:    opts.StaticTTL,
		fetchTimeout: opts.FetchTimeout,
		dedupe:       opts.DedupeRevalidation,
		tracker:      newRevalidationTracker(),
		now:          time.Now,
	}
}

// Handle produces the response for r. It never fails: every path ends in a
// network response, a cached entry or a synthetic one.
func (e *Engine) Handle(ctx context.Context, r *http.Request) models.Response {
	if !e.router.Allowed(r.URL) {
		return e.served(jsonError(http.StatusForbidden, "host not allowed"), PolicyNetworkOnly, SourceSynthetic)
	}
	r = e.originRelative(ctx, r)

	if r.Method != http.MethodGet {
		resp, err := e.fetch(ctx, r)
		if err != nil {
			e.logFailure(ctx, r, PolicyNetworkOnly, err)
			return e.served(jsonError(http.StatusServiceUnavailable, "network unavailable"), PolicyNetworkOnly, SourceSynthetic)
		}
		return e.served(resp, PolicyNetworkOnly, SourceNetwork)
	}

	policy := e.router.Classify(r.URL)
	key := cache.KeyForRequest(r)
	switch policy {
	case PolicyCacheFirst:
		return e.cacheFirst(ctx, r, key)
	case PolicyStaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, r, key)
	case PolicyNetworkFirst:
		return e.networkFirst(ctx, r, key, policy, func() models.Response {
			return jsonError(http.StatusServiceUnavailable, "network unavailable and no cached data")
		})
	case PolicyPassthrough:
		return e.networkFirst(ctx, r, key, policy, emptyUnavailable)
	default:
		return e.networkFallback(ctx, r, key)
	}
}

// ServeHTTP writes the response produced by Handle.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := e.Handle(r.Context(), r)
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Del("Content-Length")
	if r.Method != http.MethodHead {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead && len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// Wait blocks until background revalidations finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) cacheFirst(ctx context.Context, r *http.Request, key string) models.Response {
	const policy = PolicyCacheFirst
	cached, err := e.match(ctx, e.static, key)
	fresh := err == nil && e.now().Sub(cached.CapturedAt) < e.staticTTL
	if fresh {
		e.countLookup(e.static, "hit")
		return e.served(cached, policy, SourceStatic)
	}
	if err == nil {
		e.countLookup(e.static, "expired")
	} else {
		e.countLookup(e.static, "miss")
	}

	resp, ferr := e.fetch(ctx, r)
	if ferr == nil {
		e.store(ctx, e.static, r, key, resp)
		return e.served(resp, policy, SourceNetwork)
	}
	e.logFailure(ctx, r, policy, ferr)
	if err == nil {
		out := e.served(cached, policy, SourceStatic)
		out.Header.Set(HeaderStale, "true")
		return out
	}
	return e.served(offlineResponse(r), policy, SourceSynthetic)
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, r *http.Request, key string) models.Response {
	const policy = PolicyStaleWhileRevalidate
	cached, err := e.match(ctx, e.dynamic, key)
	if err == nil {
		e.countLookup(e.dynamic, "hit")
		e.revalidate(ctx, r, key)
		return e.served(cached, policy, SourceDynamic)
	}
	e.countLookup(e.dynamic, "miss")

	resp, ferr := e.fetch(ctx, r)
	if ferr == nil {
		e.store(ctx, e.dynamic, r, key, resp)
		return e.served(resp, policy, SourceNetwork)
	}
	e.logFailure(ctx, r, policy, ferr)
	return e.served(jsonError(http.StatusServiceUnavailable, "network unavailable and no cached data"), policy, SourceSynthetic)
}

// networkFirst serves the network-first and passthrough policies; they differ
// only in the response used when both network and cache fail.
func (e *Engine) networkFirst(ctx context.Context, r *http.Request, key string, policy Policy, unavailable func() models.Response) models.Response {
	resp, ferr := e.fetch(ctx, r)
	if ferr == nil {
		e.store(ctx, e.dynamic, r, key, resp)
		return e.served(resp, policy, SourceNetwork)
	}
	e.logFailure(ctx, r, policy, ferr)

	if cached, err := e.match(ctx, e.dynamic, key); err == nil {
		e.countLookup(e.dynamic, "hit")
		return e.served(cached, policy, SourceDynamic)
	}
	e.countLookup(e.dynamic, "miss")
	return e.served(unavailable(), policy, SourceSynthetic)
}

func (e *Engine) networkFallback(ctx context.Context, r *http.Request, key string) models.Response {
	const policy = PolicyNetworkFallback
	resp, ferr := e.fetch(ctx, r)
	if ferr == nil {
		e.store(ctx, e.dynamic, r, key, resp)
		return e.served(resp, policy, SourceNetwork)
	}
	e.logFailure(ctx, r, policy, ferr)

	if cached, err := e.match(ctx, e.dynamic, key); err == nil {
		e.countLookup(e.dynamic, "hit")
		return e.served(cached, policy, SourceDynamic)
	}
	e.countLookup(e.dynamic, "miss")

	if isNavigation(r) {
		root := cache.RequestKey(http.MethodGet, &urlRoot)
		if cached, err := e.match(ctx, e.static, root); err == nil {
			e.countLookup(e.static, "hit")
			return e.served(cached, policy, SourceStatic)
		}
		e.countLookup(e.static, "miss")
	}
	return e.served(offlineResponse(r), policy, SourceSynthetic)
}

// revalidate refreshes key in the background. The task outlives the request
// and is bounded only by the fetch timeout.
func (e *Engine) revalidate(ctx context.Context, r *http.Request, key string) {
	bg := context.WithoutCancel(ctx)
	req := r.Clone(bg)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		observability.RevalidationsInFlight.Inc()
		defer observability.RevalidationsInFlight.Dec()
		observability.RevalidationConcurrency.Observe(float64(e.tracker.Begin(key)))
		defer e.tracker.End(key)

		if !e.dedupe {
			observability.RevalidationsTotal.WithLabelValues(e.refresh(bg, req, key)).Inc()
			return
		}
		v, _, shared := e.group.Do(key, func() (any, error) {
			return e.refresh(bg, req, key), nil
		})
		result, _ := v.(string)
		if shared {
			result = "shared"
		}
		observability.RevalidationsTotal.WithLabelValues(result).Inc()
	}()
}

// refresh fetches key, overwrites the dynamic entry on a full 200 and announces it.
// Returns the metric result label.
func (e *Engine) refresh(ctx context.Context, r *http.Request, key string) string {
	resp, err := e.fetch(ctx, r)
	if err != nil {
		observability.LoggerFrom(ctx, e.logger).Debug("revalidation failed",
			zap.String("key", key), zap.Error(err))
		return "error"
	}
	if !cacheable(r, resp) {
		return "not_ok"
	}
	if !e.store(ctx, e.dynamic, r, key, resp) {
		return "error"
	}
	if e.notifier != nil {
		e.notifier.Broadcast(models.Notification{
			Type:      models.NotificationDataRefreshed,
			URL:       r.URL.String(),
			Timestamp: e.now(),
		})
	}
	return "success"
}

// fetch sends r upstream within the fetch timeout. Non-2xx responses are
// successful fetches.
func (e *Engine) fetch(ctx context.Context, r *http.Request) (models.Response, error) {
	if e.monitor != nil && !e.monitor.IsOnline() {
		return models.Response{}, fmt.Errorf("%w: %w", ErrNetworkUnavailable, client.ErrOffline)
	}
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	resp, err := e.fetcher.Fetch(ctx, r.Clone(ctx))
	if err != nil {
		traffic.Record(traffic.Failure)
		return models.Response{}, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	if resp.Status >= http.StatusInternalServerError {
		traffic.Record(traffic.Failure)
	} else {
		traffic.Record(traffic.Success)
	}
	return resp, nil
}

// match looks key up in ns. Read failures are logged and reported as misses.
func (e *Engine) match(ctx context.Context, ns *cache.Namespace, key string) (models.Response, error) {
	resp, err := ns.Match(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return models.Response{}, ErrCacheMiss
	}
	if err != nil {
		observability.LoggerFrom(ctx, e.logger).Warn("cache read failed",
			zap.String("namespace", ns.Name()), zap.String("key", key), zap.Error(err))
		return models.Response{}, fmt.Errorf("%w: %w", ErrCacheMiss, err)
	}
	return resp, nil
}

// cacheable reports whether resp is a complete representation of r's URL.
// Range requests and partial content are keyed by URL alone and would replay
// a fragment as the whole resource.
func cacheable(r *http.Request, resp models.Response) bool {
	return resp.Status == http.StatusOK && r.Header.Get("Range") == ""
}

// store writes a cacheable resp stamped with the current time. Failures are
// logged and counted, never returned to the caller's response path.
func (e *Engine) store(ctx context.Context, ns *cache.Namespace, r *http.Request, key string, resp models.Response) bool {
	if !cacheable(r, resp) {
		return false
	}
	entry := resp.Clone()
	entry.CapturedAt = e.now()
	if err := ns.Put(ctx, key, entry); err != nil {
		observability.CacheWritesTotal.WithLabelValues(string(ns.Kind()), "error").Inc()
		observability.LoggerFrom(ctx, e.logger).Warn("cache write failed",
			zap.String("namespace", ns.Name()), zap.String("key", key), zap.Error(err))
		return false
	}
	observability.CacheWritesTotal.WithLabelValues(string(ns.Kind()), "ok").Inc()
	return true
}

func (e *Engine) served(resp models.Response, policy Policy, source string) models.Response {
	out := resp.Clone()
	out.Header.Set(HeaderSource, source)
	out.Header.Set(HeaderPolicy, string(policy))
	observability.CacheResponsesTotal.WithLabelValues(string(policy), source).Inc()
	return out
}

func (e *Engine) countLookup(ns *cache.Namespace, result string) {
	observability.CacheLookupsTotal.WithLabelValues(string(ns.Kind()), result).Inc()
}

func (e *Engine) logFailure(ctx context.Context, r *http.Request, policy Policy, err error) {
	observability.LoggerFrom(ctx, e.logger).Info("network fetch failed, falling back",
		zap.String("policy", string(policy)),
		zap.String("method", r.Method),
		zap.String("url", r.URL.String()),
		zap.String("category", string(client.CategorizeError(err))),
		zap.Error(err))
}

// originRelative rewrites absolute URLs on the origin host to their
// origin-relative form so they share cache entries with relative requests.
func (e *Engine) originRelative(ctx context.Context, r *http.Request) *http.Request {
	if !r.URL.IsAbs() || !e.router.IsOrigin(r.URL) {
		return r
	}
	out := r.Clone(ctx)
	out.URL.Scheme = ""
	out.URL.Host = ""
	out.URL.User = nil
	return out
}
