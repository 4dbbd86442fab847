package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/observability"
)

// Fetcher performs a network request. Implemented by client.Fetcher; declared
// here to keep cache free of transport dependencies.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (models.Response, error)
}

// Warmer pre-populates a namespace with a fixed list of URLs.
type Warmer struct {
	fetcher     Fetcher
	logger      *zap.Logger
	concurrency int
	now         func() time.Time
}

// NewWarmer creates a Warmer that fetches with fetcher, at most concurrency
// URLs at a time (4 when <= 0).
func NewWarmer(fetcher Fetcher, logger *zap.Logger, concurrency int) *Warmer {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{fetcher: fetcher, logger: logger, concurrency: concurrency, now: time.Now}
}

// Warm fetches every URL concurrently and stores each 2xx response in ns,
// stamped with the current time. All URLs are attempted; the returned error
// joins every failure.
func (w *Warmer) Warm(ctx context.Context, ns *Namespace, urls []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.String("namespace", ns.Name()), zap.Int("urls", len(urls)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, raw := range urls {
		g.Go(func() error {
			if err := w.warmOne(gctx, ns, raw); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", raw, err))
				mu.Unlock()
			}
			// Individual failures must not cancel the remaining URLs.
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.String("namespace", ns.Name()),
		zap.Int("urls", len(urls)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}

func (w *Warmer) warmOne(ctx context.Context, ns *Namespace, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	resp.CapturedAt = w.now()
	return ns.Put(ctx, RequestKey(http.MethodGet, u), resp)
}
