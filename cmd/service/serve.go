package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/offline-resilience/internal/cache"
	"github.com/kjstillabower/offline-resilience/internal/circuitbreaker"
	"github.com/kjstillabower/offline-resilience/internal/client"
	"github.com/kjstillabower/offline-resilience/internal/config"
	"github.com/kjstillabower/offline-resilience/internal/connectivity"
	httphandler "github.com/kjstillabower/offline-resilience/internal/http"
	"github.com/kjstillabower/offline-resilience/internal/kv"
	"github.com/kjstillabower/offline-resilience/internal/lifecycle"
	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/notify"
	"github.com/kjstillabower/offline-resilience/internal/observability"
	"github.com/kjstillabower/offline-resilience/internal/offline"
	"github.com/kjstillabower/offline-resilience/internal/service"
	"github.com/kjstillabower/offline-resilience/internal/strategy"
)

// originBreaker labels the origin's breaker; other hosts are labelled by host name.
const originBreaker = "origin"

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// runServe starts the gateway and blocks until ctx is cancelled, then shuts
// down in dependency order.
func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	fetcher, err := client.New(client.Options{
		Origin:         cfg.OriginURL,
		Timeout:        cfg.FetchTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		return fmt.Errorf("origin client: %w", err)
	}
	originHost := fetcher.Origin().Host
	fetcher.SetCircuitBreakers(func(host string) *circuitbreaker.Breaker[models.Response] {
		name := host
		if host == originHost {
			name = originBreaker
		}
		observability.CircuitBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
		return circuitbreaker.New[models.Response](circuitbreaker.Config{
			Name:             name,
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Timeout:          cfg.BreakerTimeout,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
				observability.CircuitBreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
				observability.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		})
	})

	cacheKV, err := openCacheBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}
	defer closeLogged(logger, "cache backend", cacheKV)
	storage := cache.NewStorage(cacheKV)

	prefsKV, err := openPrefs(cfg)
	if err != nil {
		return fmt.Errorf("prefs: %w", err)
	}
	defer closeLogged(logger, "prefs", prefsKV)
	store := offline.New(ctx, dataOpener(cfg, logger), offline.NewPrefs(prefsKV, logger), logger)
	defer closeLogged(logger, "offline store", store)

	// Background tasks use the stores; they must stop before the deferred
	// closes above run.
	bg, cancelBG := context.WithCancel(context.WithoutCancel(ctx))
	var tasks sync.WaitGroup
	defer func() {
		cancelBG()
		tasks.Wait()
	}()
	spawn := func(what string, fn func(context.Context) error) {
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			runLogged(bg, logger, what, fn)
		}()
	}

	monitor := connectivity.NewMonitor(true, logger)
	prober := connectivity.NewProber(monitor, func(ctx context.Context) error {
		return fetcher.Probe(ctx, cfg.ProbeURL, cfg.ProbeTimeout)
	}, connectivity.ProberConfig{
		Interval:     cfg.ProbeInterval,
		RetryInitial: cfg.ProbeRetryInitial,
		RetryMax:     cfg.ProbeRetryMax,
	}, logger)
	spawn("connectivity prober", prober.Run)

	hub := notify.NewHub(logger)

	routes := strategy.DefaultRoutes()
	if cfg.Routes != nil {
		routes = strategy.Routes(*cfg.Routes)
	}
	engine := strategy.NewEngine(
		strategy.NewRouter(routes, originHost),
		storage, fetcher, monitor, hub,
		strategy.Options{
			Version:            cfg.Version,
			StaticTTL:          cfg.StaticTTL,
			FetchTimeout:       cfg.FetchTimeout,
			DedupeRevalidation: cfg.RevalidateDedupe,
		}, logger)

	manager := lifecycle.NewManager(storage, cache.NewWarmer(fetcher, logger, cfg.WarmConcurrency), hub, lifecycle.Config{
		Version:      cfg.Version,
		Precache:     cfg.Precache,
		MaxWait:      cfg.LifecycleMaxWait,
		PollInterval: cfg.LifecyclePollInterval,
	}, logger)
	hub.SetControlHandler(manager.HandleControl)
	observability.RegisterLifecycleStateGauge(func() float64 { return float64(manager.State()) })
	spawn("cache lifecycle", manager.Run)

	var syncer *service.Syncer
	sources := service.Sources{Weather: cfg.SyncWeatherURL, Alerts: cfg.SyncAlertsURL, Points: cfg.SyncPointsURL}
	if sources != (service.Sources{}) {
		syncer = service.NewSyncer(fetcher, store, monitor, service.Config{
			Sources:  sources,
			Interval: cfg.SyncInterval,
			Timeout:  cfg.SyncTimeout,
		}, logger)
		spawn("syncer", syncer.Run)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(httphandler.Deps{
		Engine:     engine,
		Store:      store,
		Controller: manager,
		Sessions:   hub,
		Monitor:    monitor,
		Syncer:     syncer,
		Health: httphandler.HealthConfig{
			Version:          cfg.Version,
			DegradedWindow:   cfg.DegradedWindow,
			DegradedErrorPct: cfg.DegradedErrorPct,
			StaleAfter:       cfg.StaleAfter,
			CachePing:        storage.Ping,
		},
		Logger: logger,
	})
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	})
	srv := httphandler.Server(":"+cfg.ServerPort, router, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("origin", cfg.OriginURL),
			zap.String("version", cfg.Version),
			zap.String("cache_backend", cfg.CacheBackend),
			zap.String("store_backend", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown triggered")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if n := httphandler.InFlightCount(); n > 0 {
		logger.Info("waiting for in-flight requests", zap.Int64("count", n))
		if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
			logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
		}
	}
	if err := engine.Wait(shutdownCtx); err != nil {
		logger.Warn("background revalidations not completed", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("sessions not closed", zap.Error(err))
	}
	cancelBG()
	if err := waitTasks(shutdownCtx, &tasks); err != nil {
		logger.Warn("background tasks not stopped", zap.Error(err))
	}

	if err := observability.FlushTelemetry(shutdownCtx, logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete", zap.Duration("drain", lifecycle.DrainingFor()))
	return nil
}

func openCacheBackend(cfg *config.Config, logger *zap.Logger) (kv.Store, error) {
	switch cfg.CacheBackend {
	case config.BackendBadger:
		s, err := kv.OpenBadger(cfg.CacheDir, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemcached:
		s, err := kv.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.MemcachedTTL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return kv.NewMemoryStore(), nil
	}
}

func openPrefs(cfg *config.Config) (kv.Store, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		return kv.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.PrefsPath), 0o755); err != nil {
		return nil, err
	}
	s, err := kv.OpenBolt(cfg.PrefsPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func dataOpener(cfg *config.Config, logger *zap.Logger) offline.Opener {
	return func(ctx context.Context) (kv.Store, error) {
		if cfg.StoreBackend == config.StoreBackendMemory {
			return kv.NewMemoryStore(), nil
		}
		s, err := kv.OpenPebble(cfg.DataDir, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type closer interface {
	Close() error
}

func closeLogged(logger *zap.Logger, what string, c closer) {
	if err := c.Close(); err != nil {
		logger.Error("close "+what, zap.Error(err))
	}
}

// waitTasks waits for wg or until ctx is done.
func waitTasks(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLogged runs fn until ctx ends and logs any failure other than cancellation.
func runLogged(ctx context.Context, logger *zap.Logger, what string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(what+" stopped", zap.Error(err))
	}
}
