// Package service keeps the offline store filled: it pulls weather, alerts
// and map points from upstream whenever the gateway is online.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/offline-resilience/internal/connectivity"
	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/observability"
	"github.com/kjstillabower/offline-resilience/internal/validation"
)

var (
	// ErrOffline is returned by Sync when connectivity reports offline.
	ErrOffline = errors.New("sync skipped: offline")
	// ErrSaveFailed is returned when the store rejected a write.
	ErrSaveFailed = errors.New("store write failed")
)

// Result statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusDisabled = "disabled"
)

// JSONGetter fetches a URL and decodes its JSON body. Implemented by client.Fetcher.
type JSONGetter interface {
	GetJSON(ctx context.Context, rawURL string, dst any) error
}

// Store is the subset of the offline store the syncer writes to.
type Store interface {
	SaveWeather(ctx context.Context, w models.WeatherSnapshot) bool
	SaveAlerts(ctx context.Context, alerts []models.AlertRecord) bool
	SaveMapPoints(ctx context.Context, points []models.PointOfInterest) bool
}

// Connectivity reports and announces online state. Implemented by connectivity.Monitor.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) connectivity.SubscriptionID
	Unsubscribe(id connectivity.SubscriptionID) bool
}

// Sources are the upstream URLs per table. An empty URL disables that table.
type Sources struct {
	Weather string
	Alerts  string
	Points  string
}

// Config configures a Syncer. Zero durations get defaults.
type Config struct {
	Sources Sources
	// Interval between periodic syncs. Default 5m.
	Interval time.Duration
	// Timeout bounds one full sync. Default 30s.
	Timeout time.Duration
}

// Result is the outcome of syncing one table.
type Result struct {
	Table    models.Table `json:"table"`
	Status   string       `json:"status"`
	Records  int          `json:"records"`
	Rejected int          `json:"rejected,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Syncer copies upstream data into the offline store.
type Syncer struct {
	getter JSONGetter
	store  Store
	conn   Connectivity
	cfg    Config

	runs *coalescer[[]Result]

	mu       sync.Mutex
	lastRun  time.Time
	lastRuns []Result

	now    func() time.Time
	logger *zap.Logger
}

// NewSyncer returns a Syncer. conn may be nil, in which case the gateway is
// treated as always online.
func NewSyncer(getter JSONGetter, store Store, conn Connectivity, cfg Config, logger *zap.Logger) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		getter: getter,
		store:  store,
		conn:   conn,
		cfg:    cfg,
		runs:   newCoalescer[[]Result](cfg.Timeout + time.Second),
		now:    time.Now,
		logger: logger,
	}
}

// Run syncs once, then again every Interval and on every transition to
// online, until ctx is done. Returns ctx.Err().
func (s *Syncer) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	if s.conn != nil {
		id := s.conn.Subscribe(func(online bool) {
			if !online {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		defer s.conn.Unsubscribe(id)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
			s.logger.Info("back online, syncing offline data")
		}
	}
}

func (s *Syncer) runOnce(ctx context.Context) {
	if _, err := s.Sync(ctx); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
		s.logger.Warn("offline data sync incomplete", zap.Error(err))
	}
}

// Sync fetches every enabled table and saves what validates. Concurrent
// calls share one run. Returns ErrOffline without touching the network
// while offline; otherwise the error joins every table failure.
func (s *Syncer) Sync(ctx context.Context) ([]Result, error) {
	if s.conn != nil && !s.conn.IsOnline() {
		for _, t := range models.Tables {
			observability.SyncRunsTotal.WithLabelValues(string(t), "skipped").Inc()
		}
		return nil, ErrOffline
	}
	results, _, err := s.runs.Do(ctx, "all", func() ([]Result, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
		defer cancel()
		return s.syncAll(runCtx)
	})
	return results, err
}

// Last returns the results of the most recent completed run and when it finished.
func (s *Syncer) Last() ([]Result, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.lastRuns...), s.lastRun
}

func (s *Syncer) syncAll(ctx context.Context) ([]Result, error) {
	start := time.Now()
	results := make([]Result, len(models.Tables))
	steps := map[models.Table]func(context.Context) (int, int, error){
		models.TableWeather: s.syncWeather,
		models.TableAlerts:  s.syncAlerts,
		models.TablePoints:  s.syncPoints,
	}
	sources := map[models.Table]string{
		models.TableWeather: s.cfg.Sources.Weather,
		models.TableAlerts:  s.cfg.Sources.Alerts,
		models.TablePoints:  s.cfg.Sources.Points,
	}

	// Tables are independent; one failing must not cancel the others.
	var g errgroup.Group
	for i, table := range models.Tables {
		results[i] = Result{Table: table}
		if sources[table] == "" {
			results[i].Status = StatusDisabled
			continue
		}
		g.Go(func() error {
			n, rejected, err := steps[table](ctx)
			r := &results[i]
			r.Records, r.Rejected = n, rejected
			if err != nil {
				r.Status, r.Error = StatusError, err.Error()
				observability.SyncRunsTotal.WithLabelValues(string(table), StatusError).Inc()
				return fmt.Errorf("sync %s: %w", table, err)
			}
			r.Status = StatusOK
			observability.SyncRunsTotal.WithLabelValues(string(table), StatusOK).Inc()
			return nil
		})
	}
	err := g.Wait()

	// errgroup.Group keeps only the first error; collect the rest from results.
	var errs []error
	for _, r := range results {
		if r.Status == StatusError {
			errs = append(errs, fmt.Errorf("sync %s: %s", r.Table, r.Error))
		}
	}
	if len(errs) > 1 {
		err = errors.Join(errs...)
	}

	s.mu.Lock()
	s.lastRun, s.lastRuns = s.now(), results
	s.mu.Unlock()
	s.logger.Info("offline data sync finished",
		zap.Duration("duration", time.Since(start)),
		zap.Int("failed_tables", len(errs)))
	return results, err
}

func (s *Syncer) syncWeather(ctx context.Context) (int, int, error) {
	var w models.WeatherSnapshot
	if err := s.getter.GetJSON(ctx, s.cfg.Sources.Weather, &w); err != nil {
		return 0, 0, err
	}
	if w.CapturedAt.IsZero() {
		w.CapturedAt = s.now()
	}
	if err := validation.Weather(w); err != nil {
		return 0, 1, err
	}
	if !s.store.SaveWeather(ctx, w) {
		return 0, 0, ErrSaveFailed
	}
	return 1, 0, nil
}

func (s *Syncer) syncAlerts(ctx context.Context) (int, int, error) {
	var raw []json.RawMessage
	if err := s.getter.GetJSON(ctx, s.cfg.Sources.Alerts, &raw); err != nil {
		return 0, 0, err
	}
	alerts, rejected := decodeRecords(raw, s.logger, "alert", func(a *models.AlertRecord) error {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		return validation.Alert(*a)
	})
	if !s.store.SaveAlerts(ctx, alerts) {
		return 0, rejected, ErrSaveFailed
	}
	return len(alerts), rejected, nil
}

func (s *Syncer) syncPoints(ctx context.Context) (int, int, error) {
	var raw []json.RawMessage
	if err := s.getter.GetJSON(ctx, s.cfg.Sources.Points, &raw); err != nil {
		return 0, 0, err
	}
	points, rejected := decodeRecords(raw, s.logger, "map point", func(p *models.PointOfInterest) error {
		return validation.Point(*p)
	})
	if !s.store.SaveMapPoints(ctx, points) {
		return 0, rejected, ErrSaveFailed
	}
	return len(points), rejected, nil
}

// decodeRecords unmarshals and checks each record on its own, so a malformed
// record drops only itself. It returns the kept records and the rejected count.
func decodeRecords[T any](raw []json.RawMessage, logger *zap.Logger, what string, check func(*T) error) ([]T, int) {
	out := make([]T, 0, len(raw))
	for i, b := range raw {
		var rec T
		err := json.Unmarshal(b, &rec)
		if err == nil {
			err = check(&rec)
		}
		if err != nil {
			logger.Warn(what+" rejected", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, len(raw) - len(out)
}
