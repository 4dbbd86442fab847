// Package offline persists the weather, alert and map point snapshots that
// must survive restarts and offline sessions. Operations never return storage
// errors: failures are logged, counted and resolved to safe defaults.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kjstillabower/offline-resilience/internal/kv"
	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/observability"
)

// ErrStorageFailure wraps every underlying storage error, including a failed open.
var ErrStorageFailure = errors.New("offline storage failure")

const (
	latestKey = "latest"
	// The points table holds one row per point plus the order index, so a
	// save replaces both in one ReplaceTable.
	pointKeyPrefix = "poi/"
	pointOrderKey  = "order"
)

// Opener opens the data tier. It runs once, in the background.
type Opener func(ctx context.Context) (kv.Store, error)

// Store is the persistent offline store. It is usable immediately after New;
// every operation waits for the data tier to finish opening.
type Store struct {
	ready   chan struct{}
	data    kv.Store
	initErr error

	prefs  *Prefs
	metaMu sync.Mutex

	now    func() time.Time
	logger *zap.Logger
}

// New starts opening the data tier with open and returns at once. prefs holds
// SyncMetadata; nil uses an in-memory tier.
func New(ctx context.Context, open Opener, prefs *Prefs, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefs == nil {
		prefs = NewPrefs(kv.NewMemoryStore(), logger)
	}
	s := &Store{
		ready:  make(chan struct{}),
		prefs:  prefs,
		now:    time.Now,
		logger: logger,
	}
	go func() {
		defer close(s.ready)
		data, err := open(ctx)
		if err != nil {
			s.initErr = fmt.Errorf("%w: open: %w", ErrStorageFailure, err)
			logger.Error("offline store open failed", zap.Error(err))
			return
		}
		s.data = data
		logger.Info("offline store ready")
	}()
	return s
}

// Ready returns a channel closed once opening finished, successfully or not.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Err returns the open error after Ready, or nil.
func (s *Store) Err() error {
	select {
	case <-s.ready:
		return s.initErr
	default:
		return nil
	}
}

// Prefs returns the synchronous tier.
func (s *Store) Prefs() *Prefs {
	return s.prefs
}

func (s *Store) await(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.initErr
	case <-ctx.Done():
		return fmt.Errorf("%w: not ready: %w", ErrStorageFailure, ctx.Err())
	}
}

// SaveWeather replaces the weather snapshot.
func (s *Store) SaveWeather(ctx context.Context, w models.WeatherSnapshot) bool {
	ts := s.now()
	return s.save(ctx, models.TableWeather, ts, func() error {
		return s.putJSON(ctx, string(models.TableWeather), latestKey, w)
	})
}

// GetWeather returns the stored snapshot, or nil.
func (s *Store) GetWeather(ctx context.Context) *models.WeatherSnapshot {
	var w models.WeatherSnapshot
	if !s.getJSON(ctx, models.TableWeather, latestKey, &w) {
		return nil
	}
	return &w
}

// SaveAlerts replaces the alert list. A nil list is stored as empty.
func (s *Store) SaveAlerts(ctx context.Context, alerts []models.AlertRecord) bool {
	if alerts == nil {
		alerts = []models.AlertRecord{}
	}
	ts := s.now()
	snap := models.AlertSnapshot{Alerts: alerts, SyncedAt: ts}
	return s.save(ctx, models.TableAlerts, ts, func() error {
		return s.putJSON(ctx, string(models.TableAlerts), latestKey, snap)
	})
}

// GetAlerts returns the stored alert list with its sync time, or nil.
func (s *Store) GetAlerts(ctx context.Context) *models.AlertSnapshot {
	var snap models.AlertSnapshot
	if !s.getJSON(ctx, models.TableAlerts, latestKey, &snap) {
		return nil
	}
	if snap.Alerts == nil {
		snap.Alerts = []models.AlertRecord{}
	}
	return &snap
}

// SaveMapPoints clears the point table and stores points in their given
// order. A repeated id keeps its first position and its last value.
func (s *Store) SaveMapPoints(ctx context.Context, points []models.PointOfInterest) bool {
	ts := s.now()
	return s.save(ctx, models.TablePoints, ts, func() error {
		rows := make(map[string][]byte, len(points)+1)
		order := make([]string, 0, len(points))
		for _, p := range points {
			raw, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode point %s: %w", p.ID, err)
			}
			key := pointKeyPrefix + p.ID
			if _, seen := rows[key]; !seen {
				order = append(order, p.ID)
			}
			rows[key] = raw
		}
		rawOrder, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("encode point order: %w", err)
		}
		rows[pointOrderKey] = rawOrder
		return s.data.ReplaceTable(ctx, string(models.TablePoints), rows)
	})
}

// GetMapPoints returns the stored points in insertion order; empty, never
// nil, when nothing was synced or the read failed.
func (s *Store) GetMapPoints(ctx context.Context) []models.PointOfInterest {
	out := []models.PointOfInterest{}
	var order []string
	if !s.getJSON(ctx, models.TablePoints, pointOrderKey, &order) {
		return out
	}
	for _, id := range order {
		var p models.PointOfInterest
		if !s.getJSON(ctx, models.TablePoints, pointKeyPrefix+id, &p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// GetMapPoint returns one point by id, or nil.
func (s *Store) GetMapPoint(ctx context.Context, id string) *models.PointOfInterest {
	var p models.PointOfInterest
	if !s.getJSON(ctx, models.TablePoints, pointKeyPrefix+id, &p) {
		return nil
	}
	return &p
}

// SyncMetadata returns the last successful sync time per table.
func (s *Store) SyncMetadata(ctx context.Context) models.SyncMetadata {
	md, err := s.prefs.SyncMetadata(ctx)
	if err != nil {
		s.fail(models.TableWeather, "metadata", err)
		return models.SyncMetadata{}
	}
	return md
}

// Freshness describes how old a table's data is.
type Freshness struct {
	Table    models.Table  `json:"table"`
	Synced   bool          `json:"synced"`
	SyncedAt time.Time     `json:"syncedAt,omitempty"`
	Age      time.Duration `json:"-"`
	Stale    bool          `json:"stale"`
}

// MarshalJSON reports Age in whole seconds.
func (f Freshness) MarshalJSON() ([]byte, error) {
	type alias Freshness
	out := struct {
		alias
		Age int64 `json:"ageSeconds"`
	}{alias: alias(f), Age: int64(f.Age / time.Second)}
	return json.Marshal(out)
}

// Freshness reports whether table was synced within maxAge. Never-synced
// tables are stale. Staleness is a signal for callers, not an error.
func (s *Store) Freshness(ctx context.Context, table models.Table, maxAge time.Duration) Freshness {
	f := Freshness{Table: table, Stale: true}
	syncedAt, ok := s.SyncMetadata(ctx)[table]
	if !ok {
		return f
	}
	f.Synced = true
	f.SyncedAt = syncedAt
	f.Age = s.now().Sub(syncedAt)
	if f.Age < 0 {
		f.Age = 0
	}
	f.Stale = f.Age > maxAge
	observability.StoreDataAgeSeconds.WithLabelValues(string(table)).Set(f.Age.Seconds())
	return f
}

// Close waits for opening to finish and closes the data tier.
func (s *Store) Close() error {
	<-s.ready
	if s.data == nil {
		return nil
	}
	return s.data.Close()
}

// save runs write and, only after it succeeds, stamps table's metadata with ts.
func (s *Store) save(ctx context.Context, table models.Table, ts time.Time, write func() error) bool {
	if err := s.await(ctx); err != nil {
		s.fail(table, "save", err)
		return false
	}
	if err := write(); err != nil {
		s.fail(table, "save", fmt.Errorf("%w: %w", ErrStorageFailure, err))
		return false
	}
	if err := s.touchMetadata(ctx, table, ts); err != nil {
		s.fail(table, "save", err)
		return false
	}
	observability.StoreOperationsTotal.WithLabelValues(string(table), "save", "ok").Inc()
	return true
}

func (s *Store) touchMetadata(ctx context.Context, table models.Table, ts time.Time) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	md, err := s.prefs.SyncMetadata(ctx)
	if err != nil {
		return err
	}
	md[table] = ts
	return s.prefs.saveSyncMetadata(ctx, md)
}

func (s *Store) putJSON(ctx context.Context, table, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}
	return s.data.Put(ctx, table, key, raw)
}

// getJSON decodes table/key into dst. Returns false on absence or failure;
// failures are recorded.
func (s *Store) getJSON(ctx context.Context, table models.Table, key string, dst any) bool {
	if err := s.await(ctx); err != nil {
		s.fail(table, "get", err)
		return false
	}
	raw, err := s.data.Get(ctx, string(table), key)
	if errors.Is(err, kv.ErrNotFound) {
		return false
	}
	if err != nil {
		s.fail(table, "get", fmt.Errorf("%w: %w", ErrStorageFailure, err))
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.fail(table, "get", fmt.Errorf("%w: decode: %w", ErrStorageFailure, err))
		return false
	}
	return true
}

func (s *Store) fail(table models.Table, op string, err error) {
	observability.StoreOperationsTotal.WithLabelValues(string(table), op, "error").Inc()
	s.logger.Warn("offline store operation failed",
		zap.String("table", string(table)), zap.String("op", op), zap.Error(err))
}
