package offline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/offline-resilience/internal/kv"
	"github.com/kjstillabower/offline-resilience/internal/models"
)

// flakyStore fails writes to one table while failWrites is set.
type flakyStore struct {
	*kv.MemoryStore
	mu         sync.Mutex
	failWrites bool
}

var errInjected = errors.New("injected write failure")

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.failWrites = v
	f.mu.Unlock()
}

func (f *flakyStore) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failWrites
}

func (f *flakyStore) Put(ctx context.Context, table, key string, value []byte) error {
	if f.failing() {
		return errInjected
	}
	return f.MemoryStore.Put(ctx, table, key, value)
}

func (f *flakyStore) ReplaceTable(ctx context.Context, table string, rows map[string][]byte) error {
	if f.failing() {
		return errInjected
	}
	return f.MemoryStore.ReplaceTable(ctx, table, rows)
}

func openWith(store kv.Store) Opener {
	return func(context.Context) (kv.Store, error) { return store, nil }
}

func newTestStore(t *testing.T, data kv.Store) (*Store, *time.Time) {
	t.Helper()
	s := New(context.Background(), openWith(data), NewPrefs(kv.NewMemoryStore(), nil), zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	t.Cleanup(func() { _ = s.Close() })
	return s, &now
}

func poi(id, name string) models.PointOfInterest {
	return models.PointOfInterest{ID: id, Category: models.CategoryShelter, Name: name, Latitude: 1.5, Longitude: -2.25, Address: "1 Main St"}
}

// TestStore_WeatherRoundTrip verifies a saved snapshot reads back identically.
func TestStore_WeatherRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, kv.NewMemoryStore())
	ctx := context.Background()

	assert.Nil(t, s.GetWeather(ctx), "empty store")

	w := models.WeatherSnapshot{
		Location: "Harbor", Temperature: 21.5, Humidity: 64, WindSpeed: 12.3,
		Visibility: 10000, Conditions: "clear", CapturedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	require.True(t, s.SaveWeather(ctx, w))
	got := s.GetWeather(ctx)
	require.NotNil(t, got)
	assert.Equal(t, w, *got)

	w2 := w
	w2.Temperature = 3
	require.True(t, s.SaveWeather(ctx, w2))
	assert.Equal(t, 3.0, s.GetWeather(ctx).Temperature)
}

// TestStore_AlertsSnapshot verifies alerts are replaced wholesale and carry their sync time.
func TestStore_AlertsSnapshot(t *testing.T) {
	s, now := newTestStore(t, kv.NewMemoryStore())
	ctx := context.Background()

	assert.Nil(t, s.GetAlerts(ctx))

	alerts := []models.AlertRecord{
		{ID: "a1", Severity: models.SeverityExtreme, Title: "Flood"},
		{ID: "a2", Severity: models.SeverityLow, Title: "Fog"},
	}
	require.True(t, s.SaveAlerts(ctx, alerts))
	got := s.GetAlerts(ctx)
	require.NotNil(t, got)
	assert.Equal(t, alerts, got.Alerts)
	assert.True(t, got.SyncedAt.Equal(*now))

	require.True(t, s.SaveAlerts(ctx, nil))
	got = s.GetAlerts(ctx)
	require.NotNil(t, got)
	assert.NotNil(t, got.Alerts)
	assert.Empty(t, got.Alerts)
}

// TestStore_SaveMapPointsIdempotent verifies saving the same list twice leaves the same state.
func TestStore_SaveMapPointsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, kv.NewMemoryStore())
	ctx := context.Background()
	points := []models.PointOfInterest{poi("b", "Clinic"), poi("a", "Station"), poi("c", "Shelter")}

	require.True(t, s.SaveMapPoints(ctx, points))
	first := s.GetMapPoints(ctx)
	require.True(t, s.SaveMapPoints(ctx, points))
	assert.Equal(t, first, s.GetMapPoints(ctx))
	assert.Equal(t, points, first, "insertion order is preserved")
}

// TestStore_MapPointsEmptyThenFilled covers the empty sync followed by a real one.
func TestStore_MapPointsEmptyThenFilled(t *testing.T) {
	s, now := newTestStore(t, kv.NewMemoryStore())
	ctx := context.Background()

	got := s.GetMapPoints(ctx)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	require.True(t, s.SaveMapPoints(ctx, []models.PointOfInterest{}))
	assert.Empty(t, s.GetMapPoints(ctx))
	md := s.SyncMetadata(ctx)
	assert.True(t, md[models.TablePoints].Equal(*now), "empty save still records the sync")

	*now = now.Add(time.Minute)
	a, b := poi("A", "Alpha"), poi("B", "Beta")
	require.True(t, s.SaveMapPoints(ctx, []models.PointOfInterest{a, b}))
	assert.Equal(t, []models.PointOfInterest{a, b}, s.GetMapPoints(ctx))
	assert.True(t, s.SyncMetadata(ctx)[models.TablePoints].Equal(*now))
}

// TestStore_SaveMapPointsClearsPrevious verifies points absent from a new list are gone.
func TestStore_SaveMapPointsClearsPrevious(t *testing.T) {
	s, _ := newTestStore(t, kv.NewMemoryStore())
	ctx := context.Background()

	require.True(t, s.SaveMapPoints(ctx, []models.PointOfInterest{poi("old", "Old")}))
	require.True(t, s.SaveMapPoints(ctx, []models.PointOfInterest{poi("new", "New")}))

	assert.Nil(t, s.GetMapPoint(ctx, "old"))
	got := s.GetMapPoint(ctx, "new")
	require.NotNil(t, got)
	assert.Equal(t, "New", got.Name)
	assert.Len(t, s.GetMapPoints(ctx), 1)
}

// TestStore_SaveMapPointsDuplicateIDs verifies a repeated id keeps its first position and last value.
func TestStore_SaveMapPointsDuplicateIDs(t *testing.T) {
	s, _ := newTestStore(t, kv.NewMemoryStore())
	ctx := context.Background()

	require.True(t, s.SaveMapPoints(ctx, []models.PointOfInterest{poi("x", "one"), poi("y", "two"), poi("x", "three")}))
	got := s.GetMapPoints(ctx)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].ID)
	assert.Equal(t, "three", got[0].Name)
	assert.Equal(t, "y", got[1].ID)
}

// TestStore_FailedWriteLeavesMetadata verifies metadata only advances after a successful data write.
func TestStore_FailedWriteLeavesMetadata(t *testing.T) {
	data := &flakyStore{MemoryStore: kv.NewMemoryStore()}
	s, now := newTestStore(t, data)
	ctx := context.Background()

	require.True(t, s.SaveWeather(ctx, models.WeatherSnapshot{Location: "first"}))
	firstSync := *now

	*now = now.Add(time.Hour)
	data.setFail(true)
	assert.False(t, s.SaveWeather(ctx, models.WeatherSnapshot{Location: "second"}))
	assert.False(t, s.SaveMapPoints(ctx, []models.PointOfInterest{poi("p", "P")}))

	md := s.SyncMetadata(ctx)
	assert.True(t, md[models.TableWeather].Equal(firstSync))
	_, ok := md[models.TablePoints]
	assert.False(t, ok, "points never synced")
	assert.Equal(t, "first", s.GetWeather(ctx).Location)
}

// TestStore_OperationsBeforeReady verifies calls made before the open completes wait for it.
func TestStore_OperationsBeforeReady(t *testing.T) {
	release := make(chan struct{})
	data := kv.NewMemoryStore()
	s := New(context.Background(), func(ctx context.Context) (kv.Store, error) {
		<-release
		return data, nil
	}, nil, zap.NewNop())
	defer s.Close()

	done := make(chan bool, 1)
	go func() { done <- s.SaveWeather(context.Background(), models.WeatherSnapshot{Location: "early"}) }()

	select {
	case <-done:
		t.Fatal("SaveWeather returned before the store opened")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("SaveWeather did not complete after open")
	}
	assert.Equal(t, "early", s.GetWeather(context.Background()).Location)
}

// TestStore_AwaitRespectsContext verifies a canceled caller gives up waiting for the open.
func TestStore_AwaitRespectsContext(t *testing.T) {
	release := make(chan struct{})
	s := New(context.Background(), func(ctx context.Context) (kv.Store, error) {
		<-release
		return kv.NewMemoryStore(), nil
	}, nil, zap.NewNop())
	defer func() {
		close(release)
		_ = s.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Nil(t, s.GetWeather(ctx))
	assert.False(t, s.SaveAlerts(ctx, nil))
}

// TestStore_InitFailureDefaults verifies a failed open resolves every call to a safe default and logs it.
func TestStore_InitFailureDefaults(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := New(context.Background(), func(context.Context) (kv.Store, error) {
		return nil, errors.New("disk unavailable")
	}, nil, zap.New(core))
	ctx := context.Background()

	<-s.Ready()
	assert.ErrorIs(t, s.Err(), ErrStorageFailure)

	assert.False(t, s.SaveWeather(ctx, models.WeatherSnapshot{}))
	assert.Nil(t, s.GetWeather(ctx))
	assert.Nil(t, s.GetAlerts(ctx))
	points := s.GetMapPoints(ctx)
	assert.NotNil(t, points)
	assert.Empty(t, points)
	assert.Nil(t, s.GetMapPoint(ctx, "x"))
	assert.Empty(t, s.SyncMetadata(ctx))
	assert.NoError(t, s.Close())

	assert.NotZero(t, logs.FilterMessage("offline store operation failed").Len())
}

// TestStore_Freshness verifies age and staleness against maxAge.
func TestStore_Freshness(t *testing.T) {
	s, now := newTestStore(t, kv.NewMemoryStore())
	ctx := context.Background()

	f := s.Freshness(ctx, models.TableAlerts, time.Hour)
	assert.False(t, f.Synced)
	assert.True(t, f.Stale, "never synced is stale")

	require.True(t, s.SaveAlerts(ctx, nil))
	*now = now.Add(30 * time.Minute)
	f = s.Freshness(ctx, models.TableAlerts, time.Hour)
	assert.True(t, f.Synced)
	assert.False(t, f.Stale)
	assert.Equal(t, 30*time.Minute, f.Age)

	*now = now.Add(31 * time.Minute)
	assert.True(t, s.Freshness(ctx, models.TableAlerts, time.Hour).Stale)
}

// TestStore_ConcurrentSavesKeepAllMetadata verifies concurrent saves to different tables do not lose metadata.
func TestStore_ConcurrentSavesKeepAllMetadata(t *testing.T) {
	s, _ := newTestStore(t, kv.NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); s.SaveWeather(ctx, models.WeatherSnapshot{}) }()
		go func() { defer wg.Done(); s.SaveAlerts(ctx, nil) }()
		go func() { defer wg.Done(); s.SaveMapPoints(ctx, nil) }()
	}
	wg.Wait()

	md := s.SyncMetadata(ctx)
	for _, table := range models.Tables {
		_, ok := md[table]
		assert.True(t, ok, "metadata for %s", table)
	}
}
