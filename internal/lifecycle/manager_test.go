package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/offline-resilience/internal/cache"
	"github.com/kjstillabower/offline-resilience/internal/kv"
	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/validation"
)

type fakeSessions struct {
	mu      sync.Mutex
	stale   int
	claimed []string
}

func (f *fakeSessions) CountStale(string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

func (f *fakeSessions) Claim(version string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, version)
	n := f.stale
	f.stale = 0
	return n
}

func (f *fakeSessions) setStale(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = n
}

type staticFetcher struct {
	fail map[string]bool
}

func (f staticFetcher) Fetch(_ context.Context, req *http.Request) (models.Response, error) {
	if f.fail[req.URL.Path] {
		return models.Response{}, errors.New("network down")
	}
	return models.Response{Status: http.StatusOK, Body: []byte(req.URL.Path)}, nil
}

func newManager(t *testing.T, sessions Sessions, cfg Config) (*Manager, *cache.Storage) {
	t.Helper()
	storage := cache.NewStorage(kv.NewMemoryStore())
	warmer := cache.NewWarmer(staticFetcher{}, nil, 2)
	if cfg.Version == "" {
		cfg.Version = "v2"
	}
	return NewManager(storage, warmer, sessions, cfg, nil), storage
}

// TestState_String verifies state names.
func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:       "idle",
		StateInstalling: "installing",
		StateActivating: "activating",
		StateActive:     "active",
		State(42):       "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

// TestManager_InstallPrecaches verifies the precache manifest lands in static-<version>.
func TestManager_InstallPrecaches(t *testing.T) {
	ctx := context.Background()
	m, storage := newManager(t, nil, Config{})

	require.NoError(t, m.Install(ctx))
	assert.Equal(t, StateInstalling, m.State())

	ns := storage.Namespace("static-v2")
	for _, u := range DefaultPrecache {
		resp, err := ns.Match(ctx, "GET "+u)
		if assert.NoError(t, err, "precached %s", u) {
			assert.Equal(t, u, string(resp.Body))
		}
	}
	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-v2", "dynamic-v2"}, names)
}

// TestManager_InstallSurvivesWarmFailure verifies a failed precache URL does
// not fail installation.
func TestManager_InstallSurvivesWarmFailure(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewStorage(kv.NewMemoryStore())
	warmer := cache.NewWarmer(staticFetcher{fail: map[string]bool{"/favicon.ico": true}}, nil, 1)
	m := NewManager(storage, warmer, nil, Config{Version: "v1"}, nil)

	require.NoError(t, m.Install(ctx))
	_, err := storage.Namespace("static-v1").Match(ctx, "GET /")
	assert.NoError(t, err)
	_, err = storage.Namespace("static-v1").Match(ctx, "GET /favicon.ico")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

// TestManager_ActivateSweepsOldNamespaces verifies only the current version's
// names remain after activation.
func TestManager_ActivateSweepsOldNamespaces(t *testing.T) {
	ctx := context.Background()
	sessions := &fakeSessions{stale: 2}
	m, storage := newManager(t, sessions, Config{})
	for _, name := range []string{"static-v1", "dynamic-v1", "offline-v1", "offline-v2", "static-v2"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}

	require.NoError(t, m.Activate(ctx))

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	for _, name := range names {
		assert.Contains(t, cache.CurrentNames("v2"), name)
	}
	assert.NotContains(t, names, "static-v1")
	assert.NotContains(t, names, "offline-v1")
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, []string{"v2"}, sessions.claimed)
}

// TestManager_WaitForActivation_NoStaleSessions verifies activation proceeds
// at once when nothing older is open.
func TestManager_WaitForActivation_NoStaleSessions(t *testing.T) {
	m, _ := newManager(t, &fakeSessions{}, Config{MaxWait: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.WaitForActivation(ctx))
}

// TestManager_WaitForActivation_SkipWaiting verifies SKIP_WAITING releases the wait.
func TestManager_WaitForActivation_SkipWaiting(t *testing.T) {
	m, _ := newManager(t, &fakeSessions{stale: 1}, Config{MaxWait: time.Hour, PollInterval: time.Hour})
	done := make(chan error, 1)
	go func() { done <- m.WaitForActivation(context.Background()) }()

	reply := m.HandleControl(context.Background(), models.ControlMessage{Type: models.ControlSkipWaiting, ID: "1"})
	result, ok := reply.(ControlResult)
	require.True(t, ok, "reply type %T", reply)
	assert.True(t, result.Success)
	assert.Equal(t, "1", result.ID)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForActivation() did not return after SKIP_WAITING")
	}
	m.SkipWaiting()
}

// TestManager_WaitForActivation_SessionsClose verifies the wait ends when old
// sessions go away.
func TestManager_WaitForActivation_SessionsClose(t *testing.T) {
	sessions := &fakeSessions{stale: 1}
	m, _ := newManager(t, sessions, Config{MaxWait: time.Hour, PollInterval: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- m.WaitForActivation(context.Background()) }()

	sessions.setStale(0)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForActivation() did not return after sessions closed")
	}
}

// TestManager_WaitForActivation_MaxWait verifies the wait is bounded.
func TestManager_WaitForActivation_MaxWait(t *testing.T) {
	m, _ := newManager(t, &fakeSessions{stale: 3}, Config{MaxWait: 20 * time.Millisecond, PollInterval: time.Hour})
	start := time.Now()
	require.NoError(t, m.WaitForActivation(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

// TestManager_WaitForActivation_ContextCancelled verifies ctx ends the wait with its error.
func TestManager_WaitForActivation_ContextCancelled(t *testing.T) {
	m, _ := newManager(t, &fakeSessions{stale: 1}, Config{MaxWait: time.Hour, PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.WaitForActivation(ctx), context.Canceled)
}

// TestManager_Run verifies the full install, wait and activate sequence.
func TestManager_Run(t *testing.T) {
	ctx := context.Background()
	sessions := &fakeSessions{}
	m, storage := newManager(t, sessions, Config{})
	_, err := storage.Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, StateActive, m.State())
	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-v2", "dynamic-v2"}, names)
}

// TestManager_HandleControl_Status verifies GET_CACHE_STATUS lists namespaces.
func TestManager_HandleControl_Status(t *testing.T) {
	ctx := context.Background()
	m, storage := newManager(t, nil, Config{})
	_, err := storage.Open(ctx, "static-v2")
	require.NoError(t, err)

	reply := m.HandleControl(ctx, models.ControlMessage{Type: models.ControlGetCacheStatus, ID: "7"})
	status, ok := reply.(CacheStatus)
	require.True(t, ok, "reply type %T", reply)
	assert.Equal(t, "7", status.ID)
	assert.Equal(t, "v2", status.Version)
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, []string{"static-v2"}, status.Caches)
}

// TestManager_HandleControl_StatusEmpty verifies the cache list is never nil.
func TestManager_HandleControl_StatusEmpty(t *testing.T) {
	m, _ := newManager(t, nil, Config{})
	status, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, status.Caches)
	assert.Empty(t, status.Caches)
}

// TestManager_HandleControl_Clear verifies CLEAR_CACHE outcomes.
func TestManager_HandleControl_Clear(t *testing.T) {
	ctx := context.Background()
	m, storage := newManager(t, nil, Config{})
	_, err := storage.Open(ctx, "dynamic-v2")
	require.NoError(t, err)

	tests := []struct {
		name        string
		target      string
		wantSuccess bool
		wantError   string
	}{
		{"existing", "dynamic-v2", true, ""},
		{"already gone", "dynamic-v2", false, "no such cache"},
		{"empty name", "", false, validation.ErrNameEmpty.Error()},
		{"foreign namespace", "sessions", false, validation.ErrNamespaceKind.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := m.HandleControl(ctx, models.ControlMessage{Type: models.ControlClearCache, Name: tt.target})
			result, ok := reply.(ControlResult)
			require.True(t, ok, "reply type %T", reply)
			assert.Equal(t, tt.wantSuccess, result.Success)
			assert.Equal(t, tt.target, result.Name)
			if tt.wantError != "" {
				assert.Contains(t, result.Error, tt.wantError)
			}
		})
	}
}

// TestManager_HandleControl_Unknown verifies unknown types get an error reply.
func TestManager_HandleControl_Unknown(t *testing.T) {
	m, _ := newManager(t, nil, Config{})
	reply := m.HandleControl(context.Background(), models.ControlMessage{Type: "REBOOT"})
	result, ok := reply.(ControlResult)
	require.True(t, ok)
	assert.False(t, result.Success)
	assert.Equal(t, "REBOOT", result.Type)
	assert.NotEmpty(t, result.Error)
}
