package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/offline-resilience/internal/cache"
	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/observability"
	"github.com/kjstillabower/offline-resilience/internal/validation"
)

var (
	// ErrNoSuchCache is reported when CLEAR_CACHE names a namespace that does not exist.
	ErrNoSuchCache = errors.New("no such cache")
	// ErrUnknownControl is reported for control message types the manager does not handle.
	ErrUnknownControl = errors.New("unknown control message")
)

// State is the cache lifecycle state of the running version.
type State int32

const (
	StateIdle State = iota
	StateInstalling
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// DefaultPrecache is the manifest warmed into the static namespace on install.
var DefaultPrecache = []string{"/", "/manifest.json", "/favicon.ico"}

// Sessions is the view of open page sessions the manager needs.
type Sessions interface {
	// CountStale returns sessions running a version other than version.
	CountStale(version string) int
	// Claim moves every session to version and returns how many there were.
	Claim(version string) int
}

// Config configures a Manager. Zero values get defaults.
type Config struct {
	Version string
	// Precache lists the URLs warmed on install. Nil uses DefaultPrecache.
	Precache []string
	// MaxWait bounds how long activation waits for old sessions to close. Default 5m.
	MaxWait time.Duration
	// PollInterval is how often old sessions are counted while waiting. Default 1s.
	PollInterval time.Duration
}

// CacheStatus is the GET_CACHE_STATUS reply.
type CacheStatus struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Version   string    `json:"version"`
	State     string    `json:"state"`
	Caches    []string  `json:"caches"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlResult is the reply to every other control message.
type ControlResult struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager drives the running version's caches through installing,
// activating and active.
type Manager struct {
	storage  *cache.Storage
	warmer   *cache.Warmer
	sessions Sessions
	cfg      Config

	state    atomic.Int32
	skip     chan struct{}
	skipOnce sync.Once

	now    func() time.Time
	logger *zap.Logger
}

// NewManager returns a Manager in StateIdle. warmer and sessions may be nil.
func NewManager(storage *cache.Storage, warmer *cache.Warmer, sessions Sessions, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Precache == nil {
		cfg.Precache = DefaultPrecache
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Manager{
		storage:  storage,
		warmer:   warmer,
		sessions: sessions,
		cfg:      cfg,
		skip:     make(chan struct{}),
		now:      time.Now,
		logger:   logger.With(zap.String("version", cfg.Version)),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.logger.Info("cache lifecycle transition", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Run installs, waits for activation and activates.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Install(ctx); err != nil {
		return err
	}
	if err := m.WaitForActivation(ctx); err != nil {
		return err
	}
	return m.Activate(ctx)
}

// Install opens the current static namespace and warms it with the precache
// manifest. A failed warm is logged; installation still succeeds.
func (m *Manager) Install(ctx context.Context) error {
	m.setState(StateInstalling)
	ns, err := m.storage.Open(ctx, cache.NamespaceName(cache.KindStatic, m.cfg.Version))
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if _, err := m.storage.Open(ctx, cache.NamespaceName(cache.KindDynamic, m.cfg.Version)); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if m.warmer == nil || len(m.cfg.Precache) == 0 {
		return nil
	}
	if err := m.warmer.Warm(ctx, ns, m.cfg.Precache); err != nil {
		m.logger.Warn("precache incomplete", zap.Error(err))
	}
	return nil
}

// WaitForActivation returns once SKIP_WAITING arrives, no session of an
// older version remains, or MaxWait elapses.
func (m *Manager) WaitForActivation(ctx context.Context) error {
	timeout := time.NewTimer(m.cfg.MaxWait)
	defer timeout.Stop()
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	for {
		if m.sessions == nil || m.sessions.CountStale(m.cfg.Version) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.skip:
			m.logger.Info("skip waiting requested")
			return nil
		case <-timeout.C:
			m.logger.Info("old sessions still open, activating anyway",
				zap.Int("stale_sessions", m.sessions.CountStale(m.cfg.Version)))
			return nil
		case <-poll.C:
		}
	}
}

// SkipWaiting releases WaitForActivation immediately. Safe to call repeatedly.
func (m *Manager) SkipWaiting() {
	m.skipOnce.Do(func() { close(m.skip) })
}

// Activate deletes every namespace that is not one of the current version's
// names, marks the version active and claims open sessions.
func (m *Manager) Activate(ctx context.Context) error {
	m.setState(StateActivating)
	names, err := m.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	keep := make(map[string]bool)
	for _, n := range cache.CurrentNames(m.cfg.Version) {
		keep[n] = true
	}

	var errs []error
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		observability.CacheNamespacesDeletedTotal.WithLabelValues("sweep").Inc()
		m.logger.Info("cache namespace swept", zap.String("namespace", name))
	}
	if len(errs) > 0 {
		return fmt.Errorf("activate: %w", errors.Join(errs...))
	}

	m.setState(StateActive)
	if m.sessions != nil {
		claimed := m.sessions.Claim(m.cfg.Version)
		m.logger.Info("sessions claimed", zap.Int("sessions", claimed))
	}
	return nil
}

// Status lists the existing namespaces.
func (m *Manager) Status(ctx context.Context) (CacheStatus, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return CacheStatus{}, err
	}
	return CacheStatus{
		Type:      models.ControlGetCacheStatus,
		Version:   m.cfg.Version,
		State:     m.State().String(),
		Caches:    names,
		Timestamp: m.now(),
	}, nil
}

// Clear deletes the named namespace. Returns false when it did not exist.
func (m *Manager) Clear(ctx context.Context, name string) (bool, error) {
	name, err := validation.ValidateNamespaceName(name)
	if err != nil {
		return false, err
	}
	ok, err := m.storage.Delete(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		observability.CacheNamespacesDeletedTotal.WithLabelValues("clear").Inc()
		m.logger.Info("cache namespace cleared", zap.String("namespace", name))
	}
	return ok, nil
}

// HandleControl answers a control message with a CacheStatus or ControlResult.
func (m *Manager) HandleControl(ctx context.Context, msg models.ControlMessage) any {
	result := ControlResult{Type: msg.Type, ID: msg.ID, Timestamp: m.now()}
	switch msg.Type {
	case models.ControlSkipWaiting:
		m.SkipWaiting()
		result.Success = true
	case models.ControlGetCacheStatus:
		status, err := m.Status(ctx)
		if err != nil {
			result.Error = err.Error()
			break
		}
		status.ID = msg.ID
		observability.ControlMessagesTotal.WithLabelValues(msg.Type, "ok").Inc()
		return status
	case models.ControlClearCache:
		result.Name = msg.Name
		ok, err := m.Clear(ctx, msg.Name)
		switch {
		case err != nil:
			result.Error = err.Error()
		case !ok:
			result.Error = ErrNoSuchCache.Error()
		default:
			result.Success = true
		}
	default:
		result.Error = ErrUnknownControl.Error()
	}

	outcome := "ok"
	if !result.Success {
		outcome = "error"
	}
	label := msg.Type
	if result.Error == ErrUnknownControl.Error() {
		label = "unknown"
	}
	observability.ControlMessagesTotal.WithLabelValues(label, outcome).Inc()
	return result
}
