// Package connectivity tracks whether the upstream is reachable and tells
// subscribers about transitions.
package connectivity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/offline-resilience/internal/observability"
)

// SubscriptionID identifies a subscriber for Unsubscribe.
type SubscriptionID uint64

type subscriber struct {
	id SubscriptionID
	fn func(online bool)
}

// Monitor holds the online flag. The platform signal (SetOnline) is ignored
// while a ForceOffline override is active.
type Monitor struct {
	// transition serialises state changes together with their notifications
	// so subscribers observe transitions in order.
	transition sync.Mutex

	mu       sync.RWMutex
	platform bool
	forced   bool
	subs     []subscriber
	nextID   SubscriptionID

	logger *zap.Logger
}

// NewMonitor returns a Monitor whose platform signal starts at online.
func NewMonitor(online bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{platform: online, logger: logger}
	setGauge(online)
	return m
}

// IsOnline reports the effective state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effectiveLocked()
}

// Overridden reports whether ForceOffline is in effect.
func (m *Monitor) Overridden() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.forced
}

func (m *Monitor) effectiveLocked() bool {
	return m.platform && !m.forced
}

// Subscribe registers fn to be called with the new state on every
// transition. Callbacks run synchronously in subscription order and must not
// call SetOnline, ForceOffline or ClearOverride.
func (m *Monitor) Subscribe(fn func(online bool)) SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subs = append(m.subs, subscriber{id: m.nextID, fn: fn})
	return m.nextID
}

// Unsubscribe removes a subscriber. Returns false if id is unknown.
func (m *Monitor) Unsubscribe(id SubscriptionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return true
		}
	}
	return false
}

// SetOnline records a platform transition. Subscribers are notified when the
// effective state changes.
func (m *Monitor) SetOnline(online bool) {
	m.update(func() { m.platform = online })
}

// ForceOffline makes IsOnline report false until ClearOverride, regardless
// of the platform signal.
func (m *Monitor) ForceOffline() {
	m.update(func() { m.forced = true })
}

// ClearOverride removes ForceOffline; the platform signal applies again.
func (m *Monitor) ClearOverride() {
	m.update(func() { m.forced = false })
}

func (m *Monitor) update(mutate func()) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	before := m.effectiveLocked()
	mutate()
	after := m.effectiveLocked()
	forced := m.forced
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	if before == after {
		return
	}
	setGauge(after)
	observability.ConnectivityTransitionsTotal.WithLabelValues(stateLabel(after)).Inc()
	m.logger.Info("connectivity changed", zap.Bool("online", after), zap.Bool("override", forced))
	for _, s := range subs {
		s.fn(after)
	}
}

func setGauge(online bool) {
	if online {
		observability.ConnectivityOnline.Set(1)
	} else {
		observability.ConnectivityOnline.Set(0)
	}
}

func stateLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
