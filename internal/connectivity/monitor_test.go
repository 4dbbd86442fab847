package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestMonitor_SetOnline_NotifiesSubscribers verifies subscribers are invoked
// synchronously, in order, with the new value on each transition.
func TestMonitor_SetOnline_NotifiesSubscribers(t *testing.T) {
	m := NewMonitor(true, nil)
	var got []string
	m.Subscribe(func(online bool) { got = append(got, "a:"+stateLabel(online)) })
	m.Subscribe(func(online bool) { got = append(got, "b:"+stateLabel(online)) })

	m.SetOnline(false)
	if m.IsOnline() {
		t.Error("IsOnline() = true after SetOnline(false)")
	}
	m.SetOnline(true)

	want := []string{"a:offline", "b:offline", "a:online", "b:online"}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notifications[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMonitor_SetOnline_NoChangeNoNotify(t *testing.T) {
	m := NewMonitor(true, nil)
	calls := 0
	m.Subscribe(func(bool) { calls++ })
	m.SetOnline(true)
	m.SetOnline(true)
	if calls != 0 {
		t.Errorf("calls = %d, want 0 without a transition", calls)
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true, nil)
	calls := 0
	id := m.Subscribe(func(bool) { calls++ })
	if !m.Unsubscribe(id) {
		t.Fatal("Unsubscribe() = false, want true")
	}
	if m.Unsubscribe(id) {
		t.Error("second Unsubscribe() = true, want false")
	}
	m.SetOnline(false)
	if calls != 0 {
		t.Errorf("calls = %d after unsubscribe, want 0", calls)
	}
}

// TestMonitor_ForceOffline_BypassesPlatform verifies the override hides
// platform transitions until cleared, and clearing restores the platform value.
func TestMonitor_ForceOffline_BypassesPlatform(t *testing.T) {
	m := NewMonitor(true, nil)
	var states []bool
	m.Subscribe(func(online bool) { states = append(states, online) })

	m.ForceOffline()
	if m.IsOnline() || !m.Overridden() {
		t.Fatal("ForceOffline() should report offline with override")
	}
	m.SetOnline(false)
	m.SetOnline(true)
	if m.IsOnline() {
		t.Error("platform online must not bypass the override")
	}

	m.ClearOverride()
	if !m.IsOnline() {
		t.Error("IsOnline() = false after ClearOverride with platform online")
	}
	if len(states) != 2 || states[0] != false || states[1] != true {
		t.Errorf("states = %v, want [false true]", states)
	}
}

func TestMonitor_ClearOverride_PlatformOffline(t *testing.T) {
	m := NewMonitor(true, nil)
	m.ForceOffline()
	m.SetOnline(false)
	calls := 0
	m.Subscribe(func(bool) { calls++ })
	m.ClearOverride()
	if m.IsOnline() || calls != 0 {
		t.Errorf("IsOnline() = %v, calls = %d; want offline with no transition", m.IsOnline(), calls)
	}
}

func TestFibDelays(t *testing.T) {
	delays := fibDelays(1*time.Minute, 13*time.Minute)
	want := []time.Duration{1, 2, 3, 5, 8, 13}
	if len(delays) != len(want) {
		t.Fatalf("len(delays) = %d, want %d", len(delays), len(want))
	}
	for i, w := range want {
		if delays[i] != time.Duration(w)*time.Minute {
			t.Errorf("delays[%d] = %v, want %vm", i, delays[i], w)
		}
	}
	if fibDelays(0, time.Second) != nil {
		t.Error("fibDelays(0, ...) should be nil")
	}
	if got := fibDelays(2*time.Minute, time.Minute); len(got) != 1 || got[0] != 2*time.Minute {
		t.Errorf("fibDelays(2m, 1m) = %v, want [2m]", got)
	}
}

// TestNewProber_RetryMaxBelowInitial verifies an inverted retry window still
// waits between offline probes.
func TestNewProber_RetryMaxBelowInitial(t *testing.T) {
	p := NewProber(NewMonitor(true, nil), func(context.Context) error { return nil },
		ProberConfig{RetryInitial: 2 * time.Minute, RetryMax: time.Minute}, nil)
	if p.cfg.RetryMax != 2*time.Minute {
		t.Errorf("RetryMax = %v, want 2m", p.cfg.RetryMax)
	}
	b := newBackoff(p.cfg.RetryInitial, p.cfg.RetryMax)
	for i := 0; i < 3; i++ {
		if d := b.Next(); d != 2*time.Minute {
			t.Errorf("Next() #%d = %v, want 2m", i, d)
		}
	}
}

// TestBackoff_StaysAtMax verifies the sequence holds its last delay once exhausted.
func TestBackoff_StaysAtMax(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 30*time.Millisecond)
	got := []time.Duration{b.Next(), b.Next(), b.Next(), b.Next()}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Next() #%d = %v, want %v", i, got[i], want[i])
		}
	}
	b.Reset()
	if d := b.Next(); d != 10*time.Millisecond {
		t.Errorf("Next() after Reset = %v", d)
	}
}

// TestProber_Run_TracksProbe verifies that the prober flips the monitor
// offline on failure and back online once the probe succeeds.
func TestProber_Run_TracksProbe(t *testing.T) {
	m := NewMonitor(true, nil)
	var fail atomic.Bool
	fail.Store(true)
	var probes atomic.Int32
	probe := func(ctx context.Context) error {
		probes.Add(1)
		if fail.Load() {
			return errors.New("unreachable")
		}
		return nil
	}
	p := NewProber(m, probe, ProberConfig{
		Interval:     5 * time.Millisecond,
		RetryInitial: 5 * time.Millisecond,
		RetryMax:     10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return !m.IsOnline() })
	fail.Store(false)
	waitFor(t, m.IsOnline)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if probes.Load() < 2 {
		t.Errorf("probes = %d, want >= 2", probes.Load())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
