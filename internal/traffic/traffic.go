// Package traffic keeps a sliding window of upstream fetch outcomes and
// rate-limit denials. Health reporting reads the failure rate from it.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one observed event.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Denied
)

// maxAge bounds how long outcomes are retained regardless of the window asked for.
const maxAge = 5 * time.Minute

var defaultTracker = NewTracker()

// Record records o on the process-wide tracker.
func Record(o Outcome) {
	defaultTracker.Record(o)
}

// Window returns the process-wide counts within window.
func Window(window time.Duration) Counts {
	return defaultTracker.Window(window)
}

// Reset clears the process-wide tracker. For tests.
func Reset() {
	defaultTracker.Reset()
}

// Counts are outcome totals within a window.
type Counts struct {
	Success int
	Failure int
	Denied  int
}

// Fetches returns successes plus failures; denials never reached upstream.
func (c Counts) Fetches() int {
	return c.Success + c.Failure
}

// FailurePct returns failures as a percentage of fetches, or 0 without fetches.
func (c Counts) FailurePct() float64 {
	if c.Fetches() == 0 {
		return 0
	}
	return float64(c.Failure) * 100 / float64(c.Fetches())
}

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker holds outcome timestamps in arrival order.
type Tracker struct {
	mu     sync.Mutex
	events []event
	now    func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record appends o and prunes events older than maxAge.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.events = append(t.events, event{at: now, outcome: o})
	t.pruneLocked(now)
}

// Window counts events not older than window.
func (t *Tracker) Window(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	var c Counts
	for i := len(t.events) - 1; i >= 0; i-- {
		e := t.events[i]
		if e.at.Before(cutoff) {
			break
		}
		switch e.outcome {
		case Success:
			c.Success++
		case Failure:
			c.Failure++
		case Denied:
			c.Denied++
		}
	}
	return c
}

// Reset drops every event.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// pruneLocked drops events older than maxAge. Callers hold t.mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
