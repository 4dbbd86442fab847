package http

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestInFlightTracker_Concurrent verifies balanced increments from many
// goroutines return the count to zero.
func TestInFlightTracker_Concurrent(t *testing.T) {
	var tr InFlightTracker
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Increment()
			tr.Decrement()
		}()
	}
	wg.Wait()
	if got := tr.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

// TestInFlightTracker_WaitForZero verifies the wait ends when the last request finishes.
func TestInFlightTracker_WaitForZero(t *testing.T) {
	var tr InFlightTracker
	tr.Increment()
	tr.Increment()
	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.Decrement()
		tr.Decrement()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.WaitForZero(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("WaitForZero() error = %v, want nil", err)
	}
}

// TestInFlightTracker_WaitForZero_ContextCanceled verifies a stuck request
// does not block shutdown past its deadline.
func TestInFlightTracker_WaitForZero_ContextCanceled(t *testing.T) {
	var tr InFlightTracker
	tr.Increment()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.WaitForZero(ctx, 5*time.Millisecond); err != context.DeadlineExceeded {
		t.Errorf("WaitForZero() error = %v, want %v", err, context.DeadlineExceeded)
	}
}
