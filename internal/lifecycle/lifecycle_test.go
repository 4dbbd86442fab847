package lifecycle

import (
	"testing"
	"time"
)

// TestShuttingDown_Toggle verifies the drain flag and its start time.
func TestShuttingDown_Toggle(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() || DrainingFor() != 0 {
		t.Fatalf("serving: IsShuttingDown() = %v, DrainingFor() = %v, want false, 0", IsShuttingDown(), DrainingFor())
	}

	SetShuttingDown(true)
	defer SetShuttingDown(false)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
	time.Sleep(10 * time.Millisecond)
	first := DrainingFor()
	SetShuttingDown(true)
	if got := DrainingFor(); got < first {
		t.Errorf("DrainingFor() = %v after second SetShuttingDown(true), want >= %v", got, first)
	}

	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true after SetShuttingDown(false), want false")
	}
}
