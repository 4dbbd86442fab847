package lifecycle

import (
	"sync/atomic"
	"time"
)

// drainStart is when the process began draining; nil while serving.
var drainStart atomic.Pointer[time.Time]

// SetShuttingDown marks the process as draining, or serving again when v is
// false. Repeated calls with true keep the first start time.
func SetShuttingDown(v bool) {
	if !v {
		drainStart.Store(nil)
		return
	}
	now := time.Now()
	drainStart.CompareAndSwap(nil, &now)
}

// IsShuttingDown reports whether the process is draining. /health answers
// 503 shutting-down while it is.
func IsShuttingDown() bool {
	return drainStart.Load() != nil
}

// DrainingFor returns how long the process has been draining, or zero.
func DrainingFor() time.Duration {
	start := drainStart.Load()
	if start == nil {
		return 0
	}
	return time.Since(*start)
}
