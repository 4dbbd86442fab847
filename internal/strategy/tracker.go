package strategy

import "sync"

// revalidationTracker counts background revalidations in progress per key.
// Begin increments and returns the count for the key; End decrements.
// A count above 1 means the same entry is being refreshed more than once.
type revalidationTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newRevalidationTracker() *revalidationTracker {
	return &revalidationTracker{active: make(map[string]int)}
}

// Begin records a revalidation of key and returns the concurrent count after incrementing.
// Callers defer End(key).
func (t *revalidationTracker) Begin(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[key]++
	return t.active[key]
}

// End records completion of a revalidation of key.
func (t *revalidationTracker) End(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.active[key]; ok && n > 0 {
		t.active[key]--
		if t.active[key] == 0 {
			delete(t.active, key)
		}
	}
}

// Active returns the number of revalidations in progress for key.
func (t *revalidationTracker) Active(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[key]
}
