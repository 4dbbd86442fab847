package connectivity

import "time"

// fibDelays returns initial scaled by the Fibonacci sequence 1, 2, 3, 5, 8...
// up to and including max. The first delay is always initial, even when max
// is smaller.
func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 {
		return nil
	}
	a, b := 2.0, 3.0
	out := []time.Duration{initial}
	for {
		d := time.Duration(a * float64(initial))
		if d > max {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	return out
}

// backoff walks a Fibonacci delay sequence and stays at its last value.
type backoff struct {
	delays []time.Duration
	idx    int
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{delays: fibDelays(initial, max)}
}

// Next returns the next delay.
func (b *backoff) Next() time.Duration {
	if len(b.delays) == 0 {
		return 0
	}
	d := b.delays[b.idx]
	if b.idx < len(b.delays)-1 {
		b.idx++
	}
	return d
}

// Reset restarts the sequence.
func (b *backoff) Reset() {
	b.idx = 0
}
