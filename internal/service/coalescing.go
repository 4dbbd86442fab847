package service

import (
	"context"
	"sync"
	"time"
)

// inFlightCall is one running call that later callers for the same key join.
type inFlightCall[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// coalescer runs at most one call per key at a time. Callers that arrive
// while a call is running wait for its result instead of starting another.
type coalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightCall[T]
	timeout  time.Duration
}

func newCoalescer[T any](timeout time.Duration) *coalescer[T] {
	return &coalescer[T]{
		inFlight: make(map[string]*inFlightCall[T]),
		timeout:  timeout,
	}
}

// Do runs fn for key unless a call for key is already running, in which case
// it waits for that call. joined reports whether the result came from
// another caller's call. Waiting is bounded by ctx and the coalescer timeout;
// fn itself keeps running for the callers still waiting on it.
func (c *coalescer[T]) Do(ctx context.Context, key string, fn func() (T, error)) (result T, joined bool, err error) {
	c.mu.Lock()
	call, exists := c.inFlight[key]
	if !exists {
		call = &inFlightCall[T]{done: make(chan struct{})}
		c.inFlight[key] = call
		go func() {
			call.result, call.err = fn()
			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
			close(call.done)
		}()
	}
	c.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case <-call.done:
		return call.result, exists, call.err
	case <-waitCtx.Done():
		var zero T
		return zero, exists, waitCtx.Err()
	}
}

// Running reports whether a call for key is in flight.
func (c *coalescer[T]) Running(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[key]
	return ok
}
