package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/goccy/go-json"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// TestCategorizeError verifies sentinels, typed errors and status errors map
// to their metric label, including through wrapping.
func TestCategorizeError(t *testing.T) {
	var syntax error = json.Unmarshal([]byte(`{not json`), &struct{}{})

	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled", context.Canceled, ErrorCategoryTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrorCategoryTimeout},
		{"offline", fmt.Errorf("skip fetch: %w", ErrOffline), ErrorCategoryOffline},
		{"circuit open", fmt.Errorf("exhausted retries: %w", ErrCircuitOpen), ErrorCategoryCircuitOpen},
		{"too large", ErrBodyTooLarge, ErrorCategoryTooLarge},
		{"status 503", &StatusError{Status: 503}, ErrorCategoryUpstream5xx},
		{"status 404", fmt.Errorf("sync: %w", &StatusError{Status: 404}), ErrorCategoryUpstream4xx},
		{"status 429", &StatusError{Status: 429}, ErrorCategoryRateLimited},
		{"rate limited sentinel", ErrRateLimited, ErrorCategoryRateLimited},
		{"parse", fmt.Errorf("parse response: %w", syntax), ErrorCategoryParsing},
		{"dial refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrorCategoryNetwork},
		{"upstream failure", fmt.Errorf("%w: reset", ErrUpstreamFailure), ErrorCategoryNetwork},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeError(tt.err); got != tt.want {
				t.Errorf("CategorizeError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestStatusError_Unwrap verifies status errors match the client sentinels.
func TestStatusError_Unwrap(t *testing.T) {
	if !errors.Is(&StatusError{Status: 502}, ErrUpstreamFailure) {
		t.Error("errors.Is(502, ErrUpstreamFailure) = false, want true")
	}
	if !errors.Is(&StatusError{Status: 429}, ErrRateLimited) {
		t.Error("errors.Is(429, ErrRateLimited) = false, want true")
	}
	if errors.Is(&StatusError{Status: 404}, ErrUpstreamFailure) {
		t.Error("errors.Is(404, ErrUpstreamFailure) = true, want false")
	}
}
