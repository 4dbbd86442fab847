package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFlushTelemetry(t *testing.T) {
	if err := FlushTelemetry(context.Background(), nil); err != nil {
		t.Errorf("FlushTelemetry(nil logger) = %v, want nil", err)
	}
	core, _ := observer.New(zap.InfoLevel)
	if err := FlushTelemetry(context.Background(), zap.New(core)); err != nil {
		t.Errorf("FlushTelemetry() = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The sync may win the race; only a returned error must be the context's.
	if err := FlushTelemetry(ctx, zap.New(core)); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("FlushTelemetry(cancelled) = %v, want nil or context.Canceled", err)
	}
}
