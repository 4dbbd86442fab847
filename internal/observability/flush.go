package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry syncs buffered log output before exit, bounded by ctx.
// Metrics are scraped, so nothing is pushed.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- logger.Sync() }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("flush logs: %w", ctx.Err())
	case err := <-done:
		if err == nil || ignorableSyncError(err) {
			return nil
		}
		return fmt.Errorf("flush logs: %w", err)
	}
}

// ignorableSyncError reports errors stderr returns when it is a terminal or pipe.
func ignorableSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF)
}
