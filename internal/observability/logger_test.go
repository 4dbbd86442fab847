package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":        zap.InfoLevel,
		"debug":   zap.DebugLevel,
		" WARN ":  zap.WarnLevel,
		"Error":   zap.ErrorLevel,
		"verbose": zap.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in).Level(); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestNewLogger_Formats verifies both encoders build and honour LOG_LEVEL.
func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"", "console"} {
		t.Run("format="+format, func(t *testing.T) {
			t.Setenv("LOG_FORMAT", format)
			t.Setenv("LOG_LEVEL", "warn")
			logger, err := NewLogger()
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if logger.Core().Enabled(zap.InfoLevel) {
				t.Error("info enabled with LOG_LEVEL=warn")
			}
			if !logger.Core().Enabled(zap.WarnLevel) {
				t.Error("warn disabled with LOG_LEVEL=warn")
			}
		})
	}
}

// TestLoggerFrom verifies the request logger carries its fields and the
// fallbacks when none is stored.
func TestLoggerFrom(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := WithCorrelationID(context.Background(), "abc-123")
	ctx = WithLogger(ctx, base.With(zap.String("correlation_id", CorrelationID(ctx))))
	LoggerFrom(ctx, nil).Info("served")

	entries := logs.FilterField(zap.String("correlation_id", "abc-123")).All()
	if len(entries) != 1 || entries[0].Message != "served" {
		t.Errorf("entries with correlation_id = %v, want one 'served'", entries)
	}

	empty := context.Background()
	if CorrelationID(empty) != "" {
		t.Errorf("CorrelationID(empty) = %q, want empty", CorrelationID(empty))
	}
	if LoggerFrom(empty, base) != base {
		t.Error("LoggerFrom(empty, base) did not return the fallback")
	}
	if LoggerFrom(empty, nil) == nil {
		t.Error("LoggerFrom(empty, nil) = nil, want a no-op logger")
	}
}
