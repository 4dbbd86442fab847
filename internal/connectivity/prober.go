package connectivity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc checks reachability. A nil error means online.
type ProbeFunc func(ctx context.Context) error

// ProberConfig configures a Prober.
type ProberConfig struct {
	// Interval between probes while online.
	Interval time.Duration
	// RetryInitial and RetryMax bound the Fibonacci backoff while offline.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Prober drives a Monitor's platform signal from periodic probes.
type Prober struct {
	monitor *Monitor
	probe   ProbeFunc
	cfg     ProberConfig
	logger  *zap.Logger
}

// NewProber returns a Prober. Zero config values get defaults: 30s interval,
// 1s to 1m offline backoff.
func NewProber(monitor *Monitor, probe ProbeFunc, cfg ProberConfig, logger *zap.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}
	cfg.RetryMax = max(cfg.RetryMax, cfg.RetryInitial)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{monitor: monitor, probe: probe, cfg: cfg, logger: logger}
}

// Check runs one probe and records the result. Returns the probed state.
func (p *Prober) Check(ctx context.Context) bool {
	err := p.probe(ctx)
	online := err == nil
	if err != nil && ctx.Err() == nil {
		p.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	if ctx.Err() == nil {
		p.monitor.SetOnline(online)
	}
	return online
}

// Run probes until ctx is done. Returns ctx.Err().
func (p *Prober) Run(ctx context.Context) error {
	bo := newBackoff(p.cfg.RetryInitial, p.cfg.RetryMax)
	for {
		var wait time.Duration
		if p.Check(ctx) {
			bo.Reset()
			wait = p.cfg.Interval
		} else {
			wait = bo.Next()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
