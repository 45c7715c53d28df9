package service

import (
	"context"
	"log/slog"
	"time"
)

type Sweeper interface {
	RunExpirySweep(ctx context.Context) (int, error)
}

// SweepRunner triggers the expiry sweep on a fixed interval.
type SweepRunner struct {
	sweeper  Sweeper
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewSweepRunner(sweeper Sweeper, interval, timeout time.Duration, logger *slog.Logger) *SweepRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &SweepRunner{sweeper: sweeper, interval: interval, timeout: timeout, logger: logger}
}

// Run sweeps once at start and then on every tick until ctx is done.
func (r *SweepRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *SweepRunner) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	n, err := r.sweeper.RunExpirySweep(sweepCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("expiry sweep failed", "error", err, "expired", n)
		return
	}
	r.logger.Debug("expiry sweep tick", "expired", n, "duration", time.Since(start))
}
