package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes jobs created before a cutoff.
type Purger interface {
	PurgeJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention removes aged-out jobs. It takes no locks against in-flight jobs: a purged
// job that is polled again simply reads as not found.
type Retention struct {
	purger   Purger
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetention creates a Retention that deletes jobs older than window every interval.
func NewRetention(p Purger, window, interval time.Duration, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{purger: p, window: window, interval: interval, logger: logger, now: time.Now}
}

// RunOnce purges jobs created before now minus the window.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.window)
	n, err := r.purger.PurgeJobsOlderThan(ctx, cutoff)
	if err != nil {
		return n, err
	}
	r.logger.Info("retention purge finished", "deleted", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	return n, nil
}

// Run purges once immediately and then on every tick until ctx is done. A zero interval
// disables the loop.
func (r *Retention) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("retention loop disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("retention purge failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
