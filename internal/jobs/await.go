package jobs

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultAwaitInterval    = 15 * time.Second
	DefaultAwaitMaxAttempts = 120
)

// AwaitOptions bound a polling loop. The Manager imposes no timeout of its own.
type AwaitOptions struct {
	Interval    time.Duration
	MaxAttempts int
	// OnPoll is called after every poll, including rate-limited ones.
	OnPoll func(*CheckResult)
}

// Await polls a job until it reaches a terminal state, ctx is done, or MaxAttempts polls
// have been made. Rate-limited polls wait out the limiter cooldown before the next try and
// still count as attempts. The last result is returned together with ErrAwaitExhausted or
// the context error.
func (m *Manager) Await(ctx context.Context, jobID, userID string, opts AwaitOptions) (*CheckResult, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultAwaitInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultAwaitMaxAttempts
	}

	pacer := rate.NewLimiter(rate.Every(opts.Interval), 1)

	var last *CheckResult
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if err := pacer.Wait(ctx); err != nil {
			return last, err
		}

		res, err := m.Check(ctx, jobID, userID)
		if err != nil {
			return last, err
		}
		last = res
		if opts.OnPoll != nil {
			opts.OnPoll(res)
		}
		if res.Status.IsTerminal() {
			return res, nil
		}

		if res.RateLimited && res.RetryAfter > opts.Interval {
			if err := sleepCtx(ctx, res.RetryAfter-opts.Interval); err != nil {
				return last, err
			}
		}
	}
	return last, ErrAwaitExhausted
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
