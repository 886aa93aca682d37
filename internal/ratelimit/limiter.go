// Package ratelimit guards outbound calls to the Horde with a per-process request budget.
//
// A Limiter combines three rules: a fixed request window (MaxRequests per Window), a
// cooldown entered when the budget is spent or when the Horde itself answers with a rate
// limit, and a minimum spacing between requests. Requests issued faster than the spacing
// still count against the window and can trip the cooldown on their own.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxRequests = 8
	DefaultWindow      = time.Minute
	DefaultCooldown    = 60 * time.Second
	DefaultMinInterval = time.Second
)

// Config tunes a Limiter. Zero fields take the package defaults.
type Config struct {
	MaxRequests int
	Window      time.Duration
	Cooldown    time.Duration
	MinInterval time.Duration
}

// State is a snapshot of the limiter counters.
type State struct {
	RequestCount    int       `json:"requestCount"`
	WindowResetAt   time.Time `json:"windowResetAt"`
	CooldownUntil   time.Time `json:"cooldownUntil"`
	LastRequestTime time.Time `json:"lastRequestTime"`
	Limited         bool      `json:"limited"`
}

// Limiter tracks the outbound request budget. It is owned by whoever polls the Horde
// and is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	state State
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter with an empty window.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	l := &Limiter{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.state.WindowResetAt = l.now().Add(cfg.Window)
	return l
}

// CheckLimit reports whether the caller must NOT proceed. When it returns false the
// request has been counted against the current window.
func (l *Limiter) CheckLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := &l.state

	if s.Limited {
		if now.Before(s.CooldownUntil) {
			return true
		}
		// Cooldown over: let exactly this request through on a fresh window.
		s.Limited = false
		s.RequestCount = 1
		s.WindowResetAt = now.Add(l.cfg.Window)
		s.LastRequestTime = now
		return false
	}

	if now.After(s.WindowResetAt) {
		s.RequestCount = 0
		s.WindowResetAt = now.Add(l.cfg.Window)
	}

	if s.RequestCount >= l.cfg.MaxRequests {
		l.startCooldownLocked(now)
		return true
	}

	burst := !s.LastRequestTime.IsZero() && now.Sub(s.LastRequestTime) < l.cfg.MinInterval
	s.RequestCount++
	s.LastRequestTime = now
	if burst && s.RequestCount >= l.cfg.MaxRequests {
		l.startCooldownLocked(now)
	}
	return false
}

// StartCooldown enters the cooldown after the Horde signalled rate limiting. Calling it
// again while a cooldown is running does not extend it.
func (l *Limiter) StartCooldown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startCooldownLocked(l.now())
}

func (l *Limiter) startCooldownLocked(now time.Time) {
	if l.state.Limited && now.Before(l.state.CooldownUntil) {
		return
	}
	l.state.Limited = true
	l.state.CooldownUntil = now.Add(l.cfg.Cooldown)
}

// RetryAfter returns how long until the running cooldown ends, or zero.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.Limited {
		return 0
	}
	d := l.state.CooldownUntil.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}

// State returns a copy of the current counters.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
