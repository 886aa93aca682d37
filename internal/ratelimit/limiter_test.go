package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(clock *fakeClock) *Limiter {
	return New(Config{
		MaxRequests: 8,
		Window:      time.Minute,
		Cooldown:    60 * time.Second,
		MinInterval: time.Second,
	}, WithClock(clock.Now))
}

func TestNew_AppliesDefaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, DefaultMaxRequests, l.cfg.MaxRequests)
	assert.Equal(t, DefaultWindow, l.cfg.Window)
	assert.Equal(t, DefaultCooldown, l.cfg.Cooldown)
	assert.Equal(t, time.Duration(0), l.cfg.MinInterval)
}

func TestCheckLimit_AllowsUpToMaxThenCoolsDown(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 8; i++ {
		clock.Advance(2 * time.Second)
		require.False(t, l.CheckLimit(), "request %d should pass", i+1)
	}

	clock.Advance(2 * time.Second)
	assert.True(t, l.CheckLimit())
	assert.True(t, l.State().Limited)
	assert.Equal(t, 8, l.State().RequestCount)

	clock.Advance(59 * time.Second)
	assert.True(t, l.CheckLimit())
}

func TestCheckLimit_RapidCallsTripCooldown(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	passed := 0
	for i := 0; i < 20; i++ {
		if !l.CheckLimit() {
			passed++
		}
		clock.Advance(100 * time.Millisecond)
	}

	assert.LessOrEqual(t, passed, 8)
	assert.True(t, l.State().Limited)

	// Still rejecting right up to the end of the cooldown.
	clock.Advance(55 * time.Second)
	assert.True(t, l.CheckLimit())
}

func TestCheckLimit_CooldownExitLetsOneRequestThrough(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.StartCooldown()
	assert.True(t, l.CheckLimit())

	clock.Advance(60 * time.Second)
	assert.False(t, l.CheckLimit())

	s := l.State()
	assert.False(t, s.Limited)
	assert.Equal(t, 1, s.RequestCount)
	assert.Equal(t, clock.Now(), s.LastRequestTime)
	assert.Equal(t, clock.Now().Add(time.Minute), s.WindowResetAt)
}

func TestStartCooldown_NotExtendedByRepeatedTriggers(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.StartCooldown()
	until := l.State().CooldownUntil

	clock.Advance(30 * time.Second)
	l.StartCooldown()
	assert.Equal(t, until, l.State().CooldownUntil)

	clock.Advance(30 * time.Second)
	assert.False(t, l.CheckLimit())
}

func TestCheckLimit_WindowResets(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 7; i++ {
		clock.Advance(2 * time.Second)
		require.False(t, l.CheckLimit())
	}
	assert.Equal(t, 7, l.State().RequestCount)

	clock.Advance(time.Minute)
	assert.False(t, l.CheckLimit())
	assert.Equal(t, 1, l.State().RequestCount)
}

func TestRetryAfter(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	assert.Equal(t, time.Duration(0), l.RetryAfter())

	l.StartCooldown()
	clock.Advance(15 * time.Second)
	assert.Equal(t, 45*time.Second, l.RetryAfter())

	clock.Advance(time.Minute)
	assert.Equal(t, time.Duration(0), l.RetryAfter())
}

func TestCheckLimit_ConcurrentCallersShareBudget(t *testing.T) {
	l := New(Config{MaxRequests: 8, Window: time.Hour, Cooldown: time.Hour, MinInterval: time.Second})

	var passed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !l.CheckLimit() {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), passed.Load())
	assert.True(t, l.State().Limited)
}
