package admission

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeClock) {
	t.Helper()

	// Keep the janitor quiet so tests control eviction explicitly.
	cfg.SweepInterval = time.Hour

	c := New(cfg, zap.NewNop())
	t.Cleanup(c.Close)

	clk := &fakeClock{t: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)}
	c.now = clk.Now
	return c, clk
}

func TestAdmitRateWindowCapacity(t *testing.T) {
	c, clk := newTestController(t, Config{Window: time.Minute, Capacity: 3})

	// Four requests from the same email+IP inside ten seconds, each with a
	// fresh request id: minting ids must not bypass the window.
	for i := range 3 {
		dec := c.Admit("couple@example.com", "203.0.113.7", fmt.Sprintf("req-%d", i))
		require.True(t, dec.Allowed, "request %d should be admitted", i+1)
		clk.Advance(3 * time.Second)
	}

	dec := c.Admit("couple@example.com", "203.0.113.7", "req-late")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonRateLimited, dec.Reason)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
}

func TestAdmitWindowSlides(t *testing.T) {
	c, clk := newTestController(t, Config{Window: time.Minute, Capacity: 5})

	for i := range 5 {
		dec := c.Admit("a@example.com", "10.0.0.1", fmt.Sprintf("id-%d", i))
		require.True(t, dec.Allowed)
	}

	dec := c.Admit("a@example.com", "10.0.0.1", "id-6")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonRateLimited, dec.Reason)
	// All five stamps were recorded at the same instant, so the whole window
	// must elapse first.
	assert.InDelta(t, time.Minute.Seconds(), dec.RetryAfter.Seconds(), 1)

	clk.Advance(time.Minute + time.Second)

	dec = c.Admit("a@example.com", "10.0.0.1", "id-7")
	assert.True(t, dec.Allowed, "a new request after the window elapses is admitted")
}

func TestAdmitSeparateIdentities(t *testing.T) {
	c, _ := newTestController(t, Config{Window: time.Minute, Capacity: 1})

	require.True(t, c.Admit("a@example.com", "10.0.0.1", "r1").Allowed)
	require.False(t, c.Admit("a@example.com", "10.0.0.1", "r2").Allowed)

	// A different requester is a different window.
	assert.True(t, c.Admit("b@example.com", "10.0.0.1", "r3").Allowed)
	// Same email from a different network origin is a different window too.
	assert.True(t, c.Admit("a@example.com", "10.0.0.2", "r4").Allowed)
}

func TestAdmitBreakerBackoff(t *testing.T) {
	c, clk := newTestController(t, Config{
		Window:      time.Minute,
		Capacity:    100,
		BackoffBase: 2 * time.Second,
		MaxAttempts: 3,
		RecordTTL:   30 * time.Minute,
	})

	require.True(t, c.Admit("a@example.com", "ip", "job-1").Allowed)

	// Immediate retry of the same id must wait out the base backoff.
	dec := c.Admit("a@example.com", "ip", "job-1")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonCircuitOpen, dec.Reason)
	assert.InDelta(t, (2 * time.Second).Seconds(), dec.RetryAfter.Seconds(), 0.5)

	clk.Advance(2 * time.Second)
	require.True(t, c.Admit("a@example.com", "ip", "job-1").Allowed)

	// Second retry doubles the wait.
	clk.Advance(2 * time.Second)
	dec = c.Admit("a@example.com", "ip", "job-1")
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonCircuitOpen, dec.Reason)

	clk.Advance(2 * time.Second)
	require.True(t, c.Admit("a@example.com", "ip", "job-1").Allowed)
}

func TestAdmitBreakerOpensAfterMaxAttempts(t *testing.T) {
	c, clk := newTestController(t, Config{
		Window:      time.Minute,
		Capacity:    100,
		BackoffBase: time.Second,
		MaxAttempts: 3,
		RecordTTL:   30 * time.Minute,
	})

	for i := range 3 {
		dec := c.Admit("a@example.com", "ip", "job-1")
		require.True(t, dec.Allowed, "attempt %d", i+1)
		clk.Advance(time.Minute)
	}

	// Exhausted: rejected no matter how much time passes, until the record
	// itself expires.
	for _, wait := range []time.Duration{0, time.Minute, 10 * time.Minute} {
		clk.Advance(wait)
		dec := c.Admit("a@example.com", "ip", "job-1")
		require.False(t, dec.Allowed)
		assert.Equal(t, ReasonCircuitOpen, dec.Reason)
	}

	clk.Advance(31 * time.Minute)
	assert.True(t, c.Admit("a@example.com", "ip", "job-1").Allowed,
		"expired record admits the id again")
}

func TestAdmitRejectionRecordsNothing(t *testing.T) {
	c, _ := newTestController(t, Config{Window: time.Minute, Capacity: 2})

	require.True(t, c.Admit("a@example.com", "ip", "r1").Allowed)
	require.True(t, c.Admit("a@example.com", "ip", "r2").Allowed)

	for range 5 {
		require.False(t, c.Admit("a@example.com", "ip", "r3").Allowed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.windows[identityKey("a@example.com", "ip")]
	require.NotNil(t, w)
	assert.Len(t, w.stamps, 2, "rejected attempts must not consume window capacity")
	_, ok := c.attempts["r3"]
	assert.False(t, ok, "rejected attempts must not create breaker records")
}

func TestSweepEvictsStaleState(t *testing.T) {
	c, clk := newTestController(t, Config{
		Window:    time.Minute,
		Capacity:  5,
		RecordTTL: 10 * time.Minute,
	})

	require.True(t, c.Admit("a@example.com", "ip", "r1").Allowed)
	require.True(t, c.Admit("b@example.com", "ip", "r2").Allowed)

	clk.Advance(11 * time.Minute)
	c.sweep()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.windows)
	assert.Empty(t, c.attempts)
}

func TestRetryAfterFloor(t *testing.T) {
	assert.Equal(t, time.Second, rejected(ReasonRateLimited, 0).RetryAfter)
	assert.Equal(t, time.Second, rejected(ReasonCircuitOpen, 3*time.Millisecond).RetryAfter)
}
