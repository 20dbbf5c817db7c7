// Package admission decides whether an archive request may begin processing
// at all. It combines an identity-keyed sliding rate window with a
// per-request-id circuit breaker, so neither flooding with fresh request ids
// nor hammering one id can re-trigger the pipeline.
package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reason identifies why a request was turned away.
type Reason string

const (
	ReasonRateLimited Reason = "rate_limited"
	ReasonCircuitOpen Reason = "circuit_open"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// Config bounds the two admission checks.
type Config struct {
	// Window is the sliding rate window keyed by requester identity.
	Window time.Duration
	// Capacity is the number of admissions allowed inside one window.
	Capacity int
	// BackoffBase is the wait required before the first retry of a request id;
	// each further retry doubles it.
	BackoffBase time.Duration
	// MaxAttempts is the number of admissions of one request id before the
	// breaker opens for good.
	MaxAttempts int
	// RecordTTL is how long an exhausted request id stays blocked.
	RecordTTL time.Duration
	// SweepInterval is how often the janitor evicts stale entries.
	SweepInterval time.Duration
}

// DefaultConfig returns the admission limits used in production.
func DefaultConfig() Config {
	return Config{
		Window:        time.Minute,
		Capacity:      5,
		BackoffBase:   2 * time.Second,
		MaxAttempts:   3,
		RecordTTL:     30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

type window struct {
	stamps []time.Time
}

type attemptRecord struct {
	attempts      int
	lastAttemptAt time.Time
}

// Controller owns the process-wide admission state. All mutation goes through
// one mutex; stale entries are pruned lazily on access and swept by a janitor.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	windows  map[string]*window
	attempts map[string]*attemptRecord

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Controller and starts its eviction janitor.
func New(cfg Config, logger *zap.Logger) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		windows:  make(map[string]*window),
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.janitor()

	return c
}

// Admit checks both limits for one incoming request. The rate window is keyed
// by requester identity only, so minting a fresh request id for every attempt
// does not reset it. Only an allowed decision records state.
func (c *Controller) Admit(requesterEmail, clientIdentity, requestID string) Decision {
	now := c.now()
	key := identityKey(requesterEmail, clientIdentity)

	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.windows[key]
	if w == nil {
		w = &window{}
		c.windows[key] = w
	}
	w.prune(now, c.cfg.Window)

	if len(w.stamps) >= c.cfg.Capacity {
		remaining := w.stamps[0].Add(c.cfg.Window).Sub(now)
		return rejected(ReasonRateLimited, remaining)
	}

	rec := c.attempts[requestID]
	if rec != nil && now.Sub(rec.lastAttemptAt) >= c.cfg.RecordTTL {
		delete(c.attempts, requestID)
		rec = nil
	}
	if rec != nil {
		if rec.attempts >= c.cfg.MaxAttempts {
			remaining := rec.lastAttemptAt.Add(c.cfg.RecordTTL).Sub(now)
			return rejected(ReasonCircuitOpen, remaining)
		}
		// Retry n of the same id must wait base * 2^(n-1).
		wait := c.cfg.BackoffBase << (rec.attempts - 1)
		if elapsed := now.Sub(rec.lastAttemptAt); elapsed < wait {
			return rejected(ReasonCircuitOpen, wait-elapsed)
		}
	} else {
		rec = &attemptRecord{}
		c.attempts[requestID] = rec
	}

	w.stamps = append(w.stamps, now)
	rec.attempts++
	rec.lastAttemptAt = now

	return Decision{Allowed: true}
}

// Close stops the eviction janitor.
func (c *Controller) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) janitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Controller) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, w := range c.windows {
		w.prune(now, c.cfg.Window)
		if len(w.stamps) == 0 {
			delete(c.windows, key)
			evicted++
		}
	}
	for id, rec := range c.attempts {
		if now.Sub(rec.lastAttemptAt) >= c.cfg.RecordTTL {
			delete(c.attempts, id)
			evicted++
		}
	}

	if evicted > 0 {
		c.logger.Debug("admission sweep evicted stale entries",
			zap.Int("evicted", evicted),
			zap.Int("windows", len(c.windows)),
			zap.Int("attempt_records", len(c.attempts)),
		)
	}
}

func (w *window) prune(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for ; i < len(w.stamps); i++ {
		if w.stamps[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func rejected(reason Reason, retryAfter time.Duration) Decision {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// identityKey hashes the requester email and network identity into the rate
// window key. The request id is deliberately excluded.
func identityKey(email, identity string) string {
	composite := fmt.Sprintf("%s|%s", strings.ToLower(strings.TrimSpace(email)), identity)
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}
