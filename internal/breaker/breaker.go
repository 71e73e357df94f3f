// Package breaker implements the process-wide health gate in front of the
// image generation service.
//
// The breaker counts consecutive slow and failed attempts. When either count
// reaches its threshold the breaker opens for a fixed cooldown, during which
// callers must skip the real generator and serve a fallback instead. Opening
// is purely time based: there is no half-open probe, the breaker is simply
// closed again once the cooldown has elapsed.
package breaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Path distinguishes request kinds that trip the breaker at different
// failure thresholds.
type Path string

const (
	PathFresh    Path = "fresh"
	PathMutation Path = "mutation"
)

// Config holds the breaker thresholds.
type Config struct {
	// Cooldown is how long the breaker stays open once tripped.
	Cooldown time.Duration

	// SlowThreshold is the number of consecutive deadline overruns that
	// opens the breaker.
	SlowThreshold int

	// FreshFailThreshold and MutationFailThreshold are the consecutive
	// failure counts that open the breaker for fresh and derived requests.
	FreshFailThreshold    int
	MutationFailThreshold int
}

// DefaultConfig returns a cooldown of 2 minutes, opening after 2 slow
// attempts, 5 failed fresh generations or 2 failed mutations.
func DefaultConfig() Config {
	return Config{
		Cooldown:              2 * time.Minute,
		SlowThreshold:         2,
		FreshFailThreshold:    5,
		MutationFailThreshold: 2,
	}
}

// State is a point-in-time copy of the breaker fields.
type State struct {
	Open      bool      `json:"open"`
	OpenUntil time.Time `json:"openUntil"`
	SlowCount int       `json:"slowCount"`
	FailCount int       `json:"failCount"`
}

// Breaker is safe for concurrent use. Counter updates and the threshold
// check that follows them happen in one critical section; IsOpen reads the
// deadline without taking the lock.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	slowCount int
	failCount int

	// openUntil is a unix-nano timestamp, written only while mu is held.
	openUntil atomic.Int64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker. Zero config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	if cfg.FreshFailThreshold <= 0 {
		cfg.FreshFailThreshold = def.FreshFailThreshold
	}
	if cfg.MutationFailThreshold <= 0 {
		cfg.MutationFailThreshold = def.MutationFailThreshold
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the thresholds in effect.
func (b *Breaker) Config() Config {
	return b.cfg
}

// IsOpen reports whether the cooldown is still running. It never blocks.
func (b *Breaker) IsOpen() bool {
	until := b.openUntil.Load()
	return until != 0 && b.now().UnixNano() < until
}

// RecordSlow notes an attempt that overran its deadline and reports whether
// this tripped the breaker.
func (b *Breaker) RecordSlow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.slowCount++
	if b.slowCount >= b.cfg.SlowThreshold {
		b.tripLocked("slow")
		return true
	}
	return false
}

// RecordFailure notes a generator error on the given path and reports
// whether this tripped the breaker. Cancellations must not be recorded.
func (b *Breaker) RecordFailure(path Path) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failCount++
	if b.failCount >= b.threshold(path) {
		b.tripLocked("failures")
		return true
	}
	return false
}

// RecordSuccess calms the breaker after a completed attempt. The slow count
// always resets; the failure count only when the attempt beat its deadline.
func (b *Breaker) RecordSuccess(elapsed, deadline time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.slowCount = 0
	if elapsed < deadline {
		b.failCount = 0
	}
}

// Reset closes the breaker and clears both counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.openUntil.Store(0)
	b.slowCount = 0
	b.failCount = 0
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := State{
		Open:      b.IsOpen(),
		SlowCount: b.slowCount,
		FailCount: b.failCount,
	}
	if until := b.openUntil.Load(); until != 0 {
		s.OpenUntil = time.Unix(0, until)
	}
	return s
}

func (b *Breaker) threshold(path Path) int {
	if path == PathMutation {
		return b.cfg.MutationFailThreshold
	}
	return b.cfg.FreshFailThreshold
}

// tripLocked opens the breaker for the cooldown and zeroes the counters, so
// they describe activity since the breaker last reset. Caller holds mu.
func (b *Breaker) tripLocked(cause string) {
	until := b.now().Add(b.cfg.Cooldown)
	b.openUntil.Store(until.UnixNano())
	b.slowCount = 0
	b.failCount = 0
	slog.Warn("circuit breaker opened", "cause", cause, "open_until", until.Format(time.RFC3339))
}
