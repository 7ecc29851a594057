package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// Decision is the limiter's answer for one prospective send.
type Decision int

const (
	// Allowed: under the ceiling, proceed.
	Allowed Decision = iota
	// Limited: ceiling reached for the current window.
	Limited
	// Unknown: the store could not answer. Callers skip the send rather
	// than risk breaching the ceiling on stale information.
	Unknown
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Limited:
		return "limited"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}

type Config struct {
	// Window is the fixed accounting window. Counters reset at window
	// boundaries, not on a sliding horizon.
	Window time.Duration

	// Ceilings maps recipient tier to max sends per window. Tiers missing
	// from the map fall back to DefaultCeiling.
	Ceilings map[string]int

	DefaultCeiling int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.DefaultCeiling <= 0 {
		c.DefaultCeiling = 30
	}
	return c
}

// Limiter answers whether a recipient may receive another message in the
// current window. Check and Register are intentionally separate calls: the
// counter only moves for sends that actually happened, and the small
// check/increment race is accepted (an occasional overshoot by one beats
// holding a distributed lock per send).
type Limiter struct {
	cfg   Config
	store Store
	log   logx.Logger

	breaker *breaker

	// now is swappable for window-boundary tests.
	now func() time.Time
}

func NewLimiter(cfg Config, store Store, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		cfg:     cfg.withDefaults(),
		store:   store,
		log:     log,
		breaker: newBreaker(breakerConfig{}),
		now:     time.Now,
	}
}

// Check reports whether recipient may be sent to right now. It does not
// consume budget; call Register after a successful send.
func (l *Limiter) Check(ctx context.Context, recipientID int64, tier string) Decision {
	if open, until := l.breaker.isOpen(l.now()); open {
		l.log.Debug("rate limit store circuit open",
			logx.Int64("recipient", recipientID),
			logx.Time("until", until))
		return Unknown
	}

	n, err := l.store.Count(ctx, l.key(recipientID))
	l.breaker.record(l.now(), err)
	if err != nil {
		l.log.Warn("rate limit count failed", logx.Int64("recipient", recipientID), logx.Err(err))
		return Unknown
	}

	if n >= int64(l.ceiling(tier)) {
		return Limited
	}
	return Allowed
}

// Register counts one completed send against the recipient's window.
// Failures are logged and swallowed: a send that already happened must not
// be reported as failed because bookkeeping hiccuped.
func (l *Limiter) Register(ctx context.Context, recipientID int64) {
	if open, _ := l.breaker.isOpen(l.now()); open {
		return
	}
	_, err := l.store.Incr(ctx, l.key(recipientID), l.ttl())
	l.breaker.record(l.now(), err)
	if err != nil {
		l.log.Warn("rate limit increment failed", logx.Int64("recipient", recipientID), logx.Err(err))
	}
}

func (l *Limiter) ceiling(tier string) int {
	if n, ok := l.cfg.Ceilings[tier]; ok && n > 0 {
		return n
	}
	return l.cfg.DefaultCeiling
}

// key pins the counter to the current window: the window index is part of
// the key, so a new window starts from zero without any explicit reset.
// Indexing in nanoseconds keeps sub-second windows well defined.
func (l *Limiter) key(recipientID int64) string {
	window := l.now().UnixNano() / int64(l.cfg.Window)
	return "relay:rl:" + strconv.FormatInt(recipientID, 10) + ":" + strconv.FormatInt(window, 10)
}

// ttl outlives the window slightly so a count written at the window's edge
// still expires after the window it belongs to.
func (l *Limiter) ttl() time.Duration {
	return l.cfg.Window + time.Minute
}

// breaker is a consecutive-failure circuit for the limiter's store: after
// trip failures in a row it opens for an exponentially growing cooldown, and
// an old failure streak is forgotten after resetAfter of quiet.
type breakerConfig struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func (c breakerConfig) withDefaults() breakerConfig {
	if c.trip <= 0 {
		c.trip = 5
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 5 * time.Second
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Minute
	}
	if c.resetAfter <= 0 {
		c.resetAfter = 5 * time.Minute
	}
	return c
}

type breaker struct {
	cfg breakerConfig

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg breakerConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults()}
}

func (b *breaker) isOpen(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeReset(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeReset(now)

	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.trip {
		return
	}

	// Exponential cooldown after tripping.
	d := b.cfg.baseDelay
	for i := 0; i < b.fails-b.cfg.trip; i++ {
		d *= 2
		if d >= b.cfg.maxDelay {
			d = b.cfg.maxDelay
			break
		}
	}
	if d > b.cfg.maxDelay {
		d = b.cfg.maxDelay
	}
	b.openUntil = now.Add(d)
}

// maybeReset forgets a stale failure streak. Callers hold b.mu.
func (b *breaker) maybeReset(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
