// Package admission decides whether an inbound request may proceed, keyed by
// a caller-supplied identity. It keeps a sliding window of request times per
// identity and escalates persistent offenders into a temporary block.
package admission

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"warden/pkg/clock"
)

const (
	DefaultBlockMultiplier = 2
	DefaultBlockCooldown   = 300 * time.Second
)

type Decision struct {
	Allowed      bool
	Count        int
	Limit        int
	Remaining    int
	ResetAt      time.Time
	BlockedUntil time.Time
}

type record struct {
	times        []time.Time
	blockedUntil time.Time
}

type Controller struct {
	mu         sync.Mutex
	clock      clock.Clock
	records    map[string]*record
	bounded    *lru.Cache[string, *record]
	multiplier int
	cooldown   time.Duration
}

type Option func(*Controller)

// WithBlockPolicy sets the repeat-offender threshold (multiplier × limit) and
// the cooldown applied once it is crossed.
func WithBlockPolicy(multiplier int, cooldown time.Duration) Option {
	return func(c *Controller) {
		if multiplier > 0 {
			c.multiplier = multiplier
		}
		if cooldown > 0 {
			c.cooldown = cooldown
		}
	}
}

// WithMaxIdentities bounds the identity map with LRU eviction. Zero leaves it
// unbounded, which is safe only against a non-adversarial population.
func WithMaxIdentities(n int) Option {
	return func(c *Controller) {
		if n <= 0 {
			return
		}
		bounded, err := lru.New[string, *record](n)
		if err != nil {
			return
		}
		c.bounded = bounded
		c.records = nil
	}
}

func New(c clock.Clock, opts ...Option) *Controller {
	if c == nil {
		c = clock.System()
	}
	ctrl := &Controller{
		clock:      c,
		records:    make(map[string]*record),
		multiplier: DefaultBlockMultiplier,
		cooldown:   DefaultBlockCooldown,
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	return ctrl
}

// Allow admits or denies one request for identity under limit requests per
// window. Denied attempts are still recorded so an identity hammering past
// its budget crosses the block threshold; a blocked identity is denied
// without touching its window state.
func (c *Controller) Allow(identity string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.get(identity)
	if now.Before(rec.blockedUntil) {
		return Decision{
			Allowed:      false,
			Count:        len(rec.times),
			Limit:        limit,
			ResetAt:      rec.blockedUntil,
			BlockedUntil: rec.blockedUntil,
		}
	}
	rec.blockedUntil = time.Time{}
	rec.purge(now, window)

	if len(rec.times) < limit {
		rec.times = append(rec.times, now)
		return Decision{
			Allowed:   true,
			Count:     len(rec.times),
			Limit:     limit,
			Remaining: limit - len(rec.times),
			ResetAt:   rec.times[0].Add(window),
		}
	}

	rec.times = append(rec.times, now)
	d := Decision{
		Allowed: false,
		Count:   len(rec.times),
		Limit:   limit,
		ResetAt: rec.times[0].Add(window),
	}
	if len(rec.times) > c.multiplier*limit {
		rec.blockedUntil = now.Add(c.cooldown)
		d.BlockedUntil = rec.blockedUntil
		d.ResetAt = rec.blockedUntil
	}
	return d
}

// ResetAfter reports how long until the oldest retained timestamp leaves the
// window, zero when the identity has no retained requests.
func (c *Controller) ResetAfter(identity string, window time.Duration) time.Duration {
	if window <= 0 {
		window = time.Minute
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.lookup(identity)
	if !ok {
		return 0
	}
	rec.purge(now, window)
	if len(rec.times) == 0 {
		return 0
	}
	d := rec.times[0].Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Identities reports how many identities currently hold state.
func (c *Controller) Identities() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bounded != nil {
		return c.bounded.Len()
	}
	return len(c.records)
}

func (c *Controller) get(identity string) *record {
	if rec, ok := c.lookup(identity); ok {
		return rec
	}
	rec := &record{}
	if c.bounded != nil {
		c.bounded.Add(identity, rec)
	} else {
		c.records[identity] = rec
	}
	return rec
}

func (c *Controller) lookup(identity string) (*record, bool) {
	if c.bounded != nil {
		return c.bounded.Get(identity)
	}
	rec, ok := c.records[identity]
	return rec, ok
}

// purge keeps only timestamps strictly younger than the window.
func (r *record) purge(now time.Time, window time.Duration) {
	keep := r.times[:0]
	for _, ts := range r.times {
		if now.Sub(ts) < window {
			keep = append(keep, ts)
		}
	}
	r.times = keep
}
