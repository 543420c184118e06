// Package ratelimit governs per-recipient (and optionally global) delivery
// throughput with token buckets.
//
// Each key owns an independent rate.Limiter, so distinct recipients never
// contend on a shared lock. Buckets are created lazily and evicted
// least-recently-used once the key count passes Config.MaxKeys, keeping the
// table bounded for the life of the process.
package ratelimit

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds bucket tuning. Zero values take defaults in New.
type Config struct {
	// Capacity is the bucket size (burst) in tokens.
	Capacity int
	// RefillWindow is the time an empty bucket takes to refill completely.
	// Capacity 60 with a 60s window is 1 token/sec.
	RefillWindow time.Duration
	// MaxKeys bounds the number of live buckets; least-recently-used keys
	// are evicted past this.
	MaxKeys int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 60
	}
	if c.RefillWindow <= 0 {
		c.RefillWindow = time.Minute
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = 10_000
	}
	return c
}

func (c Config) limit() rate.Limit {
	return rate.Limit(float64(c.Capacity) / c.RefillWindow.Seconds())
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the whole-token balance after a successful consume.
	Remaining int
	// ResetAt is when enough tokens will exist for the denied cost.
	ResetAt time.Time
}

type bucket struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

// Limiter is the per-key bucket table.
type Limiter struct {
	mu  sync.Mutex
	cfg Config

	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	now func() time.Time
}

type lruEntry struct {
	key string
	b   *bucket
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// Allow atomically refills the key's bucket and tries to consume cost tokens.
// A denial leaves the balance untouched (beyond the refill) and reports when
// the cost would next be available.
func (l *Limiter) Allow(key string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	b := l.bucket(key)

	// Serialize per bucket: the reserve/cancel pair below must not interleave
	// with another caller's consume on the same key.
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	if b.lim.AllowN(now, cost) {
		return Decision{Allowed: true, Remaining: int(b.lim.TokensAt(now))}
	}

	// Reserve purely to learn the wait, then hand the tokens straight back.
	res := b.lim.ReserveN(now, cost)
	resetAt := now.Add(res.DelayFrom(now))
	res.CancelAt(now)
	return Decision{Allowed: false, ResetAt: resetAt}
}

// Apply swaps the tuning for buckets created from now on and re-caps the
// table. Existing buckets keep their fill state.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.evictLocked()
	l.mu.Unlock()
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) bucket(key string) *bucket {
	k := strings.TrimSpace(key)
	if k == "" {
		k = "default"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[k]; ok {
		l.lru.MoveToFront(el)
		return el.Value.(*lruEntry).b
	}

	b := &bucket{lim: rate.NewLimiter(l.cfg.limit(), l.cfg.Capacity)}
	l.entries[k] = l.lru.PushFront(&lruEntry{key: k, b: b})
	l.evictLocked()
	return b
}

func (l *Limiter) evictLocked() {
	for len(l.entries) > l.cfg.MaxKeys {
		el := l.lru.Back()
		if el == nil {
			return
		}
		l.lru.Remove(el)
		delete(l.entries, el.Value.(*lruEntry).key)
	}
}
