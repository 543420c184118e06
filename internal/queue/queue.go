// Package queue holds pending requests in a strict-priority multi-queue:
// one FIFO per tier, drained highest-first.
//
// Capacity is per tier and rejection is explicit (Enqueue returns false) so
// callers see backpressure instead of silent drops. Strict priority means no
// anti-starvation guarantee: sustained CRITICAL load will starve LOW; callers
// who care should shard dispatchers.
package queue

import (
	"sync"

	"courier/internal/notify"
)

// Config holds queue tuning. Zero values take defaults in New.
type Config struct {
	// TierCapacity bounds each tier's FIFO (default 10,000).
	TierCapacity int
}

func (c Config) withDefaults() Config {
	if c.TierCapacity <= 0 {
		c.TierCapacity = 10_000
	}
	return c
}

// Manager is the multi-queue. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	tiers map[notify.Priority][]*notify.Request
}

func New(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg.withDefaults(),
		tiers: make(map[notify.Priority][]*notify.Request, len(notify.Tiers)),
	}
}

// Enqueue appends the request to its tier's FIFO. Returns false when the tier
// is at capacity; the request is not admitted.
func (m *Manager) Enqueue(req *notify.Request) bool {
	if req == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.tiers[req.Priority]
	if len(q) >= m.cfg.TierCapacity {
		return false
	}
	m.tiers[req.Priority] = append(q, req)
	return true
}

// DequeueBatch drains up to maxSize requests, strictly highest tier first,
// FIFO within a tier. Returns nil when everything is empty.
func (m *Manager) DequeueBatch(maxSize int) []*notify.Request {
	if maxSize <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*notify.Request
	for _, tier := range notify.Tiers {
		q := m.tiers[tier]
		if len(q) == 0 {
			continue
		}
		n := maxSize - len(out)
		if n > len(q) {
			n = len(q)
		}
		out = append(out, q[:n]...)

		rest := q[n:]
		if len(rest) == 0 {
			delete(m.tiers, tier)
		} else {
			// Copy down so the backing array does not pin dequeued requests.
			m.tiers[tier] = append(q[:0], rest...)
		}
		if len(out) >= maxSize {
			break
		}
	}
	return out
}

// Len reports the total number of queued requests across all tiers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, q := range m.tiers {
		total += len(q)
	}
	return total
}

// TierLen reports the queued count for one tier.
func (m *Manager) TierLen(p notify.Priority) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tiers[p])
}

// Apply swaps the capacity used for future admissions. Tiers already over the
// new capacity keep their contents and simply stop admitting.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}
