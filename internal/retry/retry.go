// Package retry decides whether and when a failed delivery is attempted again.
//
// Delays follow min(MaxDelay, BaseDelay*2^(n-1)) with multiplicative jitter,
// so a burst of failures does not re-arrive as a synchronized burst of
// retries. History is append-only per request and retrievable for audit.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"courier/internal/notify"
)

// Backoff selects the delay curve.
type Backoff int

const (
	BackoffExponential Backoff = iota
	BackoffFixed
)

// Config holds retry tuning. Zero durations/counts take defaults in New.
type Config struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 5s
	MaxDelay    time.Duration // default 300s
	Backoff     Backoff
	// Jitter is the ± fraction applied multiplicatively to each delay.
	// 0 takes the default 0.25 (i.e. [0.75, 1.25]); negative disables jitter.
	Jitter float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 300 * time.Second
	}
	if c.Jitter == 0 {
		c.Jitter = 0.25
	}
	return c
}

// Attempt is one scheduled retry. Numbers are 1-based.
type Attempt struct {
	RequestID    string
	Number       int
	ScheduledFor time.Time
	Reason       string
	Class        notify.ErrorClass
}

// Manager tracks per-request retry history and applies the backoff policy.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	histories map[string][]Attempt
	rng       *rand.Rand
	now       func() time.Time
}

func New(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		histories: make(map[string][]Attempt),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// ShouldRetry reports whether the request still has retry budget and the
// failure class is retryable at all.
func (m *Manager) ShouldRetry(requestID string, class notify.ErrorClass) bool {
	if !class.Retryable() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.histories[requestID]) < m.cfg.MaxAttempts
}

// ShouldRetryCapped is ShouldRetry with an additional per-request ceiling,
// used when a channel advertises a tighter retry budget than the policy
// default. A ceiling <= 0 means the policy budget alone applies.
func (m *Manager) ShouldRetryCapped(requestID string, class notify.ErrorClass, ceiling int) bool {
	if !class.Retryable() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := m.cfg.MaxAttempts
	if ceiling > 0 && ceiling < limit {
		limit = ceiling
	}
	return len(m.histories[requestID]) < limit
}

// Schedule computes the next attempt for the request, appends it to the
// history, and returns it with an absolute fire time.
//
// Callers gate on ShouldRetry first; Schedule itself does not re-check the
// budget so the audit trail can record over-budget decisions if a caller
// chooses to force one.
func (m *Manager) Schedule(requestID, reason string, class notify.ErrorClass) Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.histories[requestID]) + 1
	a := Attempt{
		RequestID:    requestID,
		Number:       n,
		ScheduledFor: m.now().Add(m.delayLocked(n)),
		Reason:       reason,
		Class:        class,
	}
	m.histories[requestID] = append(m.histories[requestID], a)
	return a
}

// History returns a copy of the request's attempts, oldest first.
func (m *Manager) History(requestID string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.histories[requestID]
	out := make([]Attempt, len(h))
	copy(out, h)
	return out
}

// Forget drops the request's history. Called when its record is pruned so the
// map does not grow for the life of the process.
func (m *Manager) Forget(requestID string) {
	m.mu.Lock()
	delete(m.histories, requestID)
	m.mu.Unlock()
}

// Apply swaps the policy at runtime. In-flight histories are kept.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) delayLocked(attempt int) time.Duration {
	d := m.cfg.BaseDelay
	if m.cfg.Backoff == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= m.cfg.MaxDelay {
				d = m.cfg.MaxDelay
				break
			}
		}
	}
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	if j := m.cfg.Jitter; j > 0 {
		r := (m.rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > m.cfg.MaxDelay {
			d = m.cfg.MaxDelay
		}
	}
	return d
}
