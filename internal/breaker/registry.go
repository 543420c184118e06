package breaker

import (
	"strings"
	"sync"

	logx "courier/pkg/logx"
)

// Registry owns one Breaker per channel type, created lazily on first use.
// Different channels never contend on each other's breaker lock.
type Registry struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	m   map[string]*Breaker
}

func NewRegistry(cfg Config, log logx.Logger) *Registry {
	return &Registry{
		cfg: cfg.withDefaults(),
		log: log,
		m:   make(map[string]*Breaker),
	}
}

// Get returns the breaker for a channel, creating it on first use.
// Returns nil for a blank channel name.
func (r *Registry) Get(channel string) *Breaker {
	key := strings.TrimSpace(channel)
	if key == "" {
		return nil
	}

	r.mu.Lock()
	b := r.m[key]
	if b == nil {
		b = New(key, r.cfg, r.log)
		r.m[key] = b
	}
	r.mu.Unlock()
	return b
}

// Apply swaps the config used for breakers created from now on. Existing
// breakers keep their tuning; streak state is not worth disturbing mid-flight.
func (r *Registry) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// Snapshot returns a view of every known breaker, for observability.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	return out
}
