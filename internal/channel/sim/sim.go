// Package sim provides simulated delivery channels for courierd and tests.
// Real transports (SMTP, FCM, webhooks, chat APIs) implement notify.Channel
// out of tree; these stand-ins fail at a configured rate and sleep for a
// configured latency to mimic a network round trip.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"courier/internal/notify"
)

type Config struct {
	Type string
	// SuccessRate in [0,1]; out-of-range values clamp.
	SuccessRate float64
	Latency     time.Duration
	MaxRetries  int
}

// Channel is a scripted notify.Channel.
type Channel struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand

	seq uint64
}

func New(cfg Config) *Channel {
	if cfg.SuccessRate < 0 {
		cfg.SuccessRate = 0
	}
	if cfg.SuccessRate > 1 {
		cfg.SuccessRate = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Channel{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed swaps the RNG source so tests get deterministic outcomes.
func (c *Channel) Seed(seed int64) {
	c.mu.Lock()
	c.rng = rand.New(rand.NewSource(seed))
	c.mu.Unlock()
}

func (c *Channel) AttemptDelivery(ctx context.Context, req notify.Request) notify.AttemptResult {
	if c.cfg.Latency > 0 {
		t := time.NewTimer(c.cfg.Latency)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return notify.AttemptResult{
				Channel:   c.cfg.Type,
				Class:     notify.ClassTransient,
				Reason:    "attempt timed out",
				Timestamp: time.Now(),
			}
		case <-t.C:
		}
	}

	c.mu.Lock()
	roll := c.rng.Float64()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	if roll >= c.cfg.SuccessRate {
		return notify.AttemptResult{
			Channel:   c.cfg.Type,
			Class:     notify.ClassTransient,
			Reason:    "simulated provider error",
			Timestamp: time.Now(),
		}
	}
	return notify.AttemptResult{
		Channel:    c.cfg.Type,
		Success:    true,
		Timestamp:  time.Now(),
		ProviderID: fmt.Sprintf("%s-%d", c.cfg.Type, seq),
	}
}

func (c *Channel) ChannelType() string { return c.cfg.Type }
func (c *Channel) IsAvailable() bool   { return true }
func (c *Channel) MaxRetries() int     { return c.cfg.MaxRetries }
