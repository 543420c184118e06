package dispatch

import (
	"time"

	"courier/internal/breaker"
	"courier/internal/notify"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/retry"
)

// Config controls the orchestrator.
//
// Zero values take defaults in New. The app layer maps the config file into
// this struct; durations arrive already parsed.
type Config struct {
	// Workers is the size of the dispatch pool (default 10). Channel attempts
	// within one broadcast fan out beyond this, but only Workers requests are
	// in a dispatch pass at once.
	Workers int
	// BatchSize caps how many requests one drain pass pulls from the priority
	// queue (default 32).
	BatchSize int
	// AttemptTimeout bounds a single channel attempt (default 30s).
	AttemptTimeout time.Duration

	Queue   queue.Config
	Breaker breaker.Config
	Retry   retry.Config

	RateLimit ratelimit.Config
	// GlobalRate, when non-nil, adds a process-wide bucket consulted before
	// the per-recipient one.
	GlobalRate *ratelimit.Config
	// DeferOnThrottle re-schedules throttled requests for the bucket reset
	// time instead of failing them fast.
	DeferOnThrottle bool

	// PruneSchedule is a cron spec for dropping old terminal records
	// (default "0 * * * *").
	PruneSchedule string
	// RecordRetention is how long terminal records survive (default 1h).
	RecordRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "0 * * * *"
	}
	if c.RecordRetention <= 0 {
		c.RecordRetention = time.Hour
	}
	return c
}

// BulkHandle reports the fate of a bulk submission.
type BulkHandle struct {
	// IDs are the accepted request ids, in recipient order.
	IDs []string
	// Rejected counts recipients refused by backpressure.
	Rejected int
}

// Event is the payload published on the bus for delivery lifecycle events.
type Event struct {
	RequestID string            `json:"request_id"`
	Recipient string            `json:"recipient,omitempty"`
	Mode      string            `json:"mode,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Class     notify.ErrorClass `json:"class,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	At        time.Time         `json:"at"`
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Workers     int
	QueueLen    int
	TierLens    map[string]int
	LiveBuckets int
	Records     int
	Breakers    []breaker.Snapshot
}
