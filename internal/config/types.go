package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full courierd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Breaker   BreakerConfig   `json:"breaker,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Retry     RetryConfig     `json:"retry,omitempty"`
	Channels  []ChannelConfig `json:"channels,omitempty"`
	Demo      *DemoConfig     `json:"demo,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// DispatchConfig controls the orchestrator.
//
// Defaults (when fields are omitted/zero):
//   - workers: 10
//   - batch_size: 32
//   - tier_capacity: 10000
//   - prune_schedule: "0 * * * *" (hourly)
//   - record_retention: "1h"
type DispatchConfig struct {
	Workers int `json:"workers,omitempty"`
	// BatchSize caps how many requests one drain pass pulls from the queue.
	BatchSize    int `json:"batch_size,omitempty"`
	TierCapacity int `json:"tier_capacity,omitempty"`

	// PruneSchedule is a cron spec for dropping old terminal delivery records.
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// RecordRetention is how long a terminal record survives before pruning.
	RecordRetention string `json:"record_retention,omitempty"`
}

// BreakerConfig controls the per-channel circuit breakers.
//
// Defaults: failure_threshold 5, reset_timeout "60s".
type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	ResetTimeout     string `json:"reset_timeout,omitempty"`
}

// RateLimitConfig controls the per-recipient token buckets and the optional
// global bucket.
//
// Defaults: capacity 60, refill_window "60s", max_keys 10000,
// defer_on_deny true.
type RateLimitConfig struct {
	Capacity     int    `json:"capacity,omitempty"`
	RefillWindow string `json:"refill_window,omitempty"`
	MaxKeys      int    `json:"max_keys,omitempty"`

	// DeferOnDeny re-schedules throttled requests for the bucket's reset time
	// instead of failing them fast. Pointer so "omitted" defaults to true.
	DeferOnDeny *bool `json:"defer_on_deny,omitempty"`

	// Global, when present, adds a process-wide bucket consulted in addition
	// to the per-recipient one.
	Global *GlobalRateLimitConfig `json:"global,omitempty"`
}

type GlobalRateLimitConfig struct {
	Capacity     int    `json:"capacity,omitempty"`
	RefillWindow string `json:"refill_window,omitempty"`
}

// RetryConfig controls the retry policy.
//
// Defaults: max_attempts 3, base_delay "5s", max_delay "300s",
// exponential true, jitter 0.25.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`

	// Exponential is a pointer so "omitted" defaults to true.
	Exponential *bool `json:"exponential,omitempty"`
	// Jitter is the ± fraction applied to delays; negative disables.
	Jitter *float64 `json:"jitter,omitempty"`
}

// ChannelConfig describes one simulated channel for courierd. Real transports
// implement notify.Channel out of tree and are wired programmatically.
type ChannelConfig struct {
	Type string `json:"type"`
	// SuccessRate in [0,1]; 1 when omitted.
	SuccessRate *float64 `json:"success_rate,omitempty"`
	// Latency simulates the network round trip (duration string).
	Latency    string `json:"latency,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// DemoConfig gates the built-in load generator. Off by default.
type DemoConfig struct {
	Enabled    bool     `json:"enabled"`
	Interval   string   `json:"interval,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// ParseDurationField parses one of the duration-string fields above. Empty
// input means "not set" and yields zero, so component constructors can apply
// their own defaults. Errors name the offending field.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: cannot parse %q as a duration: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative durations are not allowed", field)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset field.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
