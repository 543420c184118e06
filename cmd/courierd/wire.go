package main

import (
	"fmt"
	"time"

	"courier/internal/breaker"
	"courier/internal/channel/sim"
	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/notify"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/retry"
	logx "courier/pkg/logx"
)

// mapLogging converts the file config into logx.Config.
func mapLogging(c config.LoggingConfig) logx.Config {
	lc := logx.Config{Level: c.Level, Console: c.Console}
	lc.File.Enabled = c.File.Enabled
	lc.File.Path = c.File.Path
	return lc
}

// mapDispatch converts the file config into the orchestrator config,
// parsing duration strings and resolving pointer-typed defaults.
func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	var out dispatch.Config

	out.Workers = cfg.Dispatch.Workers
	out.BatchSize = cfg.Dispatch.BatchSize
	out.Queue = queue.Config{TierCapacity: cfg.Dispatch.TierCapacity}
	out.PruneSchedule = cfg.Dispatch.PruneSchedule

	var err error
	out.RecordRetention, err = config.ParseDurationOrDefault("dispatch.record_retention", cfg.Dispatch.RecordRetention, time.Hour)
	if err != nil {
		return out, err
	}

	reset, err := config.ParseDurationField("breaker.reset_timeout", cfg.Breaker.ResetTimeout)
	if err != nil {
		return out, err
	}
	out.Breaker = breaker.Config{
		Threshold:    cfg.Breaker.FailureThreshold,
		ResetTimeout: reset,
	}

	window, err := config.ParseDurationField("rate_limit.refill_window", cfg.RateLimit.RefillWindow)
	if err != nil {
		return out, err
	}
	out.RateLimit = ratelimit.Config{
		Capacity:     cfg.RateLimit.Capacity,
		RefillWindow: window,
		MaxKeys:      cfg.RateLimit.MaxKeys,
	}
	out.DeferOnThrottle = cfg.RateLimit.DeferOnDeny == nil || *cfg.RateLimit.DeferOnDeny
	if g := cfg.RateLimit.Global; g != nil {
		gw, err := config.ParseDurationField("rate_limit.global.refill_window", g.RefillWindow)
		if err != nil {
			return out, err
		}
		out.GlobalRate = &ratelimit.Config{Capacity: g.Capacity, RefillWindow: gw}
	}

	base, err := config.ParseDurationField("retry.base_delay", cfg.Retry.BaseDelay)
	if err != nil {
		return out, err
	}
	maxD, err := config.ParseDurationField("retry.max_delay", cfg.Retry.MaxDelay)
	if err != nil {
		return out, err
	}
	out.Retry = retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   base,
		MaxDelay:    maxD,
	}
	if cfg.Retry.Exponential != nil && !*cfg.Retry.Exponential {
		out.Retry.Backoff = retry.BackoffFixed
	}
	if cfg.Retry.Jitter != nil {
		j := *cfg.Retry.Jitter
		if j < 0 {
			out.Retry.Jitter = -1
		} else {
			out.Retry.Jitter = j
		}
	}
	return out, nil
}

// buildChannels constructs the simulated channels courierd delivers through.
func buildChannels(cfg *config.Config) ([]notify.Channel, error) {
	chans := make([]notify.Channel, 0, len(cfg.Channels))
	seen := map[string]bool{}
	for i, cc := range cfg.Channels {
		if cc.Type == "" {
			return nil, fmt.Errorf("channels[%d]: type is required", i)
		}
		if seen[cc.Type] {
			return nil, fmt.Errorf("channels[%d]: duplicate type %q", i, cc.Type)
		}
		seen[cc.Type] = true

		lat, err := config.ParseDurationField(fmt.Sprintf("channels[%d].latency", i), cc.Latency)
		if err != nil {
			return nil, err
		}
		rate := 1.0
		if cc.SuccessRate != nil {
			rate = *cc.SuccessRate
		}
		chans = append(chans, sim.New(sim.Config{
			Type:        cc.Type,
			SuccessRate: rate,
			Latency:     lat,
			MaxRetries:  cc.MaxRetries,
		}))
	}
	return chans, nil
}
