// Package breaker isolates failing delivery channels.
//
// One Breaker per channel type, owned by a Registry that the dispatcher
// creates at construction and tears down with the process. A channel that
// fails Threshold times in a row stops being contacted until ResetTimeout
// elapses; the first call after that runs as a half-open trial.
package breaker

import (
	"sync"
	"time"

	logx "courier/pkg/logx"
)

// State is the breaker's position in the closed/open/half-open machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds breaker tuning. Zero values take defaults in New.
type Config struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int
	// ResetTimeout is how long an open breaker waits before admitting a trial.
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	return c
}

// Snapshot is a point-in-time view for observability getters.
type Snapshot struct {
	Channel      string
	State        State
	Failures     int
	LastFailure  time.Time
	Threshold    int
	ResetTimeout time.Duration
}

// Breaker is the per-channel state machine.
//
// Half-open admits a single in-flight trial: while one trial is outstanding,
// CanExecute returns false for everyone else, so a recovering channel is never
// flooded the moment the reset timeout elapses. The trial slot is released by
// the next RecordSuccess, RecordFailure or ReleaseTrial.
type Breaker struct {
	mu sync.Mutex

	channel string
	cfg     Config
	log     logx.Logger

	state       State
	failures    int
	lastFailure time.Time
	trialActive bool

	now func() time.Time
}

func New(channel string, cfg Config, log logx.Logger) *Breaker {
	return &Breaker{
		channel: channel,
		cfg:     cfg.withDefaults(),
		log:     log,
		state:   StateClosed,
		now:     time.Now,
	}
}

// CanExecute reports whether the channel may be contacted right now.
//
// Open breakers transition to half-open as a side effect once the reset
// timeout has elapsed; the caller that observes the flip owns the trial.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.trialActive = true
		b.log.Info("breaker half-open, admitting trial", logx.String("channel", b.channel))
		return true
	default: // half-open
		if b.trialActive {
			return false
		}
		b.trialActive = true
		return true
	}
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialActive = false
	if b.state != StateClosed {
		b.log.Info("breaker closed", logx.String("channel", b.channel), logx.String("prev", b.state.String()))
		b.state = StateClosed
	}
}

// ReleaseTrial frees the half-open trial slot without touching the failure
// streak. Used when an admitted attempt fails for reasons that are not the
// channel's fault (validation, permission).
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	b.trialActive = false
	b.mu.Unlock()
}

// RecordFailure bumps the streak and opens the breaker when the threshold is
// reached, or immediately when a half-open trial fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.trialActive = false

	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.Threshold) {
		if b.state != StateOpen {
			b.log.Warn("breaker opened",
				logx.String("channel", b.channel),
				logx.Int("failures", b.failures),
				logx.Duration("reset_timeout", b.cfg.ResetTimeout),
			)
		}
		b.state = StateOpen
	}
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Channel:      b.channel,
		State:        b.state,
		Failures:     b.failures,
		LastFailure:  b.lastFailure,
		Threshold:    b.cfg.Threshold,
		ResetTimeout: b.cfg.ResetTimeout,
	}
}
