// Package dispatch composes the delivery primitives into the orchestrator:
// it accepts requests, applies rate limiting and circuit breaking, fans out
// to channels, records outcomes, and schedules retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"courier/internal/breaker"
	"courier/internal/eventbus"
	"courier/internal/notify"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/retry"
	rtsup "courier/internal/runtime/supervisor"
	"courier/internal/tracker"
	logx "courier/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the orchestrator. All shared registries (breakers, buckets,
// records, retry history) are owned here: created at construction, torn down
// with Stop, never ambient globals.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	channels map[string]notify.Channel
	order    []string // registration order; broadcast fans out in this order

	queue    *queue.Manager
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	global   *ratelimit.Limiter // nil when no global bucket is configured
	retries  *retry.Manager
	tracker  *tracker.Tracker

	work     chan *notify.Request
	wake     chan struct{}
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *rtsup.Supervisor
	cron     *cron.Cron
	// parent is the context the pool was first started under; pool restarts
	// (Apply) re-attach to it rather than to the caller's, which may carry an
	// unrelated deadline.
	parent context.Context

	// timers holds pending scheduled-for and retry timers per request id so
	// Cancel can stop them.
	timersMu sync.Mutex
	timers   map[string]*time.Timer

	lastQueueFullWarnAt int64
}

// New builds the orchestrator and its registries. Channels are fixed at
// construction; the registration order defines broadcast fan-out order.
func New(cfg Config, channels []notify.Channel, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		channels: make(map[string]notify.Channel, len(channels)),
		queue:    queue.New(cfg.Queue),
		breakers: breaker.NewRegistry(cfg.Breaker, log.With(logx.String("comp", "breaker"))),
		limiter:  ratelimit.New(cfg.RateLimit),
		retries:  retry.New(cfg.Retry),
		tracker:  tracker.New(),
		wake:     make(chan struct{}, 1),
		timers:   map[string]*time.Timer{},
	}
	if cfg.GlobalRate != nil {
		s.global = ratelimit.New(*cfg.GlobalRate)
	}
	for _, ch := range channels {
		name := strings.TrimSpace(ch.ChannelType())
		if name == "" {
			continue
		}
		if _, dup := s.channels[name]; dup {
			continue
		}
		s.channels[name] = ch
		s.order = append(s.order, name)
	}
	return s
}

// Start spins up the drain loop, the worker pool, and the prune schedule.
// Idempotent; returns immediately if already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg

	s.work = make(chan *notify.Request, cfg.Workers)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.parent = ctx
	stopCh := s.stopCh
	work := s.work

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, work)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	sup.GoRestart("drainer", func(c context.Context) error {
		s.drainer(c, stopCh, work)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("drainer exited unexpectedly")
	})

	s.startPrune(cfg)

	s.log.Info("dispatcher started",
		logx.Int("workers", cfg.Workers),
		logx.Int("batch", cfg.BatchSize),
		logx.Int("known_channels", len(s.order)),
	)
}

// Stop shuts the pipeline down. Queued requests stay queued (and are lost with
// the process); in-flight attempts run to completion bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	cr := s.cron
	s.cron = nil
	s.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	if sup != nil {
		sup.Cancel()
	}
	s.stopTimers()

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.work = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply swaps runtime tuning. Limiter/retry/breaker/queue knobs take effect
// immediately; a worker or batch change restarts the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.queue.Apply(cfg.Queue)
	s.breakers.Apply(cfg.Breaker)
	s.limiter.Apply(cfg.RateLimit)
	s.retries.Apply(cfg.Retry)
	if s.global != nil && cfg.GlobalRate != nil {
		s.global.Apply(*cfg.GlobalRate)
	}

	if running && (prev.Workers != cfg.Workers || prev.BatchSize != cfg.BatchSize) {
		s.mu.Lock()
		parent := s.parent
		s.mu.Unlock()

		// Stop is bounded by the caller's ctx, but the restart must not be: if
		// ctx expires before the teardown goroutine clears the stop state,
		// Start would no-op and the pool would stay down. Wait out the
		// teardown (workers exit promptly on stopCh; the bound is one
		// in-flight attempt), then re-attach to the original parent context.
		s.Stop(ctx)
		s.awaitStopped()
		s.Start(parent)
	}
}

// awaitStopped blocks until an in-flight Stop's teardown has fully completed.
// No-op when no teardown is running.
func (s *Service) awaitStopped() {
	s.mu.Lock()
	done := s.stopDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Submit accepts one request for asynchronous delivery. The returned error is
// the accept/reject decision; delivery outcomes surface via DeliveryStatus,
// Record and the event bus.
func (s *Service) Submit(req notify.Request) (string, error) {
	if s.stopping() {
		return "", ErrStopped
	}
	if err := s.validate(&req); err != nil {
		return "", err
	}

	s.tracker.Accept(req.ID)
	s.publish("delivery.accepted", Event{RequestID: req.ID, Recipient: req.Recipient, Mode: req.Mode.String(), At: req.CreatedAt})

	if !req.ScheduledFor.IsZero() && req.ScheduledFor.After(time.Now()) {
		// Held on a timer; enters the queue at fire time.
		s.holdUntil(&req, req.ScheduledFor)
		return req.ID, nil
	}
	if err := s.enqueue(&req); err != nil {
		// The submission was refused, so the record must go with it: a PENDING
		// leftover would sit in the tracker forever (pruning only reclaims
		// terminal records) and report a status for a request the caller was
		// told does not exist.
		s.tracker.Drop(req.ID)
		return "", err
	}
	return req.ID, nil
}

// SubmitBulk fans one payload out to many recipients as broadcast requests.
// Backpressure applies per recipient; rejected recipients are counted, not
// retried.
func (s *Service) SubmitBulk(recipients []string, payload notify.Payload, prio notify.Priority) (BulkHandle, error) {
	var h BulkHandle
	for _, rcpt := range recipients {
		id, err := s.Submit(notify.Request{
			Recipient: rcpt,
			Payload:   payload,
			Priority:  prio,
			Mode:      notify.SendBroadcast,
		})
		if err != nil {
			h.Rejected++
			continue
		}
		h.IDs = append(h.IDs, id)
	}
	if len(h.IDs) == 0 && h.Rejected > 0 {
		return h, ErrQueueFull
	}
	return h, nil
}

// Cancel withdraws a request that has not been handed to a worker yet.
func (s *Service) Cancel(requestID string) error {
	if !s.tracker.Cancel(requestID) {
		return ErrAlreadyDispatched
	}
	s.stopTimer(requestID)
	s.publish("delivery.cancelled", Event{RequestID: requestID, At: time.Now()})
	return nil
}

// ---- observability getters ----

func (s *Service) Metrics() notify.Metrics { return s.tracker.Metrics() }

func (s *Service) DeliveryStatus(requestID string) tracker.Status {
	return s.tracker.Status(requestID)
}

// Record returns the full delivery record for audit/debugging.
func (s *Service) Record(requestID string) (tracker.Record, bool) {
	return s.tracker.Get(requestID)
}

// RetryHistory returns the scheduled retry attempts for a request.
func (s *Service) RetryHistory(requestID string) []retry.Attempt {
	return s.retries.History(requestID)
}

// CircuitState returns the breaker snapshot for one channel type.
func (s *Service) CircuitState(channelType string) (breaker.Snapshot, bool) {
	if _, ok := s.channels[strings.TrimSpace(channelType)]; !ok {
		return breaker.Snapshot{}, false
	}
	return s.breakers.Get(channelType).Snapshot(), true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	tiers := make(map[string]int, len(notify.Tiers))
	for _, p := range notify.Tiers {
		tiers[p.String()] = s.queue.TierLen(p)
	}
	return Snapshot{
		Workers:     cfg.Workers,
		QueueLen:    s.queue.Len(),
		TierLens:    tiers,
		LiveBuckets: s.limiter.Len(),
		Records:     s.tracker.Len(),
		Breakers:    s.breakers.Snapshot(),
	}
}

// ---- internals ----

func (s *Service) validate(req *notify.Request) error {
	if strings.TrimSpace(req.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}
	switch req.Mode {
	case notify.SendBroadcast:
		if len(s.order) == 0 {
			return fmt.Errorf("%w: no channels configured", ErrInvalidRequest)
		}
	case notify.SendDirect:
		if len(req.Channels) != 1 {
			return fmt.Errorf("%w: direct mode needs exactly one channel", ErrInvalidRequest)
		}
	case notify.SendFallback:
		if len(req.Channels) == 0 {
			return fmt.Errorf("%w: fallback mode needs a channel chain", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown send mode", ErrInvalidRequest)
	}
	for _, name := range req.Channels {
		if _, ok := s.channels[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		}
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	return nil
}

func (s *Service) enqueue(req *notify.Request) error {
	if !s.queue.Enqueue(req) {
		s.onQueueFull(req)
		return ErrQueueFull
	}
	s.kick()
	return nil
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) onQueueFull(req *notify.Request) {
	s.publish("delivery.dropped", Event{
		RequestID: req.ID,
		Recipient: req.Recipient,
		Reason:    "queue_full",
		At:        time.Now(),
	})
	if s.shouldWarn(&s.lastQueueFullWarnAt, time.Now()) {
		s.log.Warn("request rejected: tier queue full",
			logx.String("id", req.ID),
			logx.String("priority", req.Priority.String()),
			logx.Int("tier_len", s.queue.TierLen(req.Priority)),
		)
	}
}

// holdUntil parks a request on a timer (scheduled-for or retry re-entry) and
// enqueues it when the timer fires, unless it was cancelled meanwhile.
func (s *Service) holdUntil(req *notify.Request, at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	r := *req
	s.timersMu.Lock()
	if prev := s.timers[r.ID]; prev != nil {
		prev.Stop()
	}
	s.timers[r.ID] = time.AfterFunc(d, func() {
		s.timersMu.Lock()
		delete(s.timers, r.ID)
		s.timersMu.Unlock()

		if s.tracker.Status(r.ID).Terminal() {
			return
		}
		if err := s.enqueue(&r); err != nil {
			s.tracker.RecordPermanentFailure(r.ID, "queue full at scheduled time")
			s.publish("delivery.failed", Event{RequestID: r.ID, Class: notify.ClassExhausted, Reason: "queue_full", At: time.Now()})
		}
	})
	s.timersMu.Unlock()
}

func (s *Service) stopTimer(requestID string) {
	s.timersMu.Lock()
	if t := s.timers[requestID]; t != nil {
		t.Stop()
		delete(s.timers, requestID)
	}
	s.timersMu.Unlock()
}

func (s *Service) stopTimers() {
	s.timersMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timersMu.Unlock()
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// stopping reports whether a Stop is underway. A service that was never
// started, or that finished stopping, still accepts submissions; they queue
// until the next Start.
func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := now.UnixNano()
	if *last != 0 && n-*last < int64(warnThrottleEvery) {
		return false
	}
	*last = n
	return true
}

func (s *Service) startPrune(cfg Config) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(cfg.PruneSchedule, func() {
		pruned := s.tracker.Prune(cfg.RecordRetention)
		for _, id := range pruned {
			s.retries.Forget(id)
		}
		if len(pruned) > 0 {
			s.log.Debug("pruned delivery records", logx.Int("count", len(pruned)))
		}
	})
	if err != nil {
		s.log.Warn("invalid prune schedule; pruning disabled", logx.String("spec", cfg.PruneSchedule), logx.Err(err))
		return
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
}
