package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"courier/internal/notify"
	logx "courier/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, work <-chan *notify.Request) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case req, ok := <-work:
			if !ok {
				return
			}
			s.execOne(ctx, req)
		}
	}
}

// drainer moves requests from the priority queue to the worker feed. It runs
// on wake signals from enqueue, with a ticker as a safety net so a lost wake
// never strands queued work.
func (s *Service) drainer(ctx context.Context, stopCh <-chan struct{}, work chan<- *notify.Request) {
	s.mu.Lock()
	batch := s.cfg.BatchSize
	s.mu.Unlock()

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.wake:
		case <-tick.C:
		}

		for {
			reqs := s.queue.DequeueBatch(batch)
			if len(reqs) == 0 {
				break
			}
			for _, req := range reqs {
				select {
				case <-ctx.Done():
					return
				case <-stopCh:
					return
				case work <- req:
				}
			}
			if len(reqs) < batch {
				break
			}
		}
	}
}

// execOne runs a single dispatch pass for a dequeued request.
func (s *Service) execOne(ctx context.Context, req *notify.Request) {
	// Cancelled while queued: skip silently, the cancel event already fired.
	if !s.tracker.MarkProcessing(req.ID) {
		return
	}
	out := s.dispatch(ctx, req)
	s.settle(req, out)
}

// Send dispatches one request synchronously, bypassing the queue, and returns
// the aggregate outcome of this pass. Retries for retryable failures are still
// scheduled asynchronously.
func (s *Service) Send(ctx context.Context, req notify.Request) (notify.Outcome, error) {
	if err := s.validate(&req); err != nil {
		return notify.Outcome{}, err
	}
	s.tracker.Accept(req.ID)
	if !s.tracker.MarkProcessing(req.ID) {
		return notify.Outcome{RequestID: req.ID, Mode: req.Mode}, ErrAlreadyDispatched
	}
	out := s.dispatch(ctx, &req)
	s.settle(&req, out)
	return out, nil
}

// dispatch applies the rate-limit gate and runs the request's send mode.
func (s *Service) dispatch(ctx context.Context, req *notify.Request) notify.Outcome {
	out := notify.Outcome{RequestID: req.ID, Mode: req.Mode}

	if res, ok := s.checkRate(req); !ok {
		out.Attempts = append(out.Attempts, res)
		return out
	}

	switch req.Mode {
	case notify.SendDirect:
		res := s.attempt(ctx, req, req.Channels[0])
		out.Attempts = append(out.Attempts, res)
		out.FinalChannel = res.Channel
		if res.Success {
			out.Success = true
			out.Delivered = 1
		}
	case notify.SendFallback:
		for _, name := range req.Channels {
			res := s.attempt(ctx, req, name)
			out.Attempts = append(out.Attempts, res)
			out.FinalChannel = res.Channel
			if res.Success {
				// Short-circuit: channels after the first success are never contacted.
				out.Success = true
				out.Delivered = 1
				break
			}
		}
	default: // broadcast
		results := s.broadcast(ctx, req)
		out.Attempts = results
		for _, res := range results {
			if res.Success {
				out.Delivered++
				out.FinalChannel = res.Channel
			}
		}
		if out.Delivered > 0 {
			out.Success = true
		} else if n := len(results); n > 0 {
			out.FinalChannel = results[n-1].Channel
		}
	}
	return out
}

// broadcast fans out to every configured channel concurrently and waits for
// all attempts (or their circuit-open short-circuits) to complete. A slow
// channel cannot stall the others; an open breaker blocks nothing.
func (s *Service) broadcast(ctx context.Context, req *notify.Request) []notify.AttemptResult {
	results := make([]notify.AttemptResult, len(s.order))
	var wg sync.WaitGroup
	for i, name := range s.order {
		br := s.breakers.Get(name)
		if !br.CanExecute() {
			results[i] = s.circuitOpenResult(req, name)
			continue
		}
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = s.attemptAdmitted(ctx, req, name)
		}(i, name)
	}
	wg.Wait()
	return results
}

// attempt gates one channel behind its breaker, then contacts it.
func (s *Service) attempt(ctx context.Context, req *notify.Request, name string) notify.AttemptResult {
	if !s.breakers.Get(name).CanExecute() {
		return s.circuitOpenResult(req, name)
	}
	return s.attemptAdmitted(ctx, req, name)
}

// attemptAdmitted contacts a channel whose breaker already admitted the call,
// records the result on the breaker and the tracker, and publishes the event.
func (s *Service) attemptAdmitted(ctx context.Context, req *notify.Request, name string) notify.AttemptResult {
	ch := s.channels[name]
	br := s.breakers.Get(name)

	var res notify.AttemptResult
	if !ch.IsAvailable() {
		res = notify.AttemptResult{
			Channel: name,
			Class:   notify.ClassTransient,
			Reason:  "channel reports unavailable",
		}
	} else {
		res = s.callChannel(ctx, ch, req)
	}
	res.Channel = name
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}

	if res.Success {
		br.RecordSuccess()
	} else if res.Class.CountsAgainstBreaker() {
		br.RecordFailure()
	} else {
		// Validation/permission failures are not the channel's fault and must
		// not trip its breaker, but an admitted half-open trial still has to
		// give its slot back.
		br.ReleaseTrial()
	}

	s.tracker.RecordAttempt(req.ID, res)
	s.publish("delivery.attempted", Event{
		RequestID: req.ID,
		Recipient: req.Recipient,
		Channel:   name,
		Class:     res.Class,
		Reason:    res.Reason,
		At:        res.Timestamp,
	})
	return res
}

// callChannel bounds the attempt with the configured timeout and converts a
// channel panic into a transient failure so one bad transport cannot kill a
// worker.
func (s *Service) callChannel(ctx context.Context, ch notify.Channel, req *notify.Request) (res notify.AttemptResult) {
	s.mu.Lock()
	timeout := s.cfg.AttemptTimeout
	s.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("channel panicked",
				logx.String("channel", ch.ChannelType()),
				logx.Any("panic", r),
			)
			res = notify.AttemptResult{
				Class:  notify.ClassTransient,
				Reason: fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return ch.AttemptDelivery(actx, *req)
}

func (s *Service) circuitOpenResult(req *notify.Request, name string) notify.AttemptResult {
	res := notify.AttemptResult{
		Channel:   name,
		Class:     notify.ClassCircuitOpen,
		Reason:    "circuit open",
		Timestamp: time.Now(),
	}
	s.tracker.RecordAttempt(req.ID, res)
	s.publish("delivery.attempted", Event{
		RequestID: req.ID,
		Recipient: req.Recipient,
		Channel:   name,
		Class:     res.Class,
		Reason:    res.Reason,
		At:        res.Timestamp,
	})
	return res
}

// checkRate consults the global bucket (if any) then the recipient's bucket.
// On denial it either defers the request to the bucket's reset time or fails
// it fast, per policy.
func (s *Service) checkRate(req *notify.Request) (notify.AttemptResult, bool) {
	s.mu.Lock()
	deferOnThrottle := s.cfg.DeferOnThrottle
	s.mu.Unlock()

	dec := s.allowRate(req.Recipient)
	if dec.Allowed {
		return notify.AttemptResult{}, true
	}

	res := notify.AttemptResult{
		Class:     notify.ClassThrottled,
		Reason:    "rate limited",
		Timestamp: time.Now(),
	}
	s.tracker.RecordAttempt(req.ID, res)

	if deferOnThrottle && s.retries.ShouldRetry(req.ID, notify.ClassThrottled) {
		att := s.retries.Schedule(req.ID, res.Reason, res.Class)
		// Fire no earlier than the bucket reset; the backoff time alone could
		// land on a still-empty bucket.
		fireAt := att.ScheduledFor
		if dec.ResetAt.After(fireAt) {
			fireAt = dec.ResetAt
		}
		s.tracker.RecordFailure(req.ID, res.Reason, &att)
		s.publish("delivery.retry_scheduled", Event{
			RequestID: req.ID,
			Recipient: req.Recipient,
			Class:     res.Class,
			Reason:    res.Reason,
			Attempt:   att.Number,
			At:        fireAt,
		})
		s.holdUntil(req, fireAt)
	} else {
		s.tracker.RecordPermanentFailure(req.ID, res.Reason)
		s.publish("delivery.failed", Event{
			RequestID: req.ID,
			Recipient: req.Recipient,
			Class:     notify.ClassThrottled,
			Reason:    res.Reason,
			At:        time.Now(),
		})
	}
	return res, false
}

func (s *Service) allowRate(recipient string) rateDecision {
	if s.global != nil {
		if d := s.global.Allow("global", 1); !d.Allowed {
			return rateDecision{ResetAt: d.ResetAt}
		}
	}
	d := s.limiter.Allow(recipient, 1)
	return rateDecision{Allowed: d.Allowed, ResetAt: d.ResetAt}
}

type rateDecision struct {
	Allowed bool
	ResetAt time.Time
}

// settle converts the pass outcome into the request's next lifecycle step:
// delivered, retry scheduled, or permanently failed.
func (s *Service) settle(req *notify.Request, out notify.Outcome) {
	// Passes denied by the rate gate settle inside checkRate. The gate's
	// synthesized result carries no channel name; a throttled result from an
	// actual channel does, and falls through to the normal retry path.
	if len(out.Attempts) == 1 && out.Attempts[0].Class == notify.ClassThrottled && out.Attempts[0].Channel == "" {
		return
	}

	if out.Success {
		now := time.Now()
		s.tracker.RecordSuccess(req.ID, now)
		s.publish("delivery.delivered", Event{
			RequestID: req.ID,
			Recipient: req.Recipient,
			Mode:      req.Mode.String(),
			Channel:   out.FinalChannel,
			At:        now,
		})
		return
	}

	class, reason := failureOf(out)
	if !class.Retryable() {
		s.fail(req, class, reason)
		return
	}
	if !s.retries.ShouldRetryCapped(req.ID, class, s.channelRetryCap(out)) {
		// Budget exhausted; the original failure detail is preserved.
		s.fail(req, notify.ClassExhausted, reason)
		return
	}

	att := s.retries.Schedule(req.ID, reason, class)
	s.tracker.RecordFailure(req.ID, reason, &att)
	s.publish("delivery.retry_scheduled", Event{
		RequestID: req.ID,
		Recipient: req.Recipient,
		Channel:   out.FinalChannel,
		Class:     class,
		Reason:    reason,
		Attempt:   att.Number,
		At:        att.ScheduledFor,
	})
	s.holdUntil(req, att.ScheduledFor)
}

func (s *Service) fail(req *notify.Request, class notify.ErrorClass, reason string) {
	s.tracker.RecordPermanentFailure(req.ID, reason)
	s.publish("delivery.failed", Event{
		RequestID: req.ID,
		Recipient: req.Recipient,
		Class:     class,
		Reason:    reason,
		At:        time.Now(),
	})
}

// channelRetryCap derives the effective retry ceiling a failed pass still
// allows: the largest MaxRetries among the channels whose failure keeps the
// request alive. A retry re-dispatches the whole request, so it stays
// worthwhile as long as any retryable channel wants another try. Zero (no
// such channel, e.g. every failure was a gate denial) defers to the policy.
func (s *Service) channelRetryCap(out notify.Outcome) int {
	limit := 0
	for _, a := range out.Attempts {
		if a.Success || !a.Class.Retryable() || a.Channel == "" {
			continue
		}
		ch := s.channels[a.Channel]
		if ch == nil {
			continue
		}
		if n := ch.MaxRetries(); n > limit {
			limit = n
		}
	}
	return limit
}

// failureOf picks the representative failure for a fully-failed pass: prefer
// a retryable classification (so one retryable channel keeps the request
// alive), otherwise the last attempt's.
func failureOf(out notify.Outcome) (notify.ErrorClass, string) {
	if len(out.Attempts) == 0 {
		return notify.ClassValidation, "no channels attempted"
	}
	last := out.Attempts[len(out.Attempts)-1]
	class, reason := last.Class, last.Reason
	if !class.Retryable() {
		for _, a := range out.Attempts {
			if a.Class.Retryable() {
				class, reason = a.Class, a.Reason
				break
			}
		}
	}
	return class, reason
}
