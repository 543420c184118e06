// Package tracker records the delivery lifecycle of every request and derives
// aggregate metrics from the record set.
//
// Records are in-memory by contract (durable history is out of scope) and
// bounded by periodic pruning of terminal records.
package tracker

import (
	"sync"
	"time"

	"courier/internal/notify"
	"courier/internal/retry"
)

// Status is the delivery lifecycle position of one request.
//
// Transitions are monotonic except RETRY_SCHEDULED <-> PROCESSING, which may
// cycle until the retry budget is exhausted. DELIVERED, FAILED and CANCELLED
// are terminal.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessing     Status = "PROCESSING"
	StatusDelivered      Status = "DELIVERED"
	StatusFailed         Status = "FAILED"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Record is one request's delivery history.
type Record struct {
	RequestID string
	Status    Status
	// Attempts are the channel attempt results, in arrival order.
	Attempts []notify.AttemptResult
	// Retries are the scheduled retry entries, append-only.
	Retries []retry.Attempt
	// FailureReason preserves the original failure detail for the caller.
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// attempted marks that at least one dispatch pass completed; it feeds the
	// "sent" aggregate exactly once per request.
	attempted bool
}

// Tracker owns the record set. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

func New() *Tracker {
	return &Tracker{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Accept creates a PENDING record for the request. Re-accepting an id that
// already has a record is a no-op.
func (t *Tracker) Accept(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[requestID]; ok {
		return
	}
	now := t.now()
	t.records[requestID] = &Record{
		RequestID: requestID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkProcessing moves a PENDING or RETRY_SCHEDULED record to PROCESSING.
// Returns false when the record is terminal (notably cancelled), signaling
// the dispatcher to skip the request.
func (t *Tracker) MarkProcessing(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getLocked(requestID)
	if r.Status.Terminal() {
		return false
	}
	r.Status = StatusProcessing
	r.UpdatedAt = t.now()
	return true
}

// RecordAttempt appends one channel attempt result to the record.
func (t *Tracker) RecordAttempt(requestID string, res notify.AttemptResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getLocked(requestID)
	r.Attempts = append(r.Attempts, res)
	r.UpdatedAt = t.now()
}

// RecordSuccess marks the request DELIVERED. Idempotent: a second call for
// the same request neither changes state nor double-counts the aggregates.
func (t *Tracker) RecordSuccess(requestID string, whenDelivered time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getLocked(requestID)
	r.attempted = true
	if r.Status.Terminal() {
		return
	}
	r.Status = StatusDelivered
	if whenDelivered.IsZero() {
		whenDelivered = t.now()
	}
	r.UpdatedAt = whenDelivered
}

// RecordFailure notes a failed pass. With a scheduled retry the record moves
// to RETRY_SCHEDULED; without one the failure is permanent.
func (t *Tracker) RecordFailure(requestID, reason string, att *retry.Attempt) {
	if att == nil {
		t.RecordPermanentFailure(requestID, reason)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getLocked(requestID)
	r.attempted = true
	if r.Status.Terminal() {
		return
	}
	r.Status = StatusRetryScheduled
	r.Retries = append(r.Retries, *att)
	r.FailureReason = reason
	r.UpdatedAt = t.now()
}

// RecordPermanentFailure marks the request FAILED, preserving the original
// failure detail.
func (t *Tracker) RecordPermanentFailure(requestID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getLocked(requestID)
	r.attempted = true
	if r.Status.Terminal() {
		return
	}
	r.Status = StatusFailed
	r.FailureReason = reason
	r.UpdatedAt = t.now()
}

// Cancel moves a not-yet-dispatched record to CANCELLED. Returns false for
// unknown ids and once the request is PROCESSING or terminal; in-flight
// attempts run to completion.
func (t *Tracker) Cancel(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[requestID]
	if !ok {
		return false
	}
	if r.Status != StatusPending && r.Status != StatusRetryScheduled {
		return false
	}
	r.Status = StatusCancelled
	r.UpdatedAt = t.now()
	return true
}

// Drop removes a record outright, whatever its status. Used when a submission
// is rejected after acceptance, so backpressure does not leak PENDING records
// that pruning (terminal-only) would never reclaim.
func (t *Tracker) Drop(requestID string) {
	t.mu.Lock()
	delete(t.records, requestID)
	t.mu.Unlock()
}

// Status returns the request's delivery status, PENDING when unknown.
func (t *Tracker) Status(requestID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[requestID]
	if !ok {
		return StatusPending
	}
	return r.Status
}

// Get returns a copy of the request's record for audit/debugging.
func (t *Tracker) Get(requestID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[requestID]
	if !ok {
		return Record{}, false
	}
	cp := *r
	cp.Attempts = append([]notify.AttemptResult(nil), r.Attempts...)
	cp.Retries = append([]retry.Attempt(nil), r.Retries...)
	return cp, true
}

// Metrics recomputes the aggregates from the record set, so cached counters
// can never drift from ground truth.
func (t *Tracker) Metrics() notify.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	var m notify.Metrics
	for _, r := range t.records {
		if r.attempted {
			m.TotalSent++
		}
		switch r.Status {
		case StatusDelivered:
			m.TotalDelivered++
		case StatusFailed:
			m.TotalFailed++
		}
		if r.UpdatedAt.After(m.LastUpdated) {
			m.LastUpdated = r.UpdatedAt
		}
	}
	if m.TotalSent > 0 {
		m.DeliveryRate = float64(m.TotalDelivered) / float64(m.TotalSent) * 100
	}
	return m
}

// Prune removes terminal records untouched for longer than retention and
// returns their ids so owners of side tables (retry history) can forget them.
func (t *Tracker) Prune(retention time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-retention)
	var pruned []string
	for id, r := range t.records {
		if r.Status.Terminal() && r.UpdatedAt.Before(cutoff) {
			delete(t.records, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}

// Len reports the number of live records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Tracker) getLocked(requestID string) *Record {
	r := t.records[requestID]
	if r == nil {
		now := t.now()
		r = &Record{RequestID: requestID, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
		t.records[requestID] = r
	}
	return r
}
