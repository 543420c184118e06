package tracker

import (
	"testing"
	"time"

	"courier/internal/notify"
	"courier/internal/retry"
)

func newTestTracker() (*Tracker, *time.Time) {
	tr := New()
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestUnknownRequestIsPending(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()
	if got := tr.Status("nope"); got != StatusPending {
		t.Fatalf("status = %v, want PENDING", got)
	}
	if _, ok := tr.Get("nope"); ok {
		t.Fatal("Get invented a record")
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	t.Parallel()
	tr, now := newTestTracker()

	tr.Accept("r1")
	if got := tr.Status("r1"); got != StatusPending {
		t.Fatalf("after accept: %v", got)
	}
	if !tr.MarkProcessing("r1") {
		t.Fatal("MarkProcessing refused a pending record")
	}
	tr.RecordAttempt("r1", notify.AttemptResult{Channel: "email", Success: true})
	tr.RecordSuccess("r1", now.Add(time.Second))

	rec, ok := tr.Get("r1")
	if !ok {
		t.Fatal("record missing")
	}
	if rec.Status != StatusDelivered {
		t.Fatalf("status = %v, want DELIVERED", rec.Status)
	}
	if len(rec.Attempts) != 1 || rec.Attempts[0].Channel != "email" {
		t.Fatalf("attempts = %+v", rec.Attempts)
	}
	if !rec.UpdatedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("UpdatedAt = %v", rec.UpdatedAt)
	}
}

func TestRetryCycle(t *testing.T) {
	t.Parallel()
	tr, now := newTestTracker()

	tr.Accept("r1")
	tr.MarkProcessing("r1")
	att := retry.Attempt{RequestID: "r1", Number: 1, ScheduledFor: now.Add(5 * time.Second), Reason: "timeout", Class: notify.ClassTransient}
	tr.RecordFailure("r1", "timeout", &att)

	if got := tr.Status("r1"); got != StatusRetryScheduled {
		t.Fatalf("status = %v, want RETRY_SCHEDULED", got)
	}
	if !tr.MarkProcessing("r1") {
		t.Fatal("retry-scheduled record refused processing")
	}
	tr.RecordSuccess("r1", time.Time{})

	rec, _ := tr.Get("r1")
	if rec.Status != StatusDelivered {
		t.Fatalf("status = %v, want DELIVERED", rec.Status)
	}
	if len(rec.Retries) != 1 || rec.Retries[0].Number != 1 {
		t.Fatalf("retries = %+v", rec.Retries)
	}
	if rec.FailureReason != "timeout" {
		t.Fatalf("failure reason = %q", rec.FailureReason)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	tr.Accept("done")
	tr.RecordSuccess("done", time.Time{})
	if tr.MarkProcessing("done") {
		t.Fatal("delivered record re-entered processing")
	}
	tr.RecordPermanentFailure("done", "late failure")
	if got := tr.Status("done"); got != StatusDelivered {
		t.Fatalf("delivered record overwritten to %v", got)
	}

	tr.Accept("dead")
	tr.RecordPermanentFailure("dead", "boom")
	tr.RecordSuccess("dead", time.Time{})
	if got := tr.Status("dead"); got != StatusFailed {
		t.Fatalf("failed record overwritten to %v", got)
	}
}

func TestCancelWindow(t *testing.T) {
	t.Parallel()
	tr, now := newTestTracker()

	tr.Accept("p")
	if !tr.Cancel("p") {
		t.Fatal("pending record not cancellable")
	}
	if got := tr.Status("p"); got != StatusCancelled {
		t.Fatalf("status = %v", got)
	}

	tr.Accept("rs")
	tr.MarkProcessing("rs")
	att := retry.Attempt{RequestID: "rs", Number: 1, ScheduledFor: now.Add(time.Second)}
	tr.RecordFailure("rs", "timeout", &att)
	if !tr.Cancel("rs") {
		t.Fatal("retry-scheduled record not cancellable")
	}

	tr.Accept("proc")
	tr.MarkProcessing("proc")
	if tr.Cancel("proc") {
		t.Fatal("in-flight record cancelled")
	}

	tr.Accept("d")
	tr.RecordSuccess("d", time.Time{})
	if tr.Cancel("d") {
		t.Fatal("delivered record cancelled")
	}
}

func TestCancelUnknownIDRefused(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	if tr.Cancel("never-submitted") {
		t.Fatal("cancel of an unknown id reported success")
	}
	if tr.Len() != 0 {
		t.Fatalf("cancel fabricated a record: len = %d", tr.Len())
	}
	if _, ok := tr.Get("never-submitted"); ok {
		t.Fatal("record exists for an id that was never accepted")
	}
}

func TestDropRemovesRecord(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	tr.Accept("rejected")
	tr.Accept("kept")
	tr.Drop("rejected")

	if tr.Len() != 1 {
		t.Fatalf("len = %d, want 1", tr.Len())
	}
	if _, ok := tr.Get("rejected"); ok {
		t.Fatal("dropped record still present")
	}
	// Dropping PENDING records must not leave the terminal-only prune as the
	// sole reclaim path.
	if pruned := tr.Prune(0); len(pruned) != 0 {
		t.Fatalf("prune removed non-terminal records: %v", pruned)
	}
	if got := tr.Status("kept"); got != StatusPending {
		t.Fatalf("unrelated record status = %v", got)
	}
}

func TestMetricsRecompute(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	// Accepted but never dispatched: not "sent".
	tr.Accept("queued")

	tr.Accept("ok1")
	tr.RecordSuccess("ok1", time.Time{})
	tr.Accept("ok2")
	tr.RecordSuccess("ok2", time.Time{})
	tr.Accept("bad")
	tr.RecordPermanentFailure("bad", "boom")
	// Retry pending: sent, neither delivered nor failed yet.
	tr.Accept("waiting")
	att := retry.Attempt{RequestID: "waiting", Number: 1}
	tr.RecordFailure("waiting", "timeout", &att)

	m := tr.Metrics()
	if m.TotalSent != 4 {
		t.Fatalf("sent = %d, want 4", m.TotalSent)
	}
	if m.TotalDelivered != 2 || m.TotalFailed != 1 {
		t.Fatalf("delivered/failed = %d/%d, want 2/1", m.TotalDelivered, m.TotalFailed)
	}
	if m.DeliveryRate != 50 {
		t.Fatalf("rate = %v, want 50", m.DeliveryRate)
	}

	// Idempotence: repeating the success changes nothing.
	tr.RecordSuccess("ok1", time.Time{})
	if m2 := tr.Metrics(); m2.TotalSent != 4 || m2.TotalDelivered != 2 {
		t.Fatalf("metrics drifted after duplicate success: %+v", m2)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker()

	tr.Accept("r")
	tr.RecordAttempt("r", notify.AttemptResult{Channel: "sms"})
	rec, _ := tr.Get("r")
	rec.Attempts[0].Channel = "mangled"
	rec.Status = StatusFailed

	fresh, _ := tr.Get("r")
	if fresh.Attempts[0].Channel != "sms" || fresh.Status != StatusPending {
		t.Fatalf("internal record mutated: %+v", fresh)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	tr, now := newTestTracker()

	tr.Accept("old-done")
	tr.RecordSuccess("old-done", time.Time{})
	tr.Accept("old-pending")

	*now = now.Add(2 * time.Hour)
	tr.Accept("new-done")
	tr.RecordSuccess("new-done", time.Time{})

	pruned := tr.Prune(time.Hour)
	if len(pruned) != 1 || pruned[0] != "old-done" {
		t.Fatalf("pruned = %v, want [old-done]", pruned)
	}
	// Non-terminal records survive regardless of age.
	if got := tr.Status("old-pending"); got != StatusPending {
		t.Fatalf("old pending record status = %v", got)
	}
	if tr.Len() != 2 {
		t.Fatalf("len = %d, want 2", tr.Len())
	}
}
