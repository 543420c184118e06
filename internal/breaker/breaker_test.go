package breaker

import (
	"testing"
	"time"

	logx "courier/pkg/logx"
)

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *time.Time) {
	b := New("email", Config{Threshold: threshold, ResetTimeout: reset}, logx.Nop())
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.CanExecute() {
			t.Fatalf("breaker open after %d failures, threshold is 3", i+1)
		}
	}
	b.RecordFailure()
	if b.CanExecute() {
		t.Fatal("breaker still closed after reaching threshold")
	}
	if st := b.Snapshot(); st.State != StateOpen {
		t.Fatalf("state = %v, want open", st.State)
	}
}

func TestBreakerResetTimeoutAdmitsTrial(t *testing.T) {
	t.Parallel()
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	if b.CanExecute() {
		t.Fatal("expected open breaker to refuse execution")
	}

	*now = now.Add(59 * time.Second)
	if b.CanExecute() {
		t.Fatal("reset timeout not elapsed yet")
	}

	*now = now.Add(time.Second)
	if !b.CanExecute() {
		t.Fatal("expected trial admission after reset timeout")
	}
	if st := b.Snapshot(); st.State != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", st.State)
	}
	// Only one trial at a time.
	if b.CanExecute() {
		t.Fatal("second caller admitted while trial in flight")
	}
}

func TestBreakerHalfOpenOutcomes(t *testing.T) {
	t.Parallel()

	t.Run("success closes", func(t *testing.T) {
		b, now := newTestBreaker(1, time.Minute)
		b.RecordFailure()
		*now = now.Add(time.Minute)
		if !b.CanExecute() {
			t.Fatal("trial not admitted")
		}
		b.RecordSuccess()
		st := b.Snapshot()
		if st.State != StateClosed || st.Failures != 0 {
			t.Fatalf("after trial success: state=%v failures=%d", st.State, st.Failures)
		}
		if !b.CanExecute() {
			t.Fatal("closed breaker refused execution")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, now := newTestBreaker(5, time.Minute)
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		*now = now.Add(time.Minute)
		if !b.CanExecute() {
			t.Fatal("trial not admitted")
		}
		b.RecordFailure()
		if st := b.Snapshot(); st.State != StateOpen {
			t.Fatalf("state = %v, want open after failed trial", st.State)
		}
		if b.CanExecute() {
			t.Fatal("reopened breaker admitted a call without waiting")
		}
	})

	t.Run("release trial frees slot", func(t *testing.T) {
		b, now := newTestBreaker(1, time.Minute)
		b.RecordFailure()
		*now = now.Add(time.Minute)
		if !b.CanExecute() {
			t.Fatal("trial not admitted")
		}
		b.ReleaseTrial()
		if !b.CanExecute() {
			t.Fatal("slot not released")
		}
	})
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if !b.CanExecute() {
		t.Fatal("streak should have been reset by the success")
	}
}

func TestRegistrySharesPerChannelState(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, ResetTimeout: time.Minute}, logx.Nop())

	r.Get("sms").RecordFailure()
	if r.Get("sms").CanExecute() {
		t.Fatal("sms breaker should be open")
	}
	if !r.Get("email").CanExecute() {
		t.Fatal("email breaker must be independent of sms")
	}

	snaps := r.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("snapshot count = %d, want 2", len(snaps))
	}
}
