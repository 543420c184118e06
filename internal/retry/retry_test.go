package retry

import (
	"math/rand"
	"testing"
	"time"

	"courier/internal/notify"
)

func newTestManager(cfg Config) (*Manager, time.Time) {
	m := New(cfg)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	return m, now
}

func TestShouldRetryRespectsBudget(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(Config{MaxAttempts: 2, Jitter: -1})

	const id = "req-1"
	if !m.ShouldRetry(id, notify.ClassTransient) {
		t.Fatal("fresh request refused a retry")
	}
	m.Schedule(id, "timeout", notify.ClassTransient)
	if !m.ShouldRetry(id, notify.ClassTransient) {
		t.Fatal("one attempt used of two, retry refused")
	}
	m.Schedule(id, "timeout", notify.ClassTransient)
	if m.ShouldRetry(id, notify.ClassTransient) {
		t.Fatal("budget exhausted, retry still offered")
	}
}

func TestShouldRetryClassGate(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(Config{})

	cases := []struct {
		class notify.ErrorClass
		want  bool
	}{
		{notify.ClassTransient, true},
		{notify.ClassThrottled, true},
		{notify.ClassCircuitOpen, true},
		{notify.ClassValidation, false},
		{notify.ClassPermission, false},
		{notify.ClassExhausted, false},
		{notify.ClassCancelled, false},
	}
	for _, tc := range cases {
		if got := m.ShouldRetry("r", tc.class); got != tc.want {
			t.Errorf("ShouldRetry(%q) = %v, want %v", tc.class, got, tc.want)
		}
	}
}

func TestShouldRetryCapped(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(Config{MaxAttempts: 5, Jitter: -1})

	const id = "req-1"
	m.Schedule(id, "timeout", notify.ClassTransient)

	if m.ShouldRetryCapped(id, notify.ClassTransient, 1) {
		t.Fatal("ceiling of 1 not enforced with one attempt used")
	}
	if !m.ShouldRetryCapped(id, notify.ClassTransient, 2) {
		t.Fatal("ceiling of 2 refused with one attempt used")
	}
	// Ceiling above the policy budget must not widen it.
	for i := 0; i < 4; i++ {
		m.Schedule(id, "timeout", notify.ClassTransient)
	}
	if m.ShouldRetryCapped(id, notify.ClassTransient, 100) {
		t.Fatal("ceiling widened the policy budget")
	}
	// Zero ceiling defers to the policy.
	if !m.ShouldRetryCapped("fresh", notify.ClassTransient, 0) {
		t.Fatal("zero ceiling should fall back to the policy budget")
	}
	if m.ShouldRetryCapped(id, notify.ClassValidation, 10) {
		t.Fatal("non-retryable class passed the capped gate")
	}
}

func TestExponentialBackoffSequence(t *testing.T) {
	t.Parallel()
	m, now := newTestManager(Config{
		MaxAttempts: 6,
		BaseDelay:   5 * time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      -1,
	})

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second, // capped
		60 * time.Second,
	}
	for i, w := range want {
		a := m.Schedule("req", "timeout", notify.ClassTransient)
		if a.Number != i+1 {
			t.Fatalf("attempt %d numbered %d", i+1, a.Number)
		}
		if got := a.ScheduledFor.Sub(now); got != w {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestFixedBackoff(t *testing.T) {
	t.Parallel()
	m, now := newTestManager(Config{
		BaseDelay: 3 * time.Second,
		MaxDelay:  time.Minute,
		Backoff:   BackoffFixed,
		Jitter:    -1,
	})

	for i := 0; i < 3; i++ {
		a := m.Schedule("req", "timeout", notify.ClassTransient)
		if got := a.ScheduledFor.Sub(now); got != 3*time.Second {
			t.Fatalf("attempt %d delay = %v, want 3s", i+1, got)
		}
	}
}

func TestJitterStaysInBand(t *testing.T) {
	t.Parallel()
	m, now := newTestManager(Config{
		MaxAttempts: 1000,
		BaseDelay:   10 * time.Second,
		MaxDelay:    time.Hour,
		Backoff:     BackoffFixed,
		Jitter:      0.25,
	})
	m.rng = rand.New(rand.NewSource(42))

	lo, hi := 7500*time.Millisecond, 12500*time.Millisecond
	varied := false
	var prev time.Duration
	for i := 0; i < 200; i++ {
		a := m.Schedule("req", "timeout", notify.ClassTransient)
		d := a.ScheduledFor.Sub(now)
		if d < lo || d > hi {
			t.Fatalf("delay %v outside [%v, %v]", d, lo, hi)
		}
		if i > 0 && d != prev {
			varied = true
		}
		prev = d
	}
	if !varied {
		t.Fatal("jittered delays never varied")
	}
}

func TestJitterNeverExceedsMaxDelay(t *testing.T) {
	t.Parallel()
	m, now := newTestManager(Config{
		MaxAttempts: 1000,
		BaseDelay:   time.Minute,
		MaxDelay:    time.Minute,
		Jitter:      0.25,
	})
	m.rng = rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		a := m.Schedule("req", "timeout", notify.ClassTransient)
		if d := a.ScheduledFor.Sub(now); d > time.Minute {
			t.Fatalf("delay %v exceeds max delay", d)
		}
	}
}

func TestHistoryAndForget(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(Config{MaxAttempts: 5, Jitter: -1})

	m.Schedule("a", "timeout", notify.ClassTransient)
	m.Schedule("a", "rate limited", notify.ClassThrottled)
	m.Schedule("b", "timeout", notify.ClassTransient)

	h := m.History("a")
	if len(h) != 2 {
		t.Fatalf("history len = %d, want 2", len(h))
	}
	if h[0].Number != 1 || h[1].Number != 2 {
		t.Fatalf("history numbers = %d, %d", h[0].Number, h[1].Number)
	}
	if h[1].Class != notify.ClassThrottled || h[1].Reason != "rate limited" {
		t.Fatalf("history[1] = %+v", h[1])
	}

	// Mutating the returned slice must not touch internal state.
	h[0].Number = 99
	if m.History("a")[0].Number != 1 {
		t.Fatal("History returned internal storage")
	}

	m.Forget("a")
	if len(m.History("a")) != 0 {
		t.Fatal("Forget left history behind")
	}
	if len(m.History("b")) != 1 {
		t.Fatal("Forget removed an unrelated request")
	}
}

func TestApplyChangesBudget(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(Config{MaxAttempts: 1, Jitter: -1})

	m.Schedule("req", "timeout", notify.ClassTransient)
	if m.ShouldRetry("req", notify.ClassTransient) {
		t.Fatal("budget of 1 not enforced")
	}
	m.Apply(Config{MaxAttempts: 3, Jitter: -1})
	if !m.ShouldRetry("req", notify.ClassTransient) {
		t.Fatal("raised budget not honored for existing history")
	}
}
