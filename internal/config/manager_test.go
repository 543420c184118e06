package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "courier.yaml", `
logging:
  level: debug
  console: true
dispatch:
  workers: 4
  batch_size: 16
rate_limit:
  capacity: 10
  refill_window: 30s
  defer_on_deny: false
retry:
  max_attempts: 5
  base_delay: 2s
channels:
  - type: email
    success_rate: 0.9
    latency: 50ms
  - type: sms
`)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Dispatch.Workers != 4 || cfg.Dispatch.BatchSize != 16 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.RateLimit.DeferOnDeny == nil || *cfg.RateLimit.DeferOnDeny {
		t.Fatal("defer_on_deny: false not honored")
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != "2s" {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0].Type != "email" {
		t.Fatalf("channels = %+v", cfg.Channels)
	}
	if cfg.Channels[0].SuccessRate == nil || *cfg.Channels[0].SuccessRate != 0.9 {
		t.Fatalf("success_rate = %v", cfg.Channels[0].SuccessRate)
	}
	if cfg.Channels[1].SuccessRate != nil {
		t.Fatal("omitted success_rate should stay nil")
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "courier.json", `{
  "logging": {"level": "info", "console": true},
  "dispatch": {"workers": 2},
  "breaker": {"failure_threshold": 3, "reset_timeout": "45s"}
}`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.ResetTimeout != "45s" {
		t.Fatalf("breaker = %+v", cfg.Breaker)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "courier.yaml", `
dispatch:
  workres: 4
`)
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("typoed key accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "courier.json", `{"dispatch": {"workers": 1}} {"extra": true}`)
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("concatenated JSON accepted")
	}
}

func TestOmittedPointersStayNil(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "courier.yaml", `
logging:
  console: true
`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RateLimit.DeferOnDeny != nil {
		t.Fatal("defer_on_deny should be nil when omitted")
	}
	if cfg.Retry.Exponential != nil || cfg.Retry.Jitter != nil {
		t.Fatalf("retry pointers = %+v", cfg.Retry)
	}
	if cfg.Demo != nil {
		t.Fatal("demo should be nil when omitted")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("retry.base_delay", "1500ms")
	if err != nil || d != 1500*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("retry.base_delay", "soon"); err == nil {
		t.Fatal("bad duration accepted")
	}
	if _, err := ParseDurationField("retry.base_delay", "soon"); err != nil && !strings.Contains(err.Error(), "retry.base_delay") {
		t.Fatalf("error %q does not name the field", err)
	}

	d, err = ParseDurationOrDefault("demo.interval", "", 2*time.Second)
	if err != nil || d != 2*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("demo.interval", "250ms", 2*time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit: got %v, %v", d, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	want := &Config{}
	m.publish(want)
	select {
	case got := <-sub:
		if got != want {
			t.Fatal("subscriber got a different config")
		}
	case <-time.After(time.Second):
		t.Fatal("publish never reached the subscriber")
	}
}
