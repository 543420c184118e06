package notify

import (
	"context"
	"time"
)

// Priority orders pending requests. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

// Tiers lists all priorities from highest to lowest drain order.
var Tiers = []Priority{PriorityCritical, PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a config/API string to a Priority. Unknown values fall
// back to normal rather than failing, matching how upstream callers send
// free-form tiers.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Payload is the already-rendered message handed to the core. The core never
// inspects it; rendering and personalization happen upstream.
type Payload struct {
	Subject     string
	Body        string
	Attachments []string
}

// SendMode selects how the orchestrator contacts channels for one request.
type SendMode int

const (
	// SendBroadcast dispatches to every configured channel concurrently.
	SendBroadcast SendMode = iota
	// SendDirect dispatches via a single named channel.
	SendDirect
	// SendFallback tries Channels in order until one succeeds.
	SendFallback
)

func (m SendMode) String() string {
	switch m {
	case SendDirect:
		return "direct"
	case SendFallback:
		return "fallback"
	default:
		return "broadcast"
	}
}

// Request is one notification to deliver. Immutable once submitted; delivery
// progress lives in the tracker, not on the request.
type Request struct {
	ID        string
	Recipient string
	Payload   Payload
	Priority  Priority

	Mode SendMode
	// Channels is the direct target (len 1) or the fallback order.
	// Empty for broadcast.
	Channels []string

	CreatedAt    time.Time
	ScheduledFor time.Time // zero = dispatch as soon as a worker is free
}

// AttemptResult is the outcome of a single channel attempt.
type AttemptResult struct {
	Channel   string
	Success   bool
	Class     ErrorClass
	Reason    string
	Timestamp time.Time
	// ProviderID is the provider-assigned message id, when the channel reports one.
	ProviderID string
}

// Outcome is the aggregate result of one dispatch pass over a request.
type Outcome struct {
	RequestID string
	Mode      SendMode
	Success   bool
	// Delivered counts channels that accepted the message.
	Delivered int
	Attempts  []AttemptResult
	// FinalChannel names the succeeding channel (fallback/direct) or the
	// last-tried one when everything failed.
	FinalChannel string
}

// Channel is the delivery capability this core consumes. Concrete transports
// (SMTP, FCM, webhooks, chat APIs) live outside the core and implement this.
type Channel interface {
	// AttemptDelivery performs one delivery attempt. Implementations should
	// honor ctx for the duration of the (real or simulated) round trip and
	// classify failures via AttemptResult.Class.
	AttemptDelivery(ctx context.Context, req Request) AttemptResult
	ChannelType() string
	IsAvailable() bool
	// MaxRetries is the channel's own retry budget. The orchestrator caps the
	// configured policy at this value for failures on the channel.
	MaxRetries() int
}

// Metrics is the aggregate delivery view exposed to callers.
type Metrics struct {
	TotalSent      int
	TotalDelivered int
	TotalFailed    int
	// DeliveryRate is delivered/sent*100; 0 when nothing was sent yet.
	DeliveryRate float64
	LastUpdated  time.Time
}
