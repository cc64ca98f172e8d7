package models

import "time"

// EventType names an operational event emitted by the model gateway.
type EventType string

const (
	EventSkip        EventType = "skip"         // provider not tried (no credential, denied, breaker open)
	EventAttempt     EventType = "attempt"      // a call to a provider is about to start
	EventRetry       EventType = "retry"        // rate limited, same provider tried again after a delay
	EventSwitch      EventType = "switch"       // a different provider than last time succeeded
	EventError       EventType = "error"        // a provider failed and the gateway moves on
	EventExhausted   EventType = "exhausted"    // every provider was skipped or failed
	EventCostWarning EventType = "cost_warning" // first use of a non-free provider by this gateway
	EventInterrupted EventType = "interrupted"  // a committed stream failed after its first chunk
)

// GatewayEvent is one diagnostic record of the gateway's fallback loop.
type GatewayEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CostClass CostClass `json:"cost_class,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	DelayMs   int64     `json:"delay_ms,omitempty"`
	From      string    `json:"from,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}
