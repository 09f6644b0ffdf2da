package audit

import (
	"time"
)

// EventType tags what a record describes.
type EventType string

const (
	EventPrompt            EventType = "prompt"
	EventResponse          EventType = "response"
	EventGuardrailDecision EventType = "guardrail_decision"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventAuditEnabled      EventType = "audit_enabled"
	EventSystemError       EventType = "system_error"
)

// Event is one audit record. A single struct covers every event type; the
// per-type fields are empty for types that do not carry them. Timestamps
// marshal as RFC3339 with nanoseconds, Sequence is assigned by the trail at
// Record time and is strictly increasing for the lifetime of the process.
type Event struct {
	Type           EventType `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	Sequence       uint64    `json:"sequence,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`

	// Text carries the prompt or response body. Subject to redaction.
	Text string `json:"text,omitempty"`

	// Guardrail decision fields.
	GuardrailName string  `json:"guardrail_name,omitempty"`
	GuardrailKind string  `json:"guardrail_kind,omitempty"`
	Decision      string  `json:"decision,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`

	// Scope names the limiter scope for rate_limit_exceeded events.
	Scope string `json:"scope,omitempty"`

	// System error fields. Dropped carries the cumulative drop count on
	// completeness-gap markers.
	Error   string `json:"error,omitempty"`
	Dropped uint64 `json:"dropped,omitempty"`
}

// NewPromptEvent records that a prompt passed through the pipeline.
func NewPromptEvent(text string) Event {
	return Event{Type: EventPrompt, Timestamp: time.Now(), Text: text}
}

// NewResponseEvent records that a model response passed through the pipeline.
func NewResponseEvent(text string) Event {
	return Event{Type: EventResponse, Timestamp: time.Now(), Text: text}
}

// NewDecisionEvent records one guardrail's verdict on one piece of content.
func NewDecisionEvent(guardrailName, guardrailKind, decision, reason string, confidence float64) Event {
	return Event{
		Type:          EventGuardrailDecision,
		Timestamp:     time.Now(),
		GuardrailName: guardrailName,
		GuardrailKind: guardrailKind,
		Decision:      decision,
		Reason:        reason,
		Confidence:    confidence,
	}
}

// NewRateLimitEvent records a request refused by the rate limiter.
func NewRateLimitEvent(scope, reason string) Event {
	return Event{
		Type:      EventRateLimitExceeded,
		Timestamp: time.Now(),
		Scope:     scope,
		Reason:    reason,
	}
}

// NewSystemErrorEvent records an internal fault, including completeness-gap
// markers emitted when events were dropped under backpressure.
func NewSystemErrorEvent(cause string, dropped uint64) Event {
	return Event{
		Type:      EventSystemError,
		Timestamp: time.Now(),
		Error:     cause,
		Dropped:   dropped,
	}
}

// WithIDs returns a copy of the event attributed to a conversation, user,
// and request. Empty arguments leave the corresponding field untouched.
func (e Event) WithIDs(conversationID, userID, requestID string) Event {
	if conversationID != "" {
		e.ConversationID = conversationID
	}
	if userID != "" {
		e.UserID = userID
	}
	if requestID != "" {
		e.RequestID = requestID
	}
	return e
}

// Filter selects events in Query and Export. Zero-valued fields match
// everything.
type Filter struct {
	ConversationID string
	UserID         string
	RequestID      string
	Types          []EventType
	Decision       string
	Since          time.Time
	Until          time.Time
}

// Matches reports whether the event passes every set filter field.
func (f Filter) Matches(e Event) bool {
	if f.ConversationID != "" && e.ConversationID != f.ConversationID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.Decision != "" && e.Decision != f.Decision {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// TimeRange bounds an Export. A zero Start or End leaves that side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (tr TimeRange) contains(ts time.Time) bool {
	if !tr.Start.IsZero() && ts.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && ts.After(tr.End) {
		return false
	}
	return true
}
