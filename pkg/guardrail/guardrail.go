// Package guardrail provides content policy checkers for conversational AI
// traffic. A guardrail inspects one piece of content, optionally in the
// context of a conversation, and returns a Decision. Local guardrails match
// patterns in-process; remote-backed guardrails delegate to a classifier and
// degrade to their pattern siblings when the backend is unavailable.
package guardrail

import (
	"context"
	"errors"
	"sync"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

var errWarnAboveBlock = errors.New("warn_threshold exceeds block_threshold")

// Guardrail is a single policy checker.
//
// Analyze never mutates the conversation. An error return means the check
// itself failed; the caller applies the configured on_error policy. Policy
// outcomes (block, warn) are decisions, not errors.
type Guardrail interface {
	Name() string
	Kind() string
	Enabled() bool
	Analyze(ctx context.Context, content string, conv *conversation.Conversation) (*Decision, error)
	Health() Health
}

// base carries the identity and health counters shared by every guardrail
// implementation. Status derives from consecutive failures: zero is healthy,
// one or two degraded, three or more unhealthy.
type base struct {
	name    string
	kind    string
	enabled bool
	action  Action

	mu       sync.Mutex
	checks   uint64
	failures uint64
	lastErr  string
}

func newBase(name, kind string, cfg Config) base {
	action := Action(cfg.String("action", string(ActionBlock)))
	if action != ActionBlock && action != ActionWarn {
		action = ActionBlock
	}
	return base{
		name:    name,
		kind:    kind,
		enabled: cfg.Bool("enabled", true),
		action:  action,
	}
}

func (b *base) Name() string  { return b.name }
func (b *base) Kind() string  { return b.kind }
func (b *base) Enabled() bool { return b.enabled }

func (b *base) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := StatusHealthy
	switch {
	case b.failures >= 3:
		status = StatusUnhealthy
	case b.failures >= 1:
		status = StatusDegraded
	}
	return Health{
		Status:    status,
		LastError: b.lastErr,
		Checks:    b.checks,
		Failures:  b.failures,
	}
}

// observe records one Analyze call. A nil error resets the consecutive
// failure count.
func (b *base) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checks++
	if err != nil {
		b.failures++
		b.lastErr = err.Error()
		return
	}
	b.failures = 0
}

// triggered builds the decision for a matched local guardrail, honoring the
// configured action (block by default, warn when configured).
func (b *base) triggered(confidence float64, reason string, details map[string]interface{}) *Decision {
	d := &Decision{
		Action:     b.action,
		Confidence: confidence,
		Reason:     reason,
		Details:    details,
	}
	return d
}
