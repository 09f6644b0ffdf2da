// Package conversation models an ordered record of prompt/response exchanges
// between two typed participants. A Conversation is append-only, safe for
// concurrent use, and carries optional per-conversation rate limit state
// evaluated with the same sliding-window algorithm as the process-wide
// limiter.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stinger-ai/stinger/pkg/ratelimit"
)

// ParticipantType classifies one side of a conversation.
type ParticipantType string

const (
	TypeHuman   ParticipantType = "human"
	TypeBot     ParticipantType = "bot"
	TypeAgent   ParticipantType = "agent"
	TypeAIModel ParticipantType = "ai_model"
)

// Participant is one side of a conversation.
type Participant struct {
	ID   string          `json:"id"`
	Type ParticipantType `json:"type"`
	Name string          `json:"name,omitempty"`
}

// Turn is one prompt/response exchange. A turn is complete once Response is
// set; Response is set at most once, Prompt exactly once at creation.
type Turn struct {
	Prompt    string                 `json:"prompt"`
	Response  *string                `json:"response,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Speaker   Participant            `json:"speaker"`
	Listener  Participant            `json:"listener"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Complete reports whether the turn has a response.
func (t *Turn) Complete() bool {
	return t.Response != nil
}

// MetadataKeyResults is the Turn metadata key under which the pipeline
// stores its per-side results, as a map keyed "input" and "output".
const MetadataKeyResults = "guardrail_results"

var (
	ErrNoTurns      = errors.New("conversation has no turns")
	ErrTurnComplete = errors.New("last turn already has a response")
)

// Conversation is a durable, append-only sequence of turns. The pipeline
// borrows a reference during a check; the caller owns its lifetime. All
// methods are safe for concurrent use; read accessors return snapshot
// copies.
type Conversation struct {
	mu           sync.RWMutex
	id           string
	initiator    Participant
	responder    Participant
	metadata     map[string]interface{}
	turns        []*Turn
	createdAt    time.Time
	lastActivity time.Time
	limits       ratelimit.Limits
	window       *ratelimit.SlidingWindow
	now          func() time.Time
}

// Option configures a Conversation at construction.
type Option func(*Conversation)

// WithID sets an explicit conversation ID instead of a generated one.
func WithID(id string) Option {
	return func(c *Conversation) { c.id = id }
}

// WithRateLimit caps how many prompts the conversation accepts per window.
func WithRateLimit(limits ratelimit.Limits) Option {
	return func(c *Conversation) { c.limits = limits }
}

// WithMetadata merges the given entries into the conversation metadata.
func WithMetadata(md map[string]interface{}) Option {
	return func(c *Conversation) {
		for k, v := range md {
			c.metadata[k] = v
		}
	}
}

// WithModel records the model identity on the conversation metadata.
func WithModel(modelID, provider string) Option {
	return func(c *Conversation) {
		if modelID != "" {
			c.metadata["model_id"] = modelID
		}
		if provider != "" {
			c.metadata["provider"] = provider
		}
	}
}

// WithNames sets display names for both participants.
func WithNames(initiator, responder string) Option {
	return func(c *Conversation) {
		c.initiator.Name = initiator
		c.responder.Name = responder
	}
}

// New creates a conversation between two explicit participants.
func New(initiator, responder Participant, opts ...Option) *Conversation {
	c := &Conversation{
		id:        uuid.NewString(),
		initiator: initiator,
		responder: responder,
		metadata:  make(map[string]interface{}),
		window:    ratelimit.NewSlidingWindow(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.createdAt = c.now()
	c.lastActivity = c.createdAt
	return c
}

// NewHumanAI creates a conversation between a human user and an AI model.
func NewHumanAI(userID, modelID string, opts ...Option) *Conversation {
	opts = append([]Option{WithModel(modelID, "")}, opts...)
	return New(
		Participant{ID: userID, Type: TypeHuman},
		Participant{ID: modelID, Type: TypeAIModel},
		opts...,
	)
}

// NewBotToBot creates a conversation between two bots.
func NewBotToBot(botA, botB string, opts ...Option) *Conversation {
	return New(
		Participant{ID: botA, Type: TypeBot},
		Participant{ID: botB, Type: TypeBot},
		opts...,
	)
}

// NewAgentToAgent creates a conversation between two autonomous agents.
func NewAgentToAgent(agentA, agentB string, opts ...Option) *Conversation {
	return New(
		Participant{ID: agentA, Type: TypeAgent},
		Participant{ID: agentB, Type: TypeAgent},
		opts...,
	)
}

// NewHumanToHuman creates a conversation between two humans.
func NewHumanToHuman(userA, userB string, opts ...Option) *Conversation {
	return New(
		Participant{ID: userA, Type: TypeHuman},
		Participant{ID: userB, Type: TypeHuman},
		opts...,
	)
}

// AddPrompt appends a new prompt-only turn, advances the activity clock, and
// records the prompt in the conversation's rate limit window. The returned
// turn is a snapshot.
func (c *Conversation) AddPrompt(text string, md map[string]interface{}) *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.tick()
	turn := &Turn{
		Prompt:    text,
		Timestamp: now,
		Speaker:   c.initiator,
		Listener:  c.responder,
		Metadata:  copyMetadata(md),
	}
	c.turns = append(c.turns, turn)
	if c.limits.Active() {
		c.window.Record(now, c.limits.Horizon())
	}
	return turn.snapshot()
}

// AddResponse sets the response on the last turn. It fails when the
// conversation is empty or the last turn is already complete.
func (c *Conversation) AddResponse(text string, md map[string]interface{}) (*Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.turns) == 0 {
		return nil, ErrNoTurns
	}
	turn := c.turns[len(c.turns)-1]
	if turn.Complete() {
		return nil, ErrTurnComplete
	}
	turn.Response = &text
	for k, v := range md {
		if turn.Metadata == nil {
			turn.Metadata = make(map[string]interface{})
		}
		turn.Metadata[k] = v
	}
	c.tick()
	return turn.snapshot(), nil
}

// AddTurn appends a turn with a prompt and an optional response in one step.
func (c *Conversation) AddTurn(prompt string, response *string, md map[string]interface{}) *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.tick()
	turn := &Turn{
		Prompt:    prompt,
		Response:  response,
		Timestamp: now,
		Speaker:   c.initiator,
		Listener:  c.responder,
		Metadata:  copyMetadata(md),
	}
	c.turns = append(c.turns, turn)
	if c.limits.Active() {
		c.window.Record(now, c.limits.Horizon())
	}
	return turn.snapshot()
}

// AddExchange appends a complete prompt/response turn.
func (c *Conversation) AddExchange(prompt, response string, md map[string]interface{}) *Turn {
	return c.AddTurn(prompt, &response, md)
}

// History returns the most recent limit turns as snapshots; limit <= 0
// returns everything.
func (c *Conversation) History(limit int) []*Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(c.turns) {
		start = len(c.turns) - limit
	}
	out := make([]*Turn, 0, len(c.turns)-start)
	for _, t := range c.turns[start:] {
		out = append(out, t.snapshot())
	}
	return out
}

// CompleteTurns returns snapshots of all turns that carry a response.
func (c *Conversation) CompleteTurns() []*Turn {
	return c.filterTurns(func(t *Turn) bool { return t.Complete() })
}

// IncompleteTurns returns snapshots of all prompt-only turns.
func (c *Conversation) IncompleteTurns() []*Turn {
	return c.filterTurns(func(t *Turn) bool { return !t.Complete() })
}

func (c *Conversation) filterTurns(keep func(*Turn) bool) []*Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Turn
	for _, t := range c.turns {
		if keep(t) {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// TurnCount returns the number of turns, complete or not.
func (c *Conversation) TurnCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// LastTurn returns a snapshot of the most recent turn.
func (c *Conversation) LastTurn() (*Turn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.turns) == 0 {
		return nil, false
	}
	return c.turns[len(c.turns)-1].snapshot(), true
}

// Duration is the span between creation and the latest activity.
func (c *Conversation) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity.Sub(c.createdAt)
}

// CheckRateLimit evaluates the per-conversation limits without consuming.
// Conversations without configured limits always pass.
func (c *Conversation) CheckRateLimit() *ratelimit.Status {
	c.mu.RLock()
	limits := c.limits
	window := c.window
	now := c.now()
	c.mu.RUnlock()

	if !limits.Active() {
		return &ratelimit.Status{Exceeded: false, Scope: "conversation", Limit: ratelimit.NoLimit, Remaining: ratelimit.NoLimit}
	}
	st := window.Check(limits, now)
	st.Scope = "conversation"
	return st
}

// IsRateLimited reports whether the conversation is currently over limit.
func (c *Conversation) IsRateLimited() bool {
	return c.CheckRateLimit().Exceeded
}

// AnnotateLastTurn stores a result under the turn's guardrail_results
// metadata for one side ("input" or "output") without touching the other.
func (c *Conversation) AnnotateLastTurn(side string, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.turns) == 0 {
		return ErrNoTurns
	}
	turn := c.turns[len(c.turns)-1]
	if turn.Metadata == nil {
		turn.Metadata = make(map[string]interface{})
	}
	results, ok := turn.Metadata[MetadataKeyResults].(map[string]interface{})
	if !ok {
		results = make(map[string]interface{})
		turn.Metadata[MetadataKeyResults] = results
	}
	results[side] = result
	return nil
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string {
	return c.id
}

// Initiator returns the party that opens prompts.
func (c *Conversation) Initiator() Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initiator
}

// Responder returns the answering party.
func (c *Conversation) Responder() Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.responder
}

// CreatedAt returns the creation time.
func (c *Conversation) CreatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.createdAt
}

// LastActivity returns the time of the most recent mutation.
func (c *Conversation) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Metadata returns a copy of the conversation metadata.
func (c *Conversation) Metadata() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMetadata(c.metadata)
}

// tick advances lastActivity, clamping so turn timestamps never go
// backwards even if the wall clock does. Callers must hold the write lock.
func (c *Conversation) tick() time.Time {
	now := c.now()
	if now.Before(c.lastActivity) {
		now = c.lastActivity
	}
	c.lastActivity = now
	return now
}

func (t *Turn) snapshot() *Turn {
	cp := *t
	cp.Metadata = copyMetadata(t.Metadata)
	if t.Response != nil {
		r := *t.Response
		cp.Response = &r
	}
	return &cp
}

// copyMetadata copies one nesting level of maps so snapshot holders never
// share mutable state with the live turn.
func copyMetadata(md map[string]interface{}) map[string]interface{} {
	if md == nil {
		return nil
	}
	out := make(map[string]interface{}, len(md))
	for k, v := range md {
		if nested, ok := v.(map[string]interface{}); ok {
			inner := make(map[string]interface{}, len(nested))
			for nk, nv := range nested {
				inner[nk] = nv
			}
			out[k] = inner
			continue
		}
		out[k] = v
	}
	return out
}
