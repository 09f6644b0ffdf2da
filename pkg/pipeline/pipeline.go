// Package pipeline orchestrates policy enforcement over conversational
// traffic. A Pipeline owns an ordered list of input guardrails and an ordered
// list of output guardrails; each check consults the rate limiter, updates
// the conversation, fans content out through the guardrails, folds their
// decisions into one result, annotates the turn, and emits audit events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/pkg/audit"
	"github.com/stinger-ai/stinger/pkg/classify"
	"github.com/stinger-ai/stinger/pkg/conversation"
	"github.com/stinger-ai/stinger/pkg/guardrail"
	"github.com/stinger-ai/stinger/pkg/ratelimit"
)

const (
	// DefaultMaxContentBytes caps checked content when the spec does not.
	DefaultMaxContentBytes = 1 << 20
	// DefaultSlack pads the overall fan-out deadline beyond the largest
	// per-guardrail timeout.
	DefaultSlack = 500 * time.Millisecond
)

// ErrInvalidInput marks content the pipeline refuses to check at all.
// Everything else comes back as a result, never an error.
var ErrInvalidInput = errors.New("invalid input")

// Spec describes a pipeline: the two guardrail lists plus orchestration
// settings. The zero values select the defaults (1 MiB cap, 500ms slack,
// parallel fan-out).
type Spec struct {
	Name            string           `json:"name"`
	Input           []guardrail.Spec `json:"input"`
	Output          []guardrail.Spec `json:"output"`
	MaxContentBytes int              `json:"max_content_bytes,omitempty"`
	Slack           time.Duration    `json:"slack,omitempty"`
	Parallel        *bool            `json:"parallel,omitempty"`
}

func (s Spec) maxContentBytes() int {
	if s.MaxContentBytes > 0 {
		return s.MaxContentBytes
	}
	return DefaultMaxContentBytes
}

func (s Spec) slack() time.Duration {
	if s.Slack > 0 {
		return s.Slack
	}
	return DefaultSlack
}

func (s Spec) parallel() bool {
	return s.Parallel == nil || *s.Parallel
}

// Principal identifies the caller for rate limiting and audit attribution.
type Principal struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Pipeline is safe for concurrent use; its guardrail lists are immutable
// after New.
type Pipeline struct {
	spec       Spec
	input      []guardrail.Guardrail
	output     []guardrail.Guardrail
	limiter    ratelimit.Limiter
	trail      *audit.Trail
	registry   *guardrail.Registry
	classifier classify.Classifier
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Pipeline at build time.
type Option func(*Pipeline)

// WithLimiter attaches a rate limiter consulted for principals.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithAudit routes audit events to an explicit trail instead of the
// process-wide default.
func WithAudit(t *audit.Trail) Option {
	return func(p *Pipeline) { p.trail = t }
}

// WithLogger sets the pipeline's operational logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithRegistry builds guardrails through a custom registry.
func WithRegistry(r *guardrail.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithClassifier hands remote-backed guardrails their classifier.
func WithClassifier(c classify.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithParallel overrides the spec's execution mode.
func WithParallel(on bool) Option {
	return func(p *Pipeline) { p.spec.Parallel = &on }
}

// WithSlack overrides the spec's deadline slack.
func WithSlack(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.spec.Slack = d
		}
	}
}

// WithMaxContentBytes overrides the spec's content size cap.
func WithMaxContentBytes(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.spec.MaxContentBytes = n
		}
	}
}

// New builds every guardrail in the spec through the registry. A guardrail
// that fails to build aborts construction with a ConfigurationError naming
// it; nothing is checked leniently at analyze time.
func New(spec Spec, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		spec:   spec,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = guardrail.NewRegistry()
	}
	p.logger = p.logger.Named("pipeline")

	deps := guardrail.Deps{Classifier: p.classifier, Logger: p.logger}
	var err error
	if p.input, err = buildRails(p.registry, spec.Input, deps); err != nil {
		return nil, err
	}
	if p.output, err = buildRails(p.registry, spec.Output, deps); err != nil {
		return nil, err
	}
	return p, nil
}

// FromPreset builds a pipeline from the named preset.
func FromPreset(name string, opts ...Option) (*Pipeline, error) {
	spec, err := Preset(name)
	if err != nil {
		return nil, err
	}
	return New(spec, opts...)
}

func buildRails(reg *guardrail.Registry, specs []guardrail.Spec, deps guardrail.Deps) ([]guardrail.Guardrail, error) {
	rails := make([]guardrail.Guardrail, len(specs))
	for i, s := range specs {
		g, err := reg.Build(s, deps)
		if err != nil {
			return nil, err
		}
		rails[i] = g
	}
	return rails, nil
}

// CheckInput runs the input guardrails over a prompt.
func (p *Pipeline) CheckInput(ctx context.Context, content string, conv *conversation.Conversation, pr *Principal) (*guardrail.Result, error) {
	return p.check(ctx, guardrail.KindInput, content, conv, pr)
}

// CheckOutput runs the output guardrails over a model response.
func (p *Pipeline) CheckOutput(ctx context.Context, content string, conv *conversation.Conversation, pr *Principal) (*guardrail.Result, error) {
	return p.check(ctx, guardrail.KindOutput, content, conv, pr)
}

func (p *Pipeline) check(ctx context.Context, kind guardrail.CheckKind, content string, conv *conversation.Conversation, pr *Principal) (*guardrail.Result, error) {
	start := p.now()

	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidInput)
	}

	result := &guardrail.Result{
		Kind:      kind,
		Reasons:   []string{},
		Warnings:  []string{},
		Details:   make(map[string]*guardrail.Decision),
		RequestID: uuid.NewString(),
	}
	if conv != nil {
		result.ConversationID = conv.ID()
	}

	// Oversized content is a policy outcome, not an error.
	if max := p.spec.maxContentBytes(); len(content) > max {
		reason := fmt.Sprintf("content length %d exceeds the %d byte limit", len(content), max)
		d := guardrail.Blocked(1, reason)
		d.GuardrailName = "content_size"
		result.Blocked = true
		result.Reasons = append(result.Reasons, reason)
		result.Details["content_size"] = d
		result.ProcessingTime = p.now().Sub(start)
		p.trailFor().Record(audit.NewDecisionEvent("content_size", "content_size", string(guardrail.ActionBlock), reason, 1).
			WithIDs(result.ConversationID, principalID(pr), result.RequestID))
		p.observe(kind, result)
		return result, nil
	}

	// Rate limiting short-circuits before any bookkeeping.
	if st := p.checkLimits(ctx, conv, pr); st != nil {
		reason := "Rate limit exceeded: " + st.Scope
		d := guardrail.Blocked(1, reason)
		d.GuardrailName = "rate_limit"
		d.Details = map[string]interface{}{"scope": st.Scope, "reason": st.Reason}
		result.Blocked = true
		result.Reasons = append(result.Reasons, reason)
		result.Details["rate_limit"] = d
		result.RateLimit = st
		result.ProcessingTime = p.now().Sub(start)
		rateLimitHits.WithLabelValues(st.Scope).Inc()
		p.trailFor().Record(audit.NewRateLimitEvent(st.Scope, st.Reason).
			WithIDs(result.ConversationID, principalID(pr), result.RequestID))
		p.observe(kind, result)
		return result, nil
	}

	// Conversation bookkeeping. A response without an open prompt starts an
	// empty-prompt turn rather than failing.
	if conv != nil {
		if kind == guardrail.KindInput {
			conv.AddPrompt(content, nil)
		} else if _, err := conv.AddResponse(content, nil); err != nil {
			conv.AddTurn("", &content, nil)
		}
	}

	rails, specs := p.input, p.spec.Input
	if kind == guardrail.KindOutput {
		rails, specs = p.output, p.spec.Output
	}
	decisions := p.fanOut(ctx, rails, specs, content, conv)

	for _, d := range decisions {
		if d == nil {
			continue
		}
		result.Details[d.GuardrailName] = d
		switch d.Action {
		case guardrail.ActionBlock:
			result.Blocked = true
			result.Reasons = append(result.Reasons, d.Reason)
		case guardrail.ActionWarn:
			result.Warnings = append(result.Warnings, d.Reason)
		}
	}
	result.ProcessingTime = p.now().Sub(start)

	if conv != nil {
		if err := conv.AnnotateLastTurn(string(kind), result); err != nil {
			p.logger.Warn("Failed to annotate conversation turn", zap.Error(err))
		}
	}

	p.emitAudit(kind, content, result, decisions, pr)
	p.observe(kind, result)
	return result, nil
}

// checkLimits returns a status only when some scope is exceeded. The
// principal's budget is consumed here; the conversation's budget is consumed
// by AddPrompt.
func (p *Pipeline) checkLimits(ctx context.Context, conv *conversation.Conversation, pr *Principal) *ratelimit.Status {
	if pr != nil && p.limiter != nil {
		if st := p.limiter.Allow(ctx, "user:"+pr.ID, pr.Role); st.Exceeded {
			return st
		}
	}
	if conv != nil {
		if st := conv.CheckRateLimit(); st.Exceeded {
			return st
		}
	}
	return nil
}

// fanOut runs the enabled guardrails and returns decisions indexed by
// declaration position, so folding is deterministic regardless of completion
// order.
func (p *Pipeline) fanOut(ctx context.Context, rails []guardrail.Guardrail, specs []guardrail.Spec, content string, conv *conversation.Conversation) []*guardrail.Decision {
	decisions := make([]*guardrail.Decision, len(rails))
	if len(rails) == 0 {
		return decisions
	}

	ctx, cancel := context.WithTimeout(ctx, p.deadline(specs))
	defer cancel()

	if p.spec.parallel() && len(rails) > 1 {
		var wg sync.WaitGroup
		for i := range rails {
			if !rails[i].Enabled() {
				continue
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				decisions[i] = p.runOne(ctx, rails[i], specs[i], content, conv)
			}(i)
		}
		wg.Wait()
		return decisions
	}

	for i := range rails {
		if !rails[i].Enabled() {
			continue
		}
		decisions[i] = p.runOne(ctx, rails[i], specs[i], content, conv)
	}
	return decisions
}

// deadline is the largest enabled per-guardrail timeout plus slack.
func (p *Pipeline) deadline(specs []guardrail.Spec) time.Duration {
	var max time.Duration
	for _, s := range specs {
		if !s.IsEnabled() {
			continue
		}
		if t := s.AnalyzeTimeout(); t > max {
			max = t
		}
	}
	if max == 0 {
		max = guardrail.DefaultTimeout
	}
	return max + p.spec.slack()
}

func (p *Pipeline) runOne(ctx context.Context, g guardrail.Guardrail, spec guardrail.Spec, content string, conv *conversation.Conversation) *guardrail.Decision {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, spec.AnalyzeTimeout())
	defer cancel()

	d, err := p.analyze(ctx, g, content, conv)
	elapsed := p.now().Sub(start)
	guardrailDuration.WithLabelValues(g.Kind()).Observe(elapsed.Seconds())

	if err != nil {
		policy := spec.ErrorPolicy()
		guardrailErrors.WithLabelValues(g.Kind(), string(policy)).Inc()
		p.logger.Warn("Guardrail failed, applying error policy",
			zap.String("guardrail", g.Name()),
			zap.String("kind", g.Kind()),
			zap.String("policy", string(policy)),
			zap.Error(err))
		d = errorDecision(policy, err)
	}
	if d == nil {
		d = guardrail.Allowed()
	}
	d.GuardrailName = g.Name()
	d.GuardrailKind = g.Kind()
	d.Duration = elapsed
	return d
}

// analyze confines guardrail panics to the failing rail; a panicking rail is
// handled exactly like an erroring one.
func (p *Pipeline) analyze(ctx context.Context, g guardrail.Guardrail, content string, conv *conversation.Conversation) (d *guardrail.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return g.Analyze(ctx, content, conv)
}

func errorDecision(policy guardrail.OnError, err error) *guardrail.Decision {
	d := &guardrail.Decision{Reason: "error: " + err.Error()}
	switch policy {
	case guardrail.OnErrorBlock:
		d.Action = guardrail.ActionBlock
	case guardrail.OnErrorWarn:
		d.Action = guardrail.ActionWarn
	default:
		d.Action = guardrail.ActionAllow
	}
	return d
}

// emitAudit records the content event plus one decision event per guardrail
// that ran, all sharing the result's request id.
func (p *Pipeline) emitAudit(kind guardrail.CheckKind, content string, result *guardrail.Result, decisions []*guardrail.Decision, pr *Principal) {
	trail := p.trailFor()

	var e audit.Event
	if kind == guardrail.KindInput {
		e = audit.NewPromptEvent(content)
	} else {
		e = audit.NewResponseEvent(content)
	}
	trail.Record(e.WithIDs(result.ConversationID, principalID(pr), result.RequestID))

	for _, d := range decisions {
		if d == nil {
			continue
		}
		trail.Record(audit.NewDecisionEvent(d.GuardrailName, d.GuardrailKind, string(d.Action), d.Reason, d.Confidence).
			WithIDs(result.ConversationID, principalID(pr), result.RequestID))
	}
}

func (p *Pipeline) trailFor() *audit.Trail {
	if p.trail != nil {
		return p.trail
	}
	return audit.Default
}

func principalID(pr *Principal) string {
	if pr == nil {
		return ""
	}
	return pr.ID
}

func (p *Pipeline) observe(kind guardrail.CheckKind, result *guardrail.Result) {
	checksTotal.WithLabelValues(string(kind), string(result.Action())).Inc()
	checkDuration.WithLabelValues(string(kind)).Observe(result.ProcessingTime.Seconds())
}

// Spec returns the pipeline's spec. The guardrail lists are shared; callers
// must not mutate them.
func (p *Pipeline) Spec() Spec {
	return p.spec
}

// GuardrailCount is the number of configured guardrails across both sides.
func (p *Pipeline) GuardrailCount() int {
	return len(p.input) + len(p.output)
}

// Health reports every guardrail's health, keyed by "<side>/<name>".
func (p *Pipeline) Health() map[string]guardrail.Health {
	out := make(map[string]guardrail.Health, len(p.input)+len(p.output))
	for _, g := range p.input {
		out["input/"+g.Name()] = g.Health()
	}
	for _, g := range p.output {
		out["output/"+g.Name()] = g.Health()
	}
	return out
}

// Cache builds preset pipelines once and shares them across requests.
type Cache struct {
	mu        sync.RWMutex
	opts      []Option
	pipelines map[string]*Pipeline
}

// NewCache returns a cache applying opts to every pipeline it builds.
func NewCache(opts ...Option) *Cache {
	return &Cache{
		opts:      opts,
		pipelines: make(map[string]*Pipeline),
	}
}

// Get returns the pipeline for a preset, building it on first use.
func (c *Cache) Get(preset string) (*Pipeline, error) {
	c.mu.RLock()
	p, ok := c.pipelines[preset]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pipelines[preset]; ok {
		return p, nil
	}
	p, err := FromPreset(preset, c.opts...)
	if err != nil {
		return nil, err
	}
	c.pipelines[preset] = p
	return p, nil
}

// Loaded lists the presets built so far, sorted.
func (c *Cache) Loaded() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.pipelines))
	for name := range c.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
