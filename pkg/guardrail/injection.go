package guardrail

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/stinger-ai/stinger/pkg/classify"
	"github.com/stinger-ai/stinger/pkg/conversation"
)

// injectionPattern is one weighted single-turn injection signal.
type injectionPattern struct {
	category string
	weight   float64
	pattern  *regexp.Regexp
}

var injectionPatterns = []injectionPattern{
	{"instruction_override", 0.9, regexp.MustCompile(`(?i)(ignore|disregard)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directions?)`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)forget\s+(everything|all\s+your|your)\s+(instructions?|rules?|training|guidelines)`)},
	{"role_manipulation", 0.7, regexp.MustCompile(`(?i)(you\s+are\s+now\s+(a|an|the)\b|pretend\s+(to\s+be|you\s+are)|act\s+as\s+(a|an|if|though)\b|roleplay\s+as)`)},
	{"restriction_bypass", 0.85, regexp.MustCompile(`(?i)(without\s+(any\s+)?(restrictions?|filters?|limits?|rules?)|bypass\s+(your\s+)?(restrictions?|filters?|safety)|remove\s+(all\s+)?(restrictions?|filters?|limits?))`)},
	{"system_prompt_leak", 0.8, regexp.MustCompile(`(?i)(reveal|show|display|output|print|repeat)\s+(me\s+)?(your|the)\s+(system\s+)?(prompt|instructions?)`)},
	{"jailbreak", 0.9, regexp.MustCompile(`(?i)(do\s+anything\s+now|\bDAN\s+mode\b|developer\s+mode|jailbr(eak|oken))`)},
	{"delimiter_injection", 0.8, regexp.MustCompile(`(?i)(<\|im_start\|>|<\|im_end\|>|\[INST\]|\[/INST\]|<<SYS>>|<</SYS>>|\[system\])`)},
}

// scoreInjection scores single-turn injection signals. Risk is the strongest
// category on a 0..100 scale, nudged up when several distinct categories
// fire.
func scoreInjection(content string) (float64, map[string]float64) {
	labels := make(map[string]float64)
	for _, p := range injectionPatterns {
		if p.pattern.MatchString(content) {
			if p.weight > labels[p.category] {
				labels[p.category] = p.weight
			}
		}
	}
	if len(labels) == 0 {
		return 0, labels
	}

	top := 0.0
	for _, w := range labels {
		if w > top {
			top = w
		}
	}
	risk := top*100 + 5*float64(len(labels)-1)
	if risk > 100 {
		risk = 100
	}
	return risk, labels
}

// riskLevels maps a 0..100 risk onto named severity levels.
type riskLevels struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

func defaultRiskLevels() riskLevels {
	return riskLevels{Low: 25, Medium: 50, High: 75, Critical: 90}
}

func (r riskLevels) level(risk float64) string {
	switch {
	case risk >= r.Critical:
		return "critical"
	case risk >= r.High:
		return "high"
	case risk >= r.Medium:
		return "medium"
	case risk >= r.Low:
		return "low"
	default:
		return "none"
	}
}

// injectionCore is the risk evaluation shared by the single-turn and
// conversation-aware injection guardrails: classifier when configured and
// reachable, pattern scorer otherwise, then thresholds to an action.
type injectionCore struct {
	classifier    classify.Classifier
	useClassifier bool
	fallback      bool
	levels        riskLevels
	blockLevels   map[string]bool
	warnLevels    map[string]bool
}

func newInjectionCore(name, kind string, cfg Config, deps Deps) (injectionCore, error) {
	core := injectionCore{
		classifier:    deps.Classifier,
		useClassifier: cfg.Bool("use_classifier", true),
		fallback:      cfg.Bool("fallback_to_patterns", true),
		levels:        defaultRiskLevels(),
		blockLevels:   map[string]bool{"high": true, "critical": true},
		warnLevels:    map[string]bool{"medium": true},
	}

	if thresholds := Config(cfg.Map("risk_thresholds")); thresholds != nil {
		core.levels = riskLevels{
			Low:      thresholds.Float("low", core.levels.Low),
			Medium:   thresholds.Float("medium", core.levels.Medium),
			High:     thresholds.Float("high", core.levels.High),
			Critical: thresholds.Float("critical", core.levels.Critical),
		}
	}
	l := core.levels
	if !(l.Low <= l.Medium && l.Medium <= l.High && l.High <= l.Critical) {
		return injectionCore{}, configErr(name, kind, "risk_thresholds", errors.New("thresholds must be ascending"))
	}

	if levels := cfg.Strings("block_levels"); levels != nil {
		core.blockLevels = toSet(levels)
	}
	if levels := cfg.Strings("warn_levels"); levels != nil {
		core.warnLevels = toSet(levels)
	}
	return core, nil
}

// baseRisk evaluates the content, with optional rendered conversation
// context for the classifier. Source names which path produced the risk.
func (c *injectionCore) baseRisk(ctx context.Context, content, contextText string) (risk float64, labels map[string]float64, source string, err error) {
	if c.classifier != nil && c.useClassifier {
		result, cerr := c.classifier.Classify(ctx, content, classify.TaskInjection, classify.Options{Context: contextText})
		if cerr == nil {
			return result.Risk, result.Labels, "classifier", nil
		}
		if !classify.IsUnavailable(cerr) || !c.fallback {
			return 0, nil, "", cerr
		}
		risk, labels = scoreInjection(content)
		return risk, labels, "patterns_fallback", nil
	}
	risk, labels = scoreInjection(content)
	return risk, labels, "patterns", nil
}

func (c *injectionCore) actionFor(level string) Action {
	switch {
	case c.blockLevels[level]:
		return ActionBlock
	case c.warnLevels[level]:
		return ActionWarn
	default:
		return ActionAllow
	}
}

// injectionDecision renders a risk into the decision shared by both
// injection guardrails.
func (c *injectionCore) injectionDecision(risk float64, labels map[string]float64, source string) *Decision {
	level := c.levels.level(risk)
	return &Decision{
		Action:     c.actionFor(level),
		Confidence: risk / 100,
		Reason:     fmt.Sprintf("prompt injection risk %s (%.0f/100)", level, risk),
		Details: map[string]interface{}{
			"risk":   risk,
			"level":  level,
			"source": source,
			"labels": labels,
		},
	}
}

// PromptInjectionGuardrail detects single-turn injection attempts. With a
// classifier configured it asks the backend and falls back to patterns when
// the backend is unavailable; without one it scores patterns directly.
type PromptInjectionGuardrail struct {
	base
	core injectionCore
}

var _ Guardrail = (*PromptInjectionGuardrail)(nil)

func newPromptInjection(name string, cfg Config, deps Deps) (Guardrail, error) {
	core, err := newInjectionCore(name, KindPromptInjection, cfg, deps)
	if err != nil {
		return nil, err
	}
	return &PromptInjectionGuardrail{base: newBase(name, KindPromptInjection, cfg), core: core}, nil
}

func (g *PromptInjectionGuardrail) Analyze(ctx context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	risk, labels, source, err := g.core.baseRisk(ctx, content, "")
	g.observe(err)
	if err != nil {
		return nil, err
	}
	return g.core.injectionDecision(risk, labels, source), nil
}
