package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

// charsPerToken is the rough token estimate used for the context budget.
const charsPerToken = 4

var defaultSuspiciousIndicators = []string{
	"ignore", "forget", "disregard", "pretend", "trust",
	"you are", "act as", "bypass", "jailbreak", "secret",
}

// multiTurnPatterns detect manipulation that builds across turns rather than
// inside a single message. Scored over user prompts only; assistant phrasing
// would trip them spuriously.
var multiTurnPatterns = map[string][]*regexp.Regexp{
	"trust_building": {
		regexp.MustCompile(`(?i)\b(i\s+trust\s+you|you\s+(seem|are)\s+(really\s+|so\s+|very\s+)?(helpful|smart|kind|great|amazing)|you('re|\s+are)\s+the\s+best|thank\s+you\s+so\s+much)\b`),
		regexp.MustCompile(`(?i)\b(we('re|\s+are)\s+friends|just\s+between\s+us|only\s+you\s+understand)\b`),
	},
	"context_manipulation": {
		regexp.MustCompile(`(?i)\b(now\s+(ignore|forget|disregard)|let'?s\s+start\s+over|forget\s+(that|what\s+i\s+said)|hypothetically|in\s+this\s+scenario)\b`),
		regexp.MustCompile(`(?i)\bfor\s+(academic|research|educational)\s+purposes\b`),
	},
	"instruction_creep": {
		regexp.MustCompile(`(?i)\b(from\s+now\s+on|going\s+forward|new\s+(rule|instruction)|you\s+must\s+(always|never)|always\s+respond)\b`),
	},
	"role_confusion": {
		regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|my)|in\s+my\s+capacity\s+as|as\s+(a|an|your)\s+(admin|administrator|developer|creator)|standard\s+\w+\s+protocol\s+requires)\b`),
	},
	"memory_manipulation": {
		regexp.MustCompile(`(?i)\b(remember\s+when\s+you|you\s+(said|told\s+me|promised|agreed)|as\s+we\s+(discussed|agreed)|you\s+already\s+(confirmed|acknowledged))\b`),
	},
}

// scoreMultiTurn scores each manipulation category in [0,1] over the
// selected prompts plus the current message. Each prompt contributes at most
// once per category.
func scoreMultiTurn(turns []*conversation.Turn, current string) map[string]float64 {
	texts := make([]string, 0, len(turns)+1)
	for _, t := range turns {
		texts = append(texts, t.Prompt)
	}
	texts = append(texts, current)

	scores := make(map[string]float64, len(multiTurnPatterns))
	for category, patterns := range multiTurnPatterns {
		hits := 0
		for _, text := range texts {
			for _, p := range patterns {
				if p.MatchString(text) {
					hits++
					break
				}
			}
		}
		score := 0.5 * float64(hits)
		if score > 1 {
			score = 1
		}
		scores[category] = score
	}
	return scores
}

// ConversationAwareInjection scores the current prompt against the shape of
// the whole conversation, catching attacks that look benign turn by turn:
// rapport building followed by an override, instructions introduced
// gradually, or appeals to things the assistant never said.
type ConversationAwareInjection struct {
	base
	core       injectionCore
	strategy   string
	maxTurns   int
	maxTokens  int
	weight     float64
	indicators []string
}

var _ Guardrail = (*ConversationAwareInjection)(nil)

func newConversationAwareInjection(name string, cfg Config, deps Deps) (Guardrail, error) {
	core, err := newInjectionCore(name, KindConversationAwareInjection, cfg, deps)
	if err != nil {
		return nil, err
	}

	strategy := cfg.String("context_strategy", "mixed")
	switch strategy {
	case "recent", "suspicious", "mixed":
	default:
		return nil, configErr(name, KindConversationAwareInjection, "context_strategy",
			fmt.Errorf("unknown strategy %q", strategy))
	}
	weight := cfg.Float("context_weight", 0.3)
	if weight < 0 || weight > 1 {
		return nil, configErr(name, KindConversationAwareInjection, "context_weight",
			fmt.Errorf("weight %v outside [0,1]", weight))
	}

	indicators := cfg.Strings("suspicious_indicators")
	if indicators == nil {
		indicators = defaultSuspiciousIndicators
	}
	return &ConversationAwareInjection{
		base:       newBase(name, KindConversationAwareInjection, cfg),
		core:       core,
		strategy:   strategy,
		maxTurns:   cfg.Int("max_context_turns", 5),
		maxTokens:  cfg.Int("max_context_tokens", 2000),
		weight:     weight,
		indicators: lowerAll(indicators),
	}, nil
}

func (g *ConversationAwareInjection) Analyze(ctx context.Context, content string, conv *conversation.Conversation) (*Decision, error) {
	var complete []*conversation.Turn
	if conv != nil {
		complete = conv.CompleteTurns()
	}

	// Without history this is exactly the single-turn detector.
	if len(complete) == 0 {
		risk, labels, source, err := g.core.baseRisk(ctx, content, "")
		g.observe(err)
		if err != nil {
			return nil, err
		}
		return g.core.injectionDecision(risk, labels, source), nil
	}

	selected := g.selectContext(complete)
	rendered, truncated := renderContext(selected, g.maxTokens)
	scores := scoreMultiTurn(selected, content)

	base, labels, source, err := g.core.baseRisk(ctx, content, rendered)
	g.observe(err)
	if err != nil {
		return nil, err
	}

	contextRisk := 100 * clamp01(
		0.5*mean(scores)+
			0.2*scores["context_manipulation"]+
			0.2*trustFlag(scores)+
			0.1*minFloat(1, float64(len(selected))/5))
	final := base*(1-g.weight) + contextRisk*g.weight
	level := g.core.levels.level(final)

	return &Decision{
		Action:     g.core.actionFor(level),
		Confidence: final / 100,
		Reason:     fmt.Sprintf("multi-turn injection risk %s (%.0f/100)", level, final),
		Details: map[string]interface{}{
			"risk":           final,
			"base_risk":      base,
			"context_risk":   contextRisk,
			"level":          level,
			"source":         source,
			"labels":         labels,
			"strategy":       g.strategy,
			"pattern_scores": scores,
			"context_turns":  len(selected),
			"truncated":      truncated,
		},
	}, nil
}

// selectContext picks which complete turns inform the risk score.
func (g *ConversationAwareInjection) selectContext(turns []*conversation.Turn) []*conversation.Turn {
	recent := func() map[int]bool {
		picked := make(map[int]bool)
		for i := len(turns) - g.maxTurns; i < len(turns); i++ {
			if i >= 0 {
				picked[i] = true
			}
		}
		return picked
	}
	suspicious := func() map[int]bool {
		picked := make(map[int]bool)
		for i, t := range turns {
			if !g.isSuspicious(t.Prompt) {
				continue
			}
			for j := i - 2; j <= i; j++ {
				if j >= 0 {
					picked[j] = true
				}
			}
		}
		return picked
	}

	var picked map[int]bool
	switch g.strategy {
	case "recent":
		picked = recent()
	case "suspicious":
		picked = suspicious()
	default:
		picked = recent()
		for i := range suspicious() {
			picked[i] = true
		}
	}

	indexes := make([]int, 0, len(picked))
	for i := range picked {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	if len(indexes) > g.maxTurns {
		indexes = indexes[len(indexes)-g.maxTurns:]
	}

	selected := make([]*conversation.Turn, 0, len(indexes))
	for _, i := range indexes {
		selected = append(selected, turns[i])
	}
	return selected
}

func (g *ConversationAwareInjection) isSuspicious(prompt string) bool {
	lowered := strings.ToLower(prompt)
	for _, indicator := range g.indicators {
		if strings.Contains(lowered, indicator) {
			return true
		}
	}
	return false
}

// renderContext turns the selected history into the text given to the
// classifier, annotated with earlier guardrail outcomes and truncated oldest
// first to the token budget.
func renderContext(turns []*conversation.Turn, maxTokens int) (string, bool) {
	var lines []string
	for _, t := range turns {
		line := "User: " + t.Prompt
		if marker := blockMarker(t, string(KindInput)); marker != "" {
			line += " " + marker
		}
		lines = append(lines, line)

		if t.Response != nil {
			line = "Assistant: " + *t.Response
			if marker := blockMarker(t, string(KindOutput)); marker != "" {
				line += " " + marker
			}
			lines = append(lines, line)
		}
	}

	budget := maxTokens * charsPerToken
	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		cost := len(lines[i]) + 1
		if total+cost > budget && start < len(lines) {
			break
		}
		total += cost
		start = i
	}

	rendered := strings.Join(lines[start:], "\n")
	if start > 0 {
		return "[earlier context truncated]\n" + rendered, true
	}
	return rendered, false
}

// blockMarker surfaces a recorded block on side "input" or "output" of a
// turn so the classifier sees that earlier content was already rejected.
func blockMarker(t *conversation.Turn, side string) string {
	byside, ok := t.Metadata[conversation.MetadataKeyResults].(map[string]interface{})
	if !ok {
		return ""
	}
	result, ok := byside[side].(*Result)
	if !ok || !result.Blocked {
		return ""
	}
	reason := "policy violation"
	if len(result.Reasons) > 0 {
		reason = result.Reasons[0]
	}
	return "[GUARDRAIL: BLOCKED - " + reason + "]"
}

func mean(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func trustFlag(scores map[string]float64) float64 {
	if scores["trust_building"] >= 0.5 {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
