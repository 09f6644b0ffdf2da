package guardrail

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

// toxicCategory holds weighted patterns for one category of toxic language.
type toxicCategory struct {
	weight   float64
	patterns []*regexp.Regexp
}

var toxicCategories = map[string]toxicCategory{
	"threat": {
		weight: 0.9,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(kill|murder|hurt|destroy|beat)\s+(you|him|her|them|yourself)\b`),
			regexp.MustCompile(`(?i)\b(threaten|make\s+you\s+pay|watch\s+your\s+back)\b`),
		},
	},
	"hate": {
		weight: 0.8,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhate\s+(you|them|those|all)\b`),
			regexp.MustCompile(`(?i)\b(racist|sexist|bigot|nazi|supremacist)\b`),
		},
	},
	"harassment": {
		weight: 0.6,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(idiot|stupid|moron|loser|pathetic|worthless)\b`),
			regexp.MustCompile(`(?i)\bshut\s+up\b`),
		},
	},
	"profanity": {
		weight: 0.4,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(fuck\w*|shit|damn|bitch|asshole)\b`),
		},
	},
}

// scoreToxicity scores content in [0,1]. The strongest matched category sets
// the floor; additional categories push the score up.
func scoreToxicity(content string) (float64, map[string]float64) {
	scores := make(map[string]float64)
	for name, cat := range toxicCategories {
		hits := 0
		for _, p := range cat.patterns {
			hits += len(p.FindAllString(content, -1))
		}
		if hits == 0 {
			continue
		}
		extra := float64(hits - 1)
		if extra > 2 {
			extra = 2
		}
		score := cat.weight + 0.1*extra
		if score > 1 {
			score = 1
		}
		scores[name] = score
	}
	if len(scores) == 0 {
		return 0, scores
	}

	top := 0.0
	for _, s := range scores {
		if s > top {
			top = s
		}
	}
	total := top + 0.15*float64(len(scores)-1)
	if total > 1 {
		total = 1
	}
	return total, scores
}

// ToxicityGuardrail scores toxic language against warn and block thresholds,
// so mild profanity can warn while threats block.
type ToxicityGuardrail struct {
	base
	blockThreshold float64
	warnThreshold  float64
}

var _ Guardrail = (*ToxicityGuardrail)(nil)

func newToxicity(name string, cfg Config, deps Deps) (Guardrail, error) {
	g := &ToxicityGuardrail{
		base:           newBase(name, KindToxicity, cfg),
		blockThreshold: cfg.Float("block_threshold", 0.7),
		warnThreshold:  cfg.Float("warn_threshold", 0.4),
	}
	if g.warnThreshold > g.blockThreshold {
		return nil, configErr(name, KindToxicity, "warn_threshold", errWarnAboveBlock)
	}
	return g, nil
}

func (g *ToxicityGuardrail) Analyze(_ context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	defer g.observe(nil)

	score, categories := scoreToxicity(content)
	if score < g.warnThreshold {
		return Allowed(), nil
	}

	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)
	details := map[string]interface{}{
		"score":      score,
		"categories": categories,
	}
	reason := "content contains toxic language: " + strings.Join(names, ", ")

	if score >= g.blockThreshold {
		return &Decision{Action: ActionBlock, Confidence: score, Reason: reason, Details: details}, nil
	}
	return &Decision{Action: ActionWarn, Confidence: score, Reason: reason, Details: details}, nil
}
