package guardrail

import (
	"context"
	"regexp"
	"strings"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

// codeSignal is one indicator that content contains or requests program
// code. Dangerous operations weigh more than plain syntax.
type codeSignal struct {
	name    string
	weight  float64
	pattern *regexp.Regexp
}

var codeSignals = []codeSignal{
	{"code_fence", 0.5, regexp.MustCompile("```")},
	{"generation_request", 0.3, regexp.MustCompile(`(?i)\b(write|generate|create|give)\s+(me\s+)?(a\s+|some\s+)?(code|script|program|function|class)\b`)},
	{"language_syntax", 0.25, regexp.MustCompile(`(?i)(\bdef\s+\w+\s*\(|\bfunc\s+\w+\s*\(|\bfunction\s+\w+\s*\(|\bclass\s+\w+\s*[:{(]|#include\s*<|\bpackage\s+main\b|\bpublic\s+static\b|\bimport\s+[\w.]+\s*;)`)},
	{"shell_command", 0.35, regexp.MustCompile(`(?i)(\bsudo\s+\w+|\bchmod\s+[0-7]{3}|\bcurl\s+\S+\s*\|\s*(ba)?sh\b|#!/bin/(ba)?sh)`)},
	{"dangerous_operation", 0.5, regexp.MustCompile(`(?i)(\brm\s+-rf\b|\beval\s*\(|\bexec\s*\(|\bos\.system\s*\(|\bsubprocess\.|\bdrop\s+table\b|\bdelete\s+from\s+\w+\s+where\b)`)},
}

// scoreCode scores code-generation signals in [0,1] and names the signals
// that fired.
func scoreCode(content string) (float64, []string) {
	score := 0.0
	var fired []string
	for _, sig := range codeSignals {
		if sig.pattern.MatchString(content) {
			score += sig.weight
			fired = append(fired, sig.name)
		}
	}
	if score > 1 {
		score = 1
	}
	return score, fired
}

// CodeGenerationGuardrail flags content that contains or requests program
// code.
type CodeGenerationGuardrail struct {
	base
	blockThreshold float64
	warnThreshold  float64
}

var _ Guardrail = (*CodeGenerationGuardrail)(nil)

func newCodeGeneration(name string, cfg Config, deps Deps) (Guardrail, error) {
	g := &CodeGenerationGuardrail{
		base:           newBase(name, KindCodeGeneration, cfg),
		blockThreshold: cfg.Float("block_threshold", 0.5),
		warnThreshold:  cfg.Float("warn_threshold", 0.25),
	}
	if g.warnThreshold > g.blockThreshold {
		return nil, configErr(name, KindCodeGeneration, "warn_threshold", errWarnAboveBlock)
	}
	return g, nil
}

func (g *CodeGenerationGuardrail) Analyze(_ context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	defer g.observe(nil)

	score, signals := scoreCode(content)
	if score < g.warnThreshold {
		return Allowed(), nil
	}

	details := map[string]interface{}{
		"score":   score,
		"signals": signals,
	}
	reason := "content involves code generation: " + strings.Join(signals, ", ")

	if score >= g.blockThreshold {
		return &Decision{Action: ActionBlock, Confidence: score, Reason: reason, Details: details}, nil
	}
	return &Decision{Action: ActionWarn, Confidence: score, Reason: reason, Details: details}, nil
}
