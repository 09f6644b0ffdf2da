package guardrail

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/pkg/classify"
	"github.com/stinger-ai/stinger/pkg/conversation"
)

// patternFallback is the local sibling a remote guardrail degrades to when
// its classifier is unreachable.
type patternFallback func(content string) (risk float64, labels map[string]float64)

// RemoteGuardrail delegates one classification task to a classifier backend.
// When the backend is unavailable and a pattern sibling is configured, it
// degrades to the sibling instead of failing the check.
type RemoteGuardrail struct {
	base
	task           classify.Task
	classifier     classify.Classifier
	fallback       patternFallback
	fallbackOK     bool
	blockThreshold float64
	warnThreshold  float64
	logger         *zap.Logger
}

var _ Guardrail = (*RemoteGuardrail)(nil)

func newRemote(name, kind string, task classify.Task, fallback patternFallback, cfg Config, deps Deps) (Guardrail, error) {
	g := &RemoteGuardrail{
		base:           newBase(name, kind, cfg),
		task:           task,
		classifier:     deps.Classifier,
		fallback:       fallback,
		fallbackOK:     cfg.Bool("fallback_to_patterns", true),
		blockThreshold: cfg.Float("block_threshold", 70),
		warnThreshold:  cfg.Float("warn_threshold", 40),
		logger:         deps.logger().Named("guardrail"),
	}
	if g.warnThreshold > g.blockThreshold {
		return nil, configErr(name, kind, "warn_threshold", errWarnAboveBlock)
	}
	return g, nil
}

func (g *RemoteGuardrail) Analyze(ctx context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	var result *classify.Result
	var cause error
	if g.classifier == nil {
		cause = fmt.Errorf("task %s: %w", g.task, classify.ErrNoAPIKey)
	} else {
		result, cause = g.classifier.Classify(ctx, content, g.task, classify.Options{})
	}

	if cause != nil {
		if !classify.IsUnavailable(cause) {
			g.observe(cause)
			return nil, cause
		}
		if g.fallback == nil || !g.fallbackOK {
			g.observe(cause)
			return nil, fmt.Errorf("classifier unavailable: %w", cause)
		}
		g.observe(nil)
		g.logger.Warn("Classifier unavailable, using pattern fallback",
			zap.String("guardrail", g.name),
			zap.String("task", string(g.task)),
			zap.Error(cause))

		risk, labels := g.fallback(content)
		return g.decisionFrom(risk, labels, false, true), nil
	}

	g.observe(nil)
	return g.decisionFrom(result.Risk, result.Labels, result.Flagged, false), nil
}

func (g *RemoteGuardrail) decisionFrom(risk float64, labels map[string]float64, flagged, degraded bool) *Decision {
	source := "classifier"
	if degraded {
		source = "patterns_fallback"
	}
	details := map[string]interface{}{
		"risk":   risk,
		"labels": labels,
		"source": source,
	}
	if degraded {
		details["degraded"] = true
	}

	switch {
	case flagged || risk >= g.blockThreshold:
		confidence := risk / 100
		if flagged && confidence < 0.8 {
			confidence = 0.8
		}
		return &Decision{
			Action:     ActionBlock,
			Confidence: confidence,
			Reason:     g.reason(risk, labels),
			Details:    details,
		}
	case risk >= g.warnThreshold:
		return &Decision{
			Action:     ActionWarn,
			Confidence: risk / 100,
			Reason:     g.reason(risk, labels),
			Details:    details,
		}
	default:
		return Allowed()
	}
}

func (g *RemoteGuardrail) reason(risk float64, labels map[string]float64) string {
	if label := topLabel(labels); label != "" {
		return fmt.Sprintf("%s check flagged content as %s (risk %.0f/100)", g.kind, label, risk)
	}
	return fmt.Sprintf("%s check flagged content (risk %.0f/100)", g.kind, risk)
}

func topLabel(labels map[string]float64) string {
	best := ""
	bestScore := 0.0
	for label, score := range labels {
		if score > bestScore || (score == bestScore && best != "" && label < best) {
			best, bestScore = label, score
		}
	}
	return best
}

func newModeration(name string, cfg Config, deps Deps) (Guardrail, error) {
	return newRemote(name, KindModeration, classify.TaskModeration, nil, cfg, deps)
}

func newLLMPII(name string, cfg Config, deps Deps) (Guardrail, error) {
	entities := cfg.Strings("entities")
	fallback := func(content string) (float64, map[string]float64) {
		found := scanPII(content, entities)
		labels := make(map[string]float64, len(found))
		for entity := range found {
			labels[entity] = piiEntities[entity].confidence
		}
		return piiRisk(found), labels
	}
	return newRemote(name, KindLLMPII, classify.TaskPII, fallback, cfg, deps)
}

func newLLMToxicity(name string, cfg Config, deps Deps) (Guardrail, error) {
	fallback := func(content string) (float64, map[string]float64) {
		score, categories := scoreToxicity(content)
		return score * 100, categories
	}
	return newRemote(name, KindLLMToxicity, classify.TaskToxicity, fallback, cfg, deps)
}

func newLLMCodeGeneration(name string, cfg Config, deps Deps) (Guardrail, error) {
	fallback := func(content string) (float64, map[string]float64) {
		score, signals := scoreCode(content)
		labels := make(map[string]float64, len(signals))
		for _, sig := range signals {
			labels[sig] = 1
		}
		return score * 100, labels
	}
	return newRemote(name, KindLLMCodeGeneration, classify.TaskCodeGen, fallback, cfg, deps)
}
