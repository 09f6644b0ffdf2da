package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

// piiEntity pairs a deterministic pattern with how strongly a match implies
// real personal data. Phone and IP patterns are looser, so they carry less
// weight than an SSN hit.
type piiEntity struct {
	pattern    *regexp.Regexp
	confidence float64
}

var piiEntities = map[string]piiEntity{
	"ssn": {
		pattern:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		confidence: 0.95,
	},
	"credit_card": {
		pattern:    regexp.MustCompile(`\b\d(?:[ -]?\d){12,15}\b`),
		confidence: 0.85,
	},
	"email": {
		pattern:    regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`),
		confidence: 0.9,
	},
	"phone": {
		pattern:    regexp.MustCompile(`(\+\d{1,2}\s?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`),
		confidence: 0.7,
	},
	"ip_address": {
		pattern:    regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		confidence: 0.75,
	},
}

// scanPII returns matched text per entity type, restricted to the requested
// entities (nil means all).
func scanPII(content string, entities []string) map[string][]string {
	wanted := piiEntities
	if len(entities) > 0 {
		wanted = make(map[string]piiEntity, len(entities))
		for _, name := range entities {
			if e, ok := piiEntities[strings.ToLower(name)]; ok {
				wanted[strings.ToLower(name)] = e
			}
		}
	}

	found := make(map[string][]string)
	for name, entity := range wanted {
		if matches := entity.pattern.FindAllString(content, -1); len(matches) > 0 {
			found[name] = matches
		}
	}
	return found
}

// piiRisk converts scan results into a 0..100 risk from the strongest entity.
func piiRisk(found map[string][]string) float64 {
	risk := 0.0
	for name := range found {
		if c := piiEntities[name].confidence * 100; c > risk {
			risk = c
		}
	}
	return risk
}

// PIIGuardrail detects personal data with deterministic patterns. The
// entities config narrows detection to a subset of the builtin types.
type PIIGuardrail struct {
	base
	entities []string
}

var _ Guardrail = (*PIIGuardrail)(nil)

func newPII(name string, cfg Config, deps Deps) (Guardrail, error) {
	entities := cfg.Strings("entities")
	for _, e := range entities {
		if _, ok := piiEntities[strings.ToLower(e)]; !ok {
			return nil, configErr(name, KindPII, "entities", fmt.Errorf("unknown entity type %q", e))
		}
	}
	return &PIIGuardrail{base: newBase(name, KindPII, cfg), entities: entities}, nil
}

func (g *PIIGuardrail) Analyze(_ context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	defer g.observe(nil)

	found := scanPII(content, g.entities)
	if len(found) == 0 {
		return Allowed(), nil
	}

	names := make([]string, 0, len(found))
	counts := make(map[string]int, len(found))
	for name, matches := range found {
		names = append(names, name)
		counts[name] = len(matches)
	}
	sort.Strings(names)

	return g.triggered(piiRisk(found)/100,
		"content contains personal information: "+strings.Join(names, ", "),
		map[string]interface{}{"entities": names, "counts": counts},
	), nil
}
