package guardrail

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

// RegexGuardrail matches configured regular expressions. Patterns compile at
// construction so a bad expression fails the pipeline build, not a request.
type RegexGuardrail struct {
	base
	exprs    []string
	patterns []*regexp.Regexp
}

var _ Guardrail = (*RegexGuardrail)(nil)

func newRegex(name string, cfg Config, deps Deps) (Guardrail, error) {
	exprs := cfg.Strings("patterns")
	if len(exprs) == 0 {
		return nil, configErr(name, KindRegex, "patterns", errors.New("no patterns configured"))
	}

	g := &RegexGuardrail{base: newBase(name, KindRegex, cfg), exprs: exprs}
	for _, expr := range exprs {
		p, err := regexp.Compile(expr)
		if err != nil {
			return nil, configErr(name, KindRegex, "patterns", fmt.Errorf("pattern %q: %w", expr, err))
		}
		g.patterns = append(g.patterns, p)
	}
	return g, nil
}

func (g *RegexGuardrail) Analyze(_ context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	defer g.observe(nil)

	var matched []string
	for i, p := range g.patterns {
		if p.MatchString(content) {
			matched = append(matched, g.exprs[i])
		}
	}
	if len(matched) == 0 {
		return Allowed(), nil
	}

	return g.triggered(1.0,
		fmt.Sprintf("content matches restricted pattern %q", matched[0]),
		map[string]interface{}{"matched_patterns": matched},
	), nil
}
