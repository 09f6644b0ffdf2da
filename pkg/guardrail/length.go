package guardrail

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

// LengthGuardrail bounds content length in characters. A zero bound is
// unset; min_chars of zero accepts empty content.
type LengthGuardrail struct {
	base
	minChars int
	maxChars int
}

var _ Guardrail = (*LengthGuardrail)(nil)

func newLength(name string, cfg Config, deps Deps) (Guardrail, error) {
	g := &LengthGuardrail{
		base:     newBase(name, KindLength, cfg),
		minChars: cfg.Int("min_chars", 0),
		maxChars: cfg.Int("max_chars", 0),
	}
	if g.minChars < 0 || g.maxChars < 0 {
		return nil, configErr(name, KindLength, "min_chars", errors.New("bounds must not be negative"))
	}
	if g.maxChars > 0 && g.minChars > g.maxChars {
		return nil, configErr(name, KindLength, "min_chars", errors.New("min_chars exceeds max_chars"))
	}
	if g.minChars == 0 && g.maxChars == 0 {
		return nil, configErr(name, KindLength, "max_chars", errors.New("at least one bound required"))
	}
	return g, nil
}

func (g *LengthGuardrail) Analyze(_ context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	defer g.observe(nil)

	length := utf8.RuneCountInString(content)
	switch {
	case g.minChars > 0 && length < g.minChars:
		return g.triggered(1.0,
			fmt.Sprintf("content length %d below minimum of %d characters", length, g.minChars),
			map[string]interface{}{"length": length, "min_chars": g.minChars},
		), nil
	case g.maxChars > 0 && length > g.maxChars:
		return g.triggered(1.0,
			fmt.Sprintf("content length %d exceeds maximum of %d characters", length, g.maxChars),
			map[string]interface{}{"length": length, "max_chars": g.maxChars},
		), nil
	}
	return Allowed(), nil
}
