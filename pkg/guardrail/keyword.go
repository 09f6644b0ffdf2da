package guardrail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

// KeywordGuardrail matches a configured word or phrase list. Keywords come
// from the config inline, from a newline-delimited file, or both.
type KeywordGuardrail struct {
	base
	keywords      []string
	patterns      []*regexp.Regexp
	caseSensitive bool
	wholeWords    bool
}

var _ Guardrail = (*KeywordGuardrail)(nil)

func newKeyword(name string, cfg Config, deps Deps) (Guardrail, error) {
	keywords := cfg.Strings("keywords")
	if file := cfg.String("keywords_file", ""); file != "" {
		loaded, err := loadKeywordFile(file)
		if err != nil {
			return nil, configErr(name, KindKeyword, "keywords_file", err)
		}
		keywords = append(keywords, loaded...)
	}
	if len(keywords) == 0 {
		return nil, configErr(name, KindKeyword, "keywords", errors.New("no keywords configured"))
	}

	g := &KeywordGuardrail{
		base:          newBase(name, KindKeyword, cfg),
		caseSensitive: cfg.Bool("case_sensitive", false),
		wholeWords:    cfg.Bool("match_whole_words", false),
	}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if !g.caseSensitive {
			kw = strings.ToLower(kw)
		}
		g.keywords = append(g.keywords, kw)
		if g.wholeWords {
			expr := `\b` + regexp.QuoteMeta(kw) + `\b`
			if !g.caseSensitive {
				expr = `(?i)` + expr
			}
			p, err := regexp.Compile(expr)
			if err != nil {
				return nil, configErr(name, KindKeyword, "keywords", fmt.Errorf("keyword %q: %w", kw, err))
			}
			g.patterns = append(g.patterns, p)
		}
	}
	return g, nil
}

// loadKeywordFile reads one keyword per line, skipping blanks and # comments.
func loadKeywordFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var keywords []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keywords = append(keywords, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return keywords, nil
}

func (g *KeywordGuardrail) Analyze(_ context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	defer g.observe(nil)

	haystack := content
	if !g.caseSensitive {
		haystack = strings.ToLower(content)
	}

	var matched []string
	if g.wholeWords {
		for i, p := range g.patterns {
			if p.MatchString(content) {
				matched = append(matched, g.keywords[i])
			}
		}
	} else {
		for _, kw := range g.keywords {
			if strings.Contains(haystack, kw) {
				matched = append(matched, kw)
			}
		}
	}
	if len(matched) == 0 {
		return Allowed(), nil
	}

	return g.triggered(1.0,
		fmt.Sprintf("content contains blocked keywords: %s", strings.Join(matched, ", ")),
		map[string]interface{}{"matched_keywords": matched},
	), nil
}
