package guardrail

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

// Builtin topic keyword groups. Custom groups from the topics config merge
// over these; a topic named in allowed/denied lists without any group falls
// back to its own name as the keyword.
var builtinTopics = map[string][]string{
	"violence": {
		"kill", "murder", "attack", "weapon", "bomb", "explosive",
		"shoot", "stab", "torture",
	},
	"illegal_activity": {
		"hack into", "counterfeit", "fraud", "steal", "launder money",
		"smuggle", "blackmail", "extort",
	},
	"self_harm": {
		"suicide", "self-harm", "overdose", "cut myself",
	},
	"explicit_content": {
		"porn", "nsfw", "explicit sexual",
	},
	"hate_speech": {
		"racist", "sexist", "homophobic", "slur", "supremacist",
	},
	"medical_advice": {
		"diagnosis", "prescription", "dosage", "medication", "symptoms",
		"treatment plan",
	},
	"legal_advice": {
		"lawsuit", "legal advice", "attorney", "liability", "sue them",
	},
	"financial_advice": {
		"investment advice", "buy stocks", "portfolio", "trading strategy",
		"guaranteed returns",
	},
}

type topicMode string

const (
	topicModeAllow topicMode = "allow"
	topicModeDeny  topicMode = "deny"
	topicModeBoth  topicMode = "both"
)

// TopicGuardrail restricts what subjects content may touch. Deny mode blocks
// listed topics; allow mode blocks content whose detected topics fall outside
// the allowed set; both applies the deny list first. Content matching no
// known topic group passes in every mode.
type TopicGuardrail struct {
	base
	mode     topicMode
	allowed  map[string]bool
	denied   map[string]bool
	keywords map[string][]string
	patterns map[string][]*regexp.Regexp
}

var _ Guardrail = (*TopicGuardrail)(nil)

func newTopic(name string, cfg Config, deps Deps) (Guardrail, error) {
	mode := topicMode(cfg.String("mode", string(topicModeDeny)))
	switch mode {
	case topicModeAllow, topicModeDeny, topicModeBoth:
	default:
		return nil, configErr(name, KindTopic, "mode", fmt.Errorf("unknown mode %q", mode))
	}

	g := &TopicGuardrail{
		base:     newBase(name, KindTopic, cfg),
		mode:     mode,
		allowed:  toSet(cfg.Strings("allowed_topics")),
		denied:   toSet(cfg.Strings("denied_topics")),
		keywords: make(map[string][]string),
		patterns: make(map[string][]*regexp.Regexp),
	}
	if (mode == topicModeDeny || mode == topicModeBoth) && len(g.denied) == 0 {
		return nil, configErr(name, KindTopic, "denied_topics", errors.New("deny mode requires denied_topics"))
	}
	if (mode == topicModeAllow || mode == topicModeBoth) && len(g.allowed) == 0 {
		return nil, configErr(name, KindTopic, "allowed_topics", errors.New("allow mode requires allowed_topics"))
	}

	for topic, words := range builtinTopics {
		g.keywords[topic] = words
	}
	for topic, words := range cfg.StringsMap("topics") {
		g.keywords[strings.ToLower(topic)] = lowerAll(words)
	}
	for topic, exprs := range cfg.StringsMap("topic_patterns") {
		for _, expr := range exprs {
			p, err := regexp.Compile(expr)
			if err != nil {
				return nil, configErr(name, KindTopic, "topic_patterns", fmt.Errorf("pattern %q: %w", expr, err))
			}
			g.patterns[strings.ToLower(topic)] = append(g.patterns[strings.ToLower(topic)], p)
		}
	}

	// Referenced topics with no group match on their own name.
	for topic := range g.denied {
		g.ensureGroup(topic)
	}
	for topic := range g.allowed {
		g.ensureGroup(topic)
	}
	return g, nil
}

func (g *TopicGuardrail) ensureGroup(topic string) {
	if _, ok := g.keywords[topic]; ok {
		return
	}
	if _, ok := g.patterns[topic]; ok {
		return
	}
	g.keywords[topic] = []string{strings.ReplaceAll(topic, "_", " ")}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.ToLower(strings.TrimSpace(item))] = true
	}
	delete(set, "")
	return set
}

// detect returns matched keywords or pattern text per detected topic.
func (g *TopicGuardrail) detect(content string) map[string][]string {
	lowered := strings.ToLower(content)
	detected := make(map[string][]string)

	for topic, words := range g.keywords {
		for _, word := range words {
			if strings.Contains(lowered, word) {
				detected[topic] = append(detected[topic], word)
			}
		}
	}
	for topic, patterns := range g.patterns {
		for _, p := range patterns {
			if match := p.FindString(content); match != "" {
				detected[topic] = append(detected[topic], match)
			}
		}
	}
	return detected
}

func (g *TopicGuardrail) Analyze(_ context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	defer g.observe(nil)

	detected := g.detect(content)
	if len(detected) == 0 {
		return Allowed(), nil
	}

	if g.mode == topicModeDeny || g.mode == topicModeBoth {
		var hit []string
		for topic := range detected {
			if g.denied[topic] {
				hit = append(hit, topic)
			}
		}
		if len(hit) > 0 {
			sort.Strings(hit)
			return g.triggered(0.9,
				"content touches restricted topics: "+strings.Join(hit, ", "),
				map[string]interface{}{"topics": hit, "matches": detected},
			), nil
		}
	}

	if g.mode == topicModeAllow || g.mode == topicModeBoth {
		var offTopic []string
		for topic := range detected {
			if !g.allowed[topic] {
				offTopic = append(offTopic, topic)
			}
		}
		if len(offTopic) == len(detected) {
			sort.Strings(offTopic)
			return g.triggered(0.8,
				"content is outside the allowed topics: "+strings.Join(offTopic, ", "),
				map[string]interface{}{"topics": offTopic, "matches": detected},
			), nil
		}
	}
	return Allowed(), nil
}
