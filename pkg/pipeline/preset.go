package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/stinger-ai/stinger/pkg/guardrail"
)

// ErrUnknownPreset is wrapped in the ConfigurationError returned for preset
// names outside the catalog.
var ErrUnknownPreset = errors.New("unknown preset")

// presetCatalog maps names to spec builders. Builders return fresh values so
// callers can tweak a spec without corrupting the catalog.
var presetCatalog = map[string]func() Spec{
	"basic":              basicPreset,
	"customer_service":   customerServicePreset,
	"medical":            medicalPreset,
	"educational":        educationalPreset,
	"financial":          financialPreset,
	"content_moderation": contentModerationPreset,
}

// Presets lists the catalog names, sorted.
func Presets() []string {
	names := make([]string, 0, len(presetCatalog))
	for name := range presetCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns a fresh spec for the named preset.
func Preset(name string) (Spec, error) {
	build, ok := presetCatalog[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Spec{}, &guardrail.ConfigurationError{Name: name, Kind: "preset", Err: ErrUnknownPreset}
	}
	return build(), nil
}

// SpecVersion derives a short content hash for a spec, so callers can detect
// configuration drift between deployments. Equal specs always hash equal;
// the JSON encoding is canonical because map keys marshal sorted.
func SpecVersion(spec Spec) string {
	encoded, err := json.Marshal(spec)
	if err != nil {
		return "unversioned"
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:12]
}

// basic: a permissive starting point. Length capped, PII and toxicity only
// warn.
func basicPreset() Spec {
	piiWarn := guardrail.Spec{
		Name:   "pii",
		Kind:   guardrail.KindPII,
		Config: guardrail.Config{"action": "warn"},
	}
	toxicityWarn := guardrail.Spec{
		Name: "toxicity",
		Kind: guardrail.KindToxicity,
		Config: guardrail.Config{
			"warn_threshold":  0.3,
			"block_threshold": 0.95,
		},
	}
	return Spec{
		Name:            "basic",
		MaxContentBytes: DefaultMaxContentBytes,
		Input: []guardrail.Spec{
			{Name: "length", Kind: guardrail.KindLength, Config: guardrail.Config{"max_chars": 10000}},
			piiWarn,
			toxicityWarn,
		},
		Output: []guardrail.Spec{piiWarn, toxicityWarn},
	}
}

// customer_service: block PII and hostile content in both directions, catch
// injection attempts against the agent.
func customerServicePreset() Spec {
	pii := guardrail.Spec{Name: "pii", Kind: guardrail.KindPII}
	toxicity := guardrail.Spec{Name: "toxicity", Kind: guardrail.KindToxicity}
	return Spec{
		Name:            "customer_service",
		MaxContentBytes: DefaultMaxContentBytes,
		Input: []guardrail.Spec{
			pii,
			toxicity,
			{Name: "prompt_injection", Kind: guardrail.KindPromptInjection, OnError: guardrail.OnErrorAllow},
			{Name: "length", Kind: guardrail.KindLength, Config: guardrail.Config{"max_chars": 8000}},
		},
		Output: []guardrail.Spec{pii, toxicity},
	}
}

// medical: the strictest profile. Everything identifying or unsafe blocks,
// moderation fails closed, injection analysis sees conversation history.
func medicalPreset() Spec {
	pii := guardrail.Spec{Name: "pii", Kind: guardrail.KindPII}
	moderation := guardrail.Spec{
		Name:    "moderation",
		Kind:    guardrail.KindModeration,
		OnError: guardrail.OnErrorBlock,
	}
	topics := guardrail.Spec{
		Name: "topic",
		Kind: guardrail.KindTopic,
		Config: guardrail.Config{
			"denied_topics": []string{"self_harm", "recreational_drugs"},
			"topics": map[string][]string{
				"recreational_drugs": {
					"get high", "recreational dose", "street drugs",
					"how to synthesize", "trip sitter",
				},
			},
		},
	}
	return Spec{
		Name:            "medical",
		MaxContentBytes: DefaultMaxContentBytes,
		Input: []guardrail.Spec{
			pii,
			moderation,
			{
				Name: "conversation_aware_prompt_injection",
				Kind: guardrail.KindConversationAwareInjection,
				Config: guardrail.Config{
					"context_strategy":  "mixed",
					"context_weight":    0.3,
					"max_context_turns": 5,
				},
			},
			topics,
		},
		Output: []guardrail.Spec{
			pii,
			moderation,
			{Name: "toxicity", Kind: guardrail.KindToxicity},
		},
	}
}

// educational: tuned for minors. Harsh content and adult topics block, code
// exercises are allowed but flagged so an instructor can review.
func educationalPreset() Spec {
	toxicity := guardrail.Spec{Name: "toxicity", Kind: guardrail.KindToxicity}
	topics := guardrail.Spec{
		Name: "topic",
		Kind: guardrail.KindTopic,
		Config: guardrail.Config{
			"denied_topics": []string{"explicit_content", "violence"},
		},
	}
	codeWarn := guardrail.Spec{
		Name: "code_generation",
		Kind: guardrail.KindCodeGeneration,
		Config: guardrail.Config{
			"warn_threshold":  0.2,
			"block_threshold": 0.95,
		},
	}
	return Spec{
		Name:            "educational",
		MaxContentBytes: DefaultMaxContentBytes,
		Input: []guardrail.Spec{
			toxicity,
			topics,
			codeWarn,
			{Name: "length", Kind: guardrail.KindLength, Config: guardrail.Config{"max_chars": 6000}},
		},
		Output: []guardrail.Spec{toxicity, topics, codeWarn},
	}
}

// financial: protect account data, block executable payloads, flag fraud
// vocabulary for review.
func financialPreset() Spec {
	pii := guardrail.Spec{
		Name:   "pii",
		Kind:   guardrail.KindPII,
		Config: guardrail.Config{"entities": []string{"ssn", "credit_card"}},
	}
	urls := guardrail.Spec{
		Name: "url_filter",
		Kind: guardrail.KindURLFilter,
		Config: guardrail.Config{
			"blocked_extensions": []string{"exe", "sh", "bat"},
		},
	}
	return Spec{
		Name:            "financial",
		MaxContentBytes: DefaultMaxContentBytes,
		Input: []guardrail.Spec{
			pii,
			urls,
			{
				Name: "keyword",
				Kind: guardrail.KindKeyword,
				Config: guardrail.Config{
					"action": "warn",
					"keywords": []string{
						"wire transfer now", "guaranteed returns", "risk-free investment",
						"advance fee", "crypto doubling", "offshore account",
					},
				},
			},
			{Name: "prompt_injection", Kind: guardrail.KindPromptInjection, OnError: guardrail.OnErrorAllow},
		},
		Output: []guardrail.Spec{pii, urls},
	}
}

// content_moderation: both local and remote toxicity signals block, PII in
// user reports is flagged but not suppressed.
func contentModerationPreset() Spec {
	toxicity := guardrail.Spec{Name: "toxicity", Kind: guardrail.KindToxicity}
	moderation := guardrail.Spec{
		Name:    "moderation",
		Kind:    guardrail.KindModeration,
		OnError: guardrail.OnErrorWarn,
	}
	return Spec{
		Name:            "content_moderation",
		MaxContentBytes: DefaultMaxContentBytes,
		Input: []guardrail.Spec{
			toxicity,
			moderation,
			{Name: "pii", Kind: guardrail.KindPII, Config: guardrail.Config{"action": "warn"}},
			{
				Name: "topic",
				Kind: guardrail.KindTopic,
				Config: guardrail.Config{
					"denied_topics": []string{"hate_speech"},
				},
			},
		},
		Output: []guardrail.Spec{toxicity, moderation},
	}
}
