package guardrail

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/pkg/classify"
)

// DefaultTimeout bounds a single Analyze call when the spec does not set one.
const DefaultTimeout = 5 * time.Second

// OnError is the policy applied when a guardrail fails or times out.
type OnError string

const (
	OnErrorAllow OnError = "allow"
	OnErrorBlock OnError = "block"
	OnErrorWarn  OnError = "warn"
)

// Spec describes one guardrail instance inside a pipeline.
type Spec struct {
	Name    string        `json:"name"`
	Kind    string        `json:"kind"`
	Enabled *bool         `json:"enabled,omitempty"`
	OnError OnError       `json:"on_error,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Config  Config        `json:"config,omitempty"`
}

// IsEnabled treats an unset flag as enabled.
func (s Spec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ErrorPolicy defaults to allow.
func (s Spec) ErrorPolicy() OnError {
	switch s.OnError {
	case OnErrorBlock, OnErrorWarn:
		return s.OnError
	default:
		return OnErrorAllow
	}
}

// AnalyzeTimeout defaults to DefaultTimeout.
func (s Spec) AnalyzeTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// Deps are the shared collaborators constructors may use. Classifier may be
// nil; remote-backed guardrails then degrade at analyze time.
type Deps struct {
	Classifier classify.Classifier
	Logger     *zap.Logger
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Constructor builds a guardrail instance from its config.
type Constructor func(name string, cfg Config, deps Deps) (Guardrail, error)

// Registry maps guardrail kinds to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns a registry preloaded with the builtin kinds.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	for kind, ctor := range builtins() {
		r.constructors[kind] = ctor
	}
	return r
}

// Register adds a constructor for kind. Registering a kind twice is a
// configuration mistake and fails.
func (r *Registry) Register(kind string, ctor Constructor) error {
	if kind == "" {
		return errors.New("guardrail kind must not be empty")
	}
	if ctor == nil {
		return fmt.Errorf("constructor for kind %q must not be nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[kind]; exists {
		return fmt.Errorf("guardrail kind %q already registered", kind)
	}
	r.constructors[kind] = ctor
	return nil
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.constructors))
	for kind := range r.constructors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs the guardrail described by spec. Failures carry the spec's
// name and kind so a misconfigured pipeline points at the offending entry.
func (r *Registry) Build(spec Spec, deps Deps) (Guardrail, error) {
	if spec.Name == "" {
		spec.Name = spec.Kind
	}

	r.mu.RLock()
	ctor, ok := r.constructors[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, configErr(spec.Name, spec.Kind, "", errors.New("unknown guardrail kind"))
	}

	cfg := spec.Config.clone()
	if cfg == nil {
		cfg = Config{}
	}
	if spec.Enabled != nil {
		cfg["enabled"] = *spec.Enabled
	}

	g, err := ctor(spec.Name, cfg, deps)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, configErr(spec.Name, spec.Kind, "", err)
	}
	return g, nil
}

// builtins wires the kind names to their constructors.
func builtins() map[string]Constructor {
	return map[string]Constructor{
		KindKeyword:        newKeyword,
		KindRegex:          newRegex,
		KindLength:         newLength,
		KindURLFilter:      newURLFilter,
		KindPII:            newPII,
		KindToxicity:       newToxicity,
		KindCodeGeneration: newCodeGeneration,
		KindTopic:          newTopic,

		KindPromptInjection:   newPromptInjection,
		KindModeration:        newModeration,
		KindLLMPII:            newLLMPII,
		KindLLMToxicity:       newLLMToxicity,
		KindLLMCodeGeneration: newLLMCodeGeneration,

		KindConversationAwareInjection: newConversationAwareInjection,
	}
}

// Builtin kind names.
const (
	KindKeyword        = "keyword"
	KindRegex          = "regex"
	KindLength         = "length"
	KindURLFilter      = "url_filter"
	KindPII            = "pii"
	KindToxicity       = "toxicity"
	KindCodeGeneration = "code_generation"
	KindTopic          = "topic"

	KindPromptInjection   = "prompt_injection"
	KindModeration        = "moderation"
	KindLLMPII            = "llm_pii"
	KindLLMToxicity       = "llm_toxicity"
	KindLLMCodeGeneration = "llm_code_generation"

	KindConversationAwareInjection = "conversation_aware_prompt_injection"
)
