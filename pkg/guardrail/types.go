package guardrail

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stinger-ai/stinger/pkg/ratelimit"
)

// Action is what a guardrail (or the folded pipeline result) asks the caller
// to do with the content.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// CheckKind distinguishes input (prompt) checks from output (response) checks.
type CheckKind string

const (
	KindInput  CheckKind = "input"
	KindOutput CheckKind = "output"
)

// Decision is the outcome of one guardrail for one piece of content.
type Decision struct {
	Action        Action                 `json:"action"`
	Confidence    float64                `json:"confidence"`
	Reason        string                 `json:"reason,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	GuardrailName string                 `json:"guardrail_name,omitempty"`
	GuardrailKind string                 `json:"guardrail_kind,omitempty"`
	Duration      time.Duration          `json:"duration,omitempty"`
}

// Allowed builds a passing decision.
func Allowed() *Decision {
	return &Decision{Action: ActionAllow}
}

// Warned builds a warn decision with the given confidence and reason.
func Warned(confidence float64, reason string) *Decision {
	return &Decision{Action: ActionWarn, Confidence: confidence, Reason: reason}
}

// Blocked builds a block decision with the given confidence and reason.
func Blocked(confidence float64, reason string) *Decision {
	return &Decision{Action: ActionBlock, Confidence: confidence, Reason: reason}
}

// Result is the folded outcome of running a guardrail list over one piece of
// content. Reasons and Warnings preserve guardrail declaration order.
type Result struct {
	Blocked        bool                 `json:"blocked"`
	Reasons        []string             `json:"reasons"`
	Warnings       []string             `json:"warnings"`
	Details        map[string]*Decision `json:"details"`
	Kind           CheckKind            `json:"kind"`
	ConversationID string               `json:"conversation_id,omitempty"`
	RequestID      string               `json:"request_id,omitempty"`
	ProcessingTime time.Duration        `json:"processing_time"`
	RateLimit      *ratelimit.Status    `json:"rate_limit,omitempty"`
}

// Action folds the result into a single action: block wins over warn wins
// over allow.
func (r *Result) Action() Action {
	switch {
	case r.Blocked:
		return ActionBlock
	case len(r.Warnings) > 0:
		return ActionWarn
	default:
		return ActionAllow
	}
}

// Triggered lists the names of guardrails whose decision was not allow, in no
// particular order.
func (r *Result) Triggered() []string {
	var names []string
	for name, d := range r.Details {
		if d != nil && d.Action != ActionAllow {
			names = append(names, name)
		}
	}
	return names
}

// HealthStatus summarizes a guardrail's recent behavior.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health reports check counters and the derived status.
type Health struct {
	Status    HealthStatus `json:"status"`
	LastError string       `json:"last_error,omitempty"`
	Checks    uint64       `json:"checks"`
	Failures  uint64       `json:"failures"`
}

// Config carries kind-specific guardrail settings. Values may come from Go
// literals, JSON, or YAML, so the typed getters accept the usual decoded
// shapes for each type.
type Config map[string]interface{}

// String returns the string at key, or def when absent or not a string.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the bool at key, or def when absent.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Int returns the integer at key, accepting int, int64, and float64.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Float returns the float at key, accepting float64, int, and int64.
func (c Config) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Duration returns the duration at key. Strings parse via
// time.ParseDuration; bare numbers are seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// Strings returns the string slice at key, accepting []string and
// []interface{} of strings.
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map returns the nested map at key, or nil.
func (c Config) Map(key string) map[string]interface{} {
	if v, ok := c[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// StringsMap returns a map of string slices at key, for grouped keyword
// configs like topic lists.
func (c Config) StringsMap(key string) map[string][]string {
	switch v := c[key].(type) {
	case map[string][]string:
		out := make(map[string][]string, len(v))
		for k, items := range v {
			cp := make([]string, len(items))
			copy(cp, items)
			out[k] = cp
		}
		return out
	case map[string]interface{}:
		out := make(map[string][]string, len(v))
		for k, items := range v {
			switch list := items.(type) {
			case []string:
				cp := make([]string, len(list))
				copy(cp, list)
				out[k] = cp
			case []interface{}:
				var cp []string
				for _, item := range list {
					if s, ok := item.(string); ok {
						cp = append(cp, s)
					}
				}
				out[k] = cp
			}
		}
		return out
	}
	return nil
}

// clone returns a shallow copy so constructors can adjust config without
// mutating the caller's map.
func (c Config) clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ConfigurationError identifies the guardrail and field that failed to build.
type ConfigurationError struct {
	Name  string
	Kind  string
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("guardrail ")
	if e.Name != "" {
		fmt.Fprintf(&b, "%q ", e.Name)
	}
	if e.Kind != "" {
		fmt.Fprintf(&b, "(kind %s)", e.Kind)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(name, kind, field string, err error) *ConfigurationError {
	return &ConfigurationError{Name: name, Kind: kind, Field: field, Err: err}
}
