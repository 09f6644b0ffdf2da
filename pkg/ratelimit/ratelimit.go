// Package ratelimit provides sliding-window rate limiting keyed by opaque
// strings, with per-class limits, role overrides, and exemptions. Two
// backends implement the same contract: an in-process memory limiter and a
// Redis limiter for multi-instance deployments.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Limit semantics: a positive value caps events in the window, zero forbids
// all events in the window, a negative value disables the window.
const NoLimit = -1

// Limits caps event counts per sliding window. Build values with NewLimits
// or LimitsFromMap; the zero value is treated as unlimited.
type Limits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// NewLimits builds Limits from explicit window caps.
func NewLimits(perMinute, perHour, perDay int) Limits {
	return Limits{PerMinute: perMinute, PerHour: perHour, PerDay: perDay}
}

// Unlimited returns Limits with every window disabled.
func Unlimited() Limits {
	return Limits{PerMinute: NoLimit, PerHour: NoLimit, PerDay: NoLimit}
}

// PerMinuteLimit returns Limits capping only the minute window.
func PerMinuteLimit(n int) Limits {
	return Limits{PerMinute: n, PerHour: NoLimit, PerDay: NoLimit}
}

// LimitsFromMap builds Limits from a configuration map. Missing keys map to
// NoLimit, so a map that only sets per_minute leaves the other windows open.
func LimitsFromMap(m map[string]interface{}) Limits {
	get := func(key string) int {
		v, ok := m[key]
		if !ok {
			return NoLimit
		}
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		default:
			return NoLimit
		}
	}
	return Limits{
		PerMinute: get("per_minute"),
		PerHour:   get("per_hour"),
		PerDay:    get("per_day"),
	}
}

// IsZero reports whether l is the zero value, which is treated as unlimited.
func (l Limits) IsZero() bool {
	return l == Limits{}
}

func (l Limits) normalized() Limits {
	if l.IsZero() {
		return Unlimited()
	}
	return l
}

// Active reports whether any window carries a limit.
func (l Limits) Active() bool {
	l = l.normalized()
	return l.PerMinute >= 0 || l.PerHour >= 0 || l.PerDay >= 0
}

// Horizon returns the retention span needed to evaluate every active window.
func (l Limits) Horizon() time.Duration {
	l = l.normalized()
	switch {
	case l.PerDay >= 0:
		return 24 * time.Hour
	case l.PerHour >= 0:
		return time.Hour
	default:
		return time.Minute
	}
}

type windowDef struct {
	name  string
	span  time.Duration
	limit int
}

func (l Limits) windows() []windowDef {
	l = l.normalized()
	return []windowDef{
		{name: "minute", span: time.Minute, limit: l.PerMinute},
		{name: "hour", span: time.Hour, limit: l.PerHour},
		{name: "day", span: 24 * time.Hour, limit: l.PerDay},
	}
}

// Status is the outcome of a rate limit check.
type Status struct {
	Exceeded  bool      `json:"exceeded"`
	Reason    string    `json:"reason,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RolePolicy overrides per-class limits for principals carrying a matching
// role. Nil windows leave the class limit in place; Exempt bypasses limiting
// entirely.
type RolePolicy struct {
	PerMinute *int `json:"per_minute,omitempty" mapstructure:"per_minute"`
	PerHour   *int `json:"per_hour,omitempty" mapstructure:"per_hour"`
	PerDay    *int `json:"per_day,omitempty" mapstructure:"per_day"`
	Exempt    bool `json:"exempt,omitempty" mapstructure:"exempt"`
}

func (p RolePolicy) apply(base Limits) Limits {
	out := base.normalized()
	if p.PerMinute != nil {
		out.PerMinute = *p.PerMinute
	}
	if p.PerHour != nil {
		out.PerHour = *p.PerHour
	}
	if p.PerDay != nil {
		out.PerDay = *p.PerDay
	}
	return out
}

// Config drives both limiter backends. Classes are keyed by the segment
// before the first ':' in a limit key ("user:alice" belongs to class
// "user"); keys without a matching class fall back to Default. Roles are
// keyed by a token matched case-insensitively against the principal's role,
// exact match first, then substring.
type Config struct {
	Default  Limits                `json:"default" mapstructure:"-"`
	Classes  map[string]Limits     `json:"classes" mapstructure:"-"`
	Roles    map[string]RolePolicy `json:"roles" mapstructure:"roles"`
	FailMode string                `json:"fail_mode" mapstructure:"fail_mode"`
}

func (c Config) limitsFor(key string) (string, Limits) {
	class := "default"
	if i := strings.IndexByte(key, ':'); i > 0 {
		class = key[:i]
	}
	if l, ok := c.Classes[class]; ok {
		return class, l.normalized()
	}
	return class, c.Default.normalized()
}

// rolePolicy resolves the policy for a role, if any. Exact matches win over
// substring matches; substring candidates are tried in sorted token order so
// resolution is deterministic.
func (c Config) rolePolicy(role string) (RolePolicy, bool) {
	if role == "" || len(c.Roles) == 0 {
		return RolePolicy{}, false
	}
	lower := strings.ToLower(role)
	for token, policy := range c.Roles {
		if strings.ToLower(token) == lower {
			return policy, true
		}
	}
	tokens := make([]string, 0, len(c.Roles))
	for token := range c.Roles {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		if strings.Contains(lower, strings.ToLower(token)) {
			return c.Roles[token], true
		}
	}
	return RolePolicy{}, false
}

func (c Config) resolve(key, role string) (string, Limits, bool) {
	scope, limits := c.limitsFor(key)
	if policy, ok := c.rolePolicy(role); ok {
		if policy.Exempt {
			return scope, limits, true
		}
		limits = policy.apply(limits)
	}
	return scope, limits, false
}

// Limiter is the contract shared by the memory and Redis backends. Check
// inspects without consuming; Record consumes unconditionally; Allow is an
// atomic check-and-record that consumes only when not exceeded.
type Limiter interface {
	Check(ctx context.Context, key, role string) *Status
	Record(ctx context.Context, key string)
	Allow(ctx context.Context, key, role string) *Status
	Reset(ctx context.Context, key string)
}

// SlidingWindow is a timestamp log implementing the sliding-window
// algorithm. Conversations reuse it for their per-conversation limits.
type SlidingWindow struct {
	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindow returns an empty window log.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{}
}

// Record appends now and evicts entries older than horizon.
func (w *SlidingWindow) Record(now time.Time, horizon time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now, horizon)
	w.events = append(w.events, now)
}

// Check evaluates every active window against the log. The returned Status
// reflects the first exceeded window, or the most constrained one when none
// is exceeded.
func (w *SlidingWindow) Check(limits Limits, now time.Time) *Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.check(limits, now)
}

// Allow atomically checks and, when not exceeded, records now. Remaining in
// the returned Status accounts for the event just recorded.
func (w *SlidingWindow) Allow(limits Limits, now time.Time) *Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.check(limits, now)
	if !st.Exceeded {
		w.events = append(w.events, now)
		if st.Remaining > 0 {
			st.Remaining--
		}
	}
	return st
}

// Len returns the number of retained events.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

// LastEvent returns the newest retained timestamp, if any.
func (w *SlidingWindow) LastEvent() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.events) == 0 {
		return time.Time{}, false
	}
	return w.events[len(w.events)-1], true
}

func (w *SlidingWindow) evict(now time.Time, horizon time.Duration) {
	cutoff := now.Add(-horizon)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (w *SlidingWindow) check(limits Limits, now time.Time) *Status {
	limits = limits.normalized()
	w.evict(now, limits.Horizon())

	best := &Status{Exceeded: false, Limit: NoLimit, Remaining: NoLimit, ResetAt: now}
	for _, def := range limits.windows() {
		if def.limit < 0 {
			continue
		}
		start := now.Add(-def.span)
		count, oldest := w.countSince(start)
		if def.limit == 0 {
			return &Status{
				Exceeded:  true,
				Reason:    fmt.Sprintf("all requests forbidden in the %s window", def.name),
				Limit:     0,
				Remaining: 0,
				ResetAt:   now.Add(def.span),
			}
		}
		if count >= def.limit {
			return &Status{
				Exceeded:  true,
				Reason:    fmt.Sprintf("limit of %d per %s exceeded", def.limit, def.name),
				Limit:     def.limit,
				Remaining: 0,
				ResetAt:   oldest.Add(def.span),
			}
		}
		remaining := def.limit - count
		if best.Remaining < 0 || remaining < best.Remaining {
			reset := now
			if count > 0 {
				reset = oldest.Add(def.span)
			}
			best = &Status{Limit: def.limit, Remaining: remaining, ResetAt: reset}
		}
	}
	return best
}

// countSince returns the number of events after start and the oldest such
// event. The log is in append order, so the scan stops at the first match.
func (w *SlidingWindow) countSince(start time.Time) (int, time.Time) {
	i := sort.Search(len(w.events), func(i int) bool {
		return w.events[i].After(start)
	})
	if i == len(w.events) {
		return 0, time.Time{}
	}
	return len(w.events) - i, w.events[i]
}
