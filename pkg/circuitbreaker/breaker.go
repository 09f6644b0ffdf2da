// Package circuitbreaker provides a small consecutive-failure breaker used
// to stop hammering an unavailable remote classifier.
package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker opens after a number of consecutive failures and closes again
// once the cooldown has passed.
type Breaker struct {
	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool

	threshold int
	cooldown  time.Duration
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed. An open breaker closes again
// after its cooldown, letting traffic probe the backend.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.openedAt) > b.cooldown {
		b.open = false
		b.failures = 0
		return true
	}
	return false
}

// Success resets the failure streak and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// Failure records a failed call, opening the breaker once the streak
// reaches the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = time.Now()
	}
}

// State returns whether the breaker is open and the current failure streak.
func (b *Breaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, b.failures
}

// Group lazily manages one breaker per name, sharing a configuration.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	threshold int
	cooldown  time.Duration
}

// NewGroup creates an empty breaker group.
func NewGroup(threshold int, cooldown time.Duration) *Group {
	return &Group{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// For returns the breaker for a name, creating it on first use.
func (g *Group) For(name string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[name]; ok {
		return b
	}
	b = New(g.threshold, g.cooldown)
	g.breakers[name] = b
	return b
}

// States reports every breaker's state, keyed by name.
func (g *Group) States() map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]bool, len(g.breakers))
	for name, b := range g.breakers {
		open, _ := b.State()
		out[name] = open
	}
	return out
}
