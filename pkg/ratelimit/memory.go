package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	memoryCleanupInterval = 5 * time.Minute
	memoryIdleTTL         = 25 * time.Hour
)

type memoryEntry struct {
	window *SlidingWindow
	// Unix nanos, written on the read path outside the map lock.
	lastSeen atomic.Int64
}

// MemoryLimiter is the in-process Limiter backend. Each key owns an
// independent SlidingWindow, so contention is per key; a janitor goroutine
// drops keys that have been idle longer than the largest window.
type MemoryLimiter struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	config  Config
	logger  *zap.Logger
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates a memory-backed limiter and starts its janitor.
// Call Stop when the limiter is no longer needed.
func NewMemoryLimiter(config Config, logger *zap.Logger) *MemoryLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &MemoryLimiter{
		entries: make(map[string]*memoryEntry),
		config:  config,
		logger:  logger.Named("ratelimit"),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Check evaluates the key against its class limits and role policy without
// consuming an event.
func (l *MemoryLimiter) Check(_ context.Context, key, role string) *Status {
	scope, limits, exempt := l.config.resolve(key, role)
	if exempt {
		return unlimitedStatus(scope)
	}
	if !limits.Active() {
		return unlimitedStatus(scope)
	}
	st := l.entry(key).window.Check(limits, l.now())
	st.Scope = scope
	return st
}

// Record consumes one event for the key regardless of limits.
func (l *MemoryLimiter) Record(_ context.Context, key string) {
	_, limits, _ := l.config.resolve(key, "")
	l.entry(key).window.Record(l.now(), limits.Horizon())
}

// Allow atomically checks the key and records an event when not exceeded.
func (l *MemoryLimiter) Allow(_ context.Context, key, role string) *Status {
	scope, limits, exempt := l.config.resolve(key, role)
	if exempt {
		return unlimitedStatus(scope)
	}
	if !limits.Active() {
		l.entry(key).window.Record(l.now(), limits.Horizon())
		return unlimitedStatus(scope)
	}
	st := l.entry(key).window.Allow(limits, l.now())
	st.Scope = scope
	return st
}

// Reset discards all recorded events for the key.
func (l *MemoryLimiter) Reset(_ context.Context, key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Stop terminates the janitor goroutine.
func (l *MemoryLimiter) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}

func (l *MemoryLimiter) entry(key string) *memoryEntry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		e.touch(l.now())
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		e.touch(l.now())
		return e
	}
	e = &memoryEntry{window: NewSlidingWindow()}
	e.touch(l.now())
	l.entries[key] = e
	return e
}

func (e *memoryEntry) touch(now time.Time) {
	e.lastSeen.Store(now.UnixNano())
}

func (l *MemoryLimiter) janitor() {
	ticker := time.NewTicker(memoryCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *MemoryLimiter) sweep() {
	cutoff := l.now().Add(-memoryIdleTTL).UnixNano()
	l.mu.Lock()
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Load() < cutoff {
			delete(l.entries, key)
			removed++
		}
	}
	remaining := len(l.entries)
	l.mu.Unlock()
	if removed > 0 {
		l.logger.Debug("Swept idle rate limit keys",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining))
	}
}

// unlimitedStatus is returned for exempt roles and keys without limits.
func unlimitedStatus(scope string) *Status {
	return &Status{Exceeded: false, Scope: scope, Limit: NoLimit, Remaining: NoLimit}
}
