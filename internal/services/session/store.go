// Package session keeps server-side conversations alive across requests so
// multi-turn analysis can see history that individual HTTP calls do not
// carry. Sessions idle past the TTL are dropped by a janitor goroutine.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

const (
	DefaultTTL      = 30 * time.Minute
	cleanupInterval = time.Minute
)

type entry struct {
	conv *conversation.Conversation
	// Unix nanos, written on the read path outside the map lock.
	lastSeen atomic.Int64
}

func (e *entry) touch(now time.Time) {
	e.lastSeen.Store(now.UnixNano())
}

// Store maps session IDs to live conversations.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

// NewStore creates a session store and starts its janitor. Call Stop when
// the store is no longer needed.
func NewStore(ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		logger:  logger.Named("session"),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// GetOrCreate returns the conversation registered under id, calling build
// to create it on first use. Concurrent callers for the same new id race to
// build, but only one result is kept.
func (s *Store) GetOrCreate(id string, build func() *conversation.Conversation) *conversation.Conversation {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		e.touch(s.now())
		return e.conv
	}

	conv := build()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[id]; ok {
		e.touch(s.now())
		return e.conv
	}
	e = &entry{conv: conv}
	e.touch(s.now())
	s.entries[id] = e
	return conv
}

// Get returns the conversation for id without creating one.
func (s *Store) Get(id string) (*conversation.Conversation, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.touch(s.now())
	return e.conv, true
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stop terminates the janitor goroutine.
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *Store) janitor() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) sweep() {
	cutoff := s.now().Add(-s.ttl).UnixNano()
	s.mu.Lock()
	removed := 0
	for id, e := range s.entries {
		if e.lastSeen.Load() < cutoff {
			delete(s.entries, id)
			removed++
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()
	if removed > 0 {
		s.logger.Debug("Swept idle sessions",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining))
	}
}
