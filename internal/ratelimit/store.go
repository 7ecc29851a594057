// Package ratelimit enforces per-recipient delivery ceilings over fixed
// windows. Counts live in a pluggable store; when the store is unhealthy the
// limiter answers Unknown rather than guessing, and a breaker keeps it from
// hammering a dead backend.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store keeps windowed counters. Keys encode recipient and window; the store
// only needs get and increment-with-ttl.
type Store interface {
	// Count returns the current value for key, or 0 when the key is absent.
	Count(ctx context.Context, key string) (int64, error)

	// Incr increments key and stamps ttl on first write so the window
	// expires on its own.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// memoryStore is the in-process fallback used when no Redis is configured.
// Counters vanish with the process, which is acceptable for a single-node
// deployment.
type memoryStore struct {
	mu sync.Mutex
	m  map[string]*memCounter
}

type memCounter struct {
	n       int64
	expires time.Time
}

func NewMemoryStore() Store {
	return &memoryStore{m: map[string]*memCounter{}}
}

func (s *memoryStore) Count(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.m[key]
	if c == nil || time.Now().After(c.expires) {
		return 0, nil
	}
	return c.n, nil
}

func (s *memoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c := s.m[key]
	if c == nil || now.After(c.expires) {
		c = &memCounter{expires: now.Add(ttl)}
		s.m[key] = c
	}
	c.n++
	return c.n, nil
}

// Prune drops expired counters. Wired to the maintenance schedule so the map
// does not grow without bound.
func (s *memoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, c := range s.m {
		if now.After(c.expires) {
			delete(s.m, k)
			removed++
		}
	}
	return removed
}
