package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Store is a process-wide TTL keyed store. Expired entries are dropped
// lazily on read; there is no background eviction.
type Store struct {
	mu  sync.RWMutex
	m   map[string]entry
	now func() time.Time
}

func New() *Store {
	return &Store{
		m:   map[string]entry{},
		now: time.Now,
	}
}

// NewWithClock allows tests to control expiry.
func NewWithClock(now func() time.Time) *Store {
	s := New()
	s.now = now
	return s
}

// Get returns the stored value, or ok=false when the key is absent or expired.
// An entry is visible iff now < expires_at.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		// re-check under the write lock; a fresh Set may have raced us
		if cur, ok := s.m[key]; ok && !s.now().Before(cur.expiresAt) {
			delete(s.m, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value with expires_at = now + ttl, overwriting any prior entry.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	exp := s.now().Add(ttl)
	s.mu.Lock()
	s.m[key] = entry{value: value, expiresAt: exp}
	s.mu.Unlock()
}

// Delete removes a key regardless of expiry.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Len reports live (non-expired) entries.
func (s *Store) Len() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.m {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}
