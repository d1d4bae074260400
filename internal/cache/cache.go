// Package cache provides a concurrent TTL key-value store used for the
// per-map system/character caches, static-info enrichment results, and the
// notification dedup window.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a TTL cache. Reads are lock-shared; expiry is checked lazily on
// access and swept by the optional janitor.
type Store struct {
	mu    sync.RWMutex
	items map[string]entry
	sf    singleflight.Group

	// now is the clock, overridable in tests.
	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// Get returns the value for key, or false if absent or expired.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || e.expired(s.now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. ttl <= 0 means the entry never expires.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = entry{value: value, expiresAt: exp}
	s.mu.Unlock()
}

// SetNX stores value under key only if the key is absent (or expired).
// Returns true if the value was stored. This is the dedup primitive: the
// first caller wins the insert.
func (s *Store) SetNX(key string, value any, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && !e.expired(s.now()) {
		return false
	}
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.items[key] = entry{value: value, expiresAt: exp}
	return true
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// DeletePrefix removes every key with the given prefix and returns the
// number of entries removed. Used to purge all cache rows for a map slug.
func (s *Store) DeletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// KeysPrefix returns all live keys with the given prefix.
func (s *Store) KeysPrefix(prefix string) []string {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, e := range s.items {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of entries, including not-yet-swept expired ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// GetOrFetch returns the cached value for key, or invokes fetch to produce
// it. Concurrent fetches for the same key are coalesced so the upstream
// sees a single request.
func (s *Store) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := s.Get(key); ok {
		return v, nil
	}
	v, err, _ := s.sf.Do(key, func() (any, error) {
		if v, ok := s.Get(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// StartJanitor sweeps expired entries every interval until ctx is canceled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Store) sweep() {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
