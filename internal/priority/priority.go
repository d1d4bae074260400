// Package priority tracks priority systems as 32-bit fingerprints of
// normalized names. Only fingerprints are stored, never the names
// themselves, so the persisted list reveals nothing about what is tracked.
package priority

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

// Fingerprint hashes a system name after normalization (trim + lowercase).
// Two spellings of the same name always collide, which is the point.
func Fingerprint(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	return h.Sum32()
}

// Store persists the fingerprint list. *state.Manager satisfies it.
type Store interface {
	PrioritySystems() []uint32
	SetPrioritySystems([]uint32) error
}

// Set is the in-memory priority set with O(1) membership tests, backed by a
// persistent store. Fingerprints never expire.
type Set struct {
	mu    sync.RWMutex
	fps   map[uint32]struct{}
	store Store
}

// NewSet loads the persisted fingerprints. A nil store keeps the set
// memory-only.
func NewSet(store Store) *Set {
	s := &Set{
		fps:   make(map[uint32]struct{}),
		store: store,
	}
	if store != nil {
		for _, fp := range store.PrioritySystems() {
			s.fps[fp] = struct{}{}
		}
	}
	return s
}

// Contains reports whether the named system is a priority system.
// Membership depends only on the fingerprint.
func (s *Set) Contains(name string) bool {
	fp := Fingerprint(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fps[fp]
	return ok
}

// Add marks the named system as priority and persists. Idempotent.
func (s *Set) Add(name string) error {
	fp := Fingerprint(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fps[fp]; ok {
		return nil
	}
	s.fps[fp] = struct{}{}
	return s.persistLocked()
}

// Remove drops the named system from the priority set and persists.
func (s *Set) Remove(name string) error {
	fp := Fingerprint(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fps[fp]; !ok {
		return nil
	}
	delete(s.fps, fp)
	return s.persistLocked()
}

// Len returns the number of priority fingerprints.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fps)
}

func (s *Set) persistLocked() error {
	if s.store == nil {
		return nil
	}
	fps := make([]uint32, 0, len(s.fps))
	for fp := range s.fps {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })
	return s.store.SetPrioritySystems(fps)
}
