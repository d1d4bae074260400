// Package state provides file-backed persistence for the small set of
// values that must survive restarts: the priority-system fingerprints and
// the per-map SSE backfill cursors. Everything else (dedup window, per-map
// entity caches) is rebuilt from upstream on startup.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Data is the JSON-serialized state structure.
type Data struct {
	// PrioritySystems holds 32-bit fingerprints of normalized system names.
	// Keyed by the literal "priority_systems" on disk.
	PrioritySystems []uint32 `json:"priority_systems,omitempty"`

	// LastEventIDs maps map slug to the last SSE event ID forwarded, used
	// for backfill across process restarts.
	LastEventIDs map[string]string `json:"last_event_ids,omitempty"`
}

// Manager provides thread-safe persistence of notifier state.
type Manager struct {
	mu   sync.RWMutex
	path string
	data Data
}

// NewManager creates a manager that persists to the given path. If the file
// exists, its contents are loaded.
func NewManager(path string) (*Manager, error) {
	m := &Manager{
		path: path,
		data: Data{LastEventIDs: make(map[string]string)},
	}
	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return m, nil
}

// PrioritySystems returns a copy of the persisted fingerprints.
func (m *Manager) PrioritySystems() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint32, len(m.data.PrioritySystems))
	copy(out, m.data.PrioritySystems)
	return out
}

// SetPrioritySystems replaces the persisted fingerprint list.
func (m *Manager) SetPrioritySystems(fps []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.PrioritySystems = make([]uint32, len(fps))
	copy(m.data.PrioritySystems, fps)
	return m.saveLocked()
}

// LastEventID returns the persisted backfill cursor for a map slug.
func (m *Manager) LastEventID(slug string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LastEventIDs[slug]
}

// SetLastEventID persists the backfill cursor for a map slug.
func (m *Manager) SetLastEventID(slug, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data.LastEventIDs == nil {
		m.data.LastEventIDs = make(map[string]string)
	}
	m.data.LastEventIDs[slug] = id
	return m.saveLocked()
}

// RemoveLastEventID drops the cursor for a removed map.
func (m *Manager) RemoveLastEventID(slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.LastEventIDs, slug)
	return m.saveLocked()
}

func (m *Manager) load() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse %s: %w", m.path, err)
	}
	if data.LastEventIDs == nil {
		data.LastEventIDs = make(map[string]string)
	}
	m.data = data
	return nil
}

// saveLocked writes the state atomically (temp file + rename). Callers hold
// the write lock.
func (m *Manager) saveLocked() error {
	raw, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
