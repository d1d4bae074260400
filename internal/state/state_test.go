package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func tempStatePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.json")
}

func TestNewManager_NoFile(t *testing.T) {
	m, err := NewManager(tempStatePath(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if len(m.PrioritySystems()) != 0 {
		t.Error("fresh manager should have no priority systems")
	}
	if m.LastEventID("alpha") != "" {
		t.Error("fresh manager should have no cursors")
	}
}

func TestNewManager_CorruptFile(t *testing.T) {
	path := tempStatePath(t)
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path); err == nil {
		t.Error("expected error for corrupt state file")
	}
}

func TestPrioritySystems_RoundTrip(t *testing.T) {
	path := tempStatePath(t)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	fps := []uint32{111, 222, 333}
	if err := m.SetPrioritySystems(fps); err != nil {
		t.Fatalf("SetPrioritySystems: %v", err)
	}

	// Reload from disk.
	m2, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := m2.PrioritySystems(); !reflect.DeepEqual(got, fps) {
		t.Errorf("reloaded fingerprints = %v, want %v", got, fps)
	}
}

func TestLastEventIDs_RoundTrip(t *testing.T) {
	path := tempStatePath(t)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.SetLastEventID("alpha", "evt-9"); err != nil {
		t.Fatalf("SetLastEventID: %v", err)
	}
	if err := m.SetLastEventID("beta", "evt-3"); err != nil {
		t.Fatalf("SetLastEventID: %v", err)
	}

	m2, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := m2.LastEventID("alpha"); got != "evt-9" {
		t.Errorf("alpha cursor = %s, want evt-9", got)
	}

	if err := m2.RemoveLastEventID("alpha"); err != nil {
		t.Fatalf("RemoveLastEventID: %v", err)
	}
	m3, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := m3.LastEventID("alpha"); got != "" {
		t.Errorf("removed cursor still present: %s", got)
	}
	if got := m3.LastEventID("beta"); got != "evt-3" {
		t.Errorf("beta cursor = %s, want evt-3", got)
	}
}

func TestSave_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.SetLastEventID("alpha", "evt-1"); err != nil {
		t.Fatalf("SetLastEventID: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("state file not written: %v", err)
	}
}

func TestSave_NoTempFileLeftBehind(t *testing.T) {
	path := tempStatePath(t)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.SetPrioritySystems([]uint32{1}); err != nil {
		t.Fatalf("SetPrioritySystems: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestSave_DiskFormat(t *testing.T) {
	path := tempStatePath(t)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.SetPrioritySystems([]uint32{42}); err != nil {
		t.Fatalf("SetPrioritySystems: %v", err)
	}
	if err := m.SetLastEventID("alpha", "evt-1"); err != nil {
		t.Fatalf("SetLastEventID: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]json.RawMessage
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("state file is not JSON: %v", err)
	}
	if _, ok := onDisk["priority_systems"]; !ok {
		t.Error("missing priority_systems key")
	}
	if _, ok := onDisk["last_event_ids"]; !ok {
		t.Error("missing last_event_ids key")
	}
}
