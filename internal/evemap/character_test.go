package evemap

import (
	"errors"
	"testing"
)

func TestCharacterFromPayload_Flat(t *testing.T) {
	ch, err := CharacterFromPayload(map[string]any{
		"character_id":       "91000001",
		"name":               "Pilot One",
		"corporation_id":     float64(109299958),
		"corporation_ticker": "CORP",
		"alliance_ticker":    "ALLY",
		"tracked":            true,
	})
	if err != nil {
		t.Fatalf("CharacterFromPayload: %v", err)
	}
	if ch.CharacterID != "91000001" || ch.Name != "Pilot One" {
		t.Errorf("identity = %s/%s", ch.CharacterID, ch.Name)
	}
	if ch.CorporationID != 109299958 || ch.CorporationTicker != "CORP" {
		t.Errorf("corp = %d/%s", ch.CorporationID, ch.CorporationTicker)
	}
	if !ch.Tracked {
		t.Error("Tracked should be true")
	}
}

func TestCharacterFromPayload_Nested(t *testing.T) {
	ch, err := CharacterFromPayload(map[string]any{
		"character": map[string]any{
			"eve_id": "91000002",
			"name":   "Pilot Two",
		},
		"tracked": true,
	})
	if err != nil {
		t.Fatalf("CharacterFromPayload: %v", err)
	}
	if ch.CharacterID != "91000002" {
		t.Errorf("CharacterID = %s, want eve_id fallback", ch.CharacterID)
	}
	if !ch.Tracked {
		t.Error("outer tracked flag should apply to the nested identity")
	}
}

func TestCharacterFromPayload_NumericID(t *testing.T) {
	ch, err := CharacterFromPayload(map[string]any{
		"character_id": float64(91000003),
		"name":         "Pilot Three",
	})
	if err != nil {
		t.Fatalf("CharacterFromPayload: %v", err)
	}
	if ch.CharacterID != "91000003" {
		t.Errorf("CharacterID = %s, want numeric coerced to string", ch.CharacterID)
	}
}

func TestCharacterFromPayload_MissingID(t *testing.T) {
	_, err := CharacterFromPayload(map[string]any{"name": "No ID"})
	if !errors.Is(err, errMissingCharacterID) {
		t.Errorf("err = %v, want errMissingCharacterID", err)
	}
}

func TestCharacterFromPayload_ZeroID(t *testing.T) {
	_, err := CharacterFromPayload(map[string]any{"character_id": "0", "name": "Zero"})
	if !errors.Is(err, errMissingCharacterID) {
		t.Errorf("err = %v, want errMissingCharacterID", err)
	}
}

func TestCharacterFromPayload_MissingName(t *testing.T) {
	_, err := CharacterFromPayload(map[string]any{"character_id": "91000004"})
	if !errors.Is(err, errMissingCharacterName) {
		t.Errorf("err = %v, want errMissingCharacterName", err)
	}
}

func TestMergeCharacterPayload_PartialUpdate(t *testing.T) {
	ch := &Character{
		CharacterID:       "91000001",
		Name:              "Pilot One",
		CorporationTicker: "CORP",
	}
	MergeCharacterPayload(ch, map[string]any{"alliance_ticker": "ALLY"})

	if ch.AllianceTicker != "ALLY" {
		t.Errorf("AllianceTicker = %q, want ALLY", ch.AllianceTicker)
	}
	if ch.Name != "Pilot One" || ch.CorporationTicker != "CORP" {
		t.Error("fields absent from the payload must not change")
	}
}

func TestMergeCharacterPayload_Nested(t *testing.T) {
	ch := &Character{CharacterID: "91000001", Name: "Old Name"}
	MergeCharacterPayload(ch, map[string]any{
		"character": map[string]any{"name": "New Name"},
		"tracked":   true,
	})
	if ch.Name != "New Name" {
		t.Errorf("Name = %q, want New Name", ch.Name)
	}
	if !ch.Tracked {
		t.Error("outer tracked flag should apply")
	}
}
