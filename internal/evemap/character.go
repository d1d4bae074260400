package evemap

import "errors"

// Character is a tracked pilot identity. character_id and name are required;
// corporation/alliance affiliation is optional.
type Character struct {
	CharacterID       string
	Name              string
	CorporationID     int64
	CorporationTicker string
	AllianceID        int64
	AllianceTicker    string
	Tracked           bool
}

var (
	errMissingCharacterID   = errors.New("missing character_id")
	errMissingCharacterName = errors.New("missing name")
)

// CharacterFromPayload builds a Character from an event payload. Nested
// payloads wrap the identity under a "character" key; both shapes are
// accepted. Integer fields are parsed once at construction.
func CharacterFromPayload(p map[string]any) (*Character, error) {
	if nested, ok := p["character"].(map[string]any); ok {
		// Outer payload may carry "tracked" next to the nested identity.
		ch, err := CharacterFromPayload(nested)
		if err != nil {
			return nil, err
		}
		if v, ok := p["tracked"]; ok {
			ch.Tracked = asBool(v)
		}
		return ch, nil
	}

	id := asString(p["character_id"])
	if id == "" {
		id = asString(p["eve_id"])
	}
	if id == "" || id == "0" {
		return nil, errMissingCharacterID
	}
	name := asString(p["name"])
	if name == "" {
		return nil, errMissingCharacterName
	}

	ch := &Character{
		CharacterID:       id,
		Name:              name,
		CorporationTicker: asString(p["corporation_ticker"]),
		AllianceTicker:    asString(p["alliance_ticker"]),
		Tracked:           asBool(p["tracked"]),
	}
	if n, ok := asInt64(p["corporation_id"]); ok {
		ch.CorporationID = n
	}
	if n, ok := asInt64(p["alliance_id"]); ok {
		ch.AllianceID = n
	}
	return ch, nil
}

// MergeCharacterPayload applies a character_updated payload onto an existing
// character, touching only the fields present in the payload.
func MergeCharacterPayload(ch *Character, p map[string]any) {
	if nested, ok := p["character"].(map[string]any); ok {
		MergeCharacterPayload(ch, nested)
		if v, ok := p["tracked"]; ok {
			ch.Tracked = asBool(v)
		}
		return
	}
	if v, ok := p["name"]; ok {
		ch.Name = asString(v)
	}
	if v, ok := p["corporation_id"]; ok {
		if n, good := asInt64(v); good {
			ch.CorporationID = n
		}
	}
	if v, ok := p["corporation_ticker"]; ok {
		ch.CorporationTicker = asString(v)
	}
	if v, ok := p["alliance_id"]; ok {
		if n, good := asInt64(v); good {
			ch.AllianceID = n
		}
	}
	if v, ok := p["alliance_ticker"]; ok {
		ch.AllianceTicker = asString(v)
	}
	if v, ok := p["tracked"]; ok {
		ch.Tracked = asBool(v)
	}
}
