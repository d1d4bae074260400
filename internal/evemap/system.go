// Package evemap holds the domain types shared across the notifier: solar
// systems, tracked characters, and killmails, plus the payload parsing that
// turns loosely-typed map API JSON into validated records.
package evemap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SystemType classifies a solar system by its space category.
type SystemType string

const (
	SystemWormhole SystemType = "wormhole"
	SystemHighsec  SystemType = "highsec"
	SystemLowsec   SystemType = "lowsec"
	SystemNullsec  SystemType = "nullsec"
	SystemPochven  SystemType = "pochven"
	SystemAbyssal  SystemType = "abyssal"
	SystemUnknown  SystemType = "unknown"
)

// StaticDetail describes one wormhole static exit.
type StaticDetail struct {
	Name        string            `json:"name"`
	Destination StaticDestination `json:"destination"`
	Properties  StaticProperties  `json:"properties"`
}

// StaticDestination identifies where a static leads.
type StaticDestination struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
}

// StaticProperties holds the wormhole physics attributes.
type StaticProperties struct {
	Lifetime         string `json:"lifetime"`
	MaxJumpMass      int64  `json:"max_jump_mass"`
	MaxMass          int64  `json:"max_mass"`
	MassRegeneration int64  `json:"mass_regeneration"`
}

// System is a tracked solar system. Created from a map event or bulk fetch,
// optionally enriched once with static-info data, cached per map.
type System struct {
	SolarSystemID int64
	Name          string
	OriginalName  string
	Type          SystemType
	ClassTitle    string
	EffectName    string
	IsShattered   bool
	RegionName    string
	StaticDetails []StaticDetail
	SunTypeID     int64
}

// DisplayName prefers the user-assigned name, falling back to the original.
func (s *System) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.OriginalName
}

// IsWormhole reports whether the system lives in J-space.
func (s *System) IsWormhole() bool {
	return s.Type == SystemWormhole
}

var errMissingSystemID = errors.New("missing solar_system_id")

// SystemFromPayload builds a System from an event payload. solar_system_id
// is required; everything else is tolerated missing. Integer fields are
// parsed once here regardless of whether the JSON carried them as numbers
// or strings.
func SystemFromPayload(p map[string]any) (*System, error) {
	id, ok := asInt64(p["solar_system_id"])
	if !ok || id == 0 {
		return nil, errMissingSystemID
	}

	sys := &System{
		SolarSystemID: id,
		Name:          asString(p["name"]),
		OriginalName:  asString(p["original_name"]),
		ClassTitle:    asString(p["class_title"]),
		EffectName:    asString(p["effect_name"]),
		IsShattered:   asBool(p["is_shattered"]),
		RegionName:    asString(p["region_name"]),
	}
	if sys.OriginalName == "" {
		sys.OriginalName = asString(p["temporary_name"])
	}
	if sun, ok := asInt64(p["sun_type_id"]); ok {
		sys.SunTypeID = sun
	}
	sys.Type = classify(id, p)
	return sys, nil
}

// MergeSystemPayload applies a system_metadata_changed payload onto an
// existing system, touching only the fields present in the payload.
func MergeSystemPayload(sys *System, p map[string]any) {
	if v, ok := p["name"]; ok {
		sys.Name = asString(v)
	}
	if v, ok := p["original_name"]; ok {
		sys.OriginalName = asString(v)
	}
	if v, ok := p["class_title"]; ok {
		sys.ClassTitle = asString(v)
	}
	if v, ok := p["effect_name"]; ok {
		sys.EffectName = asString(v)
	}
	if v, ok := p["is_shattered"]; ok {
		sys.IsShattered = asBool(v)
	}
	if v, ok := p["region_name"]; ok {
		sys.RegionName = asString(v)
	}
	if v, ok := p["sun_type_id"]; ok {
		if n, good := asInt64(v); good {
			sys.SunTypeID = n
		}
	}
}

// classify derives the space category from the explicit payload field when
// present, otherwise from the EVE solar system ID range and security.
func classify(id int64, p map[string]any) SystemType {
	if t := asString(p["system_type"]); t != "" {
		switch SystemType(strings.ToLower(t)) {
		case SystemWormhole, SystemHighsec, SystemLowsec, SystemNullsec, SystemPochven, SystemAbyssal:
			return SystemType(strings.ToLower(t))
		}
	}
	switch {
	case id >= 31000000 && id < 32000000:
		return SystemWormhole
	case id >= 32000000 && id < 33000000:
		return SystemAbyssal
	case id >= 30000000 && id < 31000000:
		if asString(p["region_name"]) == "Pochven" {
			return SystemPochven
		}
		if sec, ok := asFloat64(p["security"]); ok {
			switch {
			case sec >= 0.45:
				return SystemHighsec
			case sec > 0:
				return SystemLowsec
			default:
				return SystemNullsec
			}
		}
		return SystemUnknown
	default:
		return SystemUnknown
	}
}

// --- loose JSON scalar coercion ---

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case string:
		if x == "" {
			return 0, false
		}
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		if x == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(x)
		return err == nil && b
	default:
		return false
	}
}
