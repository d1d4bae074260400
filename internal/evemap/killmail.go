package evemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Killmail is a kill event from the killmail feed, reduced to the fields the
// notifier renders and correlates on.
type Killmail struct {
	KillmailID    int64
	SolarSystemID int64
	SystemName    string
	VictimName    string
	VictimShip    string
	VictimCorp    string
	AttackerCount int
	TotalValue    float64
	OccurredAt    time.Time
}

// DedupKey returns the stable fingerprint used for the dedup window.
func (k *Killmail) DedupKey() string {
	return fmt.Sprintf("kill:%d", k.KillmailID)
}

var errMissingKillmailID = errors.New("missing killmail_id")

// killmailJSON matches the wire shape from the killmail feed. Fields the
// notifier does not use are ignored.
type killmailJSON struct {
	KillmailID    int64  `json:"killmail_id"`
	SolarSystemID int64  `json:"solar_system_id"`
	SystemName    string `json:"system_name"`
	KillTime      string `json:"kill_time"`
	Victim        struct {
		CharacterName   string `json:"character_name"`
		ShipName        string `json:"ship_name"`
		CorporationName string `json:"corporation_name"`
	} `json:"victim"`
	Attackers []json.RawMessage `json:"attackers"`
	ZKB       struct {
		TotalValue float64 `json:"total_value"`
	} `json:"zkb"`
}

// ParseKillmail decodes a killmail feed message. killmail_id and
// solar_system_id are required.
func ParseKillmail(data []byte) (*Killmail, error) {
	var raw killmailJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode killmail: %w", err)
	}
	if raw.KillmailID == 0 {
		return nil, errMissingKillmailID
	}
	if raw.SolarSystemID == 0 {
		return nil, errors.New("missing solar_system_id")
	}

	km := &Killmail{
		KillmailID:    raw.KillmailID,
		SolarSystemID: raw.SolarSystemID,
		SystemName:    raw.SystemName,
		VictimName:    raw.Victim.CharacterName,
		VictimShip:    raw.Victim.ShipName,
		VictimCorp:    raw.Victim.CorporationName,
		AttackerCount: len(raw.Attackers),
		TotalValue:    raw.ZKB.TotalValue,
	}
	if raw.KillTime != "" {
		if t, err := time.Parse(time.RFC3339, raw.KillTime); err == nil {
			km.OccurredAt = t
		}
	}
	return km, nil
}
