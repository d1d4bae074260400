package evemap

import (
	"errors"
	"testing"
	"time"
)

const sampleKillmail = `{
	"killmail_id": 128000001,
	"solar_system_id": 31000005,
	"system_name": "J123456",
	"kill_time": "2026-08-20T14:30:00Z",
	"victim": {
		"character_name": "Unlucky Pilot",
		"ship_name": "Drake",
		"corporation_name": "Unlucky Corp"
	},
	"attackers": [{}, {}, {}],
	"zkb": {"total_value": 245000000.5}
}`

func TestParseKillmail(t *testing.T) {
	km, err := ParseKillmail([]byte(sampleKillmail))
	if err != nil {
		t.Fatalf("ParseKillmail: %v", err)
	}
	if km.KillmailID != 128000001 {
		t.Errorf("KillmailID = %d", km.KillmailID)
	}
	if km.SolarSystemID != 31000005 {
		t.Errorf("SolarSystemID = %d", km.SolarSystemID)
	}
	if km.VictimName != "Unlucky Pilot" || km.VictimShip != "Drake" || km.VictimCorp != "Unlucky Corp" {
		t.Errorf("victim = %s/%s/%s", km.VictimName, km.VictimShip, km.VictimCorp)
	}
	if km.AttackerCount != 3 {
		t.Errorf("AttackerCount = %d, want 3", km.AttackerCount)
	}
	if km.TotalValue != 245000000.5 {
		t.Errorf("TotalValue = %v", km.TotalValue)
	}
	want := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	if !km.OccurredAt.Equal(want) {
		t.Errorf("OccurredAt = %v, want %v", km.OccurredAt, want)
	}
}

func TestParseKillmail_MissingID(t *testing.T) {
	_, err := ParseKillmail([]byte(`{"solar_system_id": 31000005}`))
	if !errors.Is(err, errMissingKillmailID) {
		t.Errorf("err = %v, want errMissingKillmailID", err)
	}
}

func TestParseKillmail_MissingSystem(t *testing.T) {
	if _, err := ParseKillmail([]byte(`{"killmail_id": 1}`)); err == nil {
		t.Error("expected error for missing solar_system_id")
	}
}

func TestParseKillmail_MalformedJSON(t *testing.T) {
	if _, err := ParseKillmail([]byte(`{not json`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestParseKillmail_BadKillTimeTolerated(t *testing.T) {
	km, err := ParseKillmail([]byte(`{"killmail_id": 2, "solar_system_id": 31000005, "kill_time": "yesterday"}`))
	if err != nil {
		t.Fatalf("ParseKillmail: %v", err)
	}
	if !km.OccurredAt.IsZero() {
		t.Errorf("OccurredAt = %v, want zero for unparseable kill_time", km.OccurredAt)
	}
}

func TestDedupKey(t *testing.T) {
	km := &Killmail{KillmailID: 128000001}
	if km.DedupKey() != "kill:128000001" {
		t.Errorf("DedupKey = %s", km.DedupKey())
	}
}
