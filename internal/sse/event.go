// Package sse maintains the per-map streaming connections to the map
// service: SSE framing, event validation, the reconnect state machine, and
// the supervisor that keeps one client alive per registered map.
package sse

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultEvents is the event set subscribed when a map config carries no
// event_filter.
var DefaultEvents = []string{
	"add_system",
	"deleted_system",
	"system_metadata_changed",
	"character_added",
	"character_removed",
	"character_updated",
	"rally_point_added",
	"rally_point_removed",
}

// Event is a validated SSE event. ID and Type are always present; connected
// events carry ServerTime instead of Timestamp/Payload.
type Event struct {
	ID         string
	Type       string
	MapID      string
	Timestamp  time.Time
	ServerTime time.Time
	Payload    map[string]any
}

// frame is one raw SSE frame: the header fields plus accumulated data lines.
type frame struct {
	id    string
	event string
	data  []string
}

func (f *frame) empty() bool {
	return f.id == "" && f.event == "" && len(f.data) == 0
}

func (f *frame) reset() {
	f.id = ""
	f.event = ""
	f.data = f.data[:0]
}

// joinedData returns the data lines joined by newlines, per the SSE spec.
func (f *frame) joinedData() string {
	return strings.Join(f.data, "\n")
}

// parseFrame converts a raw frame into a validated Event by merging
// {type: event-header, id: id-header, ...JSON-decoded-data}; fields in the
// data body win over the headers. Returns an error naming the missing
// fields when validation fails.
func parseFrame(f *frame) (*Event, error) {
	merged := map[string]any{}
	if len(f.data) > 0 {
		if err := json.Unmarshal([]byte(f.joinedData()), &merged); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
	}
	if _, ok := merged["type"]; !ok && f.event != "" {
		merged["type"] = f.event
	}
	if _, ok := merged["id"]; !ok && f.id != "" {
		merged["id"] = f.id
	}

	ev := &Event{
		ID:    stringField(merged, "id"),
		Type:  stringField(merged, "type"),
		MapID: stringField(merged, "map_id"),
	}

	var missing []string
	if ev.ID == "" {
		missing = append(missing, "id")
	}
	if ev.Type == "" {
		missing = append(missing, "type")
	}
	if ev.MapID == "" {
		missing = append(missing, "map_id")
	}

	if ev.Type == "connected" {
		st := stringField(merged, "server_time")
		if st == "" {
			missing = append(missing, "server_time")
		} else if t, err := time.Parse(time.RFC3339, st); err == nil {
			ev.ServerTime = t
		}
	} else {
		ts := stringField(merged, "timestamp")
		if ts == "" {
			missing = append(missing, "timestamp")
		} else {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
			}
			ev.Timestamp = t
		}
		payload, ok := merged["payload"].(map[string]any)
		if !ok {
			missing = append(missing, "payload")
		} else {
			ev.Payload = payload
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("event missing required fields: %s", strings.Join(missing, ", "))
	}
	return ev, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
