package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire shapes for the subset of the HA WebSocket protocol the normalizer
// understands. Everything else rides along in Raw.
type haFrame struct {
	ID    int      `json:"id"`
	Type  string   `json:"type"`
	Event *haEvent `json:"event"`
}

type haEvent struct {
	EventType string                 `json:"event_type"`
	Data      json.RawMessage        `json:"data"`
	TimeFired string                 `json:"time_fired"`
	Context   map[string]interface{} `json:"context"`
}

type haStateChangedData struct {
	EntityID string   `json:"entity_id"`
	OldState *haState `json:"old_state"`
	NewState *haState `json:"new_state"`
}

type haState struct {
	State       interface{}            `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged string                 `json:"last_changed"`
	LastUpdated string                 `json:"last_updated"`
}

type haServiceCallData struct {
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data"`
}

// NormalizeHA converts a decoded HA WebSocket event frame into an Event.
// The frame must have type "event" and carry an event object; anything
// else is a protocol error for the caller to handle.
func NormalizeHA(raw []byte) (*Event, error) {
	var frame haFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode ha frame: %w", err)
	}
	if frame.Type != "event" || frame.Event == nil {
		return nil, fmt.Errorf("not an event frame: type=%q", frame.Type)
	}

	ev := &Event{
		ID:        nextHAID(),
		Source:    SourceHomeAssistant,
		Timestamp: parseHATime(frame.Event.TimeFired),
		Context:   frame.Event.Context,
		Raw:       raw,
	}
	if frame.ID > 0 {
		ev.ID = fmt.Sprintf("ha_%d", frame.ID)
	}

	switch frame.Event.EventType {
	case "state_changed":
		ev.Type = TypeStateChanged
		var data haStateChangedData
		if err := json.Unmarshal(frame.Event.Data, &data); err != nil {
			return nil, fmt.Errorf("decode state_changed data: %w", err)
		}
		ev.EntityID = data.EntityID
		ev.Domain = domainOf(data.EntityID)
		ev.OldState = snapshotOf(data.OldState)
		ev.NewState = snapshotOf(data.NewState)
		if data.NewState != nil {
			ev.Attributes = data.NewState.Attributes
		}

	case "call_service":
		ev.Type = TypeServiceCalled
		var data haServiceCallData
		if err := json.Unmarshal(frame.Event.Data, &data); err != nil {
			return nil, fmt.Errorf("decode call_service data: %w", err)
		}
		ev.Domain = data.Domain
		ev.Attributes = map[string]interface{}{
			"service":      data.Service,
			"service_data": data.ServiceData,
		}

	case "automation_triggered":
		ev.Type = TypeAutomationTriggered

	default:
		ev.Type = TypeUnknown
	}

	return ev, nil
}

func snapshotOf(s *haState) *StateSnapshot {
	if s == nil {
		return nil
	}
	return &StateSnapshot{
		State:       s.State,
		LastChanged: parseHATime(s.LastChanged),
		LastUpdated: parseHATime(s.LastUpdated),
	}
}

// parseHATime parses an ISO-8601 instant as sent by HA. A missing or
// unparsable value falls back to the current UTC time.
func parseHATime(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
