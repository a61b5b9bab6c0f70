package event

import (
	"encoding/json"
	"strings"
	"time"
)

// NormalizeMQTT converts a received broker message into an Event. The
// joined topic becomes the entity id. JSON payloads are decoded as-is;
// anything else is wrapped under a "raw" key so consumers always see a
// structured state.
func NormalizeMQTT(topicParts []string, payload []byte) *Event {
	var state interface{}
	var attributes map[string]interface{}

	if err := json.Unmarshal(payload, &state); err != nil {
		raw := map[string]interface{}{"raw": string(payload)}
		state = raw
		attributes = raw
	} else if m, ok := state.(map[string]interface{}); ok {
		attributes = m
	} else {
		attributes = map[string]interface{}{}
	}

	return &Event{
		ID:         nextMQTTID(),
		Source:     SourceMQTT,
		Type:       TypeStateChanged,
		Timestamp:  time.Now().UTC(),
		EntityID:   strings.Join(topicParts, "/"),
		Domain:     "mqtt",
		NewState:   &StateSnapshot{State: state},
		Attributes: attributes,
		Raw:        payload,
	}
}
