// Package event defines the canonical event record every external input
// is normalized into, plus the normalizers for Home Assistant WebSocket
// frames and MQTT messages.
package event

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Source identifies where an event originated.
type Source string

const (
	SourceHomeAssistant Source = "home_assistant"
	SourceMQTT          Source = "mqtt"
	SourceREST          Source = "rest"
)

// Type classifies an event.
type Type string

const (
	TypeStateChanged        Type = "state_changed"
	TypeServiceCalled       Type = "service_called"
	TypeAutomationTriggered Type = "automation_triggered"
	TypeUnknown             Type = "unknown"
)

// StateSnapshot captures an entity state at a point in time.
type StateSnapshot struct {
	State       interface{}
	LastChanged time.Time
	LastUpdated time.Time
}

// Event is the canonical record broadcast on the event bus. Events are
// constructed by the normalizers and treated as immutable afterwards.
type Event struct {
	// ID is unique within a process run ("ha_<n>" or "mqtt_<n>").
	ID        string
	Source    Source
	Type      Type
	Timestamp time.Time

	// EntityID is the "<domain>.<object>" address when known, or the
	// MQTT topic for broker-sourced events.
	EntityID string
	// Domain is the substring of EntityID before the first "." when
	// EntityID contains one.
	Domain string

	OldState *StateSnapshot
	NewState *StateSnapshot

	Attributes map[string]interface{}
	Context    map[string]interface{}

	// Raw is the original payload, kept for debugging.
	Raw []byte
}

var (
	haSeq   atomic.Uint64
	mqttSeq atomic.Uint64
)

func nextHAID() string {
	return fmt.Sprintf("ha_%d", haSeq.Add(1))
}

func nextMQTTID() string {
	return fmt.Sprintf("mqtt_%d", mqttSeq.Add(1))
}

// domainOf returns the substring before the first "." of an entity id,
// or "" when the id has no domain separator.
func domainOf(entityID string) string {
	if i := strings.Index(entityID, "."); i > 0 {
		return entityID[:i]
	}
	return ""
}
