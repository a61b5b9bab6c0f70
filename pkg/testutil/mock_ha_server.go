// Package testutil provides a mock Home Assistant server for connector
// and end-to-end tests: the WebSocket auth/subscribe flow, outbound
// frame capture, scripted event injection, and the REST states endpoint
// used by the cache bootstrap.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is one captured outbound client frame.
type Frame struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	Raw  json.RawMessage
}

// ServiceCall is a decoded call_service frame for assertions.
type ServiceCall struct {
	ID          int                    `json:"id"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data"`
	Target      map[string]interface{} `json:"target"`
}

// RESTState is one element served by the /api/states endpoint.
type RESTState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) writeJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// MockHAServer simulates the Home Assistant WebSocket and REST API.
type MockHAServer struct {
	server *httptest.Server
	token  string

	mu         sync.Mutex
	conns      []*connWrapper
	frames     []Frame
	calls      []ServiceCall
	restStates []RESTState
	restStatus int
}

// NewMockHAServer starts a server accepting the given token. Stop it
// with Close.
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{token: token, restStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	mux.HandleFunc("/api/states", s.handleStates)
	s.server = httptest.NewServer(mux)
	return s
}

// Close shuts the server down.
func (s *MockHAServer) Close() {
	s.mu.Lock()
	for _, w := range s.conns {
		w.conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.server.Close()
}

// WSURL returns the ws:// endpoint clients should dial.
func (s *MockHAServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// RESTURL returns the http:// base URL.
func (s *MockHAServer) RESTURL() string {
	return s.server.URL
}

// SetRESTStates configures the /api/states response body.
func (s *MockHAServer) SetRESTStates(states []RESTState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restStates = states
}

// SetRESTStatus overrides the /api/states response code for failure
// tests.
func (s *MockHAServer) SetRESTStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restStatus = code
}

// Frames returns every captured outbound client frame, in arrival order.
func (s *MockHAServer) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// ServiceCalls returns every captured call_service frame.
func (s *MockHAServer) ServiceCalls() []ServiceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServiceCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// SendStateChanged broadcasts a state_changed event to every connected
// client.
func (s *MockHAServer) SendStateChanged(entityID, newState string, attributes map[string]interface{}) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	data := map[string]interface{}{
		"entity_id": entityID,
		"old_state": nil,
		"new_state": map[string]interface{}{
			"entity_id":    entityID,
			"state":        newState,
			"attributes":   attributes,
			"last_changed": now,
			"last_updated": now,
		},
	}
	s.SendEvent("state_changed", data)
}

// SendEvent broadcasts an arbitrary event frame.
func (s *MockHAServer) SendEvent(eventType string, data map[string]interface{}) {
	frame := map[string]interface{}{
		"id":   1,
		"type": "event",
		"event": map[string]interface{}{
			"event_type": eventType,
			"data":       data,
			"origin":     "LOCAL",
			"time_fired": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	s.mu.Lock()
	conns := make([]*connWrapper, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	for _, w := range conns {
		w.writeJSON(frame)
	}
}

func (s *MockHAServer) handleStates(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.restStatus
	states := s.restStates
	s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if status != http.StatusOK {
		http.Error(w, "error", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if states == nil {
		states = []RESTState{}
	}
	json.NewEncoder(w).Encode(states)
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}

	s.mu.Lock()
	s.conns = append(s.conns, wrapper)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for i, other := range s.conns {
			if other == wrapper {
				s.conns = append(s.conns[:i], s.conns[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		conn.Close()
	}()

	wrapper.writeJSON(map[string]string{"type": "auth_required"})

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.writeJSON(map[string]string{"type": "auth_invalid"})
		return
	}
	wrapper.writeJSON(map[string]string{"type": "auth_ok"})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		frame.Raw = append(json.RawMessage(nil), raw...)

		s.mu.Lock()
		s.frames = append(s.frames, frame)
		if frame.Type == "call_service" {
			var call ServiceCall
			if err := json.Unmarshal(raw, &call); err == nil {
				s.calls = append(s.calls, call)
			}
		}
		s.mu.Unlock()

		// Acknowledge anything carrying an id.
		if frame.ID > 0 {
			success := true
			wrapper.writeJSON(map[string]interface{}{
				"id":      frame.ID,
				"type":    "result",
				"success": success,
			})
		}
	}
}
