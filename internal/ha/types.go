package ha

// ConnState tracks where the connector is in its lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAwaitingAuth
	StateAuthenticating
	StateSubscribing
	StateReady
	StateBackoff
	// StateFailed is terminal: authentication was rejected and the
	// connector will not reconnect.
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateReady:
		return "ready"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// inboundFrame is the minimal decode of any server frame; the full raw
// bytes are handed to the normalizer for event frames.
type inboundFrame struct {
	ID      int    `json:"id"`
	Type    string `json:"type"`
	Success *bool  `json:"success"`
	Error   *Error `json:"error"`
}

// Error is an error object echoed in result frames.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// authMessage is the only outbound frame that carries no id.
type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type subscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// Command is an outbound service-call payload. The connector assigns the
// frame id; callers never do.
type Command struct {
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      map[string]interface{} `json:"target,omitempty"`
}

// commandFrame is a Command with the connector-assigned id injected.
// Embedding keeps the command fields flat next to the id on the wire.
type commandFrame struct {
	ID int `json:"id"`
	Command
}
