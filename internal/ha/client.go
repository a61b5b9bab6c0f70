// Package ha implements the Home Assistant WebSocket connector: auth
// handshake, event subscription, outbound service calls with
// connector-assigned message ids, and reconnection.
package ha

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mirai/internal/bus"
	"mirai/internal/event"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	reconnectDelay   = 5 * time.Second
)

// errAuthInvalid marks a rejected token. Fatal: no reconnect.
var errAuthInvalid = errors.New("authentication failed: invalid token")

// Client maintains the WebSocket session to Home Assistant and publishes
// every inbound event, normalized, on the "ha:events" bus topic.
//
// Outbound service calls are fire-and-forget: result frames are logged
// against their echoed id but no per-call correlation is exposed.
type Client struct {
	url    string
	token  string
	bus    *bus.Bus
	logger *zap.Logger

	state atomic.Int32

	// writeMu serializes websocket writes and guards conn replacement,
	// so outgoing frames leave in id order.
	writeMu sync.Mutex
	conn    *websocket.Conn

	msgIDMu sync.Mutex
	msgID   int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a connector for ws(s)://host:port/api/websocket.
// Call Start to begin connecting.
func NewClient(wsURL, token string, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		url:    wsURL,
		token:  token,
		bus:    b,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the connect/reconnect loop in the background.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("connection state changed",
			zap.String("from", old.String()),
			zap.String("to", s.String()))
	}
}

// Close stops reconnection and closes the socket. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		if c.conn != nil {
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.conn.Close()
			c.conn = nil
		}
		c.writeMu.Unlock()

		c.wg.Wait()
		c.setState(StateDisconnected)
		c.logger.Info("disconnected from Home Assistant")
	})
	return nil
}

// run drives the session state machine until Close. Auth rejection is
// fatal; every other failure backs off for a fixed 5s and redials.
func (c *Client) run() {
	defer c.wg.Done()

	for {
		err := c.session()

		if errors.Is(err, errAuthInvalid) {
			c.setState(StateFailed)
			c.logger.Error("Home Assistant rejected the access token, giving up",
				zap.Error(err))
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateBackoff)
		c.logger.Warn("connection lost, retrying",
			zap.Error(err),
			zap.Duration("delay", reconnectDelay))

		select {
		case <-c.done:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// session runs one full connection: dial, authenticate, subscribe, then
// read frames until the socket dies. Returns the terminating error.
func (c *Client) session() error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	defer func() {
		c.writeMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.writeMu.Unlock()
		conn.Close()
	}()

	if err := c.authenticate(conn); err != nil {
		return err
	}

	// Fresh connection, fresh id sequence. subscribe_events takes id 1.
	c.msgIDMu.Lock()
	c.msgID = 0
	c.msgIDMu.Unlock()

	c.setState(StateSubscribing)
	subID := c.nextMsgID()
	if err := c.writeJSON(subscribeEventsRequest{
		ID:        subID,
		Type:      "subscribe_events",
		EventType: "state_changed",
	}); err != nil {
		return fmt.Errorf("send subscribe_events: %w", err)
	}

	return c.readLoop(conn, subID)
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	c.setState(StateAwaitingAuth)

	var frame inboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if frame.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %q", frame.Type)
	}

	c.setState(StateAuthenticating)
	if err := c.writeJSON(authMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch frame.Type {
	case "auth_ok":
		c.logger.Info("authenticated with Home Assistant")
		return nil
	case "auth_invalid":
		return errAuthInvalid
	default:
		return fmt.Errorf("expected auth_ok, got %q", frame.Type)
	}
}

// readLoop consumes server frames until the connection fails. Event
// frames are normalized and published; result frames are logged by id.
func (c *Client) readLoop(conn *websocket.Conn, subID int) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("undecodable frame from Home Assistant", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "event":
			ev, err := event.NormalizeHA(raw)
			if err != nil {
				c.logger.Warn("failed to normalize event", zap.Error(err))
				continue
			}
			c.bus.Publish(bus.TopicHAEvents, ev)

		case "result":
			c.handleResult(frame, subID)

		default:
			c.logger.Debug("unhandled frame type",
				zap.String("type", frame.Type),
				zap.Int("id", frame.ID))
		}
	}
}

func (c *Client) handleResult(frame inboundFrame, subID int) {
	ok := frame.Success != nil && *frame.Success

	if frame.ID == subID && c.State() == StateSubscribing {
		if ok {
			c.setState(StateReady)
			c.logger.Info("subscribed to state_changed events")
		} else {
			c.logger.Error("event subscription rejected",
				zap.Any("error", frame.Error))
		}
		return
	}

	if ok {
		c.logger.Debug("command succeeded", zap.Int("id", frame.ID))
		return
	}
	if frame.Error != nil {
		c.logger.Warn("command failed",
			zap.Int("id", frame.ID),
			zap.String("code", frame.Error.Code),
			zap.String("message", frame.Error.Message))
	} else {
		c.logger.Warn("command failed", zap.Int("id", frame.ID))
	}
}

// nextMsgID hands out strictly increasing ids, starting at 1 per
// connection. Only the connector assigns ids.
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// SendCommand writes a command frame with the next message id. If the
// connector is not ready the command is dropped with a warning: the
// runtime is event-driven and a re-fired trigger will reissue it.
func (c *Client) SendCommand(cmd Command) {
	if c.State() != StateReady {
		c.logger.Warn("dropping command, connector not ready",
			zap.String("state", c.State().String()),
			zap.String("domain", cmd.Domain),
			zap.String("service", cmd.Service))
		return
	}

	frame := commandFrame{ID: c.nextMsgID(), Command: cmd}
	if err := c.writeJSON(frame); err != nil {
		c.logger.Error("failed to send command",
			zap.Int("id", frame.ID),
			zap.Error(err))
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteJSON(v)
}
