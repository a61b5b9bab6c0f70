package ha

import (
	"testing"
	"time"

	"mirai/internal/bus"
	"mirai/internal/event"
	"mirai/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "test-token"

func waitForState(t *testing.T, c *Client, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never reached state %s, stuck at %s", want, c.State())
}

func startClient(t *testing.T) (*testutil.MockHAServer, *Client, *bus.Subscription) {
	t.Helper()

	server := testutil.NewMockHAServer(testToken)
	t.Cleanup(server.Close)

	b := bus.New(zap.NewNop())
	sub := b.Subscribe(bus.TopicHAEvents)
	t.Cleanup(sub.Close)

	client := NewClient(server.WSURL(), testToken, b, zap.NewNop())
	client.Start()
	t.Cleanup(func() { client.Close() })

	waitForState(t, client, StateReady)
	return server, client, sub
}

func TestConnectAuthenticatesAndSubscribes(t *testing.T) {
	server, _, _ := startClient(t)

	frames := server.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, 1, frames[0].ID)
	assert.Equal(t, "subscribe_events", frames[0].Type)
}

func TestSendCommandUsesNextMessageID(t *testing.T) {
	server, client, _ := startClient(t)

	client.SendCommand(Command{
		Type:    "call_service",
		Domain:  "light",
		Service: "turn_on",
		Target:  map[string]interface{}{"entity_id": "light.kitchen"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.ServiceCalls()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	calls := server.ServiceCalls()
	require.Len(t, calls, 1)
	// subscribe_events took id 1, first command takes id 2.
	assert.Equal(t, 2, calls[0].ID)
	assert.Equal(t, "light", calls[0].Domain)
	assert.Equal(t, "turn_on", calls[0].Service)
	assert.Equal(t, "light.kitchen", calls[0].Target["entity_id"])
}

func TestSendCommandDroppedWhenNotReady(t *testing.T) {
	server := testutil.NewMockHAServer(testToken)
	defer server.Close()

	b := bus.New(zap.NewNop())
	client := NewClient(server.WSURL(), testToken, b, zap.NewNop())
	// Never started: the command must be dropped, not queued.
	client.SendCommand(Command{Type: "call_service", Domain: "light", Service: "turn_on"})

	assert.Empty(t, server.ServiceCalls())
	assert.Equal(t, StateDisconnected, client.State())
}

func TestEventsArePublishedOnTheBus(t *testing.T) {
	server, _, sub := startClient(t)

	server.SendStateChanged("light.kitchen", "on", map[string]interface{}{"brightness": 200})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, event.TypeStateChanged, ev.Type)
		assert.Equal(t, "light.kitchen", ev.EntityID)
		assert.Equal(t, "light", ev.Domain)
		require.NotNil(t, ev.NewState)
		assert.Equal(t, "on", ev.NewState.State)
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the bus")
	}
}

func TestAuthRejectionIsFatal(t *testing.T) {
	server := testutil.NewMockHAServer(testToken)
	defer server.Close()

	b := bus.New(zap.NewNop())
	client := NewClient(server.WSURL(), "wrong-token", b, zap.NewNop())
	client.Start()

	waitForState(t, client, StateFailed)

	// No reconnect attempts after a rejected token.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateFailed, client.State())
}

func TestCloseStopsReconnection(t *testing.T) {
	server, client, _ := startClient(t)

	require.NoError(t, client.Close())
	assert.Equal(t, StateDisconnected, client.State())
	server.Close()
}

func TestConnStateStrings(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "unknown", ConnState(99).String())
}
