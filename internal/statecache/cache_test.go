package statecache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"mirai/internal/bus"
	"mirai/internal/event"
	"mirai/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startCache(t *testing.T) (*Cache, *bus.Bus) {
	t.Helper()
	b := bus.New(zap.NewNop())
	c := New(zap.NewNop())
	c.Start(b.Subscribe(bus.TopicHAEvents))
	t.Cleanup(c.Stop)
	return c, b
}

func stateChanged(entityID, state string, attrs map[string]interface{}) *event.Event {
	now := time.Now().UTC()
	return &event.Event{
		ID:       "ha_1",
		Source:   event.SourceHomeAssistant,
		Type:     event.TypeStateChanged,
		EntityID: entityID,
		NewState: &event.StateSnapshot{
			State:       state,
			LastChanged: now,
			LastUpdated: now,
		},
		Attributes: attrs,
	}
}

func waitForEntity(t *testing.T, c *Cache, entityID string) EntityState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if es, err := c.Get(entityID); err == nil {
			return es
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entity %s never appeared in the cache", entityID)
	return EntityState{}
}

func TestLiveEventUpdatesCache(t *testing.T) {
	c, b := startCache(t)

	b.Publish(bus.TopicHAEvents, stateChanged("light.kitchen", "on",
		map[string]interface{}{"brightness": float64(128)}))

	es := waitForEntity(t, c, "light.kitchen")
	assert.Equal(t, "on", es.State)
	assert.Equal(t, float64(128), es.Attributes["brightness"])
}

func TestLaterEventOverwrites(t *testing.T) {
	c, b := startCache(t)

	b.Publish(bus.TopicHAEvents, stateChanged("light.kitchen", "on", nil))
	b.Publish(bus.TopicHAEvents, stateChanged("light.kitchen", "off", nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if es, err := c.Get("light.kitchen"); err == nil && es.State == "off" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cache never observed the later state")
}

func TestGetUnknownEntity(t *testing.T) {
	c, _ := startCache(t)

	_, err := c.Get("light.nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemovalKeepsLastKnownState(t *testing.T) {
	c, b := startCache(t)

	b.Publish(bus.TopicHAEvents, stateChanged("light.kitchen", "on", nil))
	waitForEntity(t, c, "light.kitchen")

	// new_state == nil signals entity removal.
	removed := stateChanged("light.kitchen", "", nil)
	removed.NewState = nil
	b.Publish(bus.TopicHAEvents, removed)
	time.Sleep(50 * time.Millisecond)

	es, err := c.Get("light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "on", es.State)
}

func TestNonStateChangedEventsAreIgnored(t *testing.T) {
	c, b := startCache(t)

	ev := stateChanged("light.kitchen", "on", nil)
	ev.Type = event.TypeServiceCalled
	b.Publish(bus.TopicHAEvents, ev)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, c.Len())
}

func TestAllSortedByEntityID(t *testing.T) {
	c, b := startCache(t)

	b.Publish(bus.TopicHAEvents, stateChanged("switch.fan", "on", nil))
	b.Publish(bus.TopicHAEvents, stateChanged("light.kitchen", "off", nil))
	waitForEntity(t, c, "light.kitchen")
	waitForEntity(t, c, "switch.fan")

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "light.kitchen", all[0].EntityID)
	assert.Equal(t, "switch.fan", all[1].EntityID)
}

func TestBootstrapPopulatesCache(t *testing.T) {
	server := testutil.NewMockHAServer("token")
	defer server.Close()
	server.SetRESTStates([]testutil.RESTState{
		{EntityID: "light.kitchen", State: "on", Attributes: map[string]interface{}{"brightness": float64(90)}},
		{EntityID: "sensor.temp", State: "21.5"},
	})

	c, _ := startCache(t)
	require.NoError(t, c.Bootstrap(context.Background(), server.RESTURL(), "token"))

	es := waitForEntity(t, c, "light.kitchen")
	assert.Equal(t, "on", es.State)
	waitForEntity(t, c, "sensor.temp")
	assert.Equal(t, 2, c.Len())
}

func TestBootstrapFailureLeavesCacheUsable(t *testing.T) {
	server := testutil.NewMockHAServer("token")
	defer server.Close()
	server.SetRESTStatus(http.StatusInternalServerError)

	c, b := startCache(t)
	err := c.Bootstrap(context.Background(), server.RESTURL(), "token")
	require.Error(t, err)

	// Live events still fill the cache.
	b.Publish(bus.TopicHAEvents, stateChanged("light.kitchen", "on", nil))
	waitForEntity(t, c, "light.kitchen")
}

func TestBootstrapUnreachableHost(t *testing.T) {
	c, _ := startCache(t)
	err := c.Bootstrap(context.Background(), "http://127.0.0.1:1", "token")
	assert.Error(t, err)
}

func TestLiveEventWinsOverSnapshot(t *testing.T) {
	server := testutil.NewMockHAServer("token")
	defer server.Close()
	server.SetRESTStates([]testutil.RESTState{
		{EntityID: "light.kitchen", State: "off"},
	})

	c, b := startCache(t)
	require.NoError(t, c.Bootstrap(context.Background(), server.RESTURL(), "token"))
	waitForEntity(t, c, "light.kitchen")

	// The snapshot is applied; a live event arriving afterwards wins.
	b.Publish(bus.TopicHAEvents, stateChanged("light.kitchen", "on", nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if es, err := c.Get("light.kitchen"); err == nil && es.State == "on" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("live event did not win over the snapshot")
}
