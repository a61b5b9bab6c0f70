package nightlight

import (
	"sync"
	"testing"
	"time"

	"mirai/internal/automation"
	"mirai/internal/bus"
	"mirai/internal/clock"
	"mirai/internal/event"
	"mirai/internal/ha"
	"mirai/internal/scheduler"
	"mirai/internal/statecache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type commandRecorder struct {
	mu       sync.Mutex
	commands []ha.Command
}

func (r *commandRecorder) SendCommand(cmd ha.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
}

func (r *commandRecorder) services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd.Domain+"."+cmd.Service)
	}
	return out
}

func (r *commandRecorder) last() (ha.Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commands) == 0 {
		return ha.Command{}, false
	}
	return r.commands[len(r.commands)-1], true
}

type nullPublisher struct{}

func (nullPublisher) Publish(topic string, payload []byte, qos byte) {}

type nullStates struct{}

func (nullStates) Get(entityID string) (statecache.EntityState, error) {
	return statecache.EntityState{}, statecache.ErrNotFound
}
func (nullStates) All() []statecache.EntityState { return nil }

type memoryGlobals struct {
	mu     sync.Mutex
	values map[string]interface{}
}

func newMemoryGlobals() *memoryGlobals {
	return &memoryGlobals{values: make(map[string]interface{})}
}

func (g *memoryGlobals) Get(key string, def interface{}) (interface{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.values[key]; ok {
		return v, nil
	}
	return def, nil
}

func (g *memoryGlobals) Set(key string, value interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[key] = value
	return nil
}

func (g *memoryGlobals) Delete(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.values, key)
	return nil
}

type harness struct {
	bus     *bus.Bus
	clk     *clock.MockClock
	caller  *commandRecorder
	globals *memoryGlobals
	sup     *automation.Supervisor
}

func startHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		bus:     bus.New(zap.NewNop()),
		clk:     clock.NewMockClock(time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)),
		caller:  &commandRecorder{},
		globals: newMemoryGlobals(),
	}
	h.sup = automation.NewSupervisor(automation.Deps{
		Bus:     h.bus,
		HA:      h.caller,
		MQTT:    nullPublisher{},
		States:  nullStates{},
		Globals: h.globals,
		Clock:   h.clk,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, h.sup.Start(automation.List()))
	t.Cleanup(h.sup.Stop)
	return h
}

// enterNightMode delivers night_begin and waits for the callback to run.
func (h *harness) enterNightMode(t *testing.T) {
	t.Helper()
	require.True(t, h.sup.Deliver("nightlight", msgNightBegin))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := h.globals.Get("night_mode", false); v == true {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("night mode never engaged")
}

func (h *harness) awaitService(t *testing.T, service string) ha.Command {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range h.caller.services() {
			if s == service {
				cmd, _ := h.caller.last()
				return cmd
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("service call %s never issued, saw %v", service, h.caller.services())
	return ha.Command{}
}

func motionEvent(state string) *event.Event {
	return &event.Event{
		ID:       "ha_1",
		Source:   event.SourceHomeAssistant,
		Type:     event.TypeStateChanged,
		EntityID: motionSensor,
		Domain:   "binary_sensor",
		NewState: &event.StateSnapshot{State: state},
	}
}

func TestSchedulesDeclareNightWindow(t *testing.T) {
	h := startHarness(t)

	decls := h.sup.Schedules()["nightlight"]
	require.Len(t, decls, 2)

	assert.Equal(t, scheduler.KindDaily, decls[0].Kind)
	assert.Equal(t, scheduler.TimeOfDay{Hour: 22, Minute: 30}, decls[0].At)
	assert.Equal(t, msgNightBegin, decls[0].Message)

	assert.Equal(t, scheduler.KindSunrise, decls[1].Kind)
	assert.Equal(t, 15, decls[1].OffsetMinutes)
	assert.Equal(t, msgNightEnd, decls[1].Message)
}

func TestMotionDuringNightTurnsLightOn(t *testing.T) {
	h := startHarness(t)
	h.enterNightMode(t)

	h.bus.Publish(bus.TopicHAEvents, motionEvent("on"))

	cmd := h.awaitService(t, "light.turn_on")
	assert.Equal(t, hallwayLight, cmd.Target["entity_id"])
	assert.Equal(t, 64, cmd.ServiceData["brightness"])
}

func TestMotionOutsideNightIsIgnored(t *testing.T) {
	h := startHarness(t)

	h.bus.Publish(bus.TopicHAEvents, motionEvent("on"))
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, h.caller.services())
}

func TestMotionClearingIsIgnored(t *testing.T) {
	h := startHarness(t)
	h.enterNightMode(t)

	h.bus.Publish(bus.TopicHAEvents, motionEvent("off"))
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, h.caller.services())
}

func TestLightTurnsOffAfterQuietPeriod(t *testing.T) {
	h := startHarness(t)
	h.enterNightMode(t)

	h.bus.Publish(bus.TopicHAEvents, motionEvent("on"))
	h.awaitService(t, "light.turn_on")

	h.clk.Advance(lightOnFor)
	cmd := h.awaitService(t, "light.turn_off")
	assert.Equal(t, hallwayLight, cmd.ServiceData["entity_id"])
}

func TestRepeatedMotionExtendsTheWindow(t *testing.T) {
	h := startHarness(t)
	h.enterNightMode(t)

	h.bus.Publish(bus.TopicHAEvents, motionEvent("on"))
	h.awaitService(t, "light.turn_on")

	h.clk.Advance(2 * time.Minute)
	h.bus.Publish(bus.TopicHAEvents, motionEvent("on"))

	// Wait until the second turn_on has been issued, meaning the
	// off-timer was replaced.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, s := range h.caller.services() {
			if s == "light.turn_on" {
				count++
			}
		}
		if count == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The original timer's deadline passes without turning the light off.
	h.clk.Advance(2 * time.Minute)
	time.Sleep(100 * time.Millisecond)
	assert.NotContains(t, h.caller.services(), "light.turn_off")

	// The replacement fires one minute later.
	h.clk.Advance(time.Minute)
	h.awaitService(t, "light.turn_off")
}

func TestNightEndCancelsPendingOffTimer(t *testing.T) {
	h := startHarness(t)
	h.enterNightMode(t)

	h.bus.Publish(bus.TopicHAEvents, motionEvent("on"))
	h.awaitService(t, "light.turn_on")

	require.True(t, h.sup.Deliver("nightlight", msgNightEnd))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := h.globals.Get("night_mode", true); v == false {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.clk.Advance(time.Hour)
	time.Sleep(100 * time.Millisecond)
	assert.NotContains(t, h.caller.services(), "light.turn_off")
}
