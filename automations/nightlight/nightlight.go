// Package nightlight turns the hallway light on for a few minutes when
// motion is detected during night mode. Night mode begins at a fixed
// local time in the evening and ends shortly after sunrise.
package nightlight

import (
	"time"

	"mirai/internal/automation"
	"mirai/internal/event"
	"mirai/internal/scheduler"
)

const (
	motionSensor = "binary_sensor.hallway_motion"
	hallwayLight = "light.hallway"

	msgNightBegin = "night_begin"
	msgNightEnd   = "night_end"
	timerLightOff = "hallway_off"

	lightOnFor = 3 * time.Minute
)

func init() {
	automation.Register(automation.Info{
		Name:        "nightlight",
		Description: "Motion-activated hallway light during night mode",
		Factory: func(ctx *automation.Ctx) (automation.Automation, error) {
			return &Nightlight{ctx: ctx}, nil
		},
	})
}

// Nightlight is the automation instance.
type Nightlight struct {
	ctx *automation.Ctx
}

// InitialState assumes night mode is off until a schedule says
// otherwise; the durable flag survives restarts via the global store.
func (n *Nightlight) InitialState() automation.State {
	night, err := n.ctx.GetGlobal("night_mode", false)
	if err != nil {
		night = false
	}
	return automation.State{"night": night == true}
}

// Schedules declares the night-mode window.
func (n *Nightlight) Schedules() []scheduler.Declaration {
	return []scheduler.Declaration{
		{Kind: scheduler.KindDaily, At: scheduler.TimeOfDay{Hour: 22, Minute: 30}, Message: msgNightBegin},
		{Kind: scheduler.KindSunrise, OffsetMinutes: 15, Message: msgNightEnd},
	}
}

// HandleEvent reacts to hallway motion while night mode is active.
func (n *Nightlight) HandleEvent(ev *event.Event, state automation.State) (automation.State, error) {
	if ev.Type != event.TypeStateChanged || ev.EntityID != motionSensor {
		return state, nil
	}
	if state["night"] != true {
		return state, nil
	}
	if ev.NewState == nil || ev.NewState.State != "on" {
		return state, nil
	}

	if err := n.ctx.CallService("light.turn_on", map[string]interface{}{
		"entity_id":  hallwayLight,
		"brightness": 64,
	}); err != nil {
		return state, err
	}

	// Re-triggered motion extends the window: the previous off-timer
	// is replaced, not stacked.
	n.ctx.ScheduleTimer(timerLightOff, lightOnFor)
	return state, nil
}

// HandleMessage flips night mode and handles the off-timer.
func (n *Nightlight) HandleMessage(msg string, state automation.State) (automation.State, error) {
	switch msg {
	case msgNightBegin:
		if err := n.ctx.SetGlobal("night_mode", true); err != nil {
			return state, err
		}
		state["night"] = true

	case msgNightEnd:
		if err := n.ctx.SetGlobal("night_mode", false); err != nil {
			return state, err
		}
		state["night"] = false
		n.ctx.CancelTimer(timerLightOff)

	case timerLightOff:
		if err := n.ctx.CallService("light.turn_off", map[string]interface{}{
			"entity_id": hallwayLight,
		}); err != nil {
			return state, err
		}
	}
	return state, nil
}
