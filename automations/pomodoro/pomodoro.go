// Package pomodoro tracks work sessions announced on the broker under
// pomodoro/timer/+. A "start" message arms a session timer; when it
// fires, the automation notifies Home Assistant, publishes the result
// back to the broker, and counts the completed session durably.
package pomodoro

import (
	"fmt"
	"time"

	"mirai/internal/automation"
	"mirai/internal/event"
)

const (
	topicPrefix = "pomodoro/timer/"
	statusTopic = "pomodoro/timer/status"

	timerDone       = "pomodoro_done"
	sessionLength   = 25 * time.Minute
	completedKey    = "pomodoro_completed"
	notifyService   = "notify.notify"
	sessionsPerRest = 4
)

func init() {
	automation.Register(automation.Info{
		Name:        "pomodoro",
		Description: "Pomodoro session tracking from MQTT",
		Factory: func(ctx *automation.Ctx) (automation.Automation, error) {
			return &Pomodoro{ctx: ctx}, nil
		},
	})
}

// Pomodoro is the automation instance.
type Pomodoro struct {
	ctx *automation.Ctx
}

func (p *Pomodoro) InitialState() automation.State {
	return automation.State{"running": false}
}

// HandleEvent reacts to start/stop commands from the broker.
func (p *Pomodoro) HandleEvent(ev *event.Event, state automation.State) (automation.State, error) {
	if ev.Source != event.SourceMQTT || len(ev.EntityID) <= len(topicPrefix) {
		return state, nil
	}
	if ev.EntityID[:len(topicPrefix)] != topicPrefix {
		return state, nil
	}

	command := commandOf(ev)
	switch command {
	case "start":
		// Restarting an in-progress session resets the timer.
		p.ctx.ScheduleTimer(timerDone, sessionLength)
		state["running"] = true

	case "stop":
		p.ctx.CancelTimer(timerDone)
		state["running"] = false
	}
	return state, nil
}

// HandleMessage completes a session when the timer fires.
func (p *Pomodoro) HandleMessage(msg string, state automation.State) (automation.State, error) {
	if msg != timerDone {
		return state, nil
	}
	state["running"] = false

	count, err := p.ctx.GetGlobal(completedKey, float64(0))
	if err != nil {
		return state, err
	}
	completed, _ := count.(float64)
	completed++
	if err := p.ctx.SetGlobal(completedKey, completed); err != nil {
		return state, err
	}

	message := fmt.Sprintf("Pomodoro complete (%d today)", int(completed))
	if int(completed)%sessionsPerRest == 0 {
		message += ", take a longer break"
	}
	if err := p.ctx.CallService(notifyService, map[string]interface{}{
		"message": message,
	}); err != nil {
		return state, err
	}

	p.ctx.PublishMQTT(statusTopic, []byte(`{"state":"done"}`), 0)
	return state, nil
}

// commandOf extracts the command from the normalized broker payload:
// either a bare string payload wrapped under "raw", or a JSON object
// with a "state" field.
func commandOf(ev *event.Event) string {
	if ev.NewState == nil {
		return ""
	}
	switch v := ev.NewState.State.(type) {
	case string:
		return v
	case map[string]interface{}:
		if raw, ok := v["raw"].(string); ok {
			return raw
		}
		if s, ok := v["state"].(string); ok {
			return s
		}
	}
	return ""
}
