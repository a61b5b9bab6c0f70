// Package automation provides the automation API: the interface user
// automations implement, the compile-time registry they register with,
// the per-automation actor that runs their callbacks, and the helpers
// available to callbacks (service calls, timers, state and global reads).
package automation

import (
	"mirai/internal/event"
	"mirai/internal/scheduler"
)

// State is the opaque per-automation user state threaded through
// callbacks. The runtime never looks inside it.
type State map[string]interface{}

// Automation is the required capability set. Callbacks for one
// automation run sequentially; different automations run concurrently.
type Automation interface {
	// InitialState returns the starting user state. Called at actor
	// start and again after a supervised restart.
	InitialState() State

	// HandleEvent is invoked for every event delivered on the
	// subscribed topics. It returns the next user state; returning an
	// error keeps the previous state.
	HandleEvent(ev *event.Event, state State) (State, error)
}

// MessageHandler is implemented by automations that react to timer and
// schedule firings. msg is the name chosen when the timer or schedule
// was declared.
type MessageHandler interface {
	HandleMessage(msg string, state State) (State, error)
}

// Scheduled is implemented by automations that declare time-based
// triggers. The declarations are read once, before the actor starts.
type Scheduled interface {
	Schedules() []scheduler.Declaration
}

// Factory creates an automation instance bound to its runtime context.
type Factory func(ctx *Ctx) (Automation, error)

// Info describes one registered automation.
type Info struct {
	// Name is the unique identifier, used for routing scheduled
	// messages and in logs.
	Name string

	// Description is a human-readable summary.
	Description string

	// Factory builds the automation at supervisor start.
	Factory Factory
}
