package automation

import (
	"sync"
	"time"

	"mirai/internal/bus"
	"mirai/internal/clock"
	"mirai/internal/event"

	"go.uber.org/zap"
)

// mailboxSize bounds the actor's message channel for timer and schedule
// firings. Event delivery is buffered separately by the bus.
const mailboxSize = 64

// Actor runs one automation: it owns the user state, drains the event
// subscriptions and the message mailbox in a single goroutine, and
// isolates callback failures so one automation can never take down
// another.
type Actor struct {
	name string
	auto Automation
	clk  clock.Clock

	logger *zap.Logger

	state State

	haSub   *bus.Subscription
	mqttSub *bus.Subscription
	msgs    chan string

	timersMu sync.Mutex
	timers   map[string]*timerHandle

	done     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

type timerHandle struct {
	timer clock.Timer
}

// newActor subscribes the automation to both event topics and prepares
// its mailbox. The caller runs the loop via run.
func newActor(name string, auto Automation, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Actor {
	state := auto.InitialState()
	if state == nil {
		state = State{}
	}

	return &Actor{
		name:     name,
		auto:     auto,
		clk:      clk,
		logger:   logger,
		state:    state,
		haSub:    b.Subscribe(bus.TopicHAEvents),
		mqttSub:  b.Subscribe(bus.TopicMQTTEvents),
		msgs:     make(chan string, mailboxSize),
		timers:   make(map[string]*timerHandle),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// run drains the mailbox until the actor is stopped. Callbacks execute
// sequentially; no two callbacks of the same automation ever overlap.
func (a *Actor) run() {
	for {
		select {
		case <-a.done:
			return
		case ev := <-a.haSub.Events():
			a.dispatchEvent(ev)
		case ev := <-a.mqttSub.Events():
			a.dispatchEvent(ev)
		case msg := <-a.msgs:
			a.dispatchMessage(msg)
		}
	}
}

// dispatchEvent invokes HandleEvent with fault isolation: a panic or an
// error return is logged and the pre-call state is kept.
func (a *Actor) dispatchEvent(ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("automation callback panicked",
				zap.String("automation", a.name),
				zap.String("event_id", ev.ID),
				zap.Any("panic", r))
		}
	}()

	next, err := a.auto.HandleEvent(ev, a.state)
	a.applyResult(next, err, zap.String("event_id", ev.ID))
}

// dispatchMessage invokes HandleMessage for timer and schedule firings.
// Automations without a message handler ignore messages.
func (a *Actor) dispatchMessage(msg string) {
	handler, ok := a.auto.(MessageHandler)
	if !ok {
		a.logger.Debug("no message handler, ignoring",
			zap.String("automation", a.name),
			zap.String("message", msg))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("automation callback panicked",
				zap.String("automation", a.name),
				zap.String("message", msg),
				zap.Any("panic", r))
		}
	}()

	next, err := handler.HandleMessage(msg, a.state)
	a.applyResult(next, err, zap.String("message", msg))
}

// applyResult commits the next user state. An error or a nil state is an
// unexpected callback result: log and keep the previous state.
func (a *Actor) applyResult(next State, err error, field zap.Field) {
	if err != nil {
		a.logger.Warn("automation callback failed, keeping previous state",
			zap.String("automation", a.name),
			field,
			zap.Error(err))
		return
	}
	if next == nil {
		a.logger.Warn("automation callback returned no state, keeping previous state",
			zap.String("automation", a.name),
			field)
		return
	}
	a.state = next
}

// Deliver enqueues a message for HandleMessage. Returns false when the
// actor is stopped or its mailbox is full.
func (a *Actor) Deliver(msg string) bool {
	select {
	case <-a.done:
		return false
	default:
	}

	select {
	case a.msgs <- msg:
		return true
	default:
		a.logger.Warn("mailbox full, dropping message",
			zap.String("automation", a.name),
			zap.String("message", msg))
		return false
	}
}

// scheduleTimer arms a named timer with replace semantics: the previous
// handle under the same name is cancelled before the new one is stored.
func (a *Actor) scheduleTimer(name string, delay time.Duration) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if old, ok := a.timers[name]; ok {
		old.timer.Stop()
		delete(a.timers, name)
	}

	h := &timerHandle{}
	h.timer = a.clk.AfterFunc(delay, func() { a.fireTimer(name, h) })
	a.timers[name] = h
}

// fireTimer removes the handle and delivers the message, but only when
// the stored handle is still the one that fired; a timer replaced or
// cancelled after firing was scheduled delivers nothing.
func (a *Actor) fireTimer(name string, h *timerHandle) {
	a.timersMu.Lock()
	current, ok := a.timers[name]
	if !ok || current != h {
		a.timersMu.Unlock()
		return
	}
	delete(a.timers, name)
	a.timersMu.Unlock()

	a.Deliver(name)
}

// cancelTimer stops and removes a named timer. Idempotent.
func (a *Actor) cancelTimer(name string) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if h, ok := a.timers[name]; ok {
		h.timer.Stop()
		delete(a.timers, name)
	}
}

// cancelAllTimers drops every armed timer. Used on stop and restart.
func (a *Actor) cancelAllTimers() {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	for name, h := range a.timers {
		h.timer.Stop()
		delete(a.timers, name)
	}
}

// reset reinstalls a fresh initial state after a supervised restart.
func (a *Actor) reset() {
	a.cancelAllTimers()
	state := a.auto.InitialState()
	if state == nil {
		state = State{}
	}
	a.state = state
}

// stop detaches the actor from the bus and terminates its loop.
func (a *Actor) stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.cancelAllTimers()
		a.haSub.Close()
		a.mqttSub.Close()
	})
	<-a.finished
}
