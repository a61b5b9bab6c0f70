package automation

import (
	"fmt"
	"sync"

	"mirai/internal/bus"
	"mirai/internal/clock"
	"mirai/internal/scheduler"

	"go.uber.org/zap"
)

// Deps carries the runtime services actors and their contexts depend on.
type Deps struct {
	Bus     *bus.Bus
	HA      ServiceCaller
	MQTT    MQTTPublisher
	States  StateReader
	Globals GlobalStore
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Supervisor starts one actor per registered automation and restarts any
// actor whose loop crashes, with a fresh initial state. Faults in one
// automation never affect the others.
type Supervisor struct {
	deps Deps

	mu        sync.Mutex
	actors    map[string]*Actor
	schedules map[string][]scheduler.Declaration
	stopping  bool
}

// NewSupervisor creates a supervisor over the given dependencies.
func NewSupervisor(deps Deps) *Supervisor {
	return &Supervisor{
		deps:      deps,
		actors:    make(map[string]*Actor),
		schedules: make(map[string][]scheduler.Declaration),
	}
}

// Start builds and launches an actor for every registration. The
// registered set must be complete before Start is called.
func (s *Supervisor) Start(infos []Info) error {
	for _, info := range infos {
		ctx := &Ctx{
			name:    info.Name,
			ha:      s.deps.HA,
			mqtt:    s.deps.MQTT,
			states:  s.deps.States,
			globals: s.deps.Globals,
			logger:  s.deps.Logger.Named(info.Name),
		}

		auto, err := info.Factory(ctx)
		if err != nil {
			return fmt.Errorf("create automation %s: %w", info.Name, err)
		}

		if sch, ok := auto.(Scheduled); ok {
			s.mu.Lock()
			s.schedules[info.Name] = sch.Schedules()
			s.mu.Unlock()
		}

		actor := newActor(info.Name, auto, s.deps.Bus, s.deps.Clock, ctx.logger)
		ctx.actor = actor

		s.mu.Lock()
		s.actors[info.Name] = actor
		s.mu.Unlock()

		go s.supervise(actor)

		s.deps.Logger.Info("automation started", zap.String("automation", info.Name))
	}
	return nil
}

// supervise runs the actor loop, restarting it with fresh state if it
// ever escapes with a panic.
func (s *Supervisor) supervise(a *Actor) {
	defer close(a.finished)

	for {
		crashed := s.runActor(a)
		if !crashed {
			return
		}

		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return
		}

		a.reset()
		s.deps.Logger.Warn("automation restarted with fresh state",
			zap.String("automation", a.name))
	}
}

func (s *Supervisor) runActor(a *Actor) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			s.deps.Logger.Error("automation actor crashed",
				zap.String("automation", a.name),
				zap.Any("panic", r))
		}
	}()
	a.run()
	return false
}

// Schedules returns the declarations collected from every automation,
// keyed by automation name. Valid after Start.
func (s *Supervisor) Schedules() map[string][]scheduler.Declaration {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string][]scheduler.Declaration, len(s.schedules))
	for name, decls := range s.schedules {
		result[name] = decls
	}
	return result
}

// Deliver routes a scheduled message to the named automation. Reports
// false when the automation is not alive; the scheduler logs the drop.
func (s *Supervisor) Deliver(automation, message string) bool {
	s.mu.Lock()
	actor, ok := s.actors[automation]
	s.mu.Unlock()

	if !ok {
		return false
	}
	return actor.Deliver(message)
}

// Stop shuts every actor down and waits for their loops to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	actors := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}
