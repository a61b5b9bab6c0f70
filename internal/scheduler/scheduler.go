// Package scheduler fires time-based messages at automations: daily
// local times, sunrise/sunset with offsets, and fixed intervals. Each
// schedule is a single-shot timer that recomputes and rearms after every
// firing, so local-time math stays correct across DST transitions.
package scheduler

import (
	"strconv"
	"sync"
	"time"

	"mirai/internal/clock"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"
)

// retryDelay is how long a sun schedule sleeps when no sun event exists
// for today or tomorrow (polar day/night).
const retryDelay = 24 * time.Hour

// Location is the configured observer position for sun events.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Config carries the scheduler's timezone and optional location.
type Config struct {
	Timezone *time.Location
	// Location is nil when MIRAI_LATITUDE/MIRAI_LONGITUDE are unset;
	// sun schedules are then never armed.
	Location *Location
}

// DeliverFunc routes a fired message to the named automation's mailbox.
// It reports whether the automation was alive to receive it.
type DeliverFunc func(automation, message string) bool

// Scheduler owns every armed schedule.
type Scheduler struct {
	cfg     Config
	clk     clock.Clock
	deliver DeliverFunc
	logger  *zap.Logger

	mu      sync.Mutex
	entries []*entry
	stopped bool
}

type entry struct {
	id         string
	automation string
	decl       Declaration
	timer      clock.Timer
}

// New creates a scheduler. A nil timezone falls back to UTC.
func New(cfg Config, clk clock.Clock, deliver DeliverFunc, logger *zap.Logger) *Scheduler {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Scheduler{
		cfg:     cfg,
		clk:     clk,
		deliver: deliver,
		logger:  logger,
	}
}

// Add validates and arms the declarations for one automation. Invalid
// declarations are logged and skipped; the rest are unaffected.
func (s *Scheduler) Add(automation string, decls []Declaration) {
	for i, d := range decls {
		id := scheduleID(automation, d.Message, i)

		if err := Validate(d); err != nil {
			s.logger.Warn("skipping invalid schedule",
				zap.String("schedule", id),
				zap.Error(err))
			continue
		}

		if (d.Kind == KindSunrise || d.Kind == KindSunset) && s.cfg.Location == nil {
			s.logger.Warn("missing_location, schedule not armed",
				zap.String("schedule", id))
			continue
		}

		e := &entry{id: id, automation: automation, decl: d}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.entries = append(s.entries, e)
		s.mu.Unlock()

		s.arm(e)
	}
}

// Stop cancels every armed timer. Schedules that fire concurrently with
// Stop may still deliver once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.entries = nil
}

// arm computes the next firing instant and starts the single-shot timer.
func (s *Scheduler) arm(e *entry) {
	now := s.clk.Now()

	var delay time.Duration
	switch e.decl.Kind {
	case KindEvery:
		delay = time.Duration(e.decl.IntervalMS) * time.Millisecond

	case KindDaily:
		next := nextDaily(now, e.decl.At, s.cfg.Timezone)
		delay = next.Sub(now)

	case KindSunrise, KindSunset:
		next, ok := s.nextSun(now, e.decl.Kind, e.decl.OffsetMinutes)
		if !ok {
			s.logger.Warn("no sun event available, schedule dormant until tomorrow",
				zap.String("schedule", e.id))
			delay = retryDelay
			s.rearmLater(e, delay)
			return
		}
		delay = next.Sub(now)
	}

	s.logger.Debug("schedule armed",
		zap.String("schedule", e.id),
		zap.Duration("in", delay))

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	e.timer = s.clk.AfterFunc(delay, func() { s.fire(e) })
	s.mu.Unlock()
}

// rearmLater arms a dormant sun schedule to retry without firing.
func (s *Scheduler) rearmLater(e *entry, delay time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	e.timer = s.clk.AfterFunc(delay, func() { s.arm(e) })
	s.mu.Unlock()
}

// fire delivers the scheduled message, then rearms.
func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	if !s.deliver(e.automation, e.decl.Message) {
		s.logger.Warn("automation not alive, dropping scheduled message",
			zap.String("schedule", e.id),
			zap.String("message", e.decl.Message))
	}

	s.arm(e)
}

// scheduleID is deterministic for a (automation, message, index) triple.
func scheduleID(automation, message string, index int) string {
	return automation + ":" + message + ":" + strconv.Itoa(index)
}

// nextDaily returns the next occurrence of the given local time-of-day
// strictly after now. A time-of-day that falls in a DST gap resolves to
// the post-gap instant; an ambiguous time at DST fall-back resolves to
// the later of the two instants.
func nextDaily(now time.Time, at TimeOfDay, loc *time.Location) time.Time {
	local := now.In(loc)

	next := resolveLocal(local.Year(), local.Month(), local.Day(), at, loc)
	if !next.After(now) {
		next = resolveLocal(local.Year(), local.Month(), local.Day()+1, at, loc)
	}
	return next
}

// resolveLocal builds the instant for a wall-clock reading. time.Date
// already normalizes nonexistent readings forward past a DST gap; for
// repeated readings at fall-back it can return the earlier instant, so
// when adding the transition shift reproduces the same wall clock we
// take the later one.
func resolveLocal(year int, month time.Month, day int, at TimeOfDay, loc *time.Location) time.Time {
	t := time.Date(year, month, day, at.Hour, at.Minute, at.Second, 0, loc)

	later := t.Add(time.Hour)
	if later.Hour() == at.Hour && later.Minute() == at.Minute && later.Second() == at.Second {
		return later
	}
	return t
}

// nextSun returns the next sunrise/sunset (with offset applied) strictly
// after now, trying today then tomorrow. ok is false when neither day
// has the sun event (polar day or night).
func (s *Scheduler) nextSun(now time.Time, kind Kind, offsetMinutes int) (time.Time, bool) {
	local := now.In(s.cfg.Timezone)

	for dayOffset := 0; dayOffset <= 1; dayOffset++ {
		day := local.AddDate(0, 0, dayOffset)
		rise, set := sunrise.SunriseSunset(
			s.cfg.Location.Latitude, s.cfg.Location.Longitude,
			day.Year(), day.Month(), day.Day(),
		)

		var t time.Time
		if kind == KindSunrise {
			t = rise
		} else {
			t = set
		}
		if t.IsZero() {
			continue
		}

		t = t.Add(time.Duration(offsetMinutes) * time.Minute)
		if t.After(now) {
			return t, true
		}
	}
	return time.Time{}, false
}
