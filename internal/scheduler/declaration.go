package scheduler

import (
	"errors"
	"fmt"
)

// Kind identifies a schedule declaration type.
type Kind string

const (
	KindDaily   Kind = "daily"
	KindSunrise Kind = "sunrise"
	KindSunset  Kind = "sunset"
	KindEvery   Kind = "every"
)

// TimeOfDay is a wall-clock time in the configured timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 &&
		t.Minute >= 0 && t.Minute < 60 &&
		t.Second >= 0 && t.Second < 60
}

// Declaration is one time-based trigger declared by an automation. When
// it fires, Message is delivered to the automation's mailbox.
type Declaration struct {
	Kind Kind

	// At applies to daily schedules.
	At TimeOfDay
	// OffsetMinutes applies to sunrise/sunset; may be negative.
	OffsetMinutes int
	// IntervalMS applies to every; must be a positive integer.
	IntervalMS int

	Message string
}

// Validation errors. Invalid declarations are skipped, never fatal.
var (
	ErrMissingMessage = errors.New("missing_message")
	ErrInvalidDaily   = errors.New("invalid_daily")
	ErrInvalidEvery   = errors.New("invalid_every")
	ErrUnknownKind    = errors.New("unknown_kind")
)

// Validate checks a declaration against the schedule rules.
func Validate(d Declaration) error {
	if d.Message == "" {
		return ErrMissingMessage
	}
	switch d.Kind {
	case KindDaily:
		if !d.At.valid() {
			return fmt.Errorf("%w: %s", ErrInvalidDaily, d.At)
		}
	case KindEvery:
		if d.IntervalMS <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidEvery, d.IntervalMS)
		}
	case KindSunrise, KindSunset:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, d.Kind)
	}
	return nil
}
