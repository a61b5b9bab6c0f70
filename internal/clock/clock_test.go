package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClockNow(t *testing.T) {
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := NewMockClock(start)

	assert.Equal(t, start, clk.Now())
	clk.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), clk.Now())
}

func TestMockClockFiresDueTimers(t *testing.T) {
	clk := NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	fired := false
	clk.AfterFunc(time.Minute, func() { fired = true })

	clk.Advance(30 * time.Second)
	assert.False(t, fired)

	clk.Advance(30 * time.Second)
	assert.True(t, fired)
}

func TestMockClockFiresInDeadlineOrder(t *testing.T) {
	clk := NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	var order []string
	clk.AfterFunc(3*time.Second, func() { order = append(order, "third") })
	clk.AfterFunc(time.Second, func() { order = append(order, "first") })
	clk.AfterFunc(2*time.Second, func() { order = append(order, "second") })

	clk.Advance(5 * time.Second)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestMockClockStop(t *testing.T) {
	clk := NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	clk.Advance(time.Minute)
	assert.False(t, fired)
}

func TestMockClockCallbackCanRearm(t *testing.T) {
	clk := NewMockClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	count := 0
	var tick func()
	tick = func() {
		count++
		clk.AfterFunc(time.Second, tick)
	}
	clk.AfterFunc(time.Second, tick)

	clk.Advance(time.Second)
	clk.Advance(time.Second)
	assert.Equal(t, 2, count)
}

func TestRealClockAfterFunc(t *testing.T) {
	clk := NewRealClock()

	done := make(chan struct{})
	clk.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}
