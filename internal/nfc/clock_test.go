package nfc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	var order []string

	fc.AfterFunc(300*time.Millisecond, func() { order = append(order, "late") })
	fc.AfterFunc(100*time.Millisecond, func() { order = append(order, "early") })
	fc.AfterFunc(100*time.Millisecond, func() { order = append(order, "early2") })

	fc.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"early", "early2"}, order)
	assert.Equal(t, 1, fc.Pending())

	fc.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"early", "early2", "late"}, order)
	assert.Equal(t, 0, fc.Pending())
}

func TestFakeClockStop(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	fired := false
	tm := fc.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	fc.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestFakeClockChainedTimers(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	var at []time.Duration
	start := fc.Now()

	fc.AfterFunc(100*time.Millisecond, func() {
		at = append(at, fc.Now().Sub(start))
		fc.AfterFunc(100*time.Millisecond, func() {
			at = append(at, fc.Now().Sub(start))
		})
	})

	fc.Advance(time.Second)
	require.Len(t, at, 2)
	assert.Equal(t, 100*time.Millisecond, at[0])
	assert.Equal(t, 200*time.Millisecond, at[1])
	assert.Equal(t, time.Second, fc.Now().Sub(start))
}

func TestAlarmRestart(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	a := NewAlarm(fc)
	count := 0

	a.Start(time.Second, func() { count++ })
	assert.True(t, a.Running())

	fc.Advance(500 * time.Millisecond)
	a.Start(time.Second, func() { count++ })

	fc.Advance(600 * time.Millisecond)
	assert.Equal(t, 0, count, "restart must push the deadline out")

	fc.Advance(400 * time.Millisecond)
	assert.Equal(t, 1, count)
	assert.False(t, a.Running())
}

func TestAlarmStop(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	a := NewAlarm(fc)
	fired := false

	a.Start(time.Second, func() { fired = true })
	a.Stop()
	assert.False(t, a.Running())

	fc.Advance(time.Second)
	assert.False(t, fired)
}
