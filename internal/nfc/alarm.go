package nfc

import "time"

// Alarm is a restartable one-shot timer. It is not safe for concurrent
// use: Start, Stop and the callback must all run on the same goroutine,
// which holds when the clock delivers callbacks into an event loop.
type Alarm struct {
	clock   Clock
	timer   Timer
	gen     uint64
	running bool
}

// NewAlarm creates an alarm driven by clock
func NewAlarm(clock Clock) *Alarm {
	return &Alarm{clock: clock}
}

// Start arms the alarm, cancelling any previous deadline
func (a *Alarm) Start(d time.Duration, f func()) {
	a.Stop()
	a.gen++
	gen := a.gen
	a.running = true
	a.timer = a.clock.AfterFunc(d, func() {
		// a stale callback already queued when Stop ran
		if gen != a.gen || !a.running {
			return
		}
		a.running = false
		f()
	})
}

// Stop disarms the alarm
func (a *Alarm) Stop() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.running = false
}

// Running reports whether the alarm is armed
func (a *Alarm) Running() bool {
	return a.running
}
