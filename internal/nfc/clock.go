package nfc

import (
	"sort"
	"sync"
	"time"
)

// Clock provides an abstraction over time operations so the protocol
// timers can be driven without real delays in tests.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc calls f in its own goroutine after d elapses
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a pending AfterFunc call
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped a pending timer.
	Stop() bool
}

// RealClock implements Clock using the time package
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return &RealClock{}
}

func (rc *RealClock) Now() time.Time {
	return time.Now()
}

func (rc *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// FakeClock implements Clock for testing with controllable time. Due
// callbacks run synchronously on the goroutine calling Advance.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// NewFakeClock creates a new FakeClock starting at the given time
func NewFakeClock(startTime time.Time) *FakeClock {
	return &FakeClock{now: startTime}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.seq++
	ft := &fakeTimer{
		clock:    fc,
		deadline: fc.now.Add(d),
		seq:      fc.seq,
		f:        f,
	}
	fc.timers = append(fc.timers, ft)
	return ft
}

// Pending returns the number of timers that have not fired or been stopped
func (fc *FakeClock) Pending() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n := 0
	for _, t := range fc.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Advance moves the fake clock forward by d and fires every timer whose
// deadline has been reached, earliest first. Timers armed by a callback
// fire in the same call if they fall due within d.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	target := fc.now.Add(d)
	fc.mu.Unlock()

	for {
		fc.mu.Lock()
		next := fc.nextDue(target)
		if next == nil {
			fc.now = target
			fc.compact()
			fc.mu.Unlock()
			return
		}
		next.done = true
		if next.deadline.After(fc.now) {
			fc.now = next.deadline
		}
		f := next.f
		fc.mu.Unlock()

		f()
	}
}

func (fc *FakeClock) nextDue(target time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range fc.timers {
		if !t.done && !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (fc *FakeClock) compact() {
	live := fc.timers[:0]
	for _, t := range fc.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	fc.timers = live
}

// fakeTimer implements Timer for testing
type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      int
	f        func()
	done     bool
}

func (ft *fakeTimer) Stop() bool {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()
	if ft.done {
		return false
	}
	ft.done = true
	return true
}
