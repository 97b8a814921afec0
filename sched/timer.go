// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"container/list"
	"sync"
	"time"
)

// Clock abstracts the monotonic time source so tests can drive the timer
// wheel deterministically instead of depending on the wall clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock, backed by time.Now.
var SystemClock Clock = systemClock{}

// TimerCallback runs in "interrupt context": the global timer lock is not
// held while it executes. Returning true requests that the caller invoke
// preempt() on exit from the timer, mirroring the original's "reschedule
// hint" (spec.md §4.3).
type TimerCallback func(now time.Time) (reschedule bool)

// Timer is a callback armed to fire at or after a deadline, optionally
// re-arming itself periodically.
type Timer struct {
	deadline time.Time
	period   time.Duration // 0 for one-shot
	cb       TimerCallback
	cancelled bool
	elem     *list.Element
}

// Cancel cancels t. Race-free against a concurrent fire: if the callback
// has already been dequeued for firing, Cancel has no effect on that firing
// in flight, matching spec.md's "callers must treat a just-expired timer as
// possibly about-to-run until cancelled".
func (t *Timer) Cancel() {
	t.cancelled = true
}

// TimerWheel is a single CPU's sorted-by-deadline timer list. Each method
// takes the wheel's own lock (mu) itself; Fire releases it while a
// callback runs.
type TimerWheel struct {
	mu    sync.Mutex
	l     list.List // of *Timer, ascending deadline
	clock Clock
}

// NewTimerWheel constructs an empty per-CPU timer list using clock as the
// time source.
func NewTimerWheel(clock Clock) *TimerWheel {
	if clock == nil {
		clock = SystemClock
	}
	return &TimerWheel{clock: clock}
}

// Set arms a one-shot timer at now+delay.
func (w *TimerWheel) Set(delay time.Duration, cb TimerCallback) *Timer {
	return w.setAt(w.clock.Now().Add(delay), 0, cb)
}

// SetPeriodic arms a timer that re-fires every period, starting at
// now+period.
func (w *TimerWheel) SetPeriodic(period time.Duration, cb TimerCallback) *Timer {
	return w.setAt(w.clock.Now().Add(period), period, cb)
}

func (w *TimerWheel) setAt(deadline time.Time, period time.Duration, cb TimerCallback) *Timer {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := &Timer{deadline: deadline, period: period, cb: cb}
	t.elem = w.insertLocked(t)
	return t
}

func (w *TimerWheel) insertLocked(t *Timer) *list.Element {
	for e := w.l.Front(); e != nil; e = e.Next() {
		if e.Value.(*Timer).deadline.After(t.deadline) {
			return w.l.InsertBefore(t, e)
		}
	}
	return w.l.PushBack(t)
}

// Fire processes every timer whose deadline has passed as of now, removing
// the global timer lock (w.mu) before invoking each callback so callbacks
// may arm new timers without deadlocking (spec.md §9: timer callbacks must
// not hold long-running locks). Periodic timers re-arm at
// previous_deadline+period, not now+period, to resist drift. Returns true
// if any fired callback asked for a reschedule.
func (w *TimerWheel) Fire(now time.Time) (reschedule bool) {
	for {
		w.mu.Lock()
		front := w.l.Front()
		if front == nil {
			w.mu.Unlock()
			return reschedule
		}
		t := front.Value.(*Timer)
		if t.deadline.After(now) {
			w.mu.Unlock()
			return reschedule
		}
		w.l.Remove(front)
		t.elem = nil
		cancelled := t.cancelled
		w.mu.Unlock()

		if cancelled {
			continue
		}
		if t.cb(now) {
			reschedule = true
		}
		if t.period > 0 && !t.cancelled {
			t.deadline = t.deadline.Add(t.period)
			w.mu.Lock()
			t.elem = w.insertLocked(t)
			w.mu.Unlock()
		}
	}
}

// NextDeadline reports the earliest armed deadline, if any, for callers
// simulating "program the architecture's one-shot hardware" against the
// head of the list.
func (w *TimerWheel) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	front := w.l.Front()
	if front == nil {
		return time.Time{}, false
	}
	return front.Value.(*Timer).deadline, true
}
