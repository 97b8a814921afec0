// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import "time"

// Event has two flavors (spec.md §4.2): auto-unsignal wakes exactly one
// waiter and immediately clears the signal; broadcast latches the signal so
// all current and future waiters pass until explicitly cleared.
type Event struct {
	q         *WaitQueue
	broadcast bool
	signalled bool
}

// NewEvent constructs an unsignalled event of the given flavor.
func NewEvent(broadcast bool) *Event {
	return &Event{q: NewWaitQueue(), broadcast: broadcast}
}

// EventWait blocks self until the event signals (or is already signalled,
// for a broadcast event), a timeout fires, or the event is destroyed.
func (s *Scheduler) EventWait(self *Thread, e *Event, timeout time.Duration) error {
	return s.blockUnless(self, e.q, timeout, func() bool {
		if e.broadcast && e.signalled {
			return true
		}
		return false
	})
}

// EventSignal signals e. For an auto-unsignal event this wakes exactly one
// waiter and leaves the event clear; for a broadcast event it wakes every
// current waiter and latches signalled so future waiters pass immediately.
func (s *Scheduler) EventSignal(e *Event) {
	s.mu.Lock()
	if e.broadcast {
		e.signalled = true
		for _, t := range e.q.drainAll(nil) {
			s.rq.insertHead(t)
			s.maybeRequestCrossCPUPreempt(t)
		}
		s.mu.Unlock()
		return
	}
	t := e.q.popFront(nil)
	if t != nil {
		s.rq.insertHead(t)
		s.maybeRequestCrossCPUPreempt(t)
	}
	s.mu.Unlock()
}

// EventUnsignal clears a broadcast event's latched signal.
func (s *Scheduler) EventUnsignal(e *Event) {
	s.mu.Lock()
	e.signalled = false
	s.mu.Unlock()
}
