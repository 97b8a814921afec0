// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import "time"

// Mutex is a thin layer over WaitQueue (spec.md §4.2): it tracks ownership
// by thread identity for debugging but does not implement priority
// inheritance, matching the original.
type Mutex struct {
	q     *WaitQueue
	owner *Thread // nil if unlocked
}

// NewMutex constructs an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{q: NewWaitQueue()}
}

// Owner returns the thread currently holding m, or nil.
func (m *Mutex) Owner() *Thread { return m.owner }

// MutexAcquire blocks self until m is free, then takes ownership. Re-entrant
// acquisition by the same thread deadlocks, as in the original (no
// recursive mutex support).
func (s *Scheduler) MutexAcquire(self *Thread, m *Mutex, timeout time.Duration) error {
	err := s.blockUnless(self, m.q, timeout, func() bool {
		if m.owner == nil {
			m.owner = self
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	// Woken by MutexRelease, which already set m.owner = self under lock.
	return nil
}

// MutexRelease hands ownership of m to the next waiter, if any, or marks it
// free.
func (s *Scheduler) MutexRelease(self *Thread, m *Mutex) {
	s.mu.Lock()
	if m.owner != self {
		s.mu.Unlock()
		return
	}
	next := m.q.popFront(nil)
	if next != nil {
		m.owner = next
		s.rq.insertHead(next)
		s.maybeRequestCrossCPUPreempt(next)
	} else {
		m.owner = nil
	}
	s.mu.Unlock()
}
