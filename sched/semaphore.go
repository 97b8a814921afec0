// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import "time"

// Semaphore is a counting semaphore layered on WaitQueue, per spec.md §4.2.
type Semaphore struct {
	q     *WaitQueue
	count int
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{q: NewWaitQueue(), count: initial}
}

// SemaphoreWait decrements the count, blocking self if it would go
// negative.
func (s *Scheduler) SemaphoreWait(self *Thread, sem *Semaphore, timeout time.Duration) error {
	return s.blockUnless(self, sem.q, timeout, func() bool {
		if sem.count > 0 {
			sem.count--
			return true
		}
		return false
	})
}

// SemaphorePost wakes one parked waiter if there is one, handing the unit
// straight to it without touching the count; with no waiter it increments
// the count. It uses the same wait-queue wake path as mutexes and events.
func (s *Scheduler) SemaphorePost(sem *Semaphore) {
	s.mu.Lock()
	t := sem.q.popFront(nil)
	if t != nil {
		s.rq.insertHead(t)
		s.maybeRequestCrossCPUPreempt(t)
	} else {
		sem.count++
	}
	s.mu.Unlock()
}
