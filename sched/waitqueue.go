// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"container/list"
	"time"
)

// Infinite disables a timeout on WaitQueue.Block.
const Infinite time.Duration = -1

// magicWaitQueue is a poor man's use-after-free / double-destroy detector,
// mirroring the original's "magic" identity word on wait_queue_t.
const magicWaitQueue = 0x77616974 // "wait"

// WaitQueue is an ordered list of blocked threads plus a count kept in
// lockstep with list membership (spec.md invariant 3: q.count == |q.list|).
// All methods must be called with the owning Scheduler's thread lock held;
// WaitQueue itself does no locking, exactly like the original's
// wait_queue_t which is always manipulated under the global thread_lock.
type WaitQueue struct {
	magic int
	l     list.List // of *waitEntry
	count int
}

type waitEntry struct {
	thread *Thread
	elem   *list.Element
}

// NewWaitQueue constructs an empty, live wait queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{magic: magicWaitQueue}
}

func (q *WaitQueue) destroyed() bool { return q.magic != magicWaitQueue }

// Count returns the number of threads currently blocked on q.
func (q *WaitQueue) Count() int { return q.count }

// enqueue appends t to the queue and marks it Blocked. Caller must already
// hold the scheduler lock and must call the scheduler's reschedule after
// this returns, since the thread is no longer runnable.
func (q *WaitQueue) enqueue(t *Thread) *waitEntry {
	e := &waitEntry{thread: t}
	e.elem = q.l.PushBack(e)
	q.count++
	t.blockingQueue = q
	t.setState(Blocked)
	return e
}

func (q *WaitQueue) dequeue(e *waitEntry) {
	q.l.Remove(e.elem)
	q.count--
}

// wakeEntry transitions e's thread to Ready, unlinks it from q, and returns
// it so the caller can insert it into a run queue (head-insertion, per
// spec.md's scheduling-point rules for wake-ups).
func (q *WaitQueue) wakeEntry(e *waitEntry, result error) *Thread {
	t := e.thread
	q.dequeue(e)
	t.blockingQueue = nil
	t.waitResult = result
	t.setState(Ready)
	return t
}

// popFront wakes and returns the longest-waiting thread, or nil if empty.
func (q *WaitQueue) popFront(result error) *Thread {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	return q.wakeEntry(front.Value.(*waitEntry), result)
}

// unblockEntry looks for t among the queue's members and, if found, wakes
// it; a no-op (returns false) if t already left Blocked state for any
// reason, which is how a timer callback racing a concurrent wake resolves
// to exactly-once wakeup (spec.md §5 Cancellation).
func (q *WaitQueue) unblockEntry(t *Thread, result error) bool {
	for e := q.l.Front(); e != nil; e = e.Next() {
		we := e.Value.(*waitEntry)
		if we.thread == t {
			q.wakeEntry(we, result)
			return true
		}
	}
	return false
}

// drainAll wakes every waiter with result and returns them in FIFO arrival
// order for the caller to insert into run queues.
func (q *WaitQueue) drainAll(result error) []*Thread {
	var woken []*Thread
	for {
		t := q.popFront(result)
		if t == nil {
			break
		}
		woken = append(woken, t)
	}
	return woken
}

// destroy marks q unusable and returns every waiter so the caller can wake
// them with ErrObjectDestroyed.
func (q *WaitQueue) destroy() []*Thread {
	woken := q.drainAll(ErrObjectDestroyed)
	q.magic = 0
	return woken
}
