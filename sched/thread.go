// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sched implements the priority-based preemptive thread scheduler:
// run queues, wait queues, timers, and the mutex/event/semaphore primitives
// layered on top of them. It models the logic of a little-kernel-style
// scheduler without depending on any particular architecture port; callers
// supply timing and context-switch hooks.
package sched

import (
	"sync"

	"github.com/pkg/errors"
)

// MaxPriority is the highest thread priority; 0 is reserved for idle threads.
const MaxPriority = 31

// DefaultPriority is the priority newly created threads run at unless
// requested otherwise.
const DefaultPriority = 16

// DefaultQuantum is the number of ticks a non-real-time, non-idle thread
// runs for before the scheduler considers preempting it. Lifted from
// kernel/thread.c's `newthread->remaining_quantum = 5`.
const DefaultQuantum = 5

// State is a thread's position in its lifecycle.
type State int

const (
	Suspended State = iota
	Ready
	Running
	Blocked
	Sleeping
	Death
)

func (s State) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Sleeping:
		return "sleeping"
	case Death:
		return "death"
	default:
		return "unknown"
	}
}

// Flags mirrors the original bitmask flags as discrete booleans; per
// spec.md's Design Notes the bitmask combinability was never exploited.
type Flags struct {
	Detached          bool
	RealTime          bool
	Idle              bool
	FreeStack         bool
	FreeStruct        bool
	StackBoundsCheck  bool
}

// Sentinel errors for the taxonomy in spec.md §7.
var (
	ErrThreadDetached = errors.New("sched: thread is detached")
	ErrObjectDestroyed = errors.New("sched: object destroyed")
	ErrTimeout         = errors.New("sched: timed out")
	ErrNotFound        = errors.New("sched: no such thread")
	ErrNoMemory        = errors.New("sched: allocation failed")
)

// EntryFunc is a thread's body. It receives the Scheduler that owns it (so
// it can call Yield/Sleep/Block/CheckPoint on itself), its own Thread
// handle, and the argument it was created with; it returns the thread's
// exit code.
type EntryFunc func(s *Scheduler, self *Thread, arg any) int

// Thread is a schedulable activity. Exported fields that are only ever
// mutated under the owning Scheduler's lock are documented as such; callers
// outside sched must not write them directly.
type Thread struct {
	id   uint64
	Name string // human-readable name, spec.md caps this at 31 bytes by convention

	Entry EntryFunc
	Arg   any

	Priority int
	Flags    Flags

	state           State
	remainingQuantum int

	ExitCode int

	// joinQueue wakes every joiner when the thread reaches Death.
	joinQueue *WaitQueue

	// blockingQueue is the wait queue this thread is parked on, if any.
	// Invariant (spec.md §3): blockingQueue != nil <=> state == Blocked &&
	// thread is a member of blockingQueue.list.
	blockingQueue *WaitQueue
	waitResult    error

	// run-queue linkage (intrusive, arena-free: plain pointers since threads
	// are heap objects owned by the scheduler for their whole lifetime).
	rqNext, rqPrev *Thread

	// CPU affinity. -1 means unpinned.
	CurrCPU   int
	PinnedCPU int

	// gate and started are the Scheduler's baton-passing machinery: gate is
	// signalled to hand this thread's goroutine the CPU, started records
	// whether the backing goroutine has been launched yet.
	gate    chan struct{}
	started bool

	mu sync.Mutex
}

var nextThreadID uint64

func allocThreadID() uint64 {
	nextThreadID++
	return nextThreadID
}

// NewThread constructs a thread in the Suspended state. It does not become
// runnable until Resume is called on it via a Scheduler.
func NewThread(name string, priority int, entry EntryFunc, arg any) *Thread {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	t := &Thread{
		id:               allocThreadID(),
		Name:             name,
		Entry:            entry,
		Arg:              arg,
		Priority:         priority,
		state:            Suspended,
		remainingQuantum: DefaultQuantum,
		CurrCPU:          -1,
		PinnedCPU:        -1,
	}
	t.joinQueue = NewWaitQueue()
	return t
}

// ID returns the thread's stable identity.
func (t *Thread) ID() uint64 { return t.id }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) { t.state = s }

func (t *Thread) isRealTime() bool {
	return t.Flags.RealTime && t.Priority > DefaultPriority
}

func (t *Thread) isIdle() bool {
	return t.Flags.Idle
}

// exemptFromPreemption reports whether the tick handler should refrain from
// decrementing this thread's quantum into a preemption request.
func (t *Thread) exemptFromPreemption() bool {
	return t.isRealTime() || t.isIdle()
}
