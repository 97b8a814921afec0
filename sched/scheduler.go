// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"
	"time"
)

// Logger is satisfied by *log.Logger; mirrors the teacher's fuse.Logger
// shape so callers can plug in any sink.
type Logger interface {
	Printf(format string, args ...any)
}

type nullLogger struct{}

func (nullLogger) Printf(string, ...any) {}

// PreemptionTimerPeriod is the periodic preemption timer armed whenever a
// non-real-time thread becomes current after a real-time or idle thread,
// per spec.md §4.1.
const PreemptionTimerPeriod = 10 * time.Millisecond

// Scheduler owns the global run queue, the per-CPU current-thread slots,
// and the per-CPU timer wheels. All run-queue/wait-queue/thread-state
// manipulation happens with mu held, modeling "the global thread lock held
// and interrupts disabled on the current CPU" from spec.md §4.1.
type Scheduler struct {
	mu sync.Mutex
	rq runQueue

	numCPUs int
	current []*Thread
	idle    []*Thread
	timers  []*TimerWheel
	preempt []bool // pending reschedule request per CPU (the "IPI reschedule")
	preTimer []*Timer

	clock  Clock
	logger Logger
}

// NewScheduler constructs a Scheduler for numCPUs simulated CPUs and
// constructs one idle thread per CPU; an idle thread's goroutine is
// launched the first time its CPU has nothing else to run.
func NewScheduler(numCPUs int, clock Clock, logger Logger) *Scheduler {
	if numCPUs < 1 {
		numCPUs = 1
	}
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = nullLogger{}
	}
	s := &Scheduler{
		numCPUs: numCPUs,
		current: make([]*Thread, numCPUs),
		idle:    make([]*Thread, numCPUs),
		timers:  make([]*TimerWheel, numCPUs),
		preempt: make([]bool, numCPUs),
		preTimer: make([]*Timer, numCPUs),
		clock:   clock,
		logger:  logger,
	}
	for cpu := 0; cpu < numCPUs; cpu++ {
		s.timers[cpu] = NewTimerWheel(clock)
		idle := NewThread("idle", 0, func(s *Scheduler, self *Thread, _ any) int {
			for {
				s.CheckPoint(self)
			}
		}, nil)
		idle.Flags.Idle = true
		idle.Flags.Detached = true
		idle.PinnedCPU = cpu
		idle.CurrCPU = cpu
		idle.gate = make(chan struct{}, 1)
		s.idle[cpu] = idle
	}
	return s
}

// ensureGate lazily attaches the baton-passing channel the first time a
// Scheduler sees t.
func ensureGate(t *Thread) {
	if t.gate == nil {
		t.gate = make(chan struct{}, 1)
	}
}

// Tick simulates the timer-interrupt tick for cpu: it decrements the
// current thread's remaining quantum and, if it reaches zero and the
// thread is not real-time/idle, requests a preemption (spec.md §4.1
// "Timer tick"). It also fires any expired timers on that CPU's wheel.
func (s *Scheduler) Tick(cpu int) {
	now := s.clock.Now()
	if s.timers[cpu].Fire(now) {
		s.requestPreempt(cpu)
	}

	s.mu.Lock()
	t := s.current[cpu]
	if t != nil && !t.exemptFromPreemption() {
		t.remainingQuantum--
		if t.remainingQuantum <= 0 {
			s.preempt[cpu] = true
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) requestPreempt(cpu int) {
	s.mu.Lock()
	s.preempt[cpu] = true
	s.mu.Unlock()
}

// CheckPoint is the safepoint a running thread's Entry function calls
// periodically. It is the cooperative stand-in for "the architecture layer
// arranges for preempt() on exit from interrupt": since this scheduler has
// no real interrupt mechanism, Entry bodies call CheckPoint at loop
// boundaries and CheckPoint honors any pending preemption request. It
// always acts on self's current CPU (self.CurrCPU), not a CPU the caller
// captured earlier, since self may have been rescheduled onto a different
// CPU since it last ran.
func (s *Scheduler) CheckPoint(self *Thread) {
	cpu := self.CurrCPU
	s.mu.Lock()
	if !s.preempt[cpu] {
		s.mu.Unlock()
		return
	}
	s.preempt[cpu] = false
	s.mu.Unlock()
	s.preemptLocked(cpu, self)
}

// Resume transitions t from Suspended to Ready and makes it eligible for
// dispatch on cpu (or any unpinned CPU if cpu < 0, honoring t.PinnedCPU).
func (s *Scheduler) Resume(cpu int, t *Thread) {
	if cpu < 0 {
		cpu = 0
		if t.PinnedCPU >= 0 {
			cpu = t.PinnedCPU
		}
	}
	ensureGate(t)
	s.mu.Lock()
	t.setState(Ready)
	t.remainingQuantum = DefaultQuantum
	s.rq.insertTail(t)
	if cur := s.current[cpu]; cur != nil && t.Priority > cur.Priority {
		s.preempt[cpu] = true
	}
	s.mu.Unlock()
	s.dispatchIfIdle(cpu)
}

// dispatchIfIdle kicks off dispatch on cpu if nothing is currently running
// there (used right after construction/Resume before any thread has ever
// run a scheduling point on that CPU).
func (s *Scheduler) dispatchIfIdle(cpu int) {
	s.mu.Lock()
	if s.current[cpu] != nil {
		s.mu.Unlock()
		return
	}
	next := s.pickNextLocked(cpu)
	s.mu.Unlock()
	s.launch(cpu, nil, next)
}

func (s *Scheduler) pickNextLocked(cpu int) *Thread {
	if t := s.rq.pickTop(cpu); t != nil {
		s.rq.remove(t)
		t.setState(Running)
		t.CurrCPU = cpu
		s.current[cpu] = t
		s.armPreemptionTimer(cpu, t)
		return t
	}
	idle := s.idle[cpu]
	idle.setState(Running)
	idle.CurrCPU = cpu
	s.current[cpu] = idle
	s.armPreemptionTimer(cpu, idle)
	return idle
}

// armPreemptionTimer implements spec.md's SMP rule: entering a real-time
// thread cancels any periodic preemption timer; entering a non-real-time
// thread from a real-time/idle thread arms a 10ms periodic one.
func (s *Scheduler) armPreemptionTimer(cpu int, next *Thread) {
	if next.exemptFromPreemption() {
		if s.preTimer[cpu] != nil {
			s.preTimer[cpu].Cancel()
			s.preTimer[cpu] = nil
		}
		return
	}
	if s.preTimer[cpu] == nil {
		s.preTimer[cpu] = s.timers[cpu].SetPeriodic(PreemptionTimerPeriod, func(time.Time) bool {
			return true
		})
	}
}

// launch performs the actual baton pass: it starts incoming's goroutine if
// this is its first dispatch, or wakes it via its gate channel otherwise,
// then (if outgoing is non-nil and distinct from incoming and is the
// calling goroutine) blocks reading outgoing's own gate until it is chosen
// again.
func (s *Scheduler) launch(cpu int, outgoing, incoming *Thread) {
	if incoming == outgoing {
		return
	}
	ensureGate(incoming)
	if !incoming.started {
		incoming.started = true
		go func() {
			code := incoming.Entry(s, incoming, incoming.Arg)
			s.Exit(incoming, code)
		}()
	} else {
		incoming.gate <- struct{}{}
	}
}

// reschedule is the shared tail of every scheduling point: pick next,
// launch it, and if the caller (outgoing) is not the winner, block until
// re-chosen.
func (s *Scheduler) reschedule(cpu int, outgoing *Thread) {
	s.mu.Lock()
	next := s.pickNextLocked(cpu)
	s.mu.Unlock()

	s.launch(cpu, outgoing, next)
	if next != outgoing {
		<-outgoing.gate
	}
}

func (s *Scheduler) preemptLocked(cpu int, self *Thread) {
	s.mu.Lock()
	if self.remainingQuantum <= 0 {
		s.rq.insertTail(self)
	} else {
		s.rq.insertHead(self)
	}
	self.setState(Ready)
	s.mu.Unlock()
	s.reschedule(cpu, self)
}

// Yield voluntarily gives up the CPU: self is tail-inserted (spec.md
// "yield(): tail-insert current, pick, switch if different").
func (s *Scheduler) Yield(self *Thread) {
	cpu := self.CurrCPU
	s.mu.Lock()
	s.rq.insertTail(self)
	self.setState(Ready)
	s.mu.Unlock()
	s.reschedule(cpu, self)
}

// Sleep installs a one-shot timer that readies self after delay elapses,
// then blocks self until it fires.
func (s *Scheduler) Sleep(self *Thread, delay time.Duration) {
	cpu := self.CurrCPU
	s.mu.Lock()
	self.setState(Sleeping)
	s.mu.Unlock()

	s.timers[cpu].Set(delay, func(time.Time) bool {
		s.mu.Lock()
		self.setState(Ready)
		s.rq.insertHead(self)
		s.mu.Unlock()
		return true
	})
	s.reschedule(cpu, self)
}

// Block parks self on q until woken by a peer, a timeout, or destruction.
// The caller must not already hold s.mu. q must belong to the same
// scheduler's lock domain (WaitQueue itself has no lock of its own).
func (s *Scheduler) Block(self *Thread, q *WaitQueue, timeout time.Duration) error {
	return s.blockUnless(self, q, timeout, func() bool { return false })
}

// blockUnless is Block generalized with an atomic precheck performed under
// the same lock acquisition as the enqueue, so a resource becoming
// available between a caller's own check and the call to block can never
// be missed (the classic lost-wakeup race). If acquireIfFree reports true,
// self is never enqueued and blockUnless returns nil immediately. It is
// the building block MutexAcquire and SemaphoreWait use to combine their
// ownership/count bookkeeping with the enqueue atomically.
func (s *Scheduler) blockUnless(self *Thread, q *WaitQueue, timeout time.Duration, acquireIfFree func() bool) error {
	cpu := self.CurrCPU
	s.mu.Lock()
	if q.destroyed() {
		s.mu.Unlock()
		return ErrObjectDestroyed
	}
	if acquireIfFree() {
		s.mu.Unlock()
		return nil
	}
	q.enqueue(self)
	s.mu.Unlock()

	var timer *Timer
	if timeout != Infinite {
		timer = s.timers[cpu].Set(timeout, func(time.Time) bool {
			s.mu.Lock()
			woke := q.unblockEntry(self, ErrTimeout)
			if woke {
				s.rq.insertHead(self)
			}
			s.mu.Unlock()
			return woke
		})
	}

	s.reschedule(cpu, self)

	if timer != nil {
		timer.Cancel()
	}
	return self.waitResult
}

// WakeOne wakes the longest-waiting thread on q, if any, inserting it at
// the head of its run queue bucket (spec.md: wake operations "insert them
// at the head of the appropriate run queue").
func (s *Scheduler) WakeOne(q *WaitQueue, result error) {
	s.mu.Lock()
	t := q.popFront(result)
	if t != nil {
		s.rq.insertHead(t)
		s.maybeRequestCrossCPUPreempt(t)
	}
	s.mu.Unlock()
}

// WakeAll wakes every thread blocked on q.
func (s *Scheduler) WakeAll(q *WaitQueue, result error) {
	s.mu.Lock()
	for _, t := range q.drainAll(result) {
		s.rq.insertHead(t)
		s.maybeRequestCrossCPUPreempt(t)
	}
	s.mu.Unlock()
}

// UnblockThread wakes t specifically if it is currently blocked on q
// (no-op otherwise); used by timeouts and explicit cancellation.
func (s *Scheduler) UnblockThread(q *WaitQueue, t *Thread, result error) bool {
	s.mu.Lock()
	woke := q.unblockEntry(t, result)
	if woke {
		s.rq.insertHead(t)
		s.maybeRequestCrossCPUPreempt(t)
	}
	s.mu.Unlock()
	return woke
}

// DestroyWaitQueue wakes every waiter with ErrObjectDestroyed and poisons q
// against future use.
func (s *Scheduler) DestroyWaitQueue(q *WaitQueue) {
	s.mu.Lock()
	for _, t := range q.destroy() {
		s.rq.insertHead(t)
		s.maybeRequestCrossCPUPreempt(t)
	}
	s.mu.Unlock()
}

// maybeRequestCrossCPUPreempt must be called with mu held. It is the thin
// "IPI reschedule" wrapper spec.md §4.1 describes: if t outranks whatever
// is running where it could land, flag that CPU for preemption at its next
// CheckPoint.
func (s *Scheduler) maybeRequestCrossCPUPreempt(t *Thread) {
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		if t.PinnedCPU >= 0 && t.PinnedCPU != cpu {
			continue
		}
		if cur := s.current[cpu]; cur != nil && t.Priority > cur.Priority {
			s.preempt[cpu] = true
		}
	}
}

// Exit transitions self to Death, wakes every joiner, and never returns to
// its caller (the goroutine backing self ends here).
func (s *Scheduler) Exit(self *Thread, code int) {
	cpu := self.CurrCPU
	self.ExitCode = code
	s.mu.Lock()
	self.setState(Death)
	joined := self.joinQueue.drainAll(nil)
	for _, t := range joined {
		s.rq.insertHead(t)
	}
	s.current[cpu] = nil
	next := s.pickNextLocked(cpu)
	s.mu.Unlock()

	s.launch(cpu, nil, next)
	// self's goroutine ends by returning out of Exit; it never rejoins the
	// gate protocol, matching spec.md's "Must never return [to the thread]".
}

// Join blocks the caller until target reaches Death, returning its exit
// code, ErrThreadDetached if target is detached, or ErrTimeout.
func (s *Scheduler) Join(self *Thread, target *Thread, timeout time.Duration) (int, error) {
	if target.Flags.Detached {
		return 0, ErrThreadDetached
	}
	if target.State() == Death {
		return target.ExitCode, nil
	}
	err := s.Block(self, target.joinQueue, timeout)
	if err != nil {
		return 0, err
	}
	return target.ExitCode, nil
}
