// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sync/errgroup"
)

// fakeClock lets timer-wheel tests advance time deterministically instead
// of depending on the wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// waitForState polls (rather than synchronizes on) th's state, since a
// thread's own goroutine is the only thing allowed to change it from the
// inside; tests observe from the outside the same way a debugger would.
func waitForState(t *testing.T, th *Thread, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if th.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("thread %q did not reach state %s within %s (stuck at %s)", th.Name, want, timeout, th.State())
}

// waitForQueueCount polls q's membership count under the scheduler lock,
// the same lock every WaitQueue method assumes is already held.
func waitForQueueCount(t *testing.T, s *Scheduler, q *WaitQueue, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		c := q.Count()
		s.mu.Unlock()
		if c >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("wait queue did not reach count %d within %s", want, timeout)
}

func TestRunQueuePicksHighestPriorityFIFOWithinBucket(t *testing.T) {
	var rq runQueue

	low := &Thread{Priority: 1, PinnedCPU: -1}
	highA := &Thread{Priority: 5, PinnedCPU: -1}
	highB := &Thread{Priority: 5, PinnedCPU: -1}

	rq.insertTail(low)
	rq.insertTail(highA)
	rq.insertTail(highB)

	if got := rq.pickTop(0); got != highA {
		t.Fatalf("got %v, want highA", got)
	}
	rq.remove(highA)

	if got := rq.pickTop(0); got != highB {
		t.Fatalf("got %v, want highB", got)
	}
	rq.remove(highB)

	if got := rq.pickTop(0); got != low {
		t.Fatalf("got %v, want low", got)
	}
	rq.remove(low)

	if got := rq.pickTop(0); got != nil {
		t.Fatalf("expected empty run queue, got %v", got)
	}
}

func TestRunQueuePickTopSkipsThreadsPinnedToOtherCPUs(t *testing.T) {
	var rq runQueue
	pinned := &Thread{Priority: 10, PinnedCPU: 1}
	unpinned := &Thread{Priority: 3, PinnedCPU: -1}

	rq.insertTail(pinned)
	rq.insertTail(unpinned)

	if got := rq.pickTop(0); got != unpinned {
		t.Fatalf("got %v, want unpinned (pinned thread belongs to cpu 1)", got)
	}
	if got := rq.pickTop(1); got != pinned {
		t.Fatalf("got %v, want pinned", got)
	}
}

func TestTimerWheelFiresInDeadlineOrder(t *testing.T) {
	clk := newFakeClock()
	w := NewTimerWheel(clk)

	var fired []string
	w.Set(10*time.Millisecond, func(time.Time) bool {
		fired = append(fired, "a")
		return false
	})
	w.Set(5*time.Millisecond, func(time.Time) bool {
		fired = append(fired, "b")
		return false
	})

	if _, ok := w.NextDeadline(); !ok {
		t.Fatal("expected a pending deadline")
	}
	if w.Fire(clk.Now()) {
		t.Fatal("unexpected reschedule before any deadline elapsed")
	}
	if len(fired) != 0 {
		t.Fatalf("fired too early: %v", fired)
	}

	w.Fire(clk.advance(7 * time.Millisecond))
	if diff := pretty.Compare([]string{"b"}, fired); diff != "" {
		t.Fatalf("fired mismatch (-want +got):\n%s", diff)
	}

	w.Fire(clk.advance(10 * time.Millisecond))
	if diff := pretty.Compare([]string{"b", "a"}, fired); diff != "" {
		t.Fatalf("fired mismatch (-want +got):\n%s", diff)
	}
}

func TestTimerWheelPeriodicRearmsFromPreviousDeadlineUntilCancelled(t *testing.T) {
	clk := newFakeClock()
	w := NewTimerWheel(clk)

	count := 0
	timer := w.SetPeriodic(5*time.Millisecond, func(time.Time) bool {
		count++
		return true
	})

	for i := 0; i < 3; i++ {
		w.Fire(clk.advance(5 * time.Millisecond))
	}
	if count != 3 {
		t.Fatalf("got %d fires, want 3", count)
	}

	timer.Cancel()
	w.Fire(clk.advance(5 * time.Millisecond))
	if count != 3 {
		t.Fatalf("fired after cancel: count=%d", count)
	}
}

func TestTickDecrementsQuantumAndRequestsPreemptOnceExhausted(t *testing.T) {
	clk := newFakeClock()
	s := NewScheduler(1, clk, nil)

	normal := NewThread("normal", DefaultPriority, nil, nil)
	normal.CurrCPU = 0
	normal.remainingQuantum = 1
	s.current[0] = normal

	s.Tick(0)

	s.mu.Lock()
	pending := s.preempt[0]
	s.mu.Unlock()

	if normal.remainingQuantum != 0 {
		t.Fatalf("got remainingQuantum=%d, want 0", normal.remainingQuantum)
	}
	if !pending {
		t.Fatal("expected a pending preemption request after the quantum was exhausted")
	}
}

func TestTickNeverDecrementsExemptThreads(t *testing.T) {
	clk := newFakeClock()
	s := NewScheduler(1, clk, nil)

	idle := s.idle[0]
	idle.CurrCPU = 0
	idle.remainingQuantum = 1
	s.current[0] = idle

	s.Tick(0)

	s.mu.Lock()
	pending := s.preempt[0]
	s.mu.Unlock()

	if idle.remainingQuantum != 1 {
		t.Fatalf("idle thread's quantum was decremented: got %d, want 1", idle.remainingQuantum)
	}
	if pending {
		t.Fatal("idle thread should never trigger a preemption request")
	}
}

func TestExemptFromPreemptionForRealTimeAboveDefaultAndIdle(t *testing.T) {
	rt := NewThread("rt", DefaultPriority+1, nil, nil)
	rt.Flags.RealTime = true
	if !rt.exemptFromPreemption() {
		t.Fatal("real-time thread above default priority should be exempt")
	}

	rtAtDefault := NewThread("rt-at-default", DefaultPriority, nil, nil)
	rtAtDefault.Flags.RealTime = true
	if rtAtDefault.exemptFromPreemption() {
		t.Fatal("real-time thread at (not above) default priority should not be exempt")
	}

	idle := NewThread("idle", 0, nil, nil)
	idle.Flags.Idle = true
	if !idle.exemptFromPreemption() {
		t.Fatal("idle thread should be exempt")
	}

	normal := NewThread("normal", DefaultPriority, nil, nil)
	if normal.exemptFromPreemption() {
		t.Fatal("an ordinary thread should not be exempt")
	}
}

func TestJoinReceivesExitCodeAfterTargetExits(t *testing.T) {
	s := NewScheduler(1, nil, nil)

	worker := NewThread("worker", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
		sc.Yield(self)
		return 7
	}, nil)

	codes := make(chan int, 1)
	errs := make(chan error, 1)
	joiner := NewThread("joiner", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
		code, err := sc.Join(self, worker, Infinite)
		errs <- err
		codes <- code
		return 0
	}, nil)

	s.Resume(0, worker)
	s.Resume(0, joiner)

	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("join error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for join")
	}
	if code := <-codes; code != 7 {
		t.Fatalf("got exit code %d, want 7", code)
	}
}

func TestJoinOnDetachedThreadFails(t *testing.T) {
	s := NewScheduler(1, nil, nil)

	target := NewThread("detached", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
		return 0
	}, nil)
	target.Flags.Detached = true

	errs := make(chan error, 1)
	joiner := NewThread("joiner", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
		_, err := sc.Join(self, target, Infinite)
		errs <- err
		return 0
	}, nil)

	s.Resume(0, target)
	s.Resume(0, joiner)

	select {
	case err := <-errs:
		if err != ErrThreadDetached {
			t.Fatalf("got %v, want ErrThreadDetached", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for join")
	}
}

func TestMutexSerializesCounterIncrementsAcrossCPUs(t *testing.T) {
	// Two CPUs so the two workers really can run concurrently; without the
	// mutex this would race, with it the final count must land exactly on
	// 2*itersPerThread every time.
	s := NewScheduler(2, nil, nil)
	m := NewMutex()

	const itersPerThread = 200
	counter := 0
	done := make(chan struct{}, 2)

	spawn := func(name string, cpu int) {
		th := NewThread(name, DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
			for i := 0; i < itersPerThread; i++ {
				if err := sc.MutexAcquire(self, m, Infinite); err != nil {
					t.Errorf("%s: acquire: %v", name, err)
					return 1
				}
				counter++
				sc.MutexRelease(self, m)
				sc.Yield(self)
			}
			done <- struct{}{}
			return 0
		}, nil)
		s.Resume(cpu, th)
	}

	spawn("a", 0)
	spawn("b", 1)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for workers")
		}
	}
	if counter != 2*itersPerThread {
		t.Fatalf("got counter=%d, want %d (mutex failed to serialize increments)", counter, 2*itersPerThread)
	}
}

func TestMutexOwnerTracksCurrentHolder(t *testing.T) {
	s := NewScheduler(1, nil, nil)
	m := NewMutex()

	acquired := make(chan struct{})
	release := make(chan struct{})
	holder := NewThread("holder", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
		if err := sc.MutexAcquire(self, m, Infinite); err != nil {
			t.Errorf("acquire: %v", err)
			return 1
		}
		close(acquired)
		<-release
		sc.MutexRelease(self, m)
		return 0
	}, nil)
	s.Resume(0, holder)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for acquire")
	}
	if m.Owner() != holder {
		t.Fatalf("got owner %v, want holder", m.Owner())
	}
	close(release)
	waitForState(t, holder, Death, time.Second)
	if m.Owner() != nil {
		t.Fatalf("got owner %v, want nil after release", m.Owner())
	}
}

func TestSemaphoreWaitSucceedsImmediatelyWhenCountPositive(t *testing.T) {
	s := NewScheduler(1, nil, nil)
	sem := NewSemaphore(1)

	th := NewThread("taker", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
		return 0
	}, nil)
	// No scheduler thread required for a non-blocking acquire: call it
	// straight from the test goroutine's borrowed Thread value.
	if err := s.SemaphoreWait(th, sem, Infinite); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sem.count != 0 {
		t.Fatalf("got count=%d, want 0", sem.count)
	}
}

func TestSemaphoreWaitBlocksUntilPosted(t *testing.T) {
	s := NewScheduler(1, nil, nil)
	sem := NewSemaphore(0)

	var mu sync.Mutex
	var order []string
	record := func(label string) {
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}

	done := make(chan struct{})
	consumer := NewThread("consumer", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
		record("consumer-before-wait")
		if err := sc.SemaphoreWait(self, sem, Infinite); err != nil {
			t.Errorf("wait: %v", err)
		}
		record("consumer-after-wait")
		close(done)
		return 0
	}, nil)

	s.Resume(0, consumer)
	waitForQueueCount(t, s, sem.q, 1, time.Second)

	record("before-post")
	s.SemaphorePost(sem)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for consumer to wake")
	}

	want := []string{"consumer-before-wait", "before-post", "consumer-after-wait"}
	if diff := pretty.Compare(want, order); diff != "" {
		t.Fatalf("wake ordering mismatch (-want +got):\n%s", diff)
	}
}

func TestEventBroadcastWakesAllWaitersAndLatches(t *testing.T) {
	s := NewScheduler(1, nil, nil)
	ev := NewEvent(true)

	const n = 3
	woke := make(chan struct{}, n+1)
	for i := 0; i < n; i++ {
		th := NewThread("waiter", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
			if err := sc.EventWait(self, ev, Infinite); err != nil {
				t.Errorf("wait: %v", err)
			}
			woke <- struct{}{}
			return 0
		}, nil)
		s.Resume(0, th)
	}
	waitForQueueCount(t, s, ev.q, n, time.Second)

	s.EventSignal(ev)

	for i := 0; i < n; i++ {
		select {
		case <-woke:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for waiter %d to wake", i)
		}
	}

	// A broadcast event latches: a thread waiting after the signal passes
	// immediately without ever entering the wait queue.
	late := NewThread("late", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
		if err := sc.EventWait(self, ev, Infinite); err != nil {
			t.Errorf("late wait: %v", err)
		}
		woke <- struct{}{}
		return 0
	}, nil)
	s.Resume(0, late)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the late waiter on a latched event")
	}
}

func TestEventAutoUnsignalWakesExactlyOneWaiter(t *testing.T) {
	s := NewScheduler(1, nil, nil)
	ev := NewEvent(false)

	woke := make(chan string, 2)
	spawnWaiter := func(name string) *Thread {
		th := NewThread(name, DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
			if err := sc.EventWait(self, ev, Infinite); err != nil {
				t.Errorf("%s: wait: %v", name, err)
				return 1
			}
			woke <- name
			return 0
		}, nil)
		s.Resume(0, th)
		return th
	}
	spawnWaiter("first")
	spawnWaiter("second")
	waitForQueueCount(t, s, ev.q, 2, time.Second)

	s.EventSignal(ev)

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first wakeup")
	}
	select {
	case name := <-woke:
		t.Fatalf("unexpected second wakeup from a single auto-unsignal signal: %s", name)
	case <-time.After(50 * time.Millisecond):
	}

	s.EventSignal(ev) // release the remaining waiter so its goroutine exits
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the second wakeup")
	}
}

func TestUnblockThreadWakesOnlyNamedThread(t *testing.T) {
	s := NewScheduler(1, nil, nil)
	q := NewWaitQueue()

	wantErr := errors.New("custom wake reason")
	results := make(chan error, 2)
	spawn := func(name string) *Thread {
		th := NewThread(name, DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
			results <- sc.Block(self, q, Infinite)
			return 0
		}, nil)
		s.Resume(0, th)
		return th
	}
	spawn("first")
	second := spawn("second")
	waitForQueueCount(t, s, q, 2, time.Second)

	if !s.UnblockThread(q, second, wantErr) {
		t.Fatal("expected UnblockThread to report a wakeup")
	}

	select {
	case err := <-results:
		if err != wantErr {
			t.Fatalf("got %v, want %v", err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the named wakeup")
	}

	select {
	case err := <-results:
		t.Fatalf("unexpected second wakeup (first should still be blocked): %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.DestroyWaitQueue(q) // release first so its goroutine doesn't leak past the test
	<-results
}

// TestWorkersAcrossAllCPUsComplete pins one worker per simulated CPU and
// joins all of them with an errgroup, the same fan-out/fan-in shape the
// ahci controller uses to demux per-port interrupts concurrently.
func TestWorkersAcrossAllCPUsComplete(t *testing.T) {
	const numCPUs = 4
	s := NewScheduler(numCPUs, nil, nil)

	var g errgroup.Group
	for cpu := 0; cpu < numCPUs; cpu++ {
		cpu := cpu
		done := make(chan int, 1)
		th := NewThread(fmt.Sprintf("worker-%d", cpu), DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
			sc.Yield(self)
			done <- self.CurrCPU
			return cpu
		}, nil)
		th.PinnedCPU = cpu
		s.Resume(cpu, th)

		g.Go(func() error {
			select {
			case got := <-done:
				if got != cpu {
					return fmt.Errorf("cpu %d: worker actually ran on cpu %d", cpu, got)
				}
				return nil
			case <-time.After(2 * time.Second):
				return fmt.Errorf("cpu %d: timed out waiting for worker", cpu)
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestDestroyWaitQueueWakesWaitersWithObjectDestroyed(t *testing.T) {
	s := NewScheduler(1, nil, nil)
	q := NewWaitQueue()

	errCh := make(chan error, 1)
	th := NewThread("blocked", DefaultPriority, func(sc *Scheduler, self *Thread, arg any) int {
		errCh <- sc.Block(self, q, Infinite)
		return 0
	}, nil)
	s.Resume(0, th)
	waitForQueueCount(t, s, q, 1, time.Second)

	s.DestroyWaitQueue(q)

	select {
	case err := <-errCh:
		if err != ErrObjectDestroyed {
			t.Fatalf("got %v, want ErrObjectDestroyed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the destroy wakeup")
	}

	// A destroyed queue must refuse every future blocker.
	dummy := NewThread("dummy", DefaultPriority, nil, nil)
	if err := s.Block(dummy, q, Infinite); err != ErrObjectDestroyed {
		t.Fatalf("got %v, want ErrObjectDestroyed on reuse of a destroyed queue", err)
	}
}
