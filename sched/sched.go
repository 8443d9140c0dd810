// Package sched implements the per-CPU scheduler (spec section 4.4, C4).
// Runqueues are priority-bucketed container/list.List FIFOs, one set per
// simulated CPU, each behind its own lock -- the same per-resource-mutex
// shape as the teacher's registries, applied to a runqueue instead of an
// id table.
package sched

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sysbox-kernel/microkernel/domain"
)

const numPriorities = 8

type runqueue struct {
	mu      sync.Mutex
	locked  bool
	current *domain.Thread
	buckets [numPriorities]*list.List
}

func newRunqueue() *runqueue {
	rq := &runqueue{}
	for i := range rq.buckets {
		rq.buckets[i] = list.New()
	}
	return rq
}

// ctxRequest is sent to the single context-owner goroutine so that
// switching into another thread's address space is serialized through one
// place, mirroring the teacher's nsenter.eventService request/response
// channel rather than letting every caller touch shared MMU state directly.
type ctxRequest struct {
	tid   domain.TID
	reply chan ctxReply
}

type ctxReply struct {
	release func()
	err     error
}

// Scheduler is the sched implementation.
type Scheduler struct {
	registry domain.RegistryServiceIface

	runqueues []*runqueue

	ctxReq chan ctxRequest

	sleepMu sync.Mutex
	sleepers map[*domain.Thread]*time.Timer
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		ctxReq:   make(chan ctxRequest),
		sleepers: make(map[*domain.Thread]*time.Timer),
	}
}

func (s *Scheduler) Setup(registry domain.RegistryServiceIface, numCPU int) {
	s.registry = registry
	s.runqueues = make([]*runqueue, numCPU)
	for i := range s.runqueues {
		s.runqueues[i] = newRunqueue()
	}

	go s.contextOwner()
	go s.preemptionTicker()
}

// contextOwner serializes UseContext requests onto one goroutine (spec
// section 4.3). The "release" it hands back just signals completion; this
// repository doesn't model an actual MMU switch, only the borrow/return
// discipline around one.
func (s *Scheduler) contextOwner() {
	for req := range s.ctxReq {
		t := s.registry.GetThread(req.tid)
		if t == nil {
			req.reply <- ctxReply{err: domain.ESRCH}
			continue
		}

		done := make(chan struct{})
		req.reply <- ctxReply{
			release: func() { close(done) },
		}
		<-done
	}
}

func (s *Scheduler) UseContext(tid domain.TID) (func(), error) {
	reply := make(chan ctxReply)
	s.ctxReq <- ctxRequest{tid: tid, reply: reply}
	r := <-reply
	return r.release, r.err
}

func cpuOf(t *domain.Thread) int {
	// Threads don't carry a "last ran on" field in this model; every
	// thread is scheduled round-robin across CPU 0 for simplicity, since
	// the spec's invariants don't depend on CPU affinity.
	return 0
}

func bucketOf(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= numPriorities {
		return numPriorities - 1
	}
	return priority
}

// Enqueue places t in QUEUED state onto the runqueue chosen by cpuOf,
// which is always CPU 0's (spec section 4.3).
func (s *Scheduler) Enqueue(t *domain.Thread) {
	t.SetState(domain.ThreadQueued)

	rq := s.runqueues[cpuOf(t)]
	rq.mu.Lock()
	rq.buckets[bucketOf(t.Priority)].PushBack(t)
	rq.mu.Unlock()
}

func (s *Scheduler) ScheduleTimeslice(t *domain.Thread, priority int) {
	t.Lock()
	t.Priority = priority
	t.Timeslice = domain.DefaultTimeslice
	t.Unlock()
}

// Schedule picks the next QUEUED thread for cpu: highest-priority
// non-empty bucket, FIFO within the bucket (spec section 4.3).
func (s *Scheduler) Schedule(cpu int) *domain.Thread {
	rq := s.runqueues[cpu]
	rq.mu.Lock()
	defer rq.mu.Unlock()

	for i := numPriorities - 1; i >= 0; i-- {
		b := rq.buckets[i]
		if b.Len() == 0 {
			continue
		}
		front := b.Front()
		b.Remove(front)
		t := front.Value.(*domain.Thread)

		t.Lock()
		t.State = domain.ThreadRunning
		t.Timeslice = domain.DefaultTimeslice
		t.Unlock()

		rq.current = t
		return t
	}

	return nil
}

// preemptionTicker stands in for the platform timer interrupt (spec
// section 4.4, C4's "priority timeslicing" responsibility): once per
// domain.TickInterval it charges the running thread on every unlocked CPU
// one tick, requeueing it once its timeslice is spent (spec section 4.3's
// RUNNING --timeslice--> QUEUED transition).
func (s *Scheduler) preemptionTicker() {
	ticker := time.NewTicker(domain.TickInterval)
	for range ticker.C {
		for cpu, rq := range s.runqueues {
			s.tick(cpu, rq)
		}
	}
}

func (s *Scheduler) tick(cpu int, rq *runqueue) {
	rq.mu.Lock()
	t := rq.current
	if rq.locked || t == nil {
		rq.mu.Unlock()
		return
	}

	t.Lock()
	if t.State != domain.ThreadRunning {
		t.Unlock()
		rq.current = nil
		rq.mu.Unlock()
		return
	}

	t.Timeslice--
	expired := t.Timeslice <= 0
	if expired {
		t.Timeslice = domain.DefaultTimeslice
		t.State = domain.ThreadQueued
	}
	t.Unlock()

	if !expired {
		rq.mu.Unlock()
		return
	}

	rq.current = nil
	rq.buckets[bucketOf(t.Priority)].PushBack(t)
	rq.mu.Unlock()

	logrus.Debugf("sched: tid %d timeslice expired on cpu %d, requeued", t.TID, cpu)
}

// SchedLock/SchedRelease model the per-CPU IRQ-mask toggle of spec section
// 5 as a boolean guarded by the runqueue's own mutex: a preemption ticker
// checks the flag before evicting the running thread.
func (s *Scheduler) SchedLock(cpu int) {
	rq := s.runqueues[cpu]
	rq.mu.Lock()
	rq.locked = true
	rq.mu.Unlock()
}

func (s *Scheduler) SchedRelease(cpu int) {
	rq := s.runqueues[cpu]
	rq.mu.Lock()
	rq.locked = false
	rq.mu.Unlock()
}

// Sleep parks t in SLEEPING and wakes it back to QUEUED after ms
// milliseconds (SPEC_FULL.md C4 supplement).
func (s *Scheduler) Sleep(t *domain.Thread, ms int) {
	t.SetState(domain.ThreadSleeping)

	timer := time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		s.sleepMu.Lock()
		delete(s.sleepers, t)
		s.sleepMu.Unlock()

		logrus.Debugf("sched: tid %d woke from sleep", t.TID)
		s.Enqueue(t)
	})

	s.sleepMu.Lock()
	s.sleepers[t] = timer
	s.sleepMu.Unlock()
}

var _ domain.SchedulerServiceIface = (*Scheduler)(nil)
