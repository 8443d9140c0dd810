// Package syscallq implements the syscall queue and dispatcher (spec
// section 4.4, C5). Fast-path functions hit a function-pointer jump table
// directly in the caller's goroutine; anything else goes onto an explicit
// container/list.List FIFO and is drained by worker goroutines shaped after
// the teacher's seccomp.syscallTracer connHandler/process pair: receive one
// unit of work, look up a handler, dispatch, respond, loop.
package syscallq

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sysbox-kernel/microkernel/domain"
)

// Dispatcher is the syscallq implementation.
type Dispatcher struct {
	fastPath [domain.MaxFastPathFunc]domain.FastPathHandler

	qmu            sync.Mutex
	queuedHandlers map[int]domain.QueuedHandler

	mu       sync.Mutex
	queue    *list.List // of *domain.SyscallRequest
	notEmpty *sync.Cond
	elements map[*domain.SyscallRequest]*list.Element

	signals  domain.SignalServiceIface
	registry domain.RegistryServiceIface

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		queuedHandlers: make(map[int]domain.QueuedHandler),
		queue:          list.New(),
		elements:       make(map[*domain.SyscallRequest]*list.Element),
		quit:           make(chan struct{}),
	}
	d.notEmpty = sync.NewCond(&d.mu)
	return d
}

// Setup wires signal delivery into the queued dispatch loop: before a
// worker runs a queued handler, it delivers t's pending signals first
// (spec section 4.4), and a terminating delivery abandons the record
// instead of running the handler (spec section 8 scenario S5).
func (d *Dispatcher) Setup(signals domain.SignalServiceIface, registry domain.RegistryServiceIface) {
	d.signals = signals
	d.registry = registry
}

func (d *Dispatcher) RegisterFastPath(fn int, h domain.FastPathHandler) {
	d.fastPath[fn] = h
}

func (d *Dispatcher) RegisterQueued(fn int, h domain.QueuedHandler) {
	d.qmu.Lock()
	d.queuedHandlers[fn] = h
	d.qmu.Unlock()
}

// Start launches numWorkers goroutines draining the queued-path FIFO, plus
// one additional worker labelled -1. That extra worker pulls from the same
// shared queue as the others; requests from the Router get no preference.
func (d *Dispatcher) Start(numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.wg.Add(1)
	go d.worker(-1) // -1 labels the extra worker in logs only.
}

func (d *Dispatcher) Stop() {
	close(d.quit)
	d.mu.Lock()
	d.notEmpty.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

// Submit dispatches req. Fast-path functions run synchronously in the
// caller's goroutine and return immediately; everything else is enqueued
// and the caller observes completion via req.State transitioning back to
// SyscallIdle (spec section 8 invariant 2: busy XOR queued, never both).
func (d *Dispatcher) Submit(req *domain.SyscallRequest) error {
	if req.Func < 0 || req.Func >= domain.MaxFunc {
		req.Ret = int64(domain.EINVAL)
		return domain.EINVAL
	}

	if domain.IsFastPath(req.Func) {
		h := d.fastPath[req.Func]
		if h == nil {
			req.Ret = int64(domain.EINVAL)
			return domain.EINVAL
		}

		req.State = domain.SyscallBusy
		ret, _ := h(req)
		req.Ret = ret
		req.State = domain.SyscallIdle
		return nil
	}

	d.qmu.Lock()
	_, known := d.queuedHandlers[req.Func]
	d.qmu.Unlock()
	if !known {
		req.Ret = int64(domain.EINVAL)
		return domain.EINVAL
	}

	d.enqueue(req)
	return nil
}

func (d *Dispatcher) enqueue(req *domain.SyscallRequest) {
	req.State = domain.SyscallQueued

	d.mu.Lock()
	elem := d.queue.PushBack(req)
	d.elements[req] = elem
	d.notEmpty.Signal()
	d.mu.Unlock()
}

// Abandon removes req from the queue if it hasn't started running yet,
// used when a signal arrives at a thread whose syscall is still QUEUED
// (spec section 8 scenario S5: signal-during-queued-syscall abandonment).
// It reports false if the request had already moved to BUSY or finished.
func (d *Dispatcher) Abandon(req *domain.SyscallRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem, ok := d.elements[req]
	if !ok {
		return false
	}

	d.queue.Remove(elem)
	delete(d.elements, req)
	req.State = domain.SyscallIdle
	return true
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for d.queue.Len() == 0 {
			select {
			case <-d.quit:
				d.mu.Unlock()
				return
			default:
			}
			d.notEmpty.Wait()
		}

		select {
		case <-d.quit:
			d.mu.Unlock()
			return
		default:
		}

		front := d.queue.Front()
		d.queue.Remove(front)
		req := front.Value.(*domain.SyscallRequest)
		delete(d.elements, req)
		d.mu.Unlock()

		req.State = domain.SyscallBusy

		if d.signals != nil {
			if res := d.signals.Deliver(req.Thread); res.Delivered && res.Terminated {
				d.Abandon(req)
				d.registry.TerminateThread(req.Thread, -res.Signal, false)
				req.Ret = int64(domain.EINTR)
				req.State = domain.SyscallIdle
				req.Unblock = true
				logrus.Debugf("syscallq: worker %d abandoned func 0x%x for tid %d, signal %d terminated thread",
					id, req.Func, req.Thread.TID, res.Signal)
				continue
			}
		}

		d.qmu.Lock()
		h := d.queuedHandlers[req.Func]
		d.qmu.Unlock()

		if h == nil {
			req.Ret = int64(domain.EINVAL)
			req.State = domain.SyscallIdle
			req.Unblock = true
			continue
		}

		ret, retry := h(req)
		if retry {
			req.Retry = true
			d.enqueue(req)
			logrus.Debugf("syscallq: worker %d retrying func 0x%x for tid %d", id, req.Func, req.Thread.TID)
			continue
		}

		req.Ret = ret
		req.State = domain.SyscallIdle
		req.Unblock = true
	}
}
