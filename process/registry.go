// Package process implements the Process/Thread Registry (spec section
// 4.3, C3), modeled directly on the teacher's state.containerStateService:
// monotonic-id tables behind one sync.RWMutex, register/lookup/unregister
// all serialized through that lock (state/containerDB.go).
package process

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sysbox-kernel/microkernel/domain"
)

// Registry is the process/thread registry implementation.
type Registry struct {
	mu sync.RWMutex

	pidTable map[domain.PID]*domain.Process
	tidTable map[domain.TID]*domain.Thread

	nextPID domain.PID
	nextTID domain.TID
}

func NewRegistry() *Registry {
	return &Registry{
		pidTable: make(map[domain.PID]*domain.Process),
		tidTable: make(map[domain.TID]*domain.Thread),
		nextPID:  1,
		nextTID:  1,
	}
}

// CreateProcess allocates a new PID, unique and never reused while the
// process is alive (spec section 3).
func (r *Registry) CreateProcess(parent domain.PID, as domain.AddressSpaceIface) *domain.Process {
	r.mu.Lock()
	defer r.mu.Unlock()

	pid := r.nextPID
	r.nextPID++

	p := domain.NewProcess(pid, parent, as)
	r.pidTable[pid] = p

	if parentProc, ok := r.pidTable[parent]; ok {
		parentProc.Lock()
		parentProc.Children[pid] = struct{}{}
		parentProc.Unlock()
	}

	logrus.Debugf("process: created pid %d (parent %d)", pid, parent)

	return p
}

// CreateThread allocates a new TID owned by pid, in QUEUED state (spec
// section 4.3).
func (r *Registry) CreateThread(pid domain.PID, context interface{}, priority int) (*domain.Thread, error) {
	r.mu.Lock()

	proc, ok := r.pidTable[pid]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ESRCH
	}

	tid := r.nextTID
	r.nextTID++

	t := domain.NewThread(tid, pid, priority)
	t.Context = context
	r.tidTable[tid] = t

	r.mu.Unlock()

	proc.Lock()
	proc.Threads[tid] = t
	proc.Unlock()

	logrus.Debugf("process: created tid %d for pid %d", tid, pid)

	return t, nil
}

func (r *Registry) GetProcess(pid domain.PID) *domain.Process {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.pidTable[pid]
}

func (r *Registry) GetThread(tid domain.TID) *domain.Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tidTable[tid]
}

// TerminateThread transitions t to ZOMBIE; if group is true every sibling
// thread sharing t's process is terminated too (spec section 4.3).
func (r *Registry) TerminateThread(t *domain.Thread, exitCode int, group bool) {
	t.SetState(domain.ThreadZombie)

	r.mu.RLock()
	proc := r.pidTable[t.PID]
	r.mu.RUnlock()

	if proc == nil {
		return
	}

	proc.Lock()
	proc.ExitCode = exitCode
	siblings := make([]*domain.Thread, 0, len(proc.Threads))
	for _, sib := range proc.Threads {
		if sib.TID != t.TID {
			siblings = append(siblings, sib)
		}
	}
	proc.Unlock()

	if !group {
		return
	}

	for _, sib := range siblings {
		sib.SetState(domain.ThreadZombie)
	}
}

// Fork creates a child process sharing parent's inheritable file
// descriptors and a copy-on-write clone of its address space (spec section
// 8 scenario S3: fork and descriptor inheritance). Descriptors flagged
// domain.FlagCloseOnFork are skipped; every FileDescriptor that ends up
// aliased between parent and child is retained.
func (r *Registry) Fork(parentPID domain.PID, vmm domain.VMMServiceIface) (*domain.Process, error) {
	parent := r.GetProcess(parentPID)
	if parent == nil {
		return nil, domain.ESRCH
	}

	parent.RLock()
	parentAS := parent.AddressSpace
	parent.RUnlock()

	childAS, err := vmm.CloneUserSpace(parentAS)
	if err != nil {
		return nil, err
	}

	child := r.CreateProcess(parentPID, childAS)

	inherited := 0
	parent.RLock()
	child.Lock()
	for i := 0; i < domain.MaxIODescriptors; i++ {
		d := parent.Descriptors[i]
		if !d.Valid || d.Flags&domain.FlagCloseOnFork != 0 {
			continue
		}
		if fd, ok := d.Data.(*domain.FileDescriptor); ok {
			fd.Retain()
		}
		child.Descriptors[i] = d
		inherited++
	}
	child.Unlock()
	parent.RUnlock()

	logrus.Debugf("process: forked pid %d from pid %d (%d descriptors inherited)", child.PID, parentPID, inherited)

	return child, nil
}

// Reparent walks every process whose ParentPID is `exiting` and points it
// at routerPID instead (spec section 3 Process invariant).
func (r *Registry) Reparent(exiting domain.PID, routerPID domain.PID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exitingProc, ok := r.pidTable[exiting]
	if !ok {
		return
	}

	exitingProc.Lock()
	orphans := make([]domain.PID, 0, len(exitingProc.Children))
	for pid := range exitingProc.Children {
		orphans = append(orphans, pid)
	}
	exitingProc.Unlock()

	routerProc := r.pidTable[routerPID]

	for _, pid := range orphans {
		child, ok := r.pidTable[pid]
		if !ok {
			continue
		}
		child.Lock()
		child.ParentPID = routerPID
		child.Unlock()

		if routerProc != nil {
			routerProc.Lock()
			routerProc.Children[pid] = struct{}{}
			routerProc.Unlock()
		}
	}

	logrus.Debugf("process: re-parented %d orphans of pid %d to router (pid %d)",
		len(orphans), exiting, routerPID)
}

// Reap removes pid from the registry; GetProcess(pid) returns nil
// afterward (spec section 8, invariant 1).
func (r *Registry) Reap(pid domain.PID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.pidTable[pid]
	if !ok {
		return
	}

	proc.RLock()
	for tid := range proc.Threads {
		delete(r.tidTable, tid)
	}
	proc.RUnlock()

	delete(r.pidTable, pid)

	logrus.Debugf("process: reaped pid %d", pid)
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.pidTable)
}

var _ domain.RegistryServiceIface = (*Registry)(nil)
