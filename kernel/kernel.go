// Package kernel is the top-level integration point, grounded on
// cmd/sysbox-fs/main.go's service-construction-then-Setup(...) sequence:
// one manager per concern, wired together in dependency order, exactly
// the shape the teacher uses for processService->handlerService->
// fuseServerService->containerStateService->mountService->
// syscallMonitorService->ipcService, generalized here to this repository's
// nine components.
package kernel

import (
	"context"
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/sysbox-kernel/microkernel/domain"
	"github.com/sysbox-kernel/microkernel/ipc"
	"github.com/sysbox-kernel/microkernel/pmm"
	"github.com/sysbox-kernel/microkernel/process"
	"github.com/sysbox-kernel/microkernel/sched"
	"github.com/sysbox-kernel/microkernel/signal"
	"github.com/sysbox-kernel/microkernel/socket"
	"github.com/sysbox-kernel/microkernel/syscallq"
	"github.com/sysbox-kernel/microkernel/vfs"
	"github.com/sysbox-kernel/microkernel/vmm"
)

// KernelSocketAddr is the bind address of the privileged kernel socket
// (spec section 4.6: "creates a privileged socket").
const KernelSocketAddr = "/kernel/socket"

// KernelOwnerPID identifies the kernel itself as a socket owner; it is
// not a real process and never appears in the process registry.
const KernelOwnerPID domain.PID = 0

// Kernel wires every component together and owns the privileged kernel
// socket and its Router handshake (spec section 4.6).
type Kernel struct {
	PMM        *pmm.Manager
	VMM        *vmm.Manager
	Registry   *process.Registry
	Sched      *sched.Scheduler
	Sockets    *socket.Manager
	Dispatcher *syscallq.Dispatcher
	Signals    *signal.Manager
	IPC        *ipc.Router
	VFS        *vfs.Manager

	numCPU         int
	kernelSocketFD int
	routerPID      domain.PID
}

// New constructs every service and wires them in the teacher's
// construct-then-Setup order. physBase/physLimit describe the usable
// physical memory range handed down by the (out-of-scope) boot-info
// structure.
func New(numCPU int, physBase, physLimit uint64) *Kernel {
	p := pmm.NewManager(physBase, physLimit)

	v := vmm.NewManager()
	v.Setup(p)

	registry := process.NewRegistry()

	scheduler := sched.NewScheduler()
	scheduler.Setup(registry, numCPU)

	sockets := socket.NewManager()

	dispatcher := syscallq.NewDispatcher()

	signals := signal.NewManager()
	dispatcher.Setup(signals, registry)

	router := ipc.NewRouter()

	vfsManager := vfs.NewManager(registry, sockets)

	k := &Kernel{
		PMM:        p,
		VMM:        v,
		Registry:   registry,
		Sched:      scheduler,
		Sockets:    sockets,
		Dispatcher: dispatcher,
		Signals:    signals,
		IPC:        router,
		VFS:        vfsManager,
		numCPU:     numCPU,
	}

	k.wireDispatch()

	return k
}

// wireDispatch registers a representative slice of fast-path and queued
// syscall handlers over the services New just built -- enough to exercise
// every layer end to end without enumerating the platform's entire
// syscall table, which is out of scope (spec section 1).
func (k *Kernel) wireDispatch() {
	const (
		readFunc  = domain.RWRangeStart
		writeFunc = domain.RWRangeStart + 1
	)

	k.Dispatcher.RegisterFastPath(readFunc, func(req *domain.SyscallRequest) (int64, bool) {
		buf := make([]byte, req.Args[2])
		n, err := k.VFS.Read(req.Thread.PID, int(req.Args[0]), buf)
		if err != nil {
			return int64(domain.AsErrno(err)), true
		}
		return int64(n), true
	})

	k.Dispatcher.RegisterFastPath(writeFunc, func(req *domain.SyscallRequest) (int64, bool) {
		n, err := k.VFS.Write(req.Thread.PID, int(req.Args[0]), []byte{byte(req.Args[1])})
		if err != nil {
			return int64(domain.AsErrno(err)), true
		}
		return int64(n), true
	})

	k.Dispatcher.RegisterFastPath(domain.LseekFunc, func(req *domain.SyscallRequest) (int64, bool) {
		pos, err := k.VFS.Lseek(req.Thread.PID, int(req.Args[0]), req.Args[1], int(req.Args[2]))
		if err != nil {
			return int64(domain.AsErrno(err)), true
		}
		return pos, true
	})

	k.Dispatcher.RegisterQueued(domain.OpenFunc, func(req *domain.SyscallRequest) (int64, bool) {
		msg := &domain.Message{Header: domain.MessageHeader{
			Command:   domain.CommandOpen,
			Length:    domain.MessageHeaderSize,
			Requester: req.Thread.PID,
		}}
		res, err := k.IPC.HandleGeneralRequest(msg)
		if err == ipc.ErrDropped {
			return int64(domain.EPERM), false
		}
		if err != nil {
			return int64(domain.AsErrno(err)), false
		}
		if len(res.Payload) >= 8 {
			return int64(binary.LittleEndian.Uint64(res.Payload)), false
		}
		return 0, false
	})
}

// Boot creates the kernel socket, owned by KernelOwnerPID rather than by
// a registered process, starts the syscall workers, then blocks until the
// Router connects (spec section 4.6: "The Router connects first").
func (k *Kernel) Boot(ctx context.Context) error {
	fd, err := k.Sockets.Socket(KernelOwnerPID, domain.SocketStream)
	if err != nil {
		return err
	}
	if err := k.Sockets.Bind(KernelOwnerPID, fd, KernelSocketAddr); err != nil {
		return err
	}
	if err := k.Sockets.Listen(KernelOwnerPID, fd, domain.SocketDefaultBacklog); err != nil {
		return err
	}
	k.kernelSocketFD = fd

	k.Dispatcher.Start(k.numCPU)

	logrus.Info("kernel: waiting for Router to connect on the kernel socket")

	type handshake struct {
		pid domain.PID
		err error
	}
	done := make(chan handshake, 1)

	go func() {
		connFD, _, err := k.Sockets.Accept(KernelOwnerPID, fd, nil)
		if err != nil {
			done <- handshake{err: err}
			return
		}

		header := make([]byte, domain.MessageHeaderSize)
		n, err := k.Sockets.Recv(KernelOwnerPID, connFD, header, 0, nil)
		if err != nil {
			done <- handshake{err: err}
			return
		}
		msgHeader, err := domain.UnmarshalHeader(header[:n])
		if err != nil {
			done <- handshake{err: err}
			return
		}
		done <- handshake{pid: msgHeader.Requester}
	}()

	// The Accept/Recv pair above has no cancellation hook of its own (spec
	// section 4.5's socket primitives block on a sync.Cond, not a channel
	// select), so ctx is honored here instead: a caller-supplied deadline
	// still bounds how long Boot itself waits, even though the abandoned
	// handshake goroutine lingers until a Router eventually connects.
	var res handshake
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return res.err
	}

	k.routerPID = res.pid
	ipcCtx := &domain.IPCContext{
		Registry: k.Registry,
		Sched:    k.Sched,
		VMM:      k.VMM,
		Sockets:  k.Sockets,
	}
	k.IPC.Setup(ipcCtx, k.routerPID)
	k.IPC.RegisterHandler(domain.CommandFramebuffer, ipc.FramebufferHandler)

	logrus.Infof("kernel: Router connected (pid %d), now accepting requests", k.routerPID)
	return nil
}

// Shutdown tears down the syscall dispatcher's worker pool. Global
// registries (process, socket) are never torn down for the life of the
// process, per spec.md section 9 Open Question 3.
func (k *Kernel) Shutdown() {
	k.Dispatcher.Stop()
}

func (k *Kernel) RouterPID() domain.PID { return k.routerPID }
