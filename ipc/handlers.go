package ipc

import (
	"encoding/binary"

	"github.com/sysbox-kernel/microkernel/domain"
)

// FramebufferHandler is the worked general-request example of spec
// section 4.6: schedLock, borrow the target thread's address space,
// map the physical framebuffer into it, schedRelease, reply with the
// virtual base the server can now write pixels through.
//
// Payload layout: tid(4) | phys(8) | pages(4) | writable(1).
func FramebufferHandler(ctx *domain.IPCContext, req *domain.Message, res *domain.Message) error {
	if len(req.Payload) < 17 {
		return domain.EINVAL
	}

	tid := domain.TID(binary.LittleEndian.Uint32(req.Payload[0:4]))
	phys := binary.LittleEndian.Uint64(req.Payload[4:12])
	pages := binary.LittleEndian.Uint32(req.Payload[12:16])
	writable := req.Payload[16] != 0

	const cpu = 0
	ctx.Sched.SchedLock(cpu)
	defer ctx.Sched.SchedRelease(cpu)

	release, err := ctx.Sched.UseContext(tid)
	if err != nil {
		return err
	}
	defer release()

	t := ctx.Registry.GetThread(tid)
	if t == nil {
		return domain.ESRCH
	}
	proc := ctx.Registry.GetProcess(t.PID)
	if proc == nil {
		return domain.ESRCH
	}

	proc.RLock()
	as := proc.AddressSpace
	proc.RUnlock()

	base, err := ctx.VMM.MmioMap(as, phys, uint64(pages), writable)
	if err != nil {
		return err
	}

	res.Payload = make([]byte, 8)
	binary.LittleEndian.PutUint64(res.Payload, base)
	return nil
}
