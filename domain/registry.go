package domain

// RegistryServiceIface is the Process/Thread Registry's public contract
// (C3), modeled directly on the teacher's ContainerStateServiceIface:
// monotonic-id allocation plus lookup tables guarded by one lock, never
// torn down for the life of the kernel (spec section 9, Open Question 3).
type RegistryServiceIface interface {
	CreateProcess(parent PID, as AddressSpaceIface) *Process
	CreateThread(pid PID, context interface{}, priority int) (*Thread, error)

	// Fork creates a child of parentPID whose address space is a
	// copy-on-write clone (via vmm.CloneUserSpace) and whose descriptor
	// table inherits every slot not flagged FlagCloseOnFork, retaining a
	// reference on each shared FileDescriptor (spec section 8 scenario S3).
	Fork(parentPID PID, vmm VMMServiceIface) (*Process, error)

	GetProcess(pid PID) *Process
	GetThread(tid TID) *Thread

	// TerminateThread transitions t to ZOMBIE with the given exit code; if
	// group is true every sibling thread of t's process is terminated too
	// (spec section 4.3).
	TerminateThread(t *Thread, exitCode int, group bool)

	// Reparent walks every process whose ParentPID is the exiting process
	// and points it at routerPID instead (spec section 3 Process invariant;
	// SPEC_FULL.md C3 supplement).
	Reparent(exiting PID, routerPID PID)

	// Reap removes a ZOMBIE process's PID from the registry once its parent
	// has collected its exit status; subsequent GetProcess(pid) returns nil
	// (spec section 8, invariant 1).
	Reap(pid PID)

	Size() int
}
