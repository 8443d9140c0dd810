package domain

// VMFlag encodes the permission bits a mapped range carries (spec section
// 4.2: flags ⊆ {USER, WRITE, EXEC}).
type VMFlag uint32

const (
	VMUser VMFlag = 1 << 0
	VMWrite VMFlag = 1 << 1
	VMExec  VMFlag = 1 << 2
)

// FaultFlag encodes the hardware-reported reason for a page fault.
type FaultFlag uint32

const (
	FaultPresent FaultFlag = 1 << 0
	FaultUser    FaultFlag = 1 << 1
	FaultWrite   FaultFlag = 1 << 2
	FaultFetch   FaultFlag = 1 << 3
)

const (
	// UserBase/UserLimit bound the lower half every process's mappings must
	// live within (spec section 4.2 invariant).
	UserBase  = uint64(0x0000_0000_0010_0000)
	UserLimit = uint64(0x0000_7fff_ffff_f000)
)

// AddressSpaceIface is one process's virtual memory view: a root paging
// structure plus its mapped ranges (spec section 3 AddressSpace).
type AddressSpaceIface interface {
	Root() uint64
	Highest() uint64
	SetHighest(v uint64)
}

// VMMServiceIface is the Virtual Memory Manager's public contract (C2).
// Implemented by package vmm.
type VMMServiceIface interface {
	Setup(pmm PMMServiceIface)

	NewAddressSpace() AddressSpaceIface

	Allocate(as AddressSpaceIface, baseHint, limit, pages uint64, flags VMFlag) (uint64, error)
	Free(as AddressSpaceIface, base, pages uint64) error
	PageFault(as AddressSpaceIface, address uint64, faultFlags FaultFlag) error
	CloneUserSpace(src AddressSpaceIface) (AddressSpaceIface, error)
	MmioMap(as AddressSpaceIface, phys uint64, pages uint64, writable bool) (uint64, error)

	// Resident reports whether address currently has a present mapping in as;
	// used by tests to check the PRESENT=0 invariant after Free (spec section
	// 8, invariant 6).
	Resident(as AddressSpaceIface, address uint64) bool
}

// ErrUnrecoverable is returned by PageFault when the fault cannot be
// resolved by demand-allocation or copy-on-write; the caller delivers
// SIGSEGV (user mode) or panics (kernel mode), per spec section 4.2.
var ErrUnrecoverable = Errno(EFAULT)

// EFAULT is not part of the syscall-return taxonomy in spec section 7 (it
// never reaches user space as a return value — it is translated to a
// signal), so it is kept local to this file rather than in errno.go.
const EFAULT Errno = -14
