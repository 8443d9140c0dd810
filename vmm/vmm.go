// Package vmm implements the Virtual Memory Manager (spec section 4.2) on
// top of package pmm. Address spaces are modeled as Go maps standing in
// for the hardware page-table tree; the upper half (kernel region) is one
// shared *AddressSpace aliased by every process, exactly mirroring the
// spec's "never deep-copy the upper half" invariant without needing a real
// 4-level hardware walk.
package vmm

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sysbox-kernel/microkernel/domain"
)

type pte struct {
	phys    uint64
	flags   domain.VMFlag
	present bool
	cow     bool
}

// AddressSpace implements domain.AddressSpaceIface.
type AddressSpace struct {
	mu sync.Mutex

	id      uint64
	highest uint64

	// lower holds this address space's private (user) mappings, keyed by
	// page-aligned virtual address.
	lower map[uint64]*pte

	// upper is the single shared kernel address space, aliased by pointer
	// and never written to through this AddressSpace (spec section 4.2
	// invariant).
	upper *AddressSpace
}

func (a *AddressSpace) Root() uint64      { return a.id }
func (a *AddressSpace) Highest() uint64   { return a.highest }
func (a *AddressSpace) SetHighest(v uint64) {
	a.mu.Lock()
	a.highest = v
	a.mu.Unlock()
}

// Manager is the VMM implementation.
type Manager struct {
	pmm domain.PMMServiceIface

	mu      sync.Mutex
	nextID  uint64
	kernel  *AddressSpace

	// frameRefs counts references to a physical frame shared via
	// copy-on-write (SPEC_FULL.md C2: fork dedup). A frame with refcount 1
	// is privately owned and may be freed outright.
	frameMu   sync.Mutex
	frameRefs map[uint64]int
}

func NewManager() *Manager {
	return &Manager{
		frameRefs: make(map[uint64]int),
	}
}

func (m *Manager) Setup(pmm domain.PMMServiceIface) {
	m.pmm = pmm
	m.kernel = &AddressSpace{id: 0, lower: make(map[uint64]*pte)}
}

func (m *Manager) NewAddressSpace() domain.AddressSpaceIface {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	return &AddressSpace{
		id:    id,
		lower: make(map[uint64]*pte),
		upper: m.kernel,
	}
}

func pageAlign(v uint64) uint64 {
	return v &^ (domain.PageSize - 1)
}

// Allocate maps `pages` fresh zero-filled frames starting at the first fit
// from baseHint, never crossing limit (spec section 4.2).
func (m *Manager) Allocate(asIface domain.AddressSpaceIface, baseHint, limit, pages uint64, flags domain.VMFlag) (uint64, error) {
	as := asIface.(*AddressSpace)

	as.mu.Lock()
	defer as.mu.Unlock()

	base := pageAlign(baseHint)
	if base < domain.UserBase {
		base = domain.UserBase
	}

	needed := pages * domain.PageSize

	for {
		if base+needed > limit {
			return 0, domain.ENOMEM
		}
		if m.rangeFree(as, base, pages) {
			break
		}
		base += domain.PageSize
	}

	for i := uint64(0); i < pages; i++ {
		frame, err := m.pmm.Allocate()
		if err != nil {
			m.unmapRangeLocked(as, base, i)
			return 0, domain.ENOMEM
		}
		m.frameMu.Lock()
		m.frameRefs[frame] = 1
		m.frameMu.Unlock()

		as.lower[base+i*domain.PageSize] = &pte{
			phys:    frame,
			flags:   flags,
			present: true,
		}
	}

	if base+needed > as.highest {
		as.highest = base + needed
	}

	return base, nil
}

func (m *Manager) rangeFree(as *AddressSpace, base, pages uint64) bool {
	for i := uint64(0); i < pages; i++ {
		if _, ok := as.lower[base+i*domain.PageSize]; ok {
			return false
		}
	}
	return true
}

func (m *Manager) unmapRangeLocked(as *AddressSpace, base, pages uint64) {
	for i := uint64(0); i < pages; i++ {
		addr := base + i*domain.PageSize
		if e, ok := as.lower[addr]; ok {
			m.releaseFrame(e.phys)
			delete(as.lower, addr)
		}
	}
}

// Free unmaps and releases frames (spec section 4.2). After this call,
// access to the range raises a page fault with PRESENT=0 (spec section 8,
// invariant 6) because the entry is gone from the map entirely.
func (m *Manager) Free(asIface domain.AddressSpaceIface, base, pages uint64) error {
	as := asIface.(*AddressSpace)

	as.mu.Lock()
	defer as.mu.Unlock()

	m.unmapRangeLocked(as, pageAlign(base), pages)
	return nil
}

func (m *Manager) releaseFrame(phys uint64) {
	m.frameMu.Lock()
	m.frameRefs[phys]--
	remaining := m.frameRefs[phys]
	if remaining <= 0 {
		delete(m.frameRefs, phys)
	}
	m.frameMu.Unlock()

	if remaining <= 0 {
		m.pmm.Free(phys)
	}
}

// PageFault resolves demand allocation and copy-on-write (spec section
// 4.2); anything else is unrecoverable.
func (m *Manager) PageFault(asIface domain.AddressSpaceIface, address uint64, faultFlags domain.FaultFlag) error {
	as := asIface.(*AddressSpace)
	addr := pageAlign(address)

	as.mu.Lock()
	defer as.mu.Unlock()

	e, ok := as.lower[addr]

	if !ok {
		// Demand allocation: any unmapped page below UserLimit gets a fresh
		// frame; `highest` is not consulted. At or above UserLimit there's
		// nothing to demand-page and the fault is unrecoverable.
		if addr >= domain.UserLimit {
			return domain.ErrUnrecoverable
		}

		frame, err := m.pmm.Allocate()
		if err != nil {
			return domain.ENOMEM
		}
		m.frameMu.Lock()
		m.frameRefs[frame] = 1
		m.frameMu.Unlock()

		as.lower[addr] = &pte{
			phys:    frame,
			flags:   domain.VMUser | domain.VMWrite,
			present: true,
		}
		return nil
	}

	if faultFlags&domain.FaultWrite != 0 && e.cow {
		m.frameMu.Lock()
		refs := m.frameRefs[e.phys]
		m.frameMu.Unlock()

		if refs > 1 {
			newFrame, err := m.pmm.Allocate()
			if err != nil {
				return domain.ENOMEM
			}
			// The actual byte copy would go through a kernel-side mmio
			// alias of both frames; omitted here because this repository
			// doesn't model physical memory contents, only ownership.
			m.releaseFrame(e.phys)

			m.frameMu.Lock()
			m.frameRefs[newFrame] = 1
			m.frameMu.Unlock()

			e.phys = newFrame
		}
		e.cow = false
		return nil
	}

	if faultFlags&domain.FaultWrite != 0 && e.flags&domain.VMWrite == 0 {
		return domain.ErrUnrecoverable
	}

	// Present, permitted access faulting for some other reason (e.g. a
	// stale TLB entry in a real MMU) — nothing to do.
	return nil
}

// CloneUserSpace deep-copies the lower-half mappings as copy-on-write,
// bumping each shared frame's refcount, and aliases the upper half by
// pointer (spec section 4.2, section 9 Open Question 4: bounded, not a
// generic recursive walk).
func (m *Manager) CloneUserSpace(srcIface domain.AddressSpaceIface) (domain.AddressSpaceIface, error) {
	src := srcIface.(*AddressSpace)

	src.mu.Lock()
	defer src.mu.Unlock()

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	dst := &AddressSpace{
		id:      id,
		lower:   make(map[uint64]*pte, len(src.lower)),
		upper:   src.upper,
		highest: src.highest,
	}

	m.frameMu.Lock()
	for addr, e := range src.lower {
		e.cow = true
		m.frameRefs[e.phys]++
		dst.lower[addr] = &pte{phys: e.phys, flags: e.flags, present: e.present, cow: true}
	}
	m.frameMu.Unlock()

	return dst, nil
}

// MmioMap maps `pages` frames starting at phys into as's user half, at
// max(as.highest, UserBase), with VMUser (plus VMWrite when writable) set,
// and returns that virtual base; IPC handlers such as the framebuffer
// example of spec section 4.6 use it. It creates no kernel-side alias: the
// region is reachable only through as.
func (m *Manager) MmioMap(asIface domain.AddressSpaceIface, phys uint64, pages uint64, writable bool) (uint64, error) {
	as := asIface.(*AddressSpace)

	as.mu.Lock()
	defer as.mu.Unlock()

	flags := domain.VMUser
	if writable {
		flags |= domain.VMWrite
	}

	base := as.highest
	if base < domain.UserBase {
		base = domain.UserBase
	}

	for i := uint64(0); i < pages; i++ {
		as.lower[base+i*domain.PageSize] = &pte{
			phys:    phys + i*domain.PageSize,
			flags:   flags,
			present: true,
		}
	}

	newHighest := base + pages*domain.PageSize
	if newHighest > as.highest {
		as.highest = newHighest
	}

	logrus.Debugf("vmm: mmio-mapped phys 0x%x (%d pages) at 0x%x writable=%v", phys, pages, base, writable)

	return base, nil
}

func (m *Manager) Resident(asIface domain.AddressSpaceIface, address uint64) bool {
	as := asIface.(*AddressSpace)
	as.mu.Lock()
	defer as.mu.Unlock()

	e, ok := as.lower[pageAlign(address)]
	return ok && e.present
}

var _ domain.VMMServiceIface = (*Manager)(nil)
