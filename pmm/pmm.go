// Package pmm implements the Physical Memory Manager (spec section 4.1):
// a frame bitmap allocator protected by a single lock, following the
// teacher's registry-under-one-mutex shape (state/containerDB.go) rather
// than anything FS-specific.
package pmm

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sysbox-kernel/microkernel/domain"
)

// Manager is the PMM implementation. One Manager exists per kernel
// instance, constructed once at boot and never torn down (spec section 9,
// Open Question 3).
type Manager struct {
	mu sync.Mutex

	pageSize uint64

	lowestUsable  uint64
	highestUsable uint64
	highestPage   uint64

	// bitmap has one bit per page, indexed by page number relative to
	// lowestUsable. A set bit means the frame is in use (allocated or
	// reserved).
	bitmap []uint64

	usablePages   uint64
	usedPages     uint64
	reservedPages uint64
}

// NewManager constructs a PMM covering [lowestUsable, highestUsable) in
// PageSize-sized frames. Every frame starts free; callers reserve the
// kernel image / boot structures via Reserve before handing the manager to
// the rest of the kernel.
func NewManager(lowestUsable, highestUsable uint64) *Manager {
	pageSize := uint64(domain.PageSize)

	lowestUsable = alignUp(lowestUsable, pageSize)
	highestUsable = alignDown(highestUsable, pageSize)

	pages := (highestUsable - lowestUsable) / pageSize
	words := (pages + 63) / 64

	m := &Manager{
		pageSize:      pageSize,
		lowestUsable:  lowestUsable,
		highestUsable: highestUsable,
		highestPage:   pages,
		bitmap:        make([]uint64, words),
		usablePages:   pages,
	}

	logrus.Debugf("pmm: %d usable pages in [0x%x, 0x%x)", pages, lowestUsable, highestUsable)

	return m
}

func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }

func (m *Manager) pageOf(base uint64) uint64 {
	return (base - m.lowestUsable) / m.pageSize
}

func (m *Manager) baseOf(page uint64) uint64 {
	return m.lowestUsable + page*m.pageSize
}

func (m *Manager) testBit(page uint64) bool {
	return m.bitmap[page/64]&(1<<(page%64)) != 0
}

func (m *Manager) setBit(page uint64) {
	m.bitmap[page/64] |= 1 << (page % 64)
}

func (m *Manager) clearBit(page uint64) {
	m.bitmap[page/64] &^= 1 << (page % 64)
}

func (m *Manager) Status() domain.PMMStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return domain.PMMStatus{
		HighestPhysicalAddress: m.highestUsable,
		LowestUsableAddress:    m.lowestUsable,
		HighestUsableAddress:   m.highestUsable,
		HighestPage:            m.highestPage,
		UsablePages:            m.usablePages,
		UsedPages:              m.usedPages,
		ReservedPages:          m.reservedPages,
	}
}

// Allocate scans from the lowest free index, lowest-address-wins (spec
// section 4.1).
func (m *Manager) Allocate() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, ok := m.scanFree(0, m.highestPage)
	if !ok {
		return 0, domain.ENOMEM
	}

	m.setBit(page)
	m.usedPages++

	return m.baseOf(page), nil
}

// AllocateContiguous finds `pages` contiguous free frames, restricted to
// below LowMemoryWatermark when flags requests it (spec section 4.1, 8
// scenario S6).
func (m *Manager) AllocateContiguous(pages uint64, flags domain.ContiguousFlag) (uint64, error) {
	if pages == 0 {
		return 0, domain.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.highestPage
	if flags&domain.ContiguousLow != 0 {
		watermarkPage := domain.LowMemoryWatermark / m.pageSize
		if watermarkPage < limit {
			limit = watermarkPage
		}
	}

	start, ok := m.scanFreeRun(pages, limit)
	if !ok {
		return 0, domain.ENOMEM
	}

	for p := start; p < start+pages; p++ {
		m.setBit(p)
	}
	m.usedPages += pages

	return m.baseOf(start), nil
}

// scanFree returns the lowest free page index in [from, limit).
func (m *Manager) scanFree(from, limit uint64) (uint64, bool) {
	for p := from; p < limit; p++ {
		if !m.testBit(p) {
			return p, true
		}
	}
	return 0, false
}

// scanFreeRun returns the lowest start index of a run of `pages` free
// pages entirely within [0, limit).
func (m *Manager) scanFreeRun(pages, limit uint64) (uint64, bool) {
	if pages > limit {
		return 0, false
	}

	run := uint64(0)
	var start uint64

	for p := uint64(0); p < limit; p++ {
		if m.testBit(p) {
			run = 0
			continue
		}
		if run == 0 {
			start = p
		}
		run++
		if run == pages {
			return start, true
		}
	}

	return 0, false
}

// Free returns one frame to the pool. Double-free is a caller bug (spec
// section 4.1) and is not guarded against here.
func (m *Manager) Free(base uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	page := m.pageOf(base)
	if page >= m.highestPage {
		return domain.EINVAL
	}

	m.clearBit(page)
	if m.usedPages > 0 {
		m.usedPages--
	}

	return nil
}

func (m *Manager) FreeContiguous(base uint64, pages uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.pageOf(base)
	if start+pages > m.highestPage {
		return domain.EINVAL
	}

	for p := start; p < start+pages; p++ {
		m.clearBit(p)
	}
	if m.usedPages >= pages {
		m.usedPages -= pages
	} else {
		m.usedPages = 0
	}

	return nil
}

// Reserve marks frames used at boot time without going through the
// used-pages accounting path a later Free would undo (SPEC_FULL.md C1
// supplement): reserved frames are never returned to the free pool.
func (m *Manager) Reserve(base uint64, pages uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.pageOf(base)
	if start+pages > m.highestPage {
		return domain.EINVAL
	}

	for p := start; p < start+pages; p++ {
		if !m.testBit(p) {
			m.setBit(p)
			m.reservedPages++
		}
	}

	return nil
}

var _ domain.PMMServiceIface = (*Manager)(nil)
