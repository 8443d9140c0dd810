package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysbox-kernel/microkernel/domain"
	"github.com/sysbox-kernel/microkernel/pmm"
)

func newManager() (*Manager, domain.AddressSpaceIface) {
	p := pmm.NewManager(0, 4096*domain.PageSize)
	m := NewManager()
	m.Setup(p)
	as := m.NewAddressSpace()
	return m, as
}

func TestAllocateFirstFit(t *testing.T) {
	m, as := newManager()

	base, err := m.Allocate(as, domain.UserBase, domain.UserLimit, 4, domain.VMUser|domain.VMWrite)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, base, domain.UserBase)
	assert.True(t, m.Resident(as, base))
	assert.True(t, m.Resident(as, base+3*domain.PageSize))
}

func TestFreeUnmapsRange(t *testing.T) {
	m, as := newManager()

	base, err := m.Allocate(as, domain.UserBase, domain.UserLimit, 2, domain.VMUser|domain.VMWrite)
	require.NoError(t, err)

	require.NoError(t, m.Free(as, base, 2))
	assert.False(t, m.Resident(as, base))

	// spec section 8 invariant 6: access now raises a fault (PRESENT=0),
	// which here means a subsequent PageFault without "not present"
	// pre-population resolves via demand-allocation rather than reusing
	// the freed entry -- i.e. it is a distinct mapping event.
	err = m.PageFault(as, base, domain.FaultUser|domain.FaultWrite)
	assert.NoError(t, err)
	assert.True(t, m.Resident(as, base))
}

func TestPageFaultUnrecoverableBeyondUserLimit(t *testing.T) {
	m, as := newManager()

	err := m.PageFault(as, domain.UserLimit+domain.PageSize, domain.FaultUser)
	assert.Equal(t, domain.ErrUnrecoverable, err)
}

func TestCloneUserSpaceSharesFramesCopyOnWrite(t *testing.T) {
	m, as := newManager()

	base, err := m.Allocate(as, domain.UserBase, domain.UserLimit, 1, domain.VMUser|domain.VMWrite)
	require.NoError(t, err)

	childIface, err := m.CloneUserSpace(as)
	require.NoError(t, err)
	child := childIface.(*AddressSpace)

	assert.True(t, m.Resident(child, base))

	parentEntry := as.(*AddressSpace).lower[base]
	childEntry := child.lower[base]
	assert.Equal(t, parentEntry.phys, childEntry.phys)
	assert.True(t, childEntry.cow)
}

func TestCloneAliasesUpperHalf(t *testing.T) {
	m, as := newManager()

	childIface, err := m.CloneUserSpace(as)
	require.NoError(t, err)

	child := childIface.(*AddressSpace)
	parent := as.(*AddressSpace)

	assert.Same(t, parent.upper, child.upper)
}

func TestMmioMapReturnsDistinctAlias(t *testing.T) {
	m, as := newManager()

	base, err := m.MmioMap(as, 0xB8000, 1, true)
	require.NoError(t, err)
	assert.True(t, m.Resident(as, base))
}
