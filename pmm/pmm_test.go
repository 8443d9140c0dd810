package pmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysbox-kernel/microkernel/domain"
)

func newTestManager() *Manager {
	return NewManager(0, 64*domain.PageSize)
}

func TestAllocateLowestAddressWins(t *testing.T) {
	m := newTestManager()

	a, err := m.Allocate()
	require.NoError(t, err)
	assert.EqualValues(t, 0, a)

	b, err := m.Allocate()
	require.NoError(t, err)
	assert.EqualValues(t, domain.PageSize, b)
}

func TestFreeThenReallocate(t *testing.T) {
	m := newTestManager()

	a, err := m.Allocate()
	require.NoError(t, err)
	require.NoError(t, m.Free(a))

	b, err := m.Allocate()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOutOfMemory(t *testing.T) {
	m := NewManager(0, 2*domain.PageSize)

	_, err := m.Allocate()
	require.NoError(t, err)
	_, err = m.Allocate()
	require.NoError(t, err)

	_, err = m.Allocate()
	assert.Equal(t, domain.ENOMEM, err)
}

// TestAccountingInvariant exercises spec section 8 invariant 4: used +
// reserved + free == usable at all times when the lock isn't held.
func TestAccountingInvariant(t *testing.T) {
	m := newTestManager()

	require.NoError(t, m.Reserve(0, 4))

	allocated := []uint64{}
	for i := 0; i < 10; i++ {
		base, err := m.Allocate()
		require.NoError(t, err)
		allocated = append(allocated, base)
	}

	st := m.Status()
	free := st.UsablePages - st.UsedPages - st.ReservedPages
	assert.EqualValues(t, st.UsablePages, st.UsedPages+st.ReservedPages+free)
	assert.EqualValues(t, 10, st.UsedPages)
	assert.EqualValues(t, 4, st.ReservedPages)

	for _, base := range allocated {
		require.NoError(t, m.Free(base))
	}
}

// TestContiguousLowWatermark exercises spec section 8 scenario S6.
func TestContiguousLowWatermark(t *testing.T) {
	m := NewManager(0, 64*domain.PageSize) // entire range is "low"

	base, err := m.AllocateContiguous(16, domain.ContiguousLow)
	require.NoError(t, err)
	assert.Less(t, base, uint64(domain.LowMemoryWatermark))

	second, err := m.AllocateContiguous(16, domain.ContiguousLow)
	require.NoError(t, err)
	assert.NotEqual(t, base, second)

	// The two runs must not overlap.
	overlap := base < second+16*domain.PageSize && second < base+16*domain.PageSize
	assert.False(t, overlap)
}

func TestReservedFramesNeverAllocated(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Reserve(0, 2))

	a, err := m.Allocate()
	require.NoError(t, err)
	assert.EqualValues(t, 2*domain.PageSize, a)
}
