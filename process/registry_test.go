package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysbox-kernel/microkernel/domain"
	"github.com/sysbox-kernel/microkernel/pmm"
	"github.com/sysbox-kernel/microkernel/vmm"
)

func TestCreateProcessRegistersUnderParent(t *testing.T) {
	r := NewRegistry()

	router := r.CreateProcess(0, nil)
	child := r.CreateProcess(router.PID, nil)

	router.RLock()
	_, ok := router.Children[child.PID]
	router.RUnlock()

	assert.True(t, ok)
}

func TestGetProcessNilAfterReap(t *testing.T) {
	r := NewRegistry()

	p := r.CreateProcess(0, nil)
	assert.NotNil(t, r.GetProcess(p.PID))

	r.Reap(p.PID)
	assert.Nil(t, r.GetProcess(p.PID))
}

func TestReapRemovesOwnedThreads(t *testing.T) {
	r := NewRegistry()

	p := r.CreateProcess(0, nil)
	th, err := r.CreateThread(p.PID, nil, 0)
	require.NoError(t, err)

	r.Reap(p.PID)
	assert.Nil(t, r.GetThread(th.TID))
}

func TestCreateThreadUnknownProcess(t *testing.T) {
	r := NewRegistry()

	_, err := r.CreateThread(domain.PID(999), nil, 0)
	assert.Equal(t, domain.ESRCH, err)
}

func TestTerminateThreadGroupKillsSiblings(t *testing.T) {
	r := NewRegistry()

	p := r.CreateProcess(0, nil)
	a, err := r.CreateThread(p.PID, nil, 0)
	require.NoError(t, err)
	b, err := r.CreateThread(p.PID, nil, 0)
	require.NoError(t, err)

	r.TerminateThread(a, 7, true)

	assert.Equal(t, domain.ThreadZombie, a.GetState())
	assert.Equal(t, domain.ThreadZombie, b.GetState())
	assert.Equal(t, 7, p.ExitCode)
}

func TestTerminateThreadWithoutGroupSparesSiblings(t *testing.T) {
	r := NewRegistry()

	p := r.CreateProcess(0, nil)
	a, err := r.CreateThread(p.PID, nil, 0)
	require.NoError(t, err)
	b, err := r.CreateThread(p.PID, nil, 0)
	require.NoError(t, err)

	r.TerminateThread(a, 0, false)

	assert.Equal(t, domain.ThreadZombie, a.GetState())
	assert.Equal(t, domain.ThreadQueued, b.GetState())
}

func TestReparentMovesOrphansToRouter(t *testing.T) {
	r := NewRegistry()

	router := r.CreateProcess(0, nil)
	exiting := r.CreateProcess(router.PID, nil)
	orphan := r.CreateProcess(exiting.PID, nil)

	r.Reparent(exiting.PID, router.PID)

	orphan.RLock()
	parentPID := orphan.ParentPID
	orphan.RUnlock()
	assert.Equal(t, router.PID, parentPID)

	router.RLock()
	_, ok := router.Children[orphan.PID]
	router.RUnlock()
	assert.True(t, ok)
}

func TestForkInheritsOpenDescriptorsAndRetainsThem(t *testing.T) {
	r := NewRegistry()

	p := pmm.NewManager(0, 4096*domain.PageSize)
	v := vmm.NewManager()
	v.Setup(p)

	parent := r.CreateProcess(0, v.NewAddressSpace())

	fd := domain.NewFileDescriptor("/tmp/a", "", 1, 5, false)
	inheritedSlot, ok := parent.AllocDescriptor(domain.IODescriptor{Type: domain.IODescriptorFile, Data: fd})
	require.True(t, ok)

	closeOnForkFd := domain.NewFileDescriptor("/tmp/b", "", 1, 6, false)
	closedSlot, ok := parent.AllocDescriptor(domain.IODescriptor{
		Type:  domain.IODescriptorFile,
		Flags: domain.FlagCloseOnFork,
		Data:  closeOnForkFd,
	})
	require.True(t, ok)

	child, err := r.Fork(parent.PID, v)
	require.NoError(t, err)

	inherited, ok := child.Descriptor(inheritedSlot)
	require.True(t, ok)
	assert.Same(t, fd, inherited.Data)
	assert.EqualValues(t, 2, fd.Refcount())

	_, ok = child.Descriptor(closedSlot)
	assert.False(t, ok)

	assert.NotEqual(t, parent.PID, child.PID)
	assert.Equal(t, parent.PID, child.ParentPID)
}

func TestForkUnknownParentIsESRCH(t *testing.T) {
	r := NewRegistry()

	p := pmm.NewManager(0, 4096*domain.PageSize)
	v := vmm.NewManager()
	v.Setup(p)

	_, err := r.Fork(domain.PID(999), v)
	assert.Equal(t, domain.ESRCH, err)
}

func TestPIDsNeverReusedWhileAlive(t *testing.T) {
	r := NewRegistry()

	a := r.CreateProcess(0, nil)
	b := r.CreateProcess(0, nil)

	assert.NotEqual(t, a.PID, b.PID)
	assert.EqualValues(t, 2, r.Size())
}
