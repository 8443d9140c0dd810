package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sysbox-kernel/microkernel/domain"
)

func TestDeliverReturnsNothingWhenPendingEmpty(t *testing.T) {
	m := NewManager()
	th := domain.NewThread(1, 1, 0)

	r := m.Deliver(th)
	assert.False(t, r.Delivered)
}

func TestRaiseThenDeliverClearsPending(t *testing.T) {
	m := NewManager()
	th := domain.NewThread(1, 1, 0)

	m.Raise(th, domain.SIGTERM)
	r := m.Deliver(th)

	assert.True(t, r.Delivered)
	assert.Equal(t, domain.SIGTERM, r.Signal)
	assert.Equal(t, domain.ActionTerminate, r.Action)
	assert.True(t, r.Terminated)
	assert.EqualValues(t, 0, th.SigPending)
}

func TestMaskedSignalNotDelivered(t *testing.T) {
	m := NewManager()
	th := domain.NewThread(1, 1, 0)

	m.SetMask(th, bit(domain.SIGTERM))
	m.Raise(th, domain.SIGTERM)

	r := m.Deliver(th)
	assert.False(t, r.Delivered)
}

func TestSIGKILLIgnoresMask(t *testing.T) {
	m := NewManager()
	th := domain.NewThread(1, 1, 0)

	m.SetMask(th, bit(domain.SIGKILL))
	m.Raise(th, domain.SIGKILL)

	r := m.Deliver(th)
	assert.True(t, r.Delivered)
	assert.Equal(t, domain.SIGKILL, r.Signal)
}

func TestSIGKILLDeliveredBeforeOrdinarySignal(t *testing.T) {
	m := NewManager()
	th := domain.NewThread(1, 1, 0)

	m.Raise(th, domain.SIGTERM)
	m.Raise(th, domain.SIGKILL)

	r := m.Deliver(th)
	assert.Equal(t, domain.SIGKILL, r.Signal)
}

func TestHandlerInstalledSuppressesTermination(t *testing.T) {
	m := NewManager()
	th := domain.NewThread(1, 1, 0)

	m.SetHandler(th, domain.SIGTERM, 0xdeadbeef)
	m.Raise(th, domain.SIGTERM)

	r := m.Deliver(th)
	assert.True(t, r.Delivered)
	assert.False(t, r.Terminated)

	h, ok := m.Handler(th, domain.SIGTERM)
	assert.True(t, ok)
	assert.EqualValues(t, 0xdeadbeef, h)
}

func TestSetMaskReturnsPreviousMask(t *testing.T) {
	m := NewManager()
	th := domain.NewThread(1, 1, 0)

	m.SetMask(th, bit(domain.SIGTERM))
	prev := m.SetMask(th, bit(domain.SIGHUP))

	assert.Equal(t, bit(domain.SIGTERM), prev)
}

func TestSIGCHLDDefaultActionIsIgnore(t *testing.T) {
	assert.Equal(t, domain.ActionIgnore, domain.DefaultAction(domain.SIGCHLD))
}

func TestSIGSTOPDefaultActionIsStop(t *testing.T) {
	assert.Equal(t, domain.ActionStop, domain.DefaultAction(domain.SIGSTOP))
}

func TestSIGSEGVDefaultActionIsTerminateCore(t *testing.T) {
	assert.Equal(t, domain.ActionTerminateCore, domain.DefaultAction(domain.SIGSEGV))
}
