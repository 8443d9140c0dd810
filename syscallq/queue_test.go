package syscallq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysbox-kernel/microkernel/domain"
	"github.com/sysbox-kernel/microkernel/process"
	"github.com/sysbox-kernel/microkernel/signal"
)

func TestFastPathDispatchesSynchronously(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFastPath(domain.LseekFunc, func(req *domain.SyscallRequest) (int64, bool) {
		return 42, true
	})

	req := &domain.SyscallRequest{Func: domain.LseekFunc}
	err := d.Submit(req)
	require.NoError(t, err)
	assert.EqualValues(t, 42, req.Ret)
	assert.Equal(t, domain.SyscallIdle, req.State)
}

func TestUnregisteredFastPathFuncIsEINVAL(t *testing.T) {
	d := NewDispatcher()

	req := &domain.SyscallRequest{Func: domain.LseekFunc}
	err := d.Submit(req)
	assert.Equal(t, domain.EINVAL, err)
}

func TestOutOfRangeFuncIsEINVAL(t *testing.T) {
	d := NewDispatcher()

	req := &domain.SyscallRequest{Func: domain.MaxFunc + 1}
	err := d.Submit(req)
	assert.Equal(t, domain.EINVAL, err)
}

func TestQueuedPathCompletesViaWorker(t *testing.T) {
	d := NewDispatcher()
	queuedFunc := 0x50 // outside both fast-path ranges
	d.RegisterQueued(queuedFunc, func(req *domain.SyscallRequest) (int64, bool) {
		return 7, false
	})
	d.Start(1)
	defer d.Stop()

	req := &domain.SyscallRequest{Func: queuedFunc, Thread: domain.NewThread(1, 1, 0)}
	require.NoError(t, d.Submit(req))

	assert.Eventually(t, func() bool {
		return req.Unblock
	}, time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 7, req.Ret)
	assert.Equal(t, domain.SyscallIdle, req.State)
}

func TestQueuedPathRetriesUntilSatisfied(t *testing.T) {
	d := NewDispatcher()
	queuedFunc := 0x51
	attempts := 0
	d.RegisterQueued(queuedFunc, func(req *domain.SyscallRequest) (int64, bool) {
		attempts++
		if attempts < 3 {
			return 0, true
		}
		return 99, false
	})
	d.Start(1)
	defer d.Stop()

	req := &domain.SyscallRequest{Func: queuedFunc, Thread: domain.NewThread(1, 1, 0)}
	require.NoError(t, d.Submit(req))

	assert.Eventually(t, func() bool {
		return req.Unblock
	}, time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 99, req.Ret)
	assert.Equal(t, 3, attempts)
}

func TestAbandonRemovesQueuedRequestBeforeDispatch(t *testing.T) {
	d := NewDispatcher()
	queuedFunc := 0x52
	started := make(chan struct{})
	block := make(chan struct{})
	d.RegisterQueued(queuedFunc, func(req *domain.SyscallRequest) (int64, bool) {
		close(started)
		<-block
		return 1, false
	})
	d.Start(1)
	defer func() {
		close(block)
		d.Stop()
	}()

	busy := &domain.SyscallRequest{Func: queuedFunc, Thread: domain.NewThread(1, 1, 0)}
	require.NoError(t, d.Submit(busy))
	<-started // worker is now occupied with `busy`, so the next request sits in the queue.

	abandoned := &domain.SyscallRequest{Func: queuedFunc, Thread: domain.NewThread(2, 2, 0)}
	require.NoError(t, d.Submit(abandoned))

	assert.True(t, d.Abandon(abandoned))
	assert.Equal(t, domain.SyscallIdle, abandoned.State)
}

func TestSignalDeliveryAbandonsQueuedSyscallOnTermination(t *testing.T) {
	registry := process.NewRegistry()
	signals := signal.NewManager()

	d := NewDispatcher()
	d.Setup(signals, registry)

	queuedFunc := 0x53
	handlerRan := false
	d.RegisterQueued(queuedFunc, func(req *domain.SyscallRequest) (int64, bool) {
		handlerRan = true
		return 1, false
	})
	d.Start(1)
	defer d.Stop()

	proc := registry.CreateProcess(0, nil)
	th, err := registry.CreateThread(proc.PID, nil, 0)
	require.NoError(t, err)

	signals.Raise(th, domain.SIGTERM)

	req := &domain.SyscallRequest{Func: queuedFunc, Thread: th}
	require.NoError(t, d.Submit(req))

	assert.Eventually(t, func() bool {
		return req.Unblock
	}, time.Second, 5*time.Millisecond)

	assert.False(t, handlerRan)
	assert.EqualValues(t, domain.EINTR, req.Ret)
	assert.Equal(t, domain.ThreadZombie, th.GetState())
}
