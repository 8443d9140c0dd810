package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysbox-kernel/microkernel/domain"
	"github.com/sysbox-kernel/microkernel/process"
)

func newTestScheduler() (*Scheduler, *process.Registry) {
	r := process.NewRegistry()
	s := NewScheduler()
	s.Setup(r, 1)
	return s, r
}

func TestScheduleHighestPriorityBucketFirst(t *testing.T) {
	s, _ := newTestScheduler()

	low := domain.NewThread(1, 1, 1)
	high := domain.NewThread(2, 1, 5)

	s.Enqueue(low)
	s.Enqueue(high)

	picked := s.Schedule(0)
	assert.Equal(t, high.TID, picked.TID)
	assert.Equal(t, domain.ThreadRunning, picked.GetState())
}

func TestScheduleFIFOWithinBucket(t *testing.T) {
	s, _ := newTestScheduler()

	a := domain.NewThread(1, 1, 3)
	b := domain.NewThread(2, 1, 3)

	s.Enqueue(a)
	s.Enqueue(b)

	first := s.Schedule(0)
	second := s.Schedule(0)

	assert.Equal(t, a.TID, first.TID)
	assert.Equal(t, b.TID, second.TID)
}

func TestScheduleEmptyRunqueueReturnsNil(t *testing.T) {
	s, _ := newTestScheduler()
	assert.Nil(t, s.Schedule(0))
}

func TestUseContextUnknownThread(t *testing.T) {
	s, _ := newTestScheduler()

	_, err := s.UseContext(domain.TID(999))
	assert.Equal(t, domain.ESRCH, err)
}

func TestUseContextKnownThreadReleases(t *testing.T) {
	s, r := newTestScheduler()

	p := r.CreateProcess(0, nil)
	th, err := r.CreateThread(p.PID, nil, 0)
	require.NoError(t, err)

	release, err := s.UseContext(th.TID)
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}

func TestPreemptionTickerRequeuesOnTimesliceExpiry(t *testing.T) {
	s, _ := newTestScheduler()

	th := domain.NewThread(1, 1, 0)
	s.Enqueue(th)
	picked := s.Schedule(0)
	require.Equal(t, th.TID, picked.TID)

	th.Lock()
	th.Timeslice = 1
	th.Unlock()

	assert.Eventually(t, func() bool {
		return th.GetState() == domain.ThreadQueued
	}, time.Second, 5*time.Millisecond)

	again := s.Schedule(0)
	require.NotNil(t, again)
	assert.Equal(t, th.TID, again.TID)
}

func TestSchedLockPreventsPreemption(t *testing.T) {
	s, _ := newTestScheduler()

	th := domain.NewThread(1, 1, 0)
	s.Enqueue(th)
	s.Schedule(0)

	th.Lock()
	th.Timeslice = 1
	th.Unlock()

	s.SchedLock(0)
	defer s.SchedRelease(0)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.ThreadRunning, th.GetState())
}

func TestSleepWakesThreadToQueued(t *testing.T) {
	s, _ := newTestScheduler()

	th := domain.NewThread(1, 1, 0)
	s.Sleep(th, 10)

	assert.Equal(t, domain.ThreadSleeping, th.GetState())

	assert.Eventually(t, func() bool {
		return th.GetState() == domain.ThreadQueued
	}, time.Second, 5*time.Millisecond)
}
