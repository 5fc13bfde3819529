package proc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/proc"
	"kernelcore/kernel/vm"
)

func newScheduler(t *testing.T) *proc.Scheduler_t {
	t.Helper()
	phys := mem.NewAllocator(16<<20, nil)
	paging := vm.NewManager(phys, nil)
	return proc.NewScheduler(phys, paging, 4, 3, 100, nil)
}

// TestThreeReadyProcessesWeightSelection reproduces spec.md §8 scenario
// 2 literally: three ready processes at priorities 2, 2, 3 with
// PRIORITY_LEVELS=4, PRIORITY_RATIO=3. The first priority-2 process
// created wins tick one (tie broken by queue order); after one slice
// its wait_time resets to 0 while the other two each accumulate one
// tick of waiting, so the second priority-2 process wins tick two.
func TestThreeReadyProcessesWeightSelection(t *testing.T) {
	s := newScheduler(t)

	a, err := s.CreateProcess("a", defs.User, 2)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(a.Pid))

	b, err := s.CreateProcess("b", defs.User, 2)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(b.Pid))

	c, err := s.CreateProcess("c", defs.User, 3)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(c.Pid))

	s.Tick()
	require.Equal(t, a.Pid, s.Current())

	s.Tick()
	require.Equal(t, b.Pid, s.Current())
}

func TestWeightPriorityZeroIsInfinite(t *testing.T) {
	s := newScheduler(t)
	p, err := s.CreateProcess("top", defs.Supervisor, 0)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(p.Pid))

	_, inf, err := s.Weight(p.Pid)
	require.Zero(t, err)
	require.True(t, inf)
}

func TestWeightLowestPriorityIsZero(t *testing.T) {
	s := newScheduler(t)
	p, err := s.CreateProcess("bg", defs.User, 3)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(p.Pid))

	w, inf, err := s.Weight(p.Pid)
	require.Zero(t, err)
	require.False(t, inf)
	require.Zero(t, w)
}

func TestIdleRunsWhenNothingReady(t *testing.T) {
	s := newScheduler(t)
	s.Tick()
	require.Equal(t, defs.IdlePid, s.Current())
}

func TestKillRefusesKernelExceptionIdleAndCurrent(t *testing.T) {
	s := newScheduler(t)
	require.Equal(t, defs.EPERMISSION, s.Kill(defs.KernelPid, false))
	require.Equal(t, defs.EPERMISSION, s.Kill(defs.ExceptionPid, false))
	require.Equal(t, defs.EPERMISSION, s.Kill(defs.IdlePid, false))

	p, err := s.CreateProcess("p", defs.User, 1)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(p.Pid))
	s.Tick()
	require.Equal(t, p.Pid, s.Current())
	require.Equal(t, defs.EINVAL, s.Kill(s.Current(), false))
}

func TestSpawnSharesParentDirectoryAndIncrementsDescendents(t *testing.T) {
	s := newScheduler(t)
	parent, err := s.CreateProcess("parent", defs.User, 1)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(parent.Pid))

	child, err := s.Spawn(parent.Pid, "thread")
	require.Zero(t, err)
	require.Equal(t, defs.PThread, child.Type)
	require.Same(t, parent.Dir, child.Dir)

	refreshed, err := s.Get(parent.Pid)
	require.Zero(t, err)
	require.Equal(t, 1, refreshed.DescendentThreadCount)
}

func TestTerminateRefusedWhileThreadsRemain(t *testing.T) {
	s := newScheduler(t)
	parent, err := s.CreateProcess("parent", defs.User, 1)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(parent.Pid))
	_, err = s.Spawn(parent.Pid, "thread")
	require.Zero(t, err)

	require.Equal(t, defs.EBUSY, s.Terminate(parent.Pid, 0))
}

// TestTerminateSucceedsAfterThreadDrains reproduces spec.md §4.3's
// drain guarantee literally: once a spawned thread finishes and the
// scheduler has reaped it on a later Tick, DescendentThreadCount must
// have come back down to zero so the parent's own Terminate succeeds
// instead of staying permanently EBUSY.
func TestTerminateSucceedsAfterThreadDrains(t *testing.T) {
	s := newScheduler(t)
	parent, err := s.CreateProcess("parent", defs.User, 1)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(parent.Pid))

	thread, err := s.Spawn(parent.Pid, "thread")
	require.Zero(t, err)

	require.Equal(t, defs.EBUSY, s.Terminate(parent.Pid, 0))

	require.Zero(t, s.Terminate(thread.Pid, 0))
	s.Tick()

	refreshed, err := s.Get(parent.Pid)
	require.Zero(t, err)
	require.Zero(t, refreshed.DescendentThreadCount)

	require.Zero(t, s.Terminate(parent.Pid, 0))
}

func TestSignalOutsideMaskDefaultTerminates(t *testing.T) {
	s := newScheduler(t)
	p, err := s.CreateProcess("p", defs.User, 1)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(p.Pid))

	require.Zero(t, s.Signal(p.Pid, 5))
	refreshed, err := s.Get(p.Pid)
	require.Zero(t, err)
	require.Equal(t, defs.Finished, refreshed.State)
	require.Equal(t, defs.EKILLED, refreshed.BlockingExitCode)
}

func TestWaitPromotesToReadyAfterDeadline(t *testing.T) {
	s := newScheduler(t)
	p, err := s.CreateProcess("p", defs.User, 1)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(p.Pid))
	require.Zero(t, s.Wait(p.Pid, 0))

	s.Tick()
	refreshed, err := s.Get(p.Pid)
	require.Zero(t, err)
	require.NotEqual(t, defs.Waiting, refreshed.State)
}

func TestCPUProfileHasOneSamplePerProcess(t *testing.T) {
	s := newScheduler(t)
	p, err := s.CreateProcess("worker", defs.User, 1)
	require.Zero(t, err)
	require.Zero(t, s.SetReady(p.Pid))
	s.Tick()

	prof := s.CPUProfile()
	require.Len(t, prof.Sample, len(prof.Function))
	require.GreaterOrEqual(t, len(prof.Sample), 1)
}
