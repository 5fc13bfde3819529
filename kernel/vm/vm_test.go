package vm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/vm"
)

func setup(t *testing.T) (*mem.Allocator_t, *vm.Manager_t) {
	t.Helper()
	phys := mem.NewAllocator(8<<20, nil)
	m := vm.NewManager(phys, nil)
	return phys, m
}

func TestMapUnmapRoundTrip(t *testing.T) {
	phys, m := setup(t)
	const pid = defs.Pid_t(10)
	_, err := m.NewDirectory(pid)
	require.Zero(t, err)

	before := phys.Stats()

	p, _ := phys.Alloc(mem.PGSIZE, 0, pid, "payload")
	virt, err := m.Map(pid, p, 0, mem.PGSIZE, vm.ANY, true, true, false)
	require.Zero(t, err)
	require.True(t, m.MapMapped(pid, virt, mem.PGSIZE))
	require.Equal(t, p, m.GetPhysical(pid, virt))

	require.Zero(t, m.Unmap(pid, virt, mem.PGSIZE))
	require.False(t, m.MapMapped(pid, virt, mem.PGSIZE))
	require.Zero(t, phys.Free(p))

	after := phys.Stats()
	require.Equal(t, before, after)
}

func TestMapExactFailsWhenOccupied(t *testing.T) {
	_, m := setup(t)
	const pid = defs.Pid_t(11)
	_, _ = m.NewDirectory(pid)

	virt, err := m.Map(pid, 0x200000, 0x1000, mem.PGSIZE, vm.EXACT, true, true, false)
	require.Zero(t, err)
	require.Equal(t, uintptr(0x1000), virt)

	_, err = m.Map(pid, 0x201000, 0x1000, mem.PGSIZE, vm.EXACT, true, true, false)
	require.Equal(t, defs.ENOFREE, err)
}

func TestGetPhysicalUnmappedIsZero(t *testing.T) {
	_, m := setup(t)
	const pid = defs.Pid_t(12)
	_, _ = m.NewDirectory(pid)
	require.Equal(t, mem.Pa_t(0), m.GetPhysical(pid, 0x400000))
}

// TestShareThenDelete exercises the quantified invariant in spec.md §8:
// after share_directory(A, B) then delete_directory(A), B's directory
// share_count is 0, and delete_directory(B) succeeds.
func TestShareThenDelete(t *testing.T) {
	_, m := setup(t)
	const a, b = defs.Pid_t(20), defs.Pid_t(21)
	_, err := m.NewDirectory(a)
	require.Zero(t, err)
	require.Zero(t, m.ShareDirectory(a, b))

	require.Equal(t, defs.EBUSY, m.DeleteDirectory(a))

	sc, err := m.ShareCount(b)
	require.Zero(t, err)
	require.Equal(t, 0, sc)

	require.Zero(t, m.DeleteDirectory(b))
}

func TestKernelRegionAliased(t *testing.T) {
	phys, m := setup(t)
	p, _ := phys.Alloc(mem.PGSIZE, 0, defs.KernelPid, "kstuff")
	virt, err := m.Map(defs.KernelPid, p, 0, mem.PGSIZE, vm.ANY, false, true, false)
	require.Zero(t, err)
	require.GreaterOrEqual(t, virt, vm.KernelVirtBase)

	const pid = defs.Pid_t(30)
	_, err = m.NewDirectory(pid)
	require.Zero(t, err)
	require.Equal(t, p, m.GetPhysical(pid, virt))
}

func TestSetAttrsGuardPage(t *testing.T) {
	phys, m := setup(t)
	const pid = defs.Pid_t(40)
	_, _ = m.NewDirectory(pid)

	p, _ := phys.Alloc(4*mem.PGSIZE, 0, pid, "ustack")
	stackBase, err := m.Map(pid, p, 0x1000000, 4*mem.PGSIZE, vm.EXACT, true, true, false)
	require.Zero(t, err)

	stackTop := stackBase + 4*uintptr(mem.PGSIZE)
	require.Zero(t, m.GuardTopOfStack(pid, stackTop))
}

func TestMapRejectsUnalignedPhys(t *testing.T) {
	_, m := setup(t)
	const pid = defs.Pid_t(50)
	_, _ = m.NewDirectory(pid)
	_, err := m.Map(pid, 0x1001, 0, mem.PGSIZE, vm.ANY, true, true, false)
	require.Equal(t, defs.EINVAL, err)
}
