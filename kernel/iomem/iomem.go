// Package iomem implements io_memory_get, the call spec.md §2 says every
// device driver uses to obtain DMA-capable memory: a (physical, virtual)
// pair with the cache-disable attribute already set. It is the glue
// between the L0 physical allocator and paging manager that §2's data
// flow diagram places ahead of "(Multitasker, PCI) -> device drivers".
//
// The backing bytes for the returned region live in an anonymous mmap
// made through golang.org/x/sys/unix, the same technique
// bobuhiro11-gokvm uses to back guest physical memory, so that the
// cache-disable/no-exec attributes we record are sitting on top of a
// real syscall-backed mapping rather than a bare Go slice.
package iomem

import (
	"sync"

	"golang.org/x/sys/unix"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/vm"
)

/// Region_t is one DMA-capable allocation: its physical handle, the
/// virtual address mapped for the owning pid, and the raw bytes a
/// driver may read/write as if doing MMIO/DMA.
type Region_t struct {
	Phys mem.Pa_t
	Virt uintptr
	Bytes []byte
}

/// Manager_t hands out DMA-capable memory to device drivers.
type Manager_t struct {
	mu    sync.Mutex
	phys  *mem.Allocator_t
	paging *vm.Manager_t
	// backing maps a physical handle to the real, syscall-backed bytes
	// standing in for that frame range.
	backing map[mem.Pa_t][]byte
}

/// NewManager builds an io_memory_get provider over the given L0
/// allocator and paging manager.
func NewManager(phys *mem.Allocator_t, paging *vm.Manager_t) *Manager_t {
	return &Manager_t{phys: phys, paging: paging, backing: map[mem.Pa_t][]byte{}}
}

/// Get is io_memory_get(size, alignment): it allocates size bytes of
/// physical memory aligned to alignment, maps it into pid's address
/// space with the cache-disable attribute set, and returns the
/// resulting region.
func (m *Manager_t) Get(pid defs.Pid_t, size, alignment int) (Region_t, defs.Err_t) {
	pa, err := m.phys.Alloc(size, alignment, pid, "io_memory")
	if err != 0 {
		return Region_t{}, err
	}

	buf, merr := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if merr != nil {
		_ = m.phys.Free(pa)
		return Region_t{}, defs.ENOMEM
	}

	virt, verr := m.paging.Map(pid, pa, 0, size, vm.ANY, pid != defs.KernelPid, true, true /* cache-disable */)
	if verr != 0 {
		_ = unix.Munmap(buf)
		_ = m.phys.Free(pa)
		return Region_t{}, verr
	}

	m.mu.Lock()
	m.backing[pa] = buf
	m.mu.Unlock()

	return Region_t{Phys: pa, Virt: virt, Bytes: buf}, 0
}

/// Put releases a region obtained from Get: unmaps it, frees the
/// physical range, and releases the backing mmap.
func (m *Manager_t) Put(pid defs.Pid_t, r Region_t) defs.Err_t {
	if err := m.paging.Unmap(pid, r.Virt, len(r.Bytes)); err != 0 {
		return err
	}
	m.mu.Lock()
	buf, ok := m.backing[r.Phys]
	delete(m.backing, r.Phys)
	m.mu.Unlock()
	if ok {
		_ = unix.Munmap(buf)
	}
	return m.phys.Free(r.Phys)
}
