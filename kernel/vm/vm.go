// Package vm implements the L0 paging manager: per-process page
// directories and tables mirroring the x86 32-bit format (1024 32-bit
// entries per directory/table), mapping/unmapping, directory sharing
// and attribute toggling (spec.md §4.2). No CR3 switch is modeled:
// there is no notion of an active directory.
package vm

import (
	"sync"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/errlog"
	"kernelcore/kernel/irqctx"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/util"
)

/// Pte_t is a single page-directory or page-table entry, x86 32-bit
/// format.
type Pte_t uint32

// Entry attribute bits (spec.md §3).
const (
	PTE_P   Pte_t = 1 << 0 /// present
	PTE_W   Pte_t = 1 << 1 /// writable
	PTE_U   Pte_t = 1 << 2 /// user-accessible
	PTE_PCD Pte_t = 1 << 4 /// cache-disable
	PTE_G   Pte_t = 1 << 8 /// global (survives CR3 switch)
)

const pteAddrMask Pte_t = 0xfffff000

/// PDENTRIES is the number of entries in a page directory or page table.
const PDENTRIES = 1024

/// PGSIZE mirrors mem.PGSIZE; paging and the physical allocator always
/// agree on frame size.
const PGSIZE = mem.PGSIZE

/// KernelVirtBase is the split between the per-process user region and
/// the shared kernel region (spec.md §4.2): addresses at or above this
/// line are identical, by construction, in every directory.
const KernelVirtBase uintptr = 0xC0000000

const kernelPDEStart = int(KernelVirtBase) >> 22

/// MapMode selects how Map resolves the target virtual address.
type MapMode int

const (
	// ANY lets Map pick any free range in the appropriate region.
	ANY MapMode = iota
	// EXACT requires every page in [virt, virt+size) to be free.
	EXACT
)

/// pagetable_t is the software model of one page-table page: 1024
/// 32-bit entries, exactly the hardware layout, addressed by the
/// physical handle the allocator gave it.
type pagetable_t [PDENTRIES]Pte_t

/// Directory_t is one process's address space: a page directory plus
/// the page tables it owns. The embedded mutex is the per-directory
/// lock spec.md §3 requires to protect mapping operations.
type Directory_t struct {
	sync.Mutex

	owner   defs.Pid_t
	pd      [PDENTRIES]Pte_t
	tables  map[int]*pagetable_t // PDE index -> page-table contents
	tablePA map[int]mem.Pa_t     // PDE index -> page-table physical handle

	// shareCount counts holders beyond the first (spec.md §4.2,
	// DESIGN.md records the Open Question resolution).
	shareCount int
	destroyed  bool
}

/// Manager_t owns every directory in the system plus the physical
/// allocator used to back page-table pages (spec.md §9: a
/// constructor-owned singleton passed explicitly to its callers).
type Manager_t struct {
	mu sync.Mutex

	phys *mem.Allocator_t
	sink errlog.Sink

	kernelDir *Directory_t
	dirs      map[defs.Pid_t]*Directory_t
}

/// NewManager creates a paging manager with an empty kernel directory.
/// phys is the L0 physical allocator page tables are carved from.
func NewManager(phys *mem.Allocator_t, sink errlog.Sink) *Manager_t {
	if sink == nil {
		sink = errlog.Discard
	}
	m := &Manager_t{phys: phys, sink: sink, dirs: map[defs.Pid_t]*Directory_t{}}
	kd := &Directory_t{owner: defs.KernelPid, tables: map[int]*pagetable_t{}, tablePA: map[int]mem.Pa_t{}}
	m.kernelDir = kd
	m.dirs[defs.KernelPid] = kd
	return m
}

/// NewDirectory creates a fresh address space for pid, with the kernel
/// region already aliased in by copying the kernel directory's PDE
/// slots (marked global so the copy is valid regardless of which
/// directory is active when the kernel region changes, per spec.md
/// §4.2).
func (m *Manager_t) NewDirectory(pid defs.Pid_t) (*Directory_t, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dirs[pid]; ok {
		return nil, defs.EINVAL
	}
	d := &Directory_t{owner: pid, tables: map[int]*pagetable_t{}, tablePA: map[int]mem.Pa_t{}}
	for i := kernelPDEStart; i < PDENTRIES; i++ {
		d.pd[i] = m.kernelDir.pd[i]
	}
	m.dirs[pid] = d
	return d, 0
}

/// ShareDirectory attaches child to parent's existing directory,
/// incrementing its share count (spec.md §4.2, §3: threads share
/// their parent's directory).
func (m *Manager_t) ShareDirectory(parent, child defs.Pid_t) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[parent]
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	if _, exists := m.dirs[child]; exists {
		return defs.EINVAL
	}
	d.Lock()
	d.shareCount++
	d.Unlock()
	m.dirs[child] = d
	return 0
}

/// DeleteDirectory detaches pid from its directory. If other holders
/// remain the directory is not torn down and ERR_BUSY is returned
/// (spec.md §4.2 "delete fails with ERR_BUSY if shared"); the detach
/// itself still takes effect, so the next holder to call
/// DeleteDirectory on a now-unshared directory succeeds and releases
/// every owned page table (DESIGN.md records this Open Question
/// resolution against spec.md §8's worked example).
func (m *Manager_t) DeleteDirectory(pid defs.Pid_t) defs.Err_t {
	m.mu.Lock()
	d, ok := m.dirs[pid]
	if !ok {
		m.mu.Unlock()
		return defs.ENOSUCHPROCESS
	}
	delete(m.dirs, pid)
	m.mu.Unlock()

	d.Lock()
	defer d.Unlock()
	if d.destroyed {
		return defs.EINVAL
	}
	if d.shareCount > 0 {
		d.shareCount--
		return defs.EBUSY
	}
	for pdeIdx, pa := range d.tablePA {
		_ = m.phys.Free(pa)
		delete(d.tables, pdeIdx)
		delete(d.tablePA, pdeIdx)
	}
	d.destroyed = true
	return 0
}

func vaSplit(virt uintptr) (pdeIdx, pteIdx int, off uintptr) {
	return int(virt >> 22), int((virt >> 12) & 0x3ff), virt & 0xfff
}

func pageAligned(v uintptr) bool { return v&0xfff == 0 }

// resolveTable returns the page table backing pdeIdx as d would see it,
// resolving kernel-region indices through the kernel directory: a child
// directory's PD slots for indices >= kernelPDEStart are copied words
// (spec.md §4.2's GLOBAL-bit aliasing) but NewDirectory never populates
// d.tables for them, so a lookup against d.tables alone would always
// miss. The kernel directory's own table map is read under its own
// lock, except when d already is the kernel directory (the caller then
// already holds that same lock).
func (m *Manager_t) resolveTable(d *Directory_t, pdeIdx int) (*pagetable_t, bool) {
	if pdeIdx < kernelPDEStart || d == m.kernelDir {
		t, ok := d.tables[pdeIdx]
		return t, ok
	}
	m.kernelDir.Lock()
	t, ok := m.kernelDir.tables[pdeIdx]
	m.kernelDir.Unlock()
	return t, ok
}

// ensureTable returns the page table for pdeIdx in d, allocating a
// fresh one (and a backing physical frame from phys) if needed. The
// directory lock must already be held.
func (m *Manager_t) ensureTable(d *Directory_t, pdeIdx int) (*pagetable_t, defs.Err_t) {
	if t, ok := d.tables[pdeIdx]; ok {
		return t, 0
	}
	pa, err := m.phys.Alloc(PGSIZE, 0, d.owner, "pgtbl")
	if err != 0 {
		return nil, err
	}
	t := &pagetable_t{}
	d.tables[pdeIdx] = t
	d.tablePA[pdeIdx] = pa
	d.pd[pdeIdx] = Pte_t(pa) | PTE_P | PTE_W
	if d == m.kernelDir && pdeIdx >= kernelPDEStart {
		d.pd[pdeIdx] |= PTE_G
	}
	return t, 0
}

/// findFreeRange scans d's user region (or kernel region for the
/// kernel directory) for npages contiguous, entirely-unmapped pages,
/// returning the starting virtual address.
func findFreeRange(d *Directory_t, npages int, kernel bool) (uintptr, defs.Err_t) {
	lo, hi := 0, kernelPDEStart*PDENTRIES
	if kernel {
		lo, hi = kernelPDEStart*PDENTRIES, PDENTRIES*PDENTRIES
	}
	run := 0
	var start int
	for pg := lo; pg < hi; pg++ {
		pdeIdx, pteIdx := pg>>10, pg&0x3ff
		mapped := false
		if t, ok := d.tables[pdeIdx]; ok {
			mapped = t[pteIdx]&PTE_P != 0
		}
		if mapped {
			run = 0
			continue
		}
		if run == 0 {
			start = pg
		}
		run++
		if run == npages {
			return uintptr(start) << 12, 0
		}
	}
	return 0, defs.ENOFREE
}

/// Map creates size bytes of mapping for phys in pid's directory. ANY
/// picks a free range (user region for ordinary pids, kernel region
/// for the kernel pid); EXACT requires every target page be free,
/// failing with ERR_NOFREE otherwise (spec.md §4.2). The returned
/// virtual address is the start of the mapped range.
func (m *Manager_t) Map(pid defs.Pid_t, phys mem.Pa_t, virt uintptr, size int, mode MapMode, user, writable, cacheDisable bool) (uintptr, defs.Err_t) {
	if irqctx.InInterrupt() {
		return 0, defs.EINVAL
	}
	if size <= 0 || !util.Aligned(int(phys), PGSIZE) {
		return 0, defs.EINVAL
	}
	if mode == EXACT && !pageAligned(virt) {
		return 0, defs.EALIGN
	}

	m.mu.Lock()
	d, ok := m.dirs[pid]
	m.mu.Unlock()
	if !ok {
		return 0, defs.ENOSUCHPROCESS
	}

	npages := util.Roundup(size, PGSIZE) / PGSIZE

	d.Lock()
	defer d.Unlock()

	if mode == ANY {
		v, err := findFreeRange(d, npages, pid == defs.KernelPid)
		if err != 0 {
			return 0, err
		}
		virt = v
	} else {
		for i := 0; i < npages; i++ {
			pg := (virt >> 12) + uintptr(i)
			pdeIdx, pteIdx := int(pg>>10), int(pg&0x3ff)
			if t, ok := m.resolveTable(d, pdeIdx); ok && t[pteIdx]&PTE_P != 0 {
				return 0, defs.ENOFREE
			}
		}
	}

	for i := 0; i < npages; i++ {
		pg := (virt >> 12) + uintptr(i)
		pdeIdx, pteIdx := int(pg>>10), int(pg&0x3ff)
		t, err := m.ensureTable(d, pdeIdx)
		if err != 0 {
			return 0, err
		}
		e := Pte_t(phys) + Pte_t(i*PGSIZE) | PTE_P
		if writable {
			e |= PTE_W
		}
		if user {
			e |= PTE_U
		}
		if cacheDisable {
			e |= PTE_PCD
		}
		t[pteIdx] = e
	}
	return virt, 0
}

/// Unmap clears size bytes of PTEs starting at virt in pid's directory
/// and drops any page table that becomes entirely empty as a result.
/// There is no TLB model, so nothing else is invalidated.
func (m *Manager_t) Unmap(pid defs.Pid_t, virt uintptr, size int) defs.Err_t {
	if irqctx.InInterrupt() {
		return defs.EINVAL
	}
	if !pageAligned(virt) || size <= 0 {
		return defs.EALIGN
	}
	m.mu.Lock()
	d, ok := m.dirs[pid]
	m.mu.Unlock()
	if !ok {
		return defs.ENOSUCHPROCESS
	}

	npages := util.Roundup(size, PGSIZE) / PGSIZE
	d.Lock()
	defer d.Unlock()

	touched := map[int]bool{}
	for i := 0; i < npages; i++ {
		pg := (virt >> 12) + uintptr(i)
		pdeIdx, pteIdx := int(pg>>10), int(pg&0x3ff)
		if t, ok := d.tables[pdeIdx]; ok {
			t[pteIdx] = 0
			touched[pdeIdx] = true
		}
	}
	for pdeIdx := range touched {
		t := d.tables[pdeIdx]
		empty := true
		for _, e := range t {
			if e&PTE_P != 0 {
				empty = false
				break
			}
		}
		if empty {
			_ = m.phys.Free(d.tablePA[pdeIdx])
			delete(d.tables, pdeIdx)
			delete(d.tablePA, pdeIdx)
			d.pd[pdeIdx] = 0
		}
	}
	return 0
}

/// MapMapped reports whether every page in [virt, virt+size) is
/// currently mapped in pid's directory.
func (m *Manager_t) MapMapped(pid defs.Pid_t, virt uintptr, size int) bool {
	m.mu.Lock()
	d, ok := m.dirs[pid]
	m.mu.Unlock()
	if !ok {
		return false
	}
	d.Lock()
	defer d.Unlock()

	npages := util.Roundup(size, PGSIZE) / PGSIZE
	for i := 0; i < npages; i++ {
		pg := (virt >> 12) + uintptr(i)
		pdeIdx, pteIdx := int(pg>>10), int(pg&0x3ff)
		t, ok := m.resolveTable(d, pdeIdx)
		if !ok || t[pteIdx]&PTE_P == 0 {
			return false
		}
	}
	return true
}

/// GetPhysical returns the physical address backing virt in pid's
/// directory, or 0 if unmapped.
func (m *Manager_t) GetPhysical(pid defs.Pid_t, virt uintptr) mem.Pa_t {
	m.mu.Lock()
	d, ok := m.dirs[pid]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	d.Lock()
	defer d.Unlock()

	pdeIdx, pteIdx, off := vaSplit(virt)
	t, ok := m.resolveTable(d, pdeIdx)
	if !ok {
		return 0
	}
	e := t[pteIdx]
	if e&PTE_P == 0 {
		return 0
	}
	return mem.Pa_t(e&pteAddrMask) + mem.Pa_t(off)
}

/// SetAttrs toggles USER/WRITABLE/CACHE-DISABLE on an existing mapping
/// range (spec.md §4.2). set selects whether flagBits are applied or
/// cleared.
func (m *Manager_t) SetAttrs(pid defs.Pid_t, set bool, flagBits Pte_t, virt uintptr, size int) defs.Err_t {
	m.mu.Lock()
	d, ok := m.dirs[pid]
	m.mu.Unlock()
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	d.Lock()
	defer d.Unlock()

	npages := util.Roundup(size, PGSIZE) / PGSIZE
	for i := 0; i < npages; i++ {
		pg := (virt >> 12) + uintptr(i)
		pdeIdx, pteIdx := int(pg>>10), int(pg&0x3ff)
		t, ok := m.resolveTable(d, pdeIdx)
		if !ok || t[pteIdx]&PTE_P == 0 {
			return defs.ENOSUCHENTRY
		}
		if set {
			t[pteIdx] |= flagBits
		} else {
			t[pteIdx] &^= flagBits
		}
	}
	return 0
}

/// GuardTopOfStack clears the USER bit on the topmost page of a user
/// stack so it faults instead of silently growing into adjacent
/// mappings (spec.md §4.2).
func (m *Manager_t) GuardTopOfStack(pid defs.Pid_t, stackTop uintptr) defs.Err_t {
	return m.SetAttrs(pid, false, PTE_U, stackTop-uintptr(PGSIZE), PGSIZE)
}

/// ShareCount reports the current share count of pid's directory, used
/// by tests exercising the sharing invariant in spec.md §8.
func (m *Manager_t) ShareCount(pid defs.Pid_t) (int, defs.Err_t) {
	m.mu.Lock()
	d, ok := m.dirs[pid]
	m.mu.Unlock()
	if !ok {
		return 0, defs.ENOSUCHPROCESS
	}
	d.Lock()
	defer d.Unlock()
	return d.shareCount, 0
}
