// Package mem implements the L0 physical memory allocator: a block-bitmap
// allocator over all installed RAM (spec.md §4.1). It maintains one bit
// per physical frame plus a dense, fixed-capacity table of used-block
// records so owners can be audited and torn down.
package mem

import (
	"sync"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/errlog"
	"kernelcore/kernel/irqctx"
	"kernelcore/kernel/util"
)

/// PGSHIFT is the base-2 exponent of the frame size.
const PGSHIFT uint = 12

/// PGSIZE is the size in bytes of a single physical frame.
const PGSIZE int = 1 << PGSHIFT

/// MaxUsedBlocks bounds the used-block table, mirroring the original's
/// statically sized record array.
const MaxUsedBlocks = 4096

/// DescLen is the fixed width of a used-block description field.
const DescLen = 32

/// Pa_t is a physical address.
type Pa_t uintptr

/// Range_t names a physical address range [Start, End), used both for
/// the reserved-range boot table and for Stats reporting.
type Range_t struct {
	Start, End Pa_t
}

/// UsedBlock_t records one reservation: who owns it, why, and its
/// extent. Invariant (spec.md §3): Start and End are frame-aligned.
type UsedBlock_t struct {
	OwnerPid defs.Pid_t
	Desc     [DescLen]byte
	Start    Pa_t
	End      Pa_t
}

func mkDesc(s string) [DescLen]byte {
	var d [DescLen]byte
	copy(d[:], s)
	return d
}

/// DescString returns the used-block description as a Go string.
func (u UsedBlock_t) DescString() string {
	n := 0
	for n < len(u.Desc) && u.Desc[n] != 0 {
		n++
	}
	return string(u.Desc[:n])
}

/// Stats_t is a point-in-time snapshot of allocator occupancy, grounded
/// in Visopsys's kernelMemoryGetStats.
type Stats_t struct {
	TotalFrames uint32
	UsedFrames  uint32
	FreeFrames  uint32
}

/// Allocator_t is the L0 physical frame allocator. One instance is a
/// process-lifetime singleton (spec.md §9 "global mutable state"); it is
/// passed explicitly to the subsystems that need it rather than reached
/// for as a package global.
type Allocator_t struct {
	mu sync.Mutex

	sink errlog.Sink

	baseFrame   uint32 // frame number corresponding to bitmap bit 0
	totalFrames uint32
	bitmap      []uint64 // 1 = used

	used    [MaxUsedBlocks]UsedBlock_t
	usedLen int
}

/// NewAllocator builds an allocator over [0, totalBytes), entirely free,
/// with no used-block records yet. totalBytes is rounded down to a
/// frame multiple.
func NewAllocator(totalBytes int, sink errlog.Sink) *Allocator_t {
	if sink == nil {
		sink = errlog.Discard
	}
	frames := uint32(totalBytes >> PGSHIFT)
	words := (frames + 63) / 64
	a := &Allocator_t{
		sink:        sink,
		totalFrames: frames,
		bitmap:      make([]uint64, words),
	}
	return a
}

func (a *Allocator_t) frameOf(p Pa_t) uint32 {
	return uint32(p>>PGSHIFT) - a.baseFrame
}

func (a *Allocator_t) bitSet(frame uint32) bool {
	return a.bitmap[frame/64]&(1<<(frame%64)) != 0
}

func (a *Allocator_t) bitSetRange(start, end uint32, used bool) {
	for f := start; f < end; f++ {
		if used {
			a.bitmap[f/64] |= 1 << (f % 64)
		} else {
			a.bitmap[f/64] &^= 1 << (f % 64)
		}
	}
}

/// Reserve pre-allocates a caller-supplied physical range to owner at
/// boot, used for the BIOS/kernel-image/bitmap-storage reservations
/// spec.md §4.1 names. Reserve bypasses the interrupt-context check
/// since it only ever runs during single-threaded init.
func (a *Allocator_t) Reserve(r Range_t, owner defs.Pid_t, desc string) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a._markUsed(r.Start, r.End, owner, desc)
}

func (a *Allocator_t) _markUsed(start, end Pa_t, owner defs.Pid_t, desc string) defs.Err_t {
	if !util.Aligned(int(start), PGSIZE) || !util.Aligned(int(end), PGSIZE) {
		return defs.EALIGN
	}
	if a.usedLen >= MaxUsedBlocks {
		return defs.ENOMEM
	}
	sf, ef := a.frameOf(start), a.frameOf(end)
	a.bitSetRange(sf, ef, true)
	a.used[a.usedLen] = UsedBlock_t{OwnerPid: owner, Desc: mkDesc(desc), Start: start, End: end}
	a.usedLen++
	return 0
}

/// Alloc reserves a contiguous, aligned physical range and records it as
/// owned by owner. size is rounded up to a frame multiple; alignment
/// must be 0 (meaning "frame aligned is enough") or a frame multiple.
/// Interrupt-context callers are rejected (spec.md §5: ISR context may
/// not allocate).
func (a *Allocator_t) Alloc(size, alignment int, owner defs.Pid_t, desc string) (Pa_t, defs.Err_t) {
	if irqctx.InInterrupt() {
		return 0, defs.EINVAL
	}
	if size <= 0 {
		return 0, defs.EINVAL
	}
	if alignment != 0 && !util.Aligned(alignment, PGSIZE) {
		return 0, defs.EALIGN
	}

	nframes := uint32(util.Roundup(size, PGSIZE) >> PGSHIFT)
	alignFrames := uint32(1)
	if alignment != 0 {
		alignFrames = uint32(alignment >> PGSHIFT)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var runStart uint32
	var runLen uint32
	f := uint32(0)
	for f < a.totalFrames {
		if a.bitSet(f) {
			// advance to the next candidate alignment boundary to
			// preserve the alignment invariant, per spec.md §4.1.
			next := util.Roundup(f+1, alignFrames)
			f = next
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = f
		}
		runLen++
		if runLen == nframes {
			start := Pa_t(runStart+a.baseFrame) << PGSHIFT
			end := Pa_t(runStart+runLen+a.baseFrame) << PGSHIFT
			if err := a._markUsed(start, end, owner, desc); err != 0 {
				return 0, err
			}
			return start, 0
		}
		f++
	}

	a.sink.Logf(errlog.Warn, "mem", "alloc failed: size=%d align=%d owner=%d desc=%q", size, alignment, owner, desc)
	return 0, defs.ENOMEM
}

/// Free releases a previously allocated range identified by its start
/// physical address. It removes the used-block record with a
/// swap-with-last (spec.md §4.1) to keep the table dense.
func (a *Allocator_t) Free(p Pa_t) defs.Err_t {
	if irqctx.InInterrupt() {
		return defs.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := -1
	for i := 0; i < a.usedLen; i++ {
		if a.used[i].Start == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		return defs.ENOSUCHENTRY
	}
	b := a.used[idx]
	a.bitSetRange(a.frameOf(b.Start), a.frameOf(b.End), false)

	last := a.usedLen - 1
	a.used[idx] = a.used[last]
	a.usedLen--
	return 0
}

/// Stats reports current allocator occupancy.
func (a *Allocator_t) Stats() Stats_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := uint32(0)
	for i := 0; i < a.usedLen; i++ {
		used += a.frameOf(a.used[i].End) - a.frameOf(a.used[i].Start)
	}
	return Stats_t{TotalFrames: a.totalFrames, UsedFrames: used, FreeFrames: a.totalFrames - used}
}

/// OwnedFrames sums the frames recorded as owned by pid across every
/// used-block record, the left side of the "sum(owned_frames(pid))"
/// invariant in spec.md §8.
func (a *Allocator_t) OwnedFrames(pid defs.Pid_t) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := uint32(0)
	for i := 0; i < a.usedLen; i++ {
		if a.used[i].OwnerPid == pid {
			total += a.frameOf(a.used[i].End) - a.frameOf(a.used[i].Start)
		}
	}
	return total
}

/// UsedBlocksOf returns a copy of the used-block records owned by pid.
func (a *Allocator_t) UsedBlocksOf(pid defs.Pid_t) []UsedBlock_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []UsedBlock_t
	for i := 0; i < a.usedLen; i++ {
		if a.used[i].OwnerPid == pid {
			out = append(out, a.used[i])
		}
	}
	return out
}
