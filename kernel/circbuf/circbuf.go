// Package circbuf implements a small circular byte buffer backed by a
// single physical frame obtained from the L0 allocator. It backs the
// multitasker's per-process signal stream (spec.md §4.3): a bounded,
// single-reader queue of pending signal numbers, lazily allocated on
// first use rather than at process-creation time.
package circbuf

import (
	"kernelcore/kernel/defs"
	"kernelcore/kernel/mem"
)

/// Circbuf_t is not safe for concurrent use; callers (the scheduler
/// already holds its own lock around process state) serialize access.
type Circbuf_t struct {
	phys   *mem.Allocator_t
	owner  defs.Pid_t
	buf    []uint8
	p_pg   mem.Pa_t
	bufsz  int
	head   int
	tail   int
	count  int
}

/// Cb_init lazily allocates a backing page the first time it is
/// needed; sz bounds how much of the page is used as ring capacity.
func Cb_init(phys *mem.Allocator_t, owner defs.Pid_t, sz int) (*Circbuf_t, defs.Err_t) {
	if sz <= 0 || sz > mem.PGSIZE {
		return nil, defs.EINVAL
	}
	return &Circbuf_t{phys: phys, owner: owner, bufsz: sz}, 0
}

func (cb *Circbuf_t) ensure() defs.Err_t {
	if cb.buf != nil {
		return 0
	}
	// The real allocator hands back an opaque physical handle; we keep
	// a Go-side byte slice standing in for the frame's contents (there
	// is no literal physical RAM array to index in this simulation),
	// the same software model vm and iomem use for frame-backed state.
	p, err := cb.phys.Alloc(mem.PGSIZE, 0, cb.owner, "circbuf")
	if err != 0 {
		return err
	}
	cb.p_pg = p
	cb.buf = make([]uint8, cb.bufsz)
	return 0
}

/// Push appends one byte to the ring, dropping the oldest entry if the
/// ring is full (a signal stream prefers recency to never losing a
/// reservation for new entries the way a data channel would).
func (cb *Circbuf_t) Push(b uint8) defs.Err_t {
	if err := cb.ensure(); err != 0 {
		return err
	}
	if cb.count == cb.bufsz {
		cb.tail = (cb.tail + 1) % cb.bufsz
		cb.count--
	}
	cb.buf[cb.head] = b
	cb.head = (cb.head + 1) % cb.bufsz
	cb.count++
	return 0
}

/// Pop removes and returns the oldest byte, reporting false if the
/// ring is empty.
func (cb *Circbuf_t) Pop() (uint8, bool) {
	if cb.count == 0 {
		return 0, false
	}
	b := cb.buf[cb.tail]
	cb.tail = (cb.tail + 1) % cb.bufsz
	cb.count--
	return b, true
}

/// Len reports the number of queued entries.
func (cb *Circbuf_t) Len() int {
	return cb.count
}

/// Free releases the backing frame, if one was ever allocated.
func (cb *Circbuf_t) Free() defs.Err_t {
	if cb.buf == nil {
		return 0
	}
	err := cb.phys.Free(cb.p_pg)
	cb.buf = nil
	return err
}
