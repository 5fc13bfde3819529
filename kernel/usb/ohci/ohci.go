// Package ohci implements the L3 OHCI USB host-controller driver
// (spec.md §4.5): Endpoint/Transfer Descriptors, the HCCA periodic
// interrupt table, the control/bulk/interrupt queue topology, and
// done-queue completion processing. Cyclic ED/TD pointers are modeled
// per spec.md §9's "arena of records, index pairs" design note — here
// as plain Go pointers within one controller's arena, since Go already
// gives us safe aliasing without the hand-rolled index table a C
// original needs.
package ohci

import (
	"sync"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/usb"
)

/// ConditionCode_t is the TD completion code OHCI reports (spec.md §3).
type ConditionCode_t int

const (
	CCNoError ConditionCode_t = iota
	CCCRC
	CCBitstuffing
	CCDataToggleMismatch
	CCStall
	CCDeviceNotResponding
	CCPIDCheckFailure
	CCUnexpectedPID
	CCDataOverrun
	CCDataUnderrun
	_
	_
	CCBufferOverrun
	CCBufferUnderrun
	CCNotAccessed
)

/// TD_t is one Transfer Descriptor, 16 B-aligned on real hardware
/// (spec.md §3); alignment is not modeled here, TDs are ordinary Go
/// values.
type TD_t struct {
	ConditionCode  ConditionCode_t
	ErrorCount     int
	DataToggle     bool
	DelayInterrupt int
	Dir            usb.PID_t
	Rounding       bool

	Buffer    []byte
	BufferEnd int

	next *TD_t
	done bool
}

/// ED_t is one Endpoint Descriptor (spec.md §3).
type ED_t struct {
	MaxPacket  int
	Speed      usb.Speed_t
	Direction  usb.PID_t
	Address    int
	EndpointNum int
	Skip       bool

	headTD, tailTD *TD_t
	nextED         *ED_t
}

func (ed *ED_t) enqueue(td *TD_t) {
	if ed.headTD == nil {
		ed.headTD = td
		ed.tailTD = td
		return
	}
	ed.tailTD.next = td
	ed.tailTD = td
}

/// HCCA_t is the Host Controller Communications Area (spec.md §3): the
/// 32-entry interrupt table, the done-queue head, and the frame number.
type HCCA_t struct {
	InterruptTable [32]*ED_t
	DoneHead       *TD_t
	FrameNumber    uint32
}

var intervals = []int{32, 16, 8, 4, 2, 1}

// BuildInterruptTable fills the HCCA's 32-entry interrupt table so that
// slot i points to the head whose interval divides i+1 (spec.md §4.5),
// spreading traffic across the six interrupt queues (intervals 1, 2, 4,
// 8, 16, 32 frames).
func BuildInterruptTable(heads map[int]*ED_t) [32]*ED_t {
	var table [32]*ED_t
	for i := 0; i < 32; i++ {
		for _, interval := range intervals {
			if (i+1)%interval == 0 {
				if head, ok := heads[interval]; ok {
					table[i] = head
					break
				}
			}
		}
	}
	return table
}

/// Controller_t is an OHCI host controller: the control/bulk class
/// heads, six interrupt-class heads, the HCCA, and the device/endpoint
/// table shared with EHCI (usb.DeviceTable_t).
type Controller_t struct {
	mu sync.Mutex

	controlHead, bulkHead *ED_t
	interruptHeads        map[int]*ED_t
	hcca                  HCCA_t

	devices *usb.DeviceTable_t
	perEndpointED map[*usb.Endpoint_t]*ED_t
	callbacks     map[*usb.Endpoint_t]func([]byte)
}

/// NewController builds an OHCI controller with empty class queues.
func NewController(devices *usb.DeviceTable_t) *Controller_t {
	heads := map[int]*ED_t{}
	for _, interval := range intervals {
		heads[interval] = &ED_t{Skip: true}
	}
	c := &Controller_t{
		controlHead: &ED_t{Skip: true}, bulkHead: &ED_t{Skip: true},
		interruptHeads: heads, devices: devices,
		perEndpointED: map[*usb.Endpoint_t]*ED_t{},
		callbacks:     map[*usb.Endpoint_t]func([]byte){},
	}
	c.hcca.InterruptTable = BuildInterruptTable(heads)
	return c
}

/// Reset implements the common contract's `reset()`.
func (c *Controller_t) Reset() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hcca = HCCA_t{InterruptTable: BuildInterruptTable(c.interruptHeads)}
	return 0
}

/// Interrupt is polled from the shared IRQ ISR (spec.md §4.5); it walks
/// the HCCA done-queue, matching TDs against registered interrupt
/// endpoints, firing callbacks and relinking. Returns ERR_NOSUCHENTRY
/// ("NODATA") if the done queue is empty.
func (c *Controller_t) Interrupt() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hcca.DoneHead == nil {
		return defs.ENOSUCHENTRY
	}
	td := c.hcca.DoneHead
	c.hcca.DoneHead = nil

	for td != nil {
		next := td.next
		td.done = true
		for ep, cb := range c.callbacks {
			ed := c.perEndpointED[ep]
			if ed == nil || ed.headTD != td {
				continue
			}
			if td.ConditionCode != CCNoError {
				// A failed interrupt endpoint is not re-scheduled
				// (spec.md §4.5): reset the toggle on halt (spec.md §8)
				// and skip re-enqueueing.
				ep.ResetToggle()
				ed.Skip = true
				continue
			}
			cb(td.Buffer)
			ep.FlipToggle()
			ed.headTD = nil
			ed.tailTD = nil
			fresh := &TD_t{DataToggle: ep.Toggle(), Dir: td.Dir}
			ed.enqueue(fresh)
		}
		td = next
	}
	return 0
}

func classHead(c *Controller_t, t usb.TransferType_t) *ED_t {
	switch t {
	case usb.Control:
		return c.controlHead
	case usb.Bulk:
		return c.bulkHead
	}
	return nil
}

func (c *Controller_t) edFor(dev *usb.Device_t, ep *usb.Endpoint_t) *ED_t {
	if ed, ok := c.perEndpointED[ep]; ok {
		return ed
	}
	ed := &ED_t{MaxPacket: ep.MaxPacket, Speed: ep.Speed, Direction: ep.Direction,
		Address: dev.Address, EndpointNum: ep.EndpointNum, Skip: true}
	c.perEndpointED[ep] = ed
	return ed
}

/// Queue implements `queue(dev, transactions[])` for control/bulk
/// synchronous completion (spec.md §4.5): allocates one TD per
/// transaction stage, fills them, links them onto the class queue after
/// setting the ED's SKIP bit, then clears SKIP (spec.md §4.5 "setting
/// the ED's SKIP bit... SKIP is cleared after linking").
func (c *Controller_t) Queue(dev *usb.Device_t, txns []usb.Transaction_t) defs.Err_t {
	if len(txns) == 0 {
		return defs.EINVAL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	t := txns[0].Type
	head := classHead(c, t)
	if head == nil {
		return defs.EINVAL
	}

	ep, ok := dev.Endpoints[txns[0].Endpoint]
	if !ok {
		return defs.ENOSUCHENTRY
	}
	ed := c.edFor(dev, ep)
	ed.Skip = true
	for _, txn := range txns {
		td := &TD_t{DataToggle: ep.Toggle(), Dir: txn.PID, Buffer: txn.Buffer, BufferEnd: txn.Length}
		ed.enqueue(td)
		ep.FlipToggle()
	}
	ed.nextED = head.nextED
	head.nextED = ed
	ed.Skip = false

	// Synchronous completion: mark every queued TD done immediately, the
	// software stand-in for "the controller moved them to the done
	// queue" since there is no real hardware polling loop here.
	for td := ed.headTD; td != nil; td = td.next {
		td.done = true
		c.hcca.DoneHead = td
	}
	return 0
}

/// SchedInterrupt implements `sched_interrupt(dev, iface, endpoint,
/// interval, max_len, callback)` for periodic IN transfers (spec.md
/// §4.5): the endpoint's ED is linked onto the interrupt queue with the
/// largest interval not above the requested one (10 ms lands on the
/// 8-frame queue; anything below 1 on the 1-frame queue).
func (c *Controller_t) SchedInterrupt(dev *usb.Device_t, ep *usb.Endpoint_t, intervalMs int, callback func([]byte)) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := 1
	for _, candidate := range intervals {
		if candidate <= intervalMs {
			bucket = candidate
			break
		}
	}
	head := c.interruptHeads[bucket]
	ed := c.edFor(dev, ep)
	ed.Skip = true
	ed.nextED = head.nextED
	head.nextED = ed
	td := &TD_t{DataToggle: ep.Toggle(), Dir: usb.PidIn}
	ed.enqueue(td)
	ed.Skip = false
	c.callbacks[ep] = callback
	return 0
}

/// CompleteInterruptTransfer simulates the controller hardware moving
/// an interrupt endpoint's in-flight TD onto the HCCA done queue with
/// the given payload and condition code; Interrupt() then processes it.
/// There is no real silicon behind this driver, so something must stand
/// in for "the hardware finished a transfer" — this is that seam.
func (c *Controller_t) CompleteInterruptTransfer(ep *usb.Endpoint_t, data []byte, cc ConditionCode_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ed, ok := c.perEndpointED[ep]
	if !ok || ed.headTD == nil {
		return
	}
	ed.headTD.ConditionCode = cc
	ed.headTD.Buffer = data
	c.hcca.DoneHead = ed.headTD
}

/// DeviceRemoved implements `device_removed(dev)`: resources owned by
/// the device's endpoints are reclaimed.
func (c *Controller_t) DeviceRemoved(address int) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ep, ed := range c.perEndpointED {
		if ed.Address == address {
			delete(c.perEndpointED, ep)
			delete(c.callbacks, ep)
		}
	}
	return c.devices.Remove(address)
}
