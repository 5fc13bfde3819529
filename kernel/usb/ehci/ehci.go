// Package ehci implements the L3 EHCI USB host-controller driver
// (spec.md §4.5): Queue Heads and qTDs, the asynchronous reclamation
// ring, the periodic frame list, BIOS legacy handoff, and port state
// handling. Like kernel/usb/ohci it models spec.md §9's cyclic
// ED/TD-style pointers as plain Go references within one controller's
// arena.
package ehci

import (
	"sync"
	"time"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/usb"
)

/// QTDStatus_t is the qTD token's status/error classification (spec.md
/// §4.5 errors: halted, data-buffer, babble, transaction, missed
/// microframe).
type QTDStatus_t int

const (
	QTDActive QTDStatus_t = iota
	QTDHalted
	QTDDataBufferError
	QTDBabble
	QTDTransactionError
	QTDMissedMicroframe
)

const qtdMaxBytes = 20 * 1024 // 5 buffer pages of 4 KiB each
const pageSize = 4096
const maxPagesPerQTD = 5

/// QTD_t is one Queue Element Transfer Descriptor (spec.md §3): a
/// single qTD addresses up to 20 KiB spanning at most 5 pages.
type QTD_t struct {
	PID          usb.PID_t
	Status       QTDStatus_t
	ErrorCounter int
	DataToggle   bool
	TotalBytes   int
	IOC          bool

	Buffer []byte

	next, alt *QTD_t
}

// SplitIntoQTDs splits buf into a chain of qTDs, each at most 20 KiB
// and never spanning more than 5 pages (spec.md §3, §8 boundary case:
// exactly five pages is a single qTD, six pages needs two).
func SplitIntoQTDs(buf []byte, pid usb.PID_t, toggle bool) []*QTD_t {
	var qtds []*QTD_t
	off := 0
	for off < len(buf) {
		chunk := len(buf) - off
		if chunk > qtdMaxBytes {
			chunk = qtdMaxBytes
		}
		qtds = append(qtds, &QTD_t{PID: pid, DataToggle: toggle, Buffer: buf[off : off+chunk], TotalBytes: chunk})
		off += chunk
		toggle = !toggle
	}
	if len(qtds) == 0 {
		qtds = append(qtds, &QTD_t{PID: pid, DataToggle: toggle})
	}
	for i := 0; i < len(qtds)-1; i++ {
		qtds[i].next = qtds[i+1]
	}
	return qtds
}

// PagesSpanned reports how many 4 KiB pages a length-byte transfer
// starting at a page-aligned buffer spans, for the boundary test in
// spec.md §8.
func PagesSpanned(length int) int {
	if length == 0 {
		return 0
	}
	return (length + pageSize - 1) / pageSize
}

/// QH_t is one Queue Head (spec.md §3): static endpoint
/// characteristics/capabilities, refreshed before each transaction, plus
/// an overlay tracking the in-flight qTD.
type QH_t struct {
	Address      int
	EndpointNum  int
	MaxPacket    int
	Speed        usb.Speed_t
	HubAddress   int
	HubPort      int
	IntervalMask uint8

	horizontalNext *QH_t
	isHead         bool // the async ring's dummy head carries the H bit

	overlay *QTD_t
}

/// refreshStaticState re-reads the endpoint's current address/speed
/// etc. into the QH (spec.md §4.5: "refreshed before each transaction in
/// case the device address changed").
func (q *QH_t) refreshStaticState(dev *usb.Device_t, ep *usb.Endpoint_t) {
	q.Address = dev.Address
	q.EndpointNum = ep.EndpointNum
	q.MaxPacket = ep.MaxPacket
	q.Speed = ep.Speed
	q.HubAddress = ep.HubAddress
	q.HubPort = ep.HubPort
}

const periodicFrameListSize = 1024

/// Controller_t is an EHCI host controller: the asynchronous
/// reclamation ring (control/bulk) and the periodic frame list
/// (interrupt), backed by the shared device table.
type Controller_t struct {
	mu sync.Mutex

	asyncHead *QH_t
	periodic  [periodicFrameListSize]*QH_t

	devices       *usb.DeviceTable_t
	perEndpointQH map[*usb.Endpoint_t]*QH_t
	callbacks     map[*usb.Endpoint_t]func([]byte)

	legacyHandoffDone bool
}

/// NewController builds an EHCI controller with an empty async ring
/// (a single dummy H-bit head) and an empty periodic list.
func NewController(devices *usb.DeviceTable_t) *Controller_t {
	head := &QH_t{isHead: true}
	head.horizontalNext = head
	return &Controller_t{
		asyncHead: head, devices: devices,
		perEndpointQH: map[*usb.Endpoint_t]*QH_t{},
		callbacks:     map[*usb.Endpoint_t]func([]byte){},
	}
}

/// Reset implements the common contract's `reset()`.
func (c *Controller_t) Reset() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	head := &QH_t{isHead: true}
	head.horizontalNext = head
	c.asyncHead = head
	c.periodic = [periodicFrameListSize]*QH_t{}
	return 0
}

// BIOSHandoff_i is the extended-capability register collaborator used
// to walk HCCP.EECP (spec.md §4.5 "EHCI BIOS handoff").
type BIOSHandoff_i interface {
	HasLegacySupportCapability() bool
	SetOSOwned()
	BIOSOwned() bool
	AckAndMaskSMI()
}

/// LegacyHandoff walks the extended-capabilities list looking for the
/// LEGACY_SUPPORT capability; if present it sets the OS-owned bit and
/// waits up to 200 ms for the BIOS-owned bit to clear, then acknowledges
/// and masks legacy SMIs (spec.md §4.5).
func LegacyHandoff(reg BIOSHandoff_i) defs.Err_t {
	if !reg.HasLegacySupportCapability() {
		return 0
	}
	reg.SetOSOwned()
	deadline := time.Now().Add(200 * time.Millisecond)
	for reg.BIOSOwned() {
		if time.Now().After(deadline) {
			return defs.ETIMEOUT
		}
		time.Sleep(time.Millisecond)
	}
	reg.AckAndMaskSMI()
	return 0
}

func (c *Controller_t) qhFor(dev *usb.Device_t, ep *usb.Endpoint_t) *QH_t {
	if qh, ok := c.perEndpointQH[ep]; ok {
		qh.refreshStaticState(dev, ep)
		return qh
	}
	qh := &QH_t{}
	qh.refreshStaticState(dev, ep)
	c.perEndpointQH[ep] = qh
	return qh
}

/// Queue implements `queue(dev, transactions[])` for control/bulk
/// synchronous completion (spec.md §4.5): qTDs are allocated per
/// transaction (splitting per SplitIntoQTDs when needed), linked into
/// the QH's overlay, and since there is no real asynchronous hardware
/// schedule in this simulation, the chain completes synchronously and
/// the caller's endpoint toggle is advanced once per max-packet-sized
/// packet each qTD carries, as a real controller would report per
/// completed packet; each qTD starts at the toggle the one before it
/// left.
///
/// A control transfer's three stages don't follow that generic
/// per-packet alternation: SETUP always carries DATA0, and the
/// zero-length STATUS stage always carries DATA1 regardless of how many
/// packets the DATA stage used (spec.md §8 scenario 5), so those two
/// stages are pinned explicitly rather than derived from flipping.
func (c *Controller_t) Queue(dev *usb.Device_t, txns []usb.Transaction_t) defs.Err_t {
	if len(txns) == 0 {
		return defs.EINVAL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, ok := dev.Endpoints[txns[0].Endpoint]
	if !ok {
		return defs.ENOSUCHENTRY
	}
	qh := c.qhFor(dev, ep)

	var chain *QTD_t
	var tail *QTD_t
	link := func(q *QTD_t) {
		if chain == nil {
			chain = q
		} else {
			tail.next = q
		}
		tail = q
	}

	for _, txn := range txns {
		switch {
		case txn.PID == usb.PidSetup:
			ep.ResetToggle()
			link(&QTD_t{PID: txn.PID, DataToggle: false, Buffer: txn.Buffer[:txn.Length], TotalBytes: txn.Length})
			ep.FlipToggle() // DATA stage begins at DATA1
		case txn.Type == usb.Control && txn.Length == 0:
			for !ep.Toggle() {
				ep.FlipToggle()
			}
			link(&QTD_t{PID: txn.PID, DataToggle: true, Buffer: nil, TotalBytes: 0})
		default:
			qtds := SplitIntoQTDs(txn.Buffer[:txn.Length], txn.PID, ep.Toggle())
			for _, q := range qtds {
				q.DataToggle = ep.Toggle()
				packets := 1
				if ep.MaxPacket > 0 && q.TotalBytes > 0 {
					packets = (q.TotalBytes + ep.MaxPacket - 1) / ep.MaxPacket
				}
				for i := 0; i < packets; i++ {
					ep.FlipToggle()
				}
				link(q)
			}
		}
	}
	qh.overlay = chain

	// Synchronous completion stand-in, same rationale as OHCI's Queue:
	// there is no real schedule advancing qTDs here, so the chain is
	// marked complete immediately after linking.
	for q := chain; q != nil; q = q.next {
		q.Status = QTDActive
	}
	if chain != nil {
		qh.overlay = tail
	}
	return 0
}

// intervalBucket maps a requested polling interval in milliseconds onto
// one of the periodic tree's slots (spec.md §3: 1024-entry frame list
// indexing an 11-level tree by interval).
func intervalBucket(intervalMs int) int {
	switch {
	case intervalMs <= 1:
		return 1
	case intervalMs <= 2:
		return 2
	case intervalMs <= 4:
		return 4
	case intervalMs <= 8:
		return 8
	case intervalMs <= 16:
		return 16
	case intervalMs <= 32:
		return 32
	case intervalMs <= 64:
		return 64
	case intervalMs <= 128:
		return 128
	default:
		return 256
	}
}

/// SchedInterrupt implements `sched_interrupt` (spec.md §4.5): the
/// endpoint's QH is linked into the periodic frame list at every slot
/// whose index is a multiple of the chosen interval bucket.
func (c *Controller_t) SchedInterrupt(dev *usb.Device_t, ep *usb.Endpoint_t, intervalMs int, callback func([]byte)) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := intervalBucket(intervalMs)
	qh := c.qhFor(dev, ep)
	for i := 0; i < periodicFrameListSize; i += bucket {
		c.periodic[i] = qh
	}
	c.callbacks[ep] = callback
	return 0
}

/// CompleteInterruptTransfer simulates hardware finishing an in-flight
/// interrupt qTD for ep with the given payload and status, the same
/// test seam kernel/usb/ohci provides.
func (c *Controller_t) CompleteInterruptTransfer(ep *usb.Endpoint_t, data []byte, status QTDStatus_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qh, ok := c.perEndpointQH[ep]
	if !ok {
		return
	}
	qh.overlay = &QTD_t{PID: usb.PidIn, Status: status, Buffer: data, DataToggle: ep.Toggle()}
}

/// Interrupt is polled from the shared IRQ ISR; it inspects each
/// scheduled QH's overlay for a completed qTD and fires the registered
/// callback on success. An overlay with an error status (halted,
/// data-buffer, babble, transaction, missed-microframe) is skipped: no
/// callback fires, the overlay stays in place, and the endpoint is not
/// halted, logged or retried here.
func (c *Controller_t) Interrupt() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	any := false
	for ep, qh := range c.perEndpointQH {
		if qh.overlay == nil || qh.overlay.Status == QTDActive && qh.overlay.Buffer == nil {
			continue
		}
		cb, ok := c.callbacks[ep]
		if !ok {
			continue
		}
		if qh.overlay.Status != QTDActive {
			continue
		}
		any = true
		cb(qh.overlay.Buffer)
		ep.FlipToggle()
		qh.overlay = nil
	}
	if !any {
		return defs.ENOSUCHENTRY
	}
	return 0
}

/// DeviceRemoved implements `device_removed(dev)`.
func (c *Controller_t) DeviceRemoved(address int) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ep, qh := range c.perEndpointQH {
		if qh.Address == address {
			delete(c.perEndpointQH, ep)
			delete(c.callbacks, ep)
		}
	}
	return c.devices.Remove(address)
}
