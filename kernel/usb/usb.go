// Package usb holds the model shared by both host-controller drivers
// (spec.md §4.5 "Common contract"): the transaction shape, the per-device
// endpoint/data-toggle record, and the address-indexed device table
// Visopsys keeps (SPEC_FULL.md SUPPLEMENTED FEATURES) that the
// distillation elided. kernel/usb/ohci and kernel/usb/ehci each build
// their own queue topology on top of this shared model, the way the
// teacher's mem/vm packages share defs/util rather than duplicating
// small cross-cutting types.
package usb

import (
	"sync"

	"kernelcore/kernel/defs"
)

/// TransferType_t is the USB transfer type spec.md §4.5 names.
type TransferType_t int

const (
	Control TransferType_t = iota
	Bulk
	Interrupt
)

/// PID_t is the USB token PID a transaction carries.
type PID_t int

const (
	PidSetup PID_t = iota
	PidIn
	PidOut
)

/// Speed_t is the negotiated device speed.
type Speed_t int

const (
	SpeedLow Speed_t = iota
	SpeedFull
	SpeedHigh
)

/// Transaction_t is one USB transaction (spec.md §4.5): the common
/// shape both OHCI's TD-per-stage and EHCI's qTD-per-stage model
/// build from.
type Transaction_t struct {
	Endpoint int
	Type     TransferType_t
	PID      PID_t
	Buffer   []byte
	Length   int
	Timeout  int // milliseconds; neither controller reads it, and no default is applied
}

/// Endpoint_t is one device endpoint's persistent state: the data
/// toggle the driver updates per transferred packet (spec.md §3, §4.5),
/// plus the fields EHCI refreshes into its QH before each transaction
/// (OHCI copies them once, when it creates the endpoint's ED).
type Endpoint_t struct {
	Address     int
	EndpointNum int
	MaxPacket   int
	Speed       Speed_t
	Direction   PID_t

	// HubAddress/HubPort/Interval locate a non-high-speed device behind
	// a high-speed hub for split-transaction scheduling (EHCI), and zero
	// otherwise.
	HubAddress int
	HubPort    int
	Interval   int

	toggle bool
}

/// Toggle reports the endpoint's current data-toggle value.
func (e *Endpoint_t) Toggle() bool { return e.toggle }

/// FlipToggle advances the data toggle by exactly one (spec.md §8 law:
/// "repeated get_endpoint_data_toggle then toggle leaves the toggle
/// flipped exactly once per transferred packet").
func (e *Endpoint_t) FlipToggle() { e.toggle = !e.toggle }

/// ResetToggle clears the toggle, the behavior spec.md §8 requires
/// after a halted transfer ("data-toggle reset-on-halt").
func (e *Endpoint_t) ResetToggle() { e.toggle = false }

const maxDevices = 128

/// Device_t is one attached USB device (spec.md §4.5 "Common contract").
type Device_t struct {
	Address   int
	Speed     Speed_t
	Endpoints map[int]*Endpoint_t
}

/// DeviceTable_t indexes attached devices by USB address (address 0 is
/// reserved for the unaddressed/default state), shared by OHCI and
/// EHCI exactly as Visopsys's usbDriver keeps one table per controller
/// (SPEC_FULL.md SUPPLEMENTED FEATURES).
type DeviceTable_t struct {
	mu      sync.Mutex
	devices [maxDevices]*Device_t
}

/// NewDeviceTable creates an empty device table.
func NewDeviceTable() *DeviceTable_t {
	return &DeviceTable_t{}
}

/// Add registers dev at its address, rejecting address 0 and an
/// out-of-range or already-occupied slot.
func (t *DeviceTable_t) Add(dev *Device_t) defs.Err_t {
	if dev.Address <= 0 || dev.Address >= maxDevices {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.devices[dev.Address] != nil {
		return defs.EBUSY
	}
	t.devices[dev.Address] = dev
	return 0
}

/// Get returns the device at address, or nil if unaddressed/absent.
func (t *DeviceTable_t) Get(address int) *Device_t {
	if address <= 0 || address >= maxDevices {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devices[address]
}

/// Remove implements the `device_removed` contract entry (spec.md
/// §4.5): it reclaims resources by dropping the address from the table.
func (t *DeviceTable_t) Remove(address int) defs.Err_t {
	if address <= 0 || address >= maxDevices {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.devices[address] == nil {
		return defs.ENOSUCHENTRY
	}
	t.devices[address] = nil
	return 0
}

/// Controller_i is the capability set spec.md §9 names for a USB host
/// controller: {reset, interrupt, queue, sched_interrupt, device_removed}.
type Controller_i interface {
	Reset() defs.Err_t
	Interrupt() defs.Err_t // returns ERR_NOSUCHENTRY ("NODATA") if not us
	Queue(dev *Device_t, txns []Transaction_t) defs.Err_t
	SchedInterrupt(dev *Device_t, endpoint *Endpoint_t, intervalMs int, callback func([]byte)) defs.Err_t
	DeviceRemoved(address int) defs.Err_t
}
