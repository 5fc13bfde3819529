package ehci_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/usb"
	"kernelcore/kernel/usb/ehci"
)

// TestGetDescriptorDeviceToggleSequence reproduces spec.md §8 scenario
// 5: a GET_DESCRIPTOR(DEVICE) control transfer — an 8-byte SETUP stage,
// an 18-byte IN data stage, and a 0-byte OUT status stage — leaves the
// endpoint's toggles at SETUP=0, IN=1, STATUS=1.
func TestGetDescriptorDeviceToggleSequence(t *testing.T) {
	devices := usb.NewDeviceTable()
	dev := &usb.Device_t{Address: 1, Endpoints: map[int]*usb.Endpoint_t{}}
	require.Zero(t, devices.Add(dev))

	ep := &usb.Endpoint_t{Address: 1, EndpointNum: 0, MaxPacket: 64}
	dev.Endpoints[0] = ep

	c := ehci.NewController(devices)

	setup := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	data := make([]byte, 18)

	var setupToggle, inToggle, statusToggle bool

	setupToggle = ep.Toggle()
	require.Zero(t, c.Queue(dev, []usb.Transaction_t{
		{Endpoint: 0, Type: usb.Control, PID: usb.PidSetup, Buffer: setup, Length: len(setup)},
	}))
	inToggle = ep.Toggle()

	require.Zero(t, c.Queue(dev, []usb.Transaction_t{
		{Endpoint: 0, Type: usb.Control, PID: usb.PidIn, Buffer: data, Length: len(data)},
	}))

	require.Zero(t, c.Queue(dev, []usb.Transaction_t{
		{Endpoint: 0, Type: usb.Control, PID: usb.PidOut, Buffer: nil, Length: 0},
	}))
	statusToggle = ep.Toggle()

	require.False(t, setupToggle)
	require.True(t, inToggle)
	require.True(t, statusToggle)
}

func TestSplitIntoQTDsFivePagesIsOneQTD(t *testing.T) {
	buf := make([]byte, 5*4096)
	qtds := ehci.SplitIntoQTDs(buf, usb.PidIn, false)
	require.Len(t, qtds, 1)
	require.Equal(t, 5*4096, qtds[0].TotalBytes)
}

func TestSplitIntoQTDsSixPagesIsTwoQTDs(t *testing.T) {
	buf := make([]byte, 6*4096)
	qtds := ehci.SplitIntoQTDs(buf, usb.PidIn, false)
	require.Len(t, qtds, 2)
	require.Equal(t, 5*4096, qtds[0].TotalBytes)
	require.Equal(t, 4096, qtds[1].TotalBytes)
}

func TestSplitIntoQTDsAlternatesToggle(t *testing.T) {
	buf := make([]byte, 6*4096)
	qtds := ehci.SplitIntoQTDs(buf, usb.PidIn, false)
	require.False(t, qtds[0].DataToggle)
	require.True(t, qtds[1].DataToggle)
}

func TestPagesSpannedBoundary(t *testing.T) {
	require.Equal(t, 5, ehci.PagesSpanned(5*4096))
	require.Equal(t, 6, ehci.PagesSpanned(5*4096+1))
}

type fakeBIOSHandoff struct {
	hasCap    bool
	osOwned   bool
	biosOwned bool
	acked     bool
}

func (f *fakeBIOSHandoff) HasLegacySupportCapability() bool { return f.hasCap }
func (f *fakeBIOSHandoff) SetOSOwned()                       { f.osOwned = true }
func (f *fakeBIOSHandoff) BIOSOwned() bool                   { return f.biosOwned }
func (f *fakeBIOSHandoff) AckAndMaskSMI()                    { f.acked = true }

func TestLegacyHandoffNoOpWithoutCapability(t *testing.T) {
	reg := &fakeBIOSHandoff{hasCap: false}
	require.Zero(t, ehci.LegacyHandoff(reg))
	require.False(t, reg.osOwned)
}

func TestLegacyHandoffSucceedsWhenBIOSReleases(t *testing.T) {
	reg := &fakeBIOSHandoff{hasCap: true, biosOwned: false}
	require.Zero(t, ehci.LegacyHandoff(reg))
	require.True(t, reg.osOwned)
	require.True(t, reg.acked)
}

func TestLegacyHandoffTimesOutWhenBIOSNeverReleases(t *testing.T) {
	reg := &fakeBIOSHandoff{hasCap: true, biosOwned: true}
	require.Equal(t, defs.ETIMEOUT, ehci.LegacyHandoff(reg))
}

func TestInterruptEndpointCompletion(t *testing.T) {
	devices := usb.NewDeviceTable()
	dev := &usb.Device_t{Address: 2, Endpoints: map[int]*usb.Endpoint_t{}}
	require.Zero(t, devices.Add(dev))
	ep := &usb.Endpoint_t{Address: 2, EndpointNum: 1, MaxPacket: 8}
	dev.Endpoints[1] = ep

	c := ehci.NewController(devices)
	var got []byte
	require.Zero(t, c.SchedInterrupt(dev, ep, 10, func(data []byte) { got = data }))

	c.CompleteInterruptTransfer(ep, []byte{9, 9}, ehci.QTDActive)
	require.Zero(t, c.Interrupt())
	require.Equal(t, []byte{9, 9}, got)
}

func TestDeviceRemovedClearsEndpointState(t *testing.T) {
	devices := usb.NewDeviceTable()
	dev := &usb.Device_t{Address: 3, Endpoints: map[int]*usb.Endpoint_t{}}
	require.Zero(t, devices.Add(dev))
	ep := &usb.Endpoint_t{Address: 3, EndpointNum: 1, MaxPacket: 8}
	dev.Endpoints[1] = ep

	c := ehci.NewController(devices)
	require.Zero(t, c.SchedInterrupt(dev, ep, 10, func([]byte) {}))
	require.Zero(t, c.DeviceRemoved(3))
	require.Nil(t, devices.Get(3))
}
