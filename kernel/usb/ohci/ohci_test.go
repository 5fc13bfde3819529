package ohci_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kernelcore/kernel/usb"
	"kernelcore/kernel/usb/ohci"
)

func TestBuildInterruptTableSpreadsByInterval(t *testing.T) {
	heads := map[int]*ohci.ED_t{
		1: {}, 2: {}, 4: {}, 8: {}, 16: {}, 32: {},
	}
	table := ohci.BuildInterruptTable(heads)
	require.Same(t, heads[32], table[31]) // slot 31 -> i+1=32, divisible by 32
	require.Same(t, heads[16], table[15]) // slot 15 -> i+1=16
	require.Same(t, heads[1], table[0])   // slot 0 -> i+1=1, only interval 1 divides it
}

// TestInterruptEndpointThreeCompletions reproduces spec.md §8 scenario
// 6: an 8-byte interrupt endpoint at a 10 ms interval accumulates three
// completions with alternating data-toggle values 0, 1, 0.
func TestInterruptEndpointThreeCompletions(t *testing.T) {
	devices := usb.NewDeviceTable()
	dev := &usb.Device_t{Address: 1, Endpoints: map[int]*usb.Endpoint_t{}}
	require.Zero(t, devices.Add(dev))

	ep := &usb.Endpoint_t{Address: 1, EndpointNum: 1, MaxPacket: 8}
	dev.Endpoints[1] = ep

	c := ohci.NewController(devices)

	var toggles []bool
	var payload []byte
	require.Zero(t, c.SchedInterrupt(dev, ep, 10, func(data []byte) {
		toggles = append(toggles, ep.Toggle())
		payload = append(payload, data...)
	}))

	pkts := [][]byte{{0}, {1}, {2}}
	for _, pkt := range pkts {
		c.CompleteInterruptTransfer(ep, pkt, ohci.CCNoError)
		require.Zero(t, c.Interrupt())
	}

	require.Equal(t, []byte{0, 1, 2}, payload)
	require.Equal(t, []bool{false, true, false}, toggles)
}

func TestFailedInterruptEndpointIsNotRescheduled(t *testing.T) {
	devices := usb.NewDeviceTable()
	dev := &usb.Device_t{Address: 2, Endpoints: map[int]*usb.Endpoint_t{}}
	require.Zero(t, devices.Add(dev))
	ep := &usb.Endpoint_t{Address: 2, EndpointNum: 1, MaxPacket: 8}
	dev.Endpoints[1] = ep

	c := ohci.NewController(devices)
	called := false
	require.Zero(t, c.SchedInterrupt(dev, ep, 10, func([]byte) { called = true }))

	c.CompleteInterruptTransfer(ep, nil, ohci.CCStall)
	require.Zero(t, c.Interrupt())
	require.False(t, called)
}
