package usb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/usb"
)

func TestDeviceTableRejectsAddressZero(t *testing.T) {
	table := usb.NewDeviceTable()
	require.Equal(t, defs.EINVAL, table.Add(&usb.Device_t{Address: 0}))
}

func TestDeviceTableAddGetRemove(t *testing.T) {
	table := usb.NewDeviceTable()
	dev := &usb.Device_t{Address: 5, Speed: usb.SpeedHigh}

	require.Zero(t, table.Add(dev))
	require.Same(t, dev, table.Get(5))

	require.Zero(t, table.Remove(5))
	require.Nil(t, table.Get(5))
}

func TestDeviceTableRefusesDoubleAdd(t *testing.T) {
	table := usb.NewDeviceTable()
	require.Zero(t, table.Add(&usb.Device_t{Address: 3}))
	require.Equal(t, defs.EBUSY, table.Add(&usb.Device_t{Address: 3}))
}

func TestEndpointToggleFlipsExactlyOncePerPacket(t *testing.T) {
	ep := &usb.Endpoint_t{}
	require.False(t, ep.Toggle())
	ep.FlipToggle()
	require.True(t, ep.Toggle())
	ep.FlipToggle()
	require.False(t, ep.Toggle())
}

func TestEndpointResetToggleClearsToZero(t *testing.T) {
	ep := &usb.Endpoint_t{}
	ep.FlipToggle()
	require.True(t, ep.Toggle())
	ep.ResetToggle()
	require.False(t, ep.Toggle())
}
