package util_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kernelcore/kernel/util"
)

func TestRoundupRounddown(t *testing.T) {
	require.Equal(t, 0x1000, util.Roundup(1, 0x1000))
	require.Equal(t, 0x1000, util.Roundup(0x1000, 0x1000))
	require.Equal(t, 0x2000, util.Roundup(0x1001, 0x1000))
	require.Equal(t, 0, util.Rounddown(0xfff, 0x1000))
	require.Equal(t, 0x1000, util.Rounddown(0x1fff, 0x1000))
}

func TestAligned(t *testing.T) {
	require.True(t, util.Aligned(0x10000, 0))
	require.True(t, util.Aligned(0x10000, 0x1000))
	require.False(t, util.Aligned(0x10001, 0x1000))
}

func TestMinMax(t *testing.T) {
	require.Equal(t, 3, util.Min(3, 5))
	require.Equal(t, 5, util.Max(3, 5))
}
