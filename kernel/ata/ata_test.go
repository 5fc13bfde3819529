package ata_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kernelcore/kernel/ata"
	"kernelcore/kernel/defs"
)

func TestBuildPRDTableSplitsOn64KiBBoundary(t *testing.T) {
	prds := ata.BuildPRDTable(0x10000, 0x10000)
	require.Len(t, prds, 2)
	require.Equal(t, uint16(0x8000), prds[0].Bytes)
	require.Equal(t, uint16(0x8000), prds[1].Bytes)
	require.True(t, prds[1].EOT)
	require.False(t, prds[0].EOT)
}

func TestBuildPRDTableNeverCrossesBoundary(t *testing.T) {
	prds := ata.BuildPRDTable(0xFF00, 0x200)
	var total int
	for _, p := range prds {
		total += int(p.Bytes)
		require.Zero(t, p.Bytes%4)
		require.Equal(t, p.Addr/0x10000, (p.Addr+uint32(p.Bytes)-1)/0x10000)
	}
	require.Equal(t, 0x200, total)
}

func TestMaxTransferCapsFor28And48BitLBA(t *testing.T) {
	d28 := &ata.Disk_t{SectorSize: 512}
	require.Equal(t, 256, d28.MaxTransfer())

	d48 := &ata.Disk_t{SectorSize: 512, Flags: ata.DiskFlags_t{LBA48: true}}
	require.Equal(t, 65536, d48.MaxTransfer())
}

func TestClassifySenseRetriesNotReadyDuringSpinup(t *testing.T) {
	require.True(t, ata.ClassifySense(ata.SenseNotReady, 0x04))
	require.False(t, ata.ClassifySense(ata.SenseNotReady, 0x00))
	require.False(t, ata.ClassifySense(ata.SenseIllegalReq, 0x04))
}

func TestAtapiStartSequenceReturnsNoMediaAfterTimeout(t *testing.T) {
	d := &ata.Disk_t{NumSectors: 123}
	err := d.AtapiStartSequence(context.Background(), 50*time.Millisecond, func() (ata.SenseKey_t, uint8, bool) {
		return ata.SenseNotReady, 0x04, false
	})
	require.Equal(t, defs.ENOMEDIA, err)
	require.Zero(t, d.NumSectors)
}

func TestAtapiStartSequenceSucceedsWhenReady(t *testing.T) {
	d := &ata.Disk_t{}
	calls := 0
	err := d.AtapiStartSequence(context.Background(), time.Second, func() (ata.SenseKey_t, uint8, bool) {
		calls++
		return ata.SenseNoSense, 0, calls > 1
	})
	require.Zero(t, err)
}

func TestErrToErrtMapsTimeoutAndIO(t *testing.T) {
	require.Equal(t, defs.ETIMEOUT, ata.ErrToErrt(ata.ErrTimeout))
	require.Equal(t, defs.EIO, ata.ErrToErrt(ata.ErrAbort))
	require.Zero(t, ata.ErrToErrt(ata.ErrNone))
}
