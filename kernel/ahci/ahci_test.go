package ahci_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kernelcore/kernel/ahci"
	"kernelcore/kernel/defs"
)

// simRegs is a software model of one port's MMIO register block,
// sufficient to exercise the issue/complete life-cycle without real
// hardware.
type simRegs struct {
	mu  sync.Mutex
	clb, fb uint32
	is, ie  uint32
	cmd     uint32
	ci, sact uint32
	serr    uint32
	sig     ahci.DeviceSignature_t
	tfd     uint32

	autoComplete bool
}

func (s *simRegs) SetCommandListBase(phys uint32) { s.clb = phys }
func (s *simRegs) SetFISBase(phys uint32)          { s.fb = phys }
func (s *simRegs) InterruptStatus() uint32         { return s.is }
func (s *simRegs) ClearInterruptStatus(bits uint32) { s.is &^= bits }
func (s *simRegs) SetInterruptEnable(bits uint32)  { s.ie = bits }
func (s *simRegs) Command() uint32                 { return s.cmd }
func (s *simRegs) SetCommand(bits uint32)          { s.cmd |= bits }
func (s *simRegs) ClearCommand(bits uint32)        { s.cmd &^= bits }
func (s *simRegs) IssueSlot(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ci |= 1 << uint(slot)
	if s.autoComplete {
		s.ci &^= 1 << uint(slot)
	}
}
func (s *simRegs) CommandIssued() uint32 { s.mu.Lock(); defer s.mu.Unlock(); return s.ci }
func (s *simRegs) SATAActive() uint32    { return s.sact }
func (s *simRegs) ClearSERR()            { s.serr = 0 }
func (s *simRegs) Signature() ahci.DeviceSignature_t { return s.sig }
func (s *simRegs) TaskFileData() uint32  { return s.tfd }

func TestStartUpSucceedsWhenNotBusy(t *testing.T) {
	reg := &simRegs{sig: ahci.SigATA}
	port := ahci.NewPort(reg, nil, nil)

	err := port.StartUp(context.Background(), 1<<27, 0x300000, 0x310000)
	require.Zero(t, err)
	require.Equal(t, uint32(0x300000), reg.clb)
	require.Equal(t, uint32(0x310000), reg.fb)
}

func TestIssueBuildsHeaderAndSinglePRDForSector(t *testing.T) {
	reg := &simRegs{autoComplete: true, sig: ahci.SigATA}
	port := ahci.NewPort(reg, nil, nil)

	buf := make([]byte, 512)
	buf[510], buf[511] = 0x55, 0xAA

	slot, err := port.Issue(context.Background(), 0x200000, buf, false, false)
	require.Zero(t, err)
	require.Equal(t, 0, slot)

	header := port.Header(slot)
	require.Equal(t, uint16(1), header.PRDCount)
	require.False(t, header.Write)

	table := port.Table(slot)
	require.Len(t, table.PRDs, 1)
	require.Equal(t, uint32(0x200000), table.PRDs[0].Addr)
	require.Equal(t, uint32(511), ahci.PRDByteCountField(table.PRDs[0]))

	cerr := port.WaitCompletion(context.Background(), slot, time.Second)
	require.Zero(t, cerr)
}

func TestIssueFailsWhenAllSlotsBusy(t *testing.T) {
	reg := &simRegs{sig: ahci.SigATA, ci: 0xFFFFFFFF}
	port := ahci.NewPort(reg, nil, nil)

	_, err := port.Issue(context.Background(), 0x200000, make([]byte, 512), false, false)
	require.Equal(t, defs.ENOFREE, err)
}

func TestWaitCompletionRecoversFromTaskFileError(t *testing.T) {
	reg := &simRegs{sig: ahci.SigATA}
	port := ahci.NewPort(reg, nil, nil)

	_, err := port.Issue(context.Background(), 0x200000, make([]byte, 512), false, false)
	require.Zero(t, err)

	reg.is |= 1 << 30 // PxIS.TFES
	cerr := port.WaitCompletion(context.Background(), 0, time.Second)
	require.Equal(t, defs.EIO, cerr)
}

func TestSignatureReportsATAPI(t *testing.T) {
	reg := &simRegs{sig: ahci.SigATAPI}
	port := ahci.NewPort(reg, nil, nil)
	require.Equal(t, ahci.SigATAPI, port.Signature())
}
