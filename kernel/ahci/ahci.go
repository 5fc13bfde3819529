// Package ahci implements the L3 AHCI SATA driver (spec.md §4.4): the
// per-port command-list/command-table/PRD structures, port start-up
// sequencing, command issue, and error recovery. Like kernel/ata, the
// teacher repo never shipped a disk driver, so the locking idiom is
// grounded on kernel/circbuf's single-owner-per-resource discipline and
// the per-port lock spec.md §5 calls for.
package ahci

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kernelcore/kernel/ata"
	"kernelcore/kernel/defs"
	"kernelcore/kernel/errlog"
	"kernelcore/kernel/iomem"
)

const numCommandSlots = 32

// Port interrupt-status / command bits (spec.md §4.4, §6).
const (
	pxCmdST  = 1 << 0
	pxCmdFRE = 1 << 4
	pxCmdFR  = 1 << 14
	pxCmdCR  = 1 << 15

	pxIsTFES = 1 << 30
	pxIsHBFS = 1 << 29
	pxIsHBDS = 1 << 28
	pxIsIFS  = 1 << 27
)

const capSSS = 1 << 27 // HBA_CAP staggered-spin-up-support

/// DeviceSignature_t distinguishes the kind of device attached to a
/// port via PxSIG (spec.md §4.4).
type DeviceSignature_t uint32

const (
	SigATA  DeviceSignature_t = 0x00000101
	SigATAPI DeviceSignature_t = 0xEB140101
	SigPM   DeviceSignature_t = 0x96690101
	SigEnclosure DeviceSignature_t = 0xC33C0101
	SigNone DeviceSignature_t = 0xFFFFFFFF
)

func (s DeviceSignature_t) String() string {
	switch s {
	case SigATA:
		return "ata"
	case SigATAPI:
		return "atapi"
	case SigPM:
		return "port-multiplier"
	case SigEnclosure:
		return "enclosure-bridge"
	default:
		return "none"
	}
}

/// PRD_t mirrors an AHCI physical-region descriptor (spec.md §3),
/// reusing kernel/ata's 64-KiB-boundary-safe splitting helper since the
/// alignment rule is identical. Its byte count is a uint16, so each entry
/// here covers less than 64 KiB, well under the 4 MiB an AHCI PRD can
/// address.
type PRD_t = ata.PRD_t

/// CommandHeader_t is one of a port's 32 command-list entries (spec.md
/// §3): FIS length, write/ATAPI flags, PRD count, and the command
/// table's physical address.
type CommandHeader_t struct {
	FISLength uint8
	Write     bool
	ATAPI     bool
	PRDCount  uint16
	TablePhys uint32
}

/// CommandTable_t is the 128 B-aligned structure a command header
/// points at: a command FIS, an optional ATAPI packet, and a PRD array
/// (spec.md §3).
type CommandTable_t struct {
	CommandFIS  [20]byte
	ATAPIPacket [16]byte
	PRDs        []PRD_t
}

/// RegisterWindow_i is the MMIO collaborator for one port's register
/// block (PxCLB, PxFB, PxIS, PxIE, PxCMD, PxCI, PxSACT, PxSERR, PxSIG,
/// PxTFD — spec.md §6), modeled as plain getters/setters since real
/// MMIO access is itself a collaborator (spec.md §1).
type RegisterWindow_i interface {
	SetCommandListBase(phys uint32)
	SetFISBase(phys uint32)
	InterruptStatus() uint32
	ClearInterruptStatus(bits uint32)
	SetInterruptEnable(bits uint32)
	Command() uint32
	SetCommand(bits uint32)
	ClearCommand(bits uint32)
	IssueSlot(slot int)
	CommandIssued() uint32
	SATAActive() uint32
	ClearSERR()
	Signature() DeviceSignature_t
	TaskFileData() uint32
}

/// Port_t is one AHCI port (one disk), serialized under its own lock
/// (spec.md §5 "per-port lock").
type Port_t struct {
	mu   sync.Mutex
	reg  RegisterWindow_i
	mem  *iomem.Manager_t
	sink errlog.Sink

	headers  [numCommandSlots]CommandHeader_t
	tables   [numCommandSlots]*CommandTable_t
	slotBusy [numCommandSlots]bool

	limiter *rate.Limiter
	woken   chan struct{}
}

/// NewPort constructs a port driver over its MMIO register window.
func NewPort(reg RegisterWindow_i, mem *iomem.Manager_t, sink errlog.Sink) *Port_t {
	if sink == nil {
		sink = errlog.Discard
	}
	return &Port_t{
		reg: reg, mem: mem, sink: sink,
		limiter: rate.NewLimiter(rate.Every(5*time.Millisecond), 1),
		woken:   make(chan struct{}, 1),
	}
}

/// StartUp implements the port start-up sequence of spec.md §4.4:
/// spin-up if supported, point PxCLB and PxFB at the caller-supplied
/// command-list and FIS-receive addresses (StartUp allocates neither),
/// clear PxSERR, enable interrupts, set FRE then ST, and verify the
/// device is not busy.
func (p *Port_t) StartUp(ctx context.Context, hbaCap uint32, cmdListPhys, fisPhys uint32) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()

	if hbaCap&capSSS != 0 {
		p.reg.SetCommand(1 << 1) // PxCMD.SUD spin-up device
	}
	p.reg.SetCommandListBase(cmdListPhys)
	p.reg.SetFISBase(fisPhys)
	p.reg.ClearSERR()
	p.reg.SetInterruptEnable(0xFFFFFFFF) // AHCI_PXIE_ALL

	p.reg.SetCommand(pxCmdFRE)
	p.reg.SetCommand(pxCmdST)

	deadline := time.Now().Add(time.Second)
	for {
		tfd := p.reg.TaskFileData()
		const tfdBSY, tfdDRQ = 1 << 7, 1 << 3
		if tfd&(tfdBSY|tfdDRQ) == 0 {
			return 0
		}
		if time.Now().After(deadline) {
			return defs.ETIMEOUT
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return defs.ETIMEOUT
		}
	}
}

// freeSlot finds the first index whose bit is clear in both SACT and
// CI (spec.md §4.4 "first index whose bit is clear in both").
func (p *Port_t) freeSlot() (int, bool) {
	busy := p.reg.CommandIssued() | p.reg.SATAActive()
	for i := 0; i < numCommandSlots; i++ {
		if busy&(1<<uint(i)) == 0 && !p.slotBusy[i] {
			return i, true
		}
	}
	return 0, false
}

/// Issue builds PRDs for buf into a free slot's command table, writes
/// the header, and sets the slot bit in CI (spec.md §4.4 AHCI command
/// life-cycle). The table's command FIS and ATAPI packet bytes are left
/// zero: Issue takes no command or LBA to format them from.
func (p *Port_t) Issue(ctx context.Context, phys uint32, buf []byte, write, atapi bool) (slot int, err defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.freeSlot()
	if !ok {
		return 0, defs.ENOFREE
	}

	prds := ata.BuildPRDTable(phys, len(buf))
	table := &CommandTable_t{PRDs: prds}
	p.tables[idx] = table
	p.slotBusy[idx] = true

	p.headers[idx] = CommandHeader_t{
		FISLength: 5, // dwords in a register H2D FIS
		Write:     write,
		ATAPI:     atapi,
		PRDCount:  uint16(len(prds)),
		TablePhys: phys, // command table placed adjacent to PRDs in the real layout
	}

	p.reg.IssueSlot(idx)
	return idx, 0
}

/// WaitCompletion polls until CI shows the slot finished. On
/// TFES/HBFS/HBDS/IFS it restarts the port (clears PxCMD.ST, PxSERR and
/// PxIS, then sets ST again; command-list-override is not used), logs,
/// and returns ERR_IO without retrying; IssueWithRetry is the caller
/// that retries.
func (p *Port_t) WaitCompletion(ctx context.Context, slot int, timeout time.Duration) defs.Err_t {
	deadline := time.Now().Add(timeout)
	for {
		is := p.reg.InterruptStatus()
		if is&(pxIsTFES|pxIsHBFS|pxIsHBDS|pxIsIFS) != 0 {
			p.recoverFromError(is)
			return defs.EIO
		}
		if p.reg.CommandIssued()&(1<<uint(slot)) == 0 {
			p.reg.ClearInterruptStatus(is)
			p.mu.Lock()
			p.slotBusy[slot] = false
			p.mu.Unlock()
			return 0
		}
		if time.Now().After(deadline) {
			return defs.ETIMEOUT
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return defs.ETIMEOUT
		}
	}
}

func (p *Port_t) recoverFromError(is uint32) {
	p.reg.ClearCommand(pxCmdST)
	p.reg.ClearSERR()
	p.reg.ClearInterruptStatus(is)
	p.reg.SetCommand(pxCmdST)
	p.sink.Logf(errlog.Error, "ahci", "port error recovery, IS=0x%x", is)
}

/// IssueWithRetry runs Issue/WaitCompletion up to 3 times total (spec.md
/// §4.4, §7 kind 3 device-recoverable retry budget).
func (p *Port_t) IssueWithRetry(ctx context.Context, phys uint32, buf []byte, write, atapi bool) defs.Err_t {
	var lastErr defs.Err_t
	for attempt := 0; attempt < 3; attempt++ {
		slot, err := p.Issue(ctx, phys, buf, write, atapi)
		if err != 0 {
			return err
		}
		lastErr = p.WaitCompletion(ctx, slot, time.Second)
		if lastErr == 0 {
			return 0
		}
	}
	return lastErr
}

/// Signature reports the device attached to the port (spec.md §4.4
/// "device signature at PxSIG distinguishes ATA/ATAPI/PM/enclosure").
func (p *Port_t) Signature() DeviceSignature_t {
	return p.reg.Signature()
}

/// PRDByteCountField encodes a PRD's hardware DBC field, which the AHCI
/// specification stores as (byte count - 1) — spec.md §8 scenario 4's
/// "one PRD {addr=0x200000, bytes=511}" for a 512-byte transfer is this
/// encoded field, not the logical transfer length.
func PRDByteCountField(p PRD_t) uint32 {
	return uint32(p.Bytes) - 1
}

/// Header returns the command header AHCI wrote for slot (for tests and
/// diagnostics).
func (p *Port_t) Header(slot int) CommandHeader_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.headers[slot]
}

/// Table returns the command table built for slot (for tests and
/// diagnostics).
func (p *Port_t) Table(slot int) *CommandTable_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tables[slot]
}
