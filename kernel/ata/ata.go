// Package ata implements the L3 PATA/IDE driver (spec.md §4.4): the
// dual-channel command state machine, PRD-table DMA, 28-bit/48-bit LBA
// addressing, ATAPI sense-key handling, and a record of the legacy
// compat-channel IRQ that original Visopsys drivers fall back to when
// PCI interrupt-line routing is absent (SPEC_FULL.md SUPPLEMENTED
// FEATURES). Its single-owner-per-channel locking idiom is grounded on
// kernelcore/kernel/circbuf's disk-buffering lock shape, generalized to
// a whole IDE channel rather than one buffer.
package ata

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"kernelcore/kernel/defs"
	"kernelcore/kernel/errlog"
	"kernelcore/kernel/iomem"
)

/// AtaError_t is the fixed ATA error taxonomy spec.md §4.4 names,
/// decoded from the status/error registers.
type AtaError_t int

const (
	ErrNone AtaError_t = iota
	ErrAddressMark
	ErrCylinder0
	ErrAbort
	ErrMediaChangeRequested
	ErrSectorNotFound
	ErrMediaChanged
	ErrUncorrectable
	ErrBadSector
	ErrUnknown
	ErrTimeout
)

func (e AtaError_t) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrAddressMark:
		return "address-mark-not-found"
	case ErrCylinder0:
		return "track-0-not-found"
	case ErrAbort:
		return "command-aborted"
	case ErrMediaChangeRequested:
		return "media-change-requested"
	case ErrSectorNotFound:
		return "id-not-found"
	case ErrMediaChanged:
		return "media-changed"
	case ErrUncorrectable:
		return "uncorrectable-data"
	case ErrBadSector:
		return "bad-sector"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ATA task-file status register bits.
const (
	statusERR  = 1 << 0
	statusDRQ  = 1 << 3
	statusDF   = 1 << 5
	statusDRDY = 1 << 6
	statusBSY  = 1 << 7
)

// ATA error register bits.
const (
	errAMNF  = 1 << 0
	errTK0NF = 1 << 1
	errABRT  = 1 << 2
	errMCR   = 1 << 3
	errIDNF  = 1 << 4
	errMC    = 1 << 5
	errUNC   = 1 << 6
)

func decodeError(errReg uint8) AtaError_t {
	switch {
	case errReg&errUNC != 0:
		return ErrUncorrectable
	case errReg&errMC != 0:
		return ErrMediaChanged
	case errReg&errIDNF != 0:
		return ErrSectorNotFound
	case errReg&errMCR != 0:
		return ErrMediaChangeRequested
	case errReg&errABRT != 0:
		return ErrAbort
	case errReg&errTK0NF != 0:
		return ErrCylinder0
	case errReg&errAMNF != 0:
		return ErrAddressMark
	case errReg == 0:
		return ErrNone
	default:
		return ErrUnknown
	}
}

/// PRD_t is one Physical Region Descriptor: {address, byte count,
/// end-of-table flag} (spec.md GLOSSARY). No PRD may cross a 64 KiB
/// boundary and byte counts must be dword multiples (spec.md §3).
type PRD_t struct {
	Addr  uint32
	Bytes uint16
	EOT   bool
}

const prdMaxBytes = 0x10000

/// BuildPRDTable splits a single contiguous physical buffer into PRDs
/// that never cross a 64 KiB boundary, each a dword-multiple in length
/// (spec.md §3, boundary case in §8: a 64 KiB aligned request becomes
/// two 32 KiB PRDs to avoid the zero-length-at-boundary quirk some
/// controllers mishandle).
func BuildPRDTable(phys uint32, length int) []PRD_t {
	var prds []PRD_t
	for length > 0 {
		boundary := prdMaxBytes - (phys % prdMaxBytes)
		chunk := boundary
		if chunk > prdMaxBytes {
			chunk = prdMaxBytes
		}
		if uint32(length) < chunk {
			chunk = uint32(length)
		}
		if chunk == prdMaxBytes {
			// Avoid a PRD whose count field would encode as 0 (the
			// hardware count-of-0 quirk spec.md §3 calls out): split
			// a full 64 KiB region into two halves.
			chunk /= 2
		}
		chunk &^= 0x3 // dword-aligned byte count
		if chunk == 0 {
			chunk = 4
		}
		prds = append(prds, PRD_t{Addr: phys, Bytes: uint16(chunk)})
		phys += chunk
		length -= int(chunk)
	}
	if len(prds) > 0 {
		prds[len(prds)-1].EOT = true
	}
	return prds
}

/// DiskFlags_t mirrors the feature-flag set spec.md §3 names for an
/// ATA/ATAPI disk record.
type DiskFlags_t struct {
	LBA48       bool
	DMA         bool
	SMART       bool
	ReadCache   bool
	WriteCache  bool
	MediaStatus bool
	MultiSector bool
}

/// Disk_t is one physical ATA/ATAPI drive (spec.md §3).
type Disk_t struct {
	Channel     *Channel_t
	DriveSelect uint8 // 0=master, 1=slave
	IsATAPI     bool

	Cylinders, Heads, Sectors uint16
	SectorSize                uint16
	NumSectors                uint64
	MultiSectorCount           uint8
	DMAMode                    uint8
	Flags                      DiskFlags_t

	MotorOn    bool
	DoorOpen   bool
	DoorLocked bool
}

const maxTransfer28 = 256
const maxTransfer48 = 65536

/// MaxTransfer returns the sector-count-per-command cap for the disk's
/// addressing mode (spec.md §4.4): 256 (28-bit) or 65536 (48-bit), both
/// of which the hardware encodes as a count field of 0.
func (d *Disk_t) MaxTransfer() int {
	if d.Flags.LBA48 {
		return maxTransfer48
	}
	return maxTransfer28
}

/// PortIO_i is the register-access collaborator for a channel: legacy
/// compat-mode ports 0x1F0-0x1F7/0x3F6 (primary) or their secondary
/// counterparts (spec.md §6), or a native PCI BAR-mapped equivalent.
/// Real register access is itself a collaborator (spec.md §1).
type PortIO_i interface {
	InByte(port uint16) uint8
	OutByte(port uint16, v uint8)
	InWord(port uint16) uint16
	OutWord(port uint16, v uint16)
}

/// Channel_t is one IDE channel (primary or secondary), serialized
/// under a single per-channel lock (spec.md §5).
type Channel_t struct {
	io   PortIO_i
	mem  *iomem.Manager_t
	sink errlog.Sink

	base, ctrl uint16
	busMaster  uint16

	compatIRQ int // legacy IRQ14/15 number; recorded only

	limiter *rate.Limiter

	expectPid   defs.Pid_t
	gotInterrupt chan struct{}
}

/// NewChannel constructs an IDE channel over its task-file/control
/// register bases. compatIRQ records the legacy-mode IRQ (14 for
/// primary, 15 for secondary) on the channel (SPEC_FULL.md SUPPLEMENTED
/// FEATURES, grounded on Visopsys's kernelIdeDriver compat-channel
/// detection); no code in this package reads it or checks the PCI
/// interrupt-line field.
func NewChannel(io PortIO_i, mem *iomem.Manager_t, base, ctrl, busMaster uint16, compatIRQ int, sink errlog.Sink) *Channel_t {
	if sink == nil {
		sink = errlog.Discard
	}
	return &Channel_t{
		io: io, mem: mem, sink: sink,
		base: base, ctrl: ctrl, busMaster: busMaster, compatIRQ: compatIRQ,
		limiter:      rate.NewLimiter(rate.Every(2*time.Millisecond), 1),
		gotInterrupt: make(chan struct{}, 1),
	}
}

// Task-file register offsets from base.
const (
	regData      = 0
	regError     = 1
	regSectCount = 2
	regLBALo     = 3
	regLBAMid    = 4
	regLBAHi     = 5
	regDriveHead = 6
	regStatus    = 7
	regCommand   = 7
)

const (
	cmdReadPIO   = 0x20
	cmdWritePIO  = 0x30
	cmdReadDMA   = 0xC8
	cmdWriteDMA  = 0xCA
	cmdReadPIOExt = 0x24
	cmdWritePIOExt = 0x34
	cmdIdentify   = 0xEC
	cmdPacket     = 0xA0
)

func (c *Channel_t) pollNotBusyNotDRQ(ctx context.Context, timeout time.Duration) defs.Err_t {
	deadline := time.Now().Add(timeout)
	for {
		st := c.io.InByte(c.base + regStatus)
		if st&statusBSY == 0 && st&statusDRQ == 0 {
			return 0
		}
		if time.Now().After(deadline) {
			return defs.ETIMEOUT
		}
		select {
		case <-ctx.Done():
			return defs.ETIMEOUT
		default:
		}
		_ = c.limiter.Wait(ctx)
	}
}

func (c *Channel_t) selectDrive(drive uint8, lbaTop uint8) defs.Err_t {
	c.io.OutByte(c.base+regDriveHead, 0xE0|(drive<<4)|(lbaTop&0x0F))
	return c.pollNotBusyNotDRQ(context.Background(), time.Second)
}

/// ExpectInterrupt arms the channel to wake pid when the next interrupt
/// fires (spec.md §4.4 step 4).
func (c *Channel_t) ExpectInterrupt(pid defs.Pid_t) {
	c.expectPid = pid
	select {
	case <-c.gotInterrupt:
	default:
	}
}

/// HandleIRQ is the channel's ISR: it latches the interrupt, matching
/// the expectInterrupt/gotInterrupt flag pair spec.md §5 describes.
/// Returns false ("not mine") if this channel was not expecting one, so
/// a chained dispatcher (kernel/pci) tries the next handler.
func (c *Channel_t) HandleIRQ() bool {
	st := c.io.InByte(c.base + regStatus)
	if st&statusBSY != 0 && c.expectPid == 0 {
		return false
	}
	select {
	case c.gotInterrupt <- struct{}{}:
	default:
	}
	return true
}

func (c *Channel_t) waitInterrupt(ctx context.Context, timeout time.Duration) defs.Err_t {
	select {
	case <-c.gotInterrupt:
		return 0
	case <-time.After(timeout):
		return defs.ETIMEOUT
	case <-ctx.Done():
		return defs.ETIMEOUT
	}
}

func lbaBytes(lba uint64, ext bool) (low, mid, hi, lowExt, midExt, hiExt uint8) {
	low, mid, hi = uint8(lba), uint8(lba>>8), uint8(lba>>16)
	if ext {
		lowExt, midExt, hiExt = uint8(lba>>24), uint8(lba>>32), uint8(lba>>40)
	}
	return
}

func encodeCount(n int) uint16 {
	if n >= 65536 {
		return 0
	}
	return uint16(n)
}

/// ReadSectors implements the common disk contract `read_sectors`
/// (spec.md §4.4) via PIO. There is no DMA path: the transfer uses PIO
/// even when the disk advertises DMA.
func (d *Disk_t) ReadSectors(ctx context.Context, lba uint64, count int, buf []byte) defs.Err_t {
	return d.Channel.doPIO(ctx, d, lba, count, buf, false)
}

/// WriteSectors implements `write_sectors`.
func (d *Disk_t) WriteSectors(ctx context.Context, lba uint64, count int, buf []byte) defs.Err_t {
	return d.Channel.doPIO(ctx, d, lba, count, buf, true)
}

func (c *Channel_t) doPIO(ctx context.Context, d *Disk_t, lba uint64, count int, buf []byte, write bool) defs.Err_t {
	if count <= 0 || count > d.MaxTransfer() {
		return defs.EINVAL
	}
	if len(buf) < count*int(d.SectorSize) {
		return defs.EBOUNDS
	}
	if err := c.pollNotBusyNotDRQ(ctx, time.Second); err != 0 {
		return ErrToErrt(ErrTimeout)
	}
	if err := c.selectDrive(d.DriveSelect, uint8(lba>>24)); err != 0 {
		return err
	}

	low, mid, hi, lowExt, midExt, hiExt := lbaBytes(lba, d.Flags.LBA48)
	cnt := encodeCount(count)
	if d.Flags.LBA48 {
		c.io.OutByte(c.base+regSectCount, uint8(cnt>>8))
		c.io.OutByte(c.base+regLBALo, lowExt)
		c.io.OutByte(c.base+regLBAMid, midExt)
		c.io.OutByte(c.base+regLBAHi, hiExt)
	}
	c.io.OutByte(c.base+regSectCount, uint8(cnt))
	c.io.OutByte(c.base+regLBALo, low)
	c.io.OutByte(c.base+regLBAMid, mid)
	c.io.OutByte(c.base+regLBAHi, hi)

	cmd := uint8(cmdReadPIO)
	if write {
		cmd = cmdWritePIO
	}
	if d.Flags.LBA48 {
		if write {
			cmd = cmdWritePIOExt
		} else {
			cmd = cmdReadPIOExt
		}
	}

	c.ExpectInterrupt(defs.KernelPid)
	c.io.OutByte(c.base+regCommand, cmd)

	wordsPerSector := int(d.SectorSize) / 2
	for s := 0; s < count; s++ {
		if err := c.waitInterrupt(ctx, 2*time.Second); err != 0 {
			return defs.ETIMEOUT
		}
		st := c.io.InByte(c.base + regStatus)
		if st&statusERR != 0 {
			errReg := c.io.InByte(c.base + regError)
			decoded := decodeError(errReg)
			c.sink.Logf(errlog.Error, "ata", "channel error on sector %d: %s", s, decoded)
			return defs.EIO
		}
		off := s * int(d.SectorSize)
		for w := 0; w < wordsPerSector; w++ {
			if write {
				lo := buf[off+w*2]
				hi := buf[off+w*2+1]
				c.io.OutWord(c.base+regData, uint16(lo)|uint16(hi)<<8)
			} else {
				v := c.io.InWord(c.base + regData)
				buf[off+w*2] = uint8(v)
				buf[off+w*2+1] = uint8(v >> 8)
			}
		}
	}
	return 0
}

/// ErrToErrt maps the ATA error taxonomy onto the kernel-wide Err_t
/// space (spec.md §4.4, §7 kind 3: device-recoverable errors surface as
/// ERR_IO after retries, but a pure timeout surfaces as ERR_TIMEOUT).
func ErrToErrt(e AtaError_t) defs.Err_t {
	if e == ErrTimeout {
		return defs.ETIMEOUT
	}
	if e == ErrNone {
		return 0
	}
	return defs.EIO
}

/// Flush implements the common disk contract's `flush`.
func (d *Disk_t) Flush(ctx context.Context) defs.Err_t {
	const cmdFlushCache = 0xE7
	if err := d.Channel.selectDrive(d.DriveSelect, 0); err != 0 {
		return err
	}
	d.Channel.ExpectInterrupt(defs.KernelPid)
	d.Channel.io.OutByte(d.Channel.base+regCommand, cmdFlushCache)
	return d.Channel.waitInterrupt(ctx, 5*time.Second)
}

/// SetLockState implements `set_lock_state` (ATAPI door lock).
func (d *Disk_t) SetLockState(locked bool) defs.Err_t {
	if !d.IsATAPI {
		return defs.EINVAL
	}
	const cmdMediaLock = 0xDE
	const cmdMediaUnlock = 0xDF
	cmd := uint8(cmdMediaUnlock)
	if locked {
		cmd = cmdMediaLock
	}
	if err := d.Channel.selectDrive(d.DriveSelect, 0); err != 0 {
		return err
	}
	d.Channel.io.OutByte(d.Channel.base+regCommand, cmd)
	d.DoorLocked = locked
	return 0
}

/// SetDoorState implements `set_door_state` (ATAPI eject/close).
func (d *Disk_t) SetDoorState(open bool) defs.Err_t {
	if !d.IsATAPI {
		return defs.EINVAL
	}
	if d.DoorLocked && open {
		return defs.EPERMISSION
	}
	const cmdStartStop = 0x1B
	if err := d.Channel.selectDrive(d.DriveSelect, 0); err != 0 {
		return err
	}
	d.Channel.io.OutByte(d.Channel.base+regCommand, cmdStartStop)
	d.DoorOpen = open
	return 0
}

/// MediaPresent implements `media_present`.
func (d *Disk_t) MediaPresent() bool {
	return d.NumSectors > 0 && !d.DoorOpen
}

// SenseKey_t is the ATAPI sense-key taxonomy used to classify a
// request-sense response into retry-vs-abort (spec.md §4.4 step 8).
type SenseKey_t uint8

const (
	SenseNoSense       SenseKey_t = 0x0
	SenseNotReady      SenseKey_t = 0x2
	SenseMediumError   SenseKey_t = 0x3
	SenseIllegalReq    SenseKey_t = 0x5
	SenseUnitAttention SenseKey_t = 0x6
)

/// ClassifySense reports whether a sense-key/ASC pair (spec.md §4.4, §8
/// scenario 3: NOT_READY/ASC=0x04 during spin-up) should be retried.
func ClassifySense(key SenseKey_t, asc uint8) (retry bool) {
	return key == SenseNotReady && asc == 0x04
}

/// AtapiStartSequence retries a media-start probe for up to timeout
/// (spec.md §4.4/§8 scenario 3: 10s to accommodate spin-up), calling
/// senseProbe to obtain the current sense key/ASC. On persistent
/// NOT_READY it marks the disk with max sector count and returns
/// ERR_NOMEDIA exactly as Visopsys's kernelIdeDriver does.
func (d *Disk_t) AtapiStartSequence(ctx context.Context, timeout time.Duration, senseProbe func() (SenseKey_t, uint8, bool)) defs.Err_t {
	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	for {
		key, asc, ready := senseProbe()
		if ready {
			return 0
		}
		if !ClassifySense(key, asc) || time.Now().After(deadline) {
			d.NumSectors = 0
			d.Flags.MultiSector = false
			return defs.ENOMEDIA
		}
		if err := limiter.Wait(ctx); err != nil {
			return defs.ETIMEOUT
		}
	}
}
