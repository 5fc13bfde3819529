// Package proc implements the L1 multitasker/scheduler: the process
// table, priority+wait-time scheduling, process lifecycle, signals, and
// the exception-handler thread (spec.md §4.3). The hardware TSS
// far-jump the real kernel uses to switch contexts has no analogue on a
// hosted Go runtime; per spec.md §9's design note we model the
// observable contract instead — "CR3/ESP/EIP are atomically replaced on
// every slice boundary" becomes "Scheduler.Tick swaps which process is
// State_t Running under the scheduler's lock" — and record which of the
// two switch paths fired (Tick for a hardware slice, Yield for a
// cooperative far-jump) via the LastSlice/switched-by-call bookkeeping
// spec.md calls out.
package proc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"golang.org/x/arch/x86/x86asm"

	"kernelcore/kernel/circbuf"
	"kernelcore/kernel/defs"
	"kernelcore/kernel/errlog"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/vm"
)

/// Vector_t names an x86 exception vector (spec.md §4.3).
type Vector_t int

const (
	VecDivide Vector_t = iota
	VecDebug
	VecNMI
	VecBreakpoint
	VecOverflow
	VecBounds
	VecOpcode
	VecDeviceNotAvailable
	VecDoubleFault
	VecPageFault
	VecMachineCheck
)

func (v Vector_t) String() string {
	switch v {
	case VecDivide:
		return "divide-error"
	case VecDebug:
		return "debug"
	case VecNMI:
		return "nmi"
	case VecBreakpoint:
		return "breakpoint"
	case VecOverflow:
		return "overflow"
	case VecBounds:
		return "bounds"
	case VecOpcode:
		return "invalid-opcode"
	case VecDeviceNotAvailable:
		return "device-not-available"
	case VecDoubleFault:
		return "double-fault"
	case VecPageFault:
		return "page-fault"
	case VecMachineCheck:
		return "machine-check"
	default:
		return "unknown-vector"
	}
}

const signalStreamCap = 64

/// Process_t is the kernel's per-process record (spec.md §3).
type Process_t struct {
	Pid       defs.Pid_t
	ParentPid defs.Pid_t
	Name      string
	State     defs.State_t
	Type      defs.Ptype_t
	Priority  int
	Priv      defs.Priv_t

	Dir       *vm.Directory_t
	UserStack uintptr
	SuperStack uintptr

	// IOPortBitmap has one bit per I/O port; 0 means the port is
	// allowed, mirroring the x86 TSS I/O permission bitmap.
	IOPortBitmap [8192]byte

	FPUSaved bool
	fpuState [512]byte

	SigMask    uint64
	sigStream  *circbuf.Circbuf_t

	CPUTime        time.Duration
	cpuTimeThisEpoch time.Duration
	CPUPercent     int
	LastSlice      time.Duration
	switchedByCall bool

	WaitUntil        time.Time
	WaitForPid       defs.Pid_t
	BlockingExitCode defs.Err_t

	CurrentDirectory string
	Env              map[string]string

	DescendentThreadCount int

	waitTime int
	order    int
}

/// Scheduler_t owns the process table and implements the weighted
/// priority scheduler (spec.md §4.3). One instance is a process-lifetime
/// singleton, constructed explicitly and passed to callers (spec.md §9).
type Scheduler_t struct {
	mu sync.Mutex

	phys   *mem.Allocator_t
	paging *vm.Manager_t
	sink   errlog.Sink

	priorityLevels      int
	priorityRatio       int
	cpuPercentTimeslices int

	procs   map[defs.Pid_t]*Process_t
	nextPid defs.Pid_t
	nextOrder int

	current defs.Pid_t
	ticks   int
	epochTicks int

	fpuOwner defs.Pid_t
	hasFPUOwner bool
}

/// NewScheduler creates the scheduler with the kernel, exception, and
/// idle processes already present; those three pids are never killable
/// (spec.md §4.3).
func NewScheduler(phys *mem.Allocator_t, paging *vm.Manager_t, priorityLevels, priorityRatio, cpuPercentTimeslices int, sink errlog.Sink) *Scheduler_t {
	if sink == nil {
		sink = errlog.Discard
	}
	s := &Scheduler_t{
		phys: phys, paging: paging, sink: sink,
		priorityLevels: priorityLevels, priorityRatio: priorityRatio, cpuPercentTimeslices: cpuPercentTimeslices,
		procs: map[defs.Pid_t]*Process_t{},
	}

	mk := func(pid defs.Pid_t, name string, prio int, state defs.State_t) {
		s.procs[pid] = &Process_t{Pid: pid, Name: name, Priority: prio, State: state, order: s.nextOrder, Env: map[string]string{}}
		s.nextOrder++
	}
	mk(defs.KernelPid, "kernel", 0, defs.Running)
	mk(defs.ExceptionPid, "exception", 0, defs.Waiting)
	mk(defs.IdlePid, "idle", priorityLevels-1, defs.Ready)
	s.nextPid = defs.IdlePid + 1
	s.current = defs.KernelPid
	return s
}

func (s *Scheduler_t) unkillable(pid defs.Pid_t) bool {
	return pid == defs.KernelPid || pid == defs.ExceptionPid || pid == defs.IdlePid
}

/// CreateProcess allocates a pid and a fresh address space, in state
/// stopped (spec.md §4.3); the caller flips it to ready once set up.
func (s *Scheduler_t) CreateProcess(name string, priv defs.Priv_t, priority int) (*Process_t, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if priority < 0 || priority >= s.priorityLevels {
		return nil, defs.EINVAL
	}
	pid := s.nextPid
	s.nextPid++

	dir, err := s.paging.NewDirectory(pid)
	if err != 0 {
		return nil, err
	}

	p := &Process_t{
		Pid: pid, ParentPid: s.current, Name: name, State: defs.Stopped,
		Type: defs.PNormal, Priority: priority, Priv: priv, Dir: dir,
		Env: map[string]string{}, order: s.nextOrder,
	}
	var cerr defs.Err_t
	p.sigStream, cerr = circbuf.Cb_init(s.phys, pid, signalStreamCap)
	if cerr != 0 {
		_ = s.paging.DeleteDirectory(pid)
		return nil, cerr
	}
	s.nextOrder++
	s.procs[pid] = p
	return p, 0
}

/// SetReady flips a stopped process into the ready queue.
func (s *Scheduler_t) SetReady(pid defs.Pid_t) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	if p.State != defs.Stopped {
		return defs.EINVAL
	}
	p.State = defs.Ready
	return 0
}

/// Spawn creates a thread sharing parent's directory, env and current
/// directory, incrementing descendent-thread counters on every ancestor
/// (spec.md §4.3).
func (s *Scheduler_t) Spawn(parentPid defs.Pid_t, name string) (*Process_t, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.procs[parentPid]
	if !ok {
		return nil, defs.ENOSUCHPROCESS
	}
	pid := s.nextPid
	s.nextPid++

	if err := s.paging.ShareDirectory(parentPid, pid); err != 0 && err != defs.EBUSY {
		return nil, err
	}

	p := &Process_t{
		Pid: pid, ParentPid: parentPid, Name: name, State: defs.Ready,
		Type: defs.PThread, Priority: parent.Priority, Priv: parent.Priv, Dir: parent.Dir,
		Env: parent.Env, CurrentDirectory: parent.CurrentDirectory, order: s.nextOrder,
	}
	var cerr defs.Err_t
	p.sigStream, cerr = circbuf.Cb_init(s.phys, pid, signalStreamCap)
	if cerr != 0 {
		return nil, cerr
	}
	s.nextOrder++
	s.procs[pid] = p

	s.adjustAncestorDescendentCount(parent, 1)
	return p, 0
}

// adjustAncestorDescendentCount walks the ancestor chain starting at
// start, adding delta to DescendentThreadCount on every link. Spawn
// calls it with +1 on thread creation; reapFinished mirrors it with -1
// once a thread is actually dismantled, so Terminate's drain check
// (spec.md §4.3: "transitions pid to finished once its descendent
// threads have drained") reflects reaped threads, not just spawned
// ones.
func (s *Scheduler_t) adjustAncestorDescendentCount(start *Process_t, delta int) {
	for anc := start; anc != nil; {
		anc.DescendentThreadCount += delta
		if anc.ParentPid == anc.Pid {
			break
		}
		next, ok := s.procs[anc.ParentPid]
		if !ok {
			break
		}
		anc = next
	}
}

/// Wait suspends pid until ms have elapsed (spec.md §5 suspension
/// points).
func (s *Scheduler_t) Wait(pid defs.Pid_t, ms int) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	p.WaitUntil = time.Now().Add(time.Duration(ms) * time.Millisecond)
	p.State = defs.Waiting
	return 0
}

/// Block suspends pid until waitForPid finishes.
func (s *Scheduler_t) Block(pid, waitForPid defs.Pid_t) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	p.WaitForPid = waitForPid
	p.State = defs.Waiting
	return 0
}

/// Yield is the cooperative suspension point: a direct far-jump to the
/// scheduler in the original, modeled here by marking the process ready
/// and charging it only a fractional slice (switched_by_call), then
/// re-running Tick so a different ready process may win.
func (s *Scheduler_t) Yield(pid defs.Pid_t) {
	s.mu.Lock()
	if p, ok := s.procs[pid]; ok && p.State == defs.Running {
		p.State = defs.Ready
		p.switchedByCall = true
	}
	s.mu.Unlock()
	s.Tick()
}

/// SetState is the entry point an ISR uses (spec.md §2, §5): it may only
/// set flags/promote state, never block or allocate. Promoting a
/// waiting process to IoReady is the "boost after I/O completion" the
/// weight formula rewards.
func (s *Scheduler_t) SetState(pid defs.Pid_t, state defs.State_t) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	p.State = state
	return 0
}

/// weight implements the scheduling formula of spec.md §4.3. A process
/// that just ran has its wait_time reset to 0 by Tick, so the formula
/// alone keeps it from immediately winning again unless every other
/// ready process is at a stricter priority.
func (s *Scheduler_t) weight(p *Process_t) (w int, infinite bool) {
	priority := p.Priority
	if p.State == defs.IoReady {
		priority = 1
	}
	if priority == 0 {
		return 0, true
	}
	if priority == s.priorityLevels-1 {
		return 0, false
	}
	return (s.priorityLevels-priority)*s.priorityRatio + p.waitTime, false
}

/// Weight exposes the scheduling weight for tests and diagnostics
/// without mutating scheduler state.
func (s *Scheduler_t) Weight(pid defs.Pid_t) (int, bool, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return 0, false, defs.ENOSUCHPROCESS
	}
	w, inf := s.weight(p)
	return w, inf, 0
}

// runnable reports whether p competes for the next slice. The kernel
// and exception pids are bookkeeping entries (resource ownership and
// the dedicated fault handler, spec.md §4.3) rather than schedulable
// work, so they never enter the ready competition through Tick;
// RaiseException drives the exception pid directly.
func (s *Scheduler_t) runnable(p *Process_t) bool {
	if p.Pid == defs.KernelPid || p.Pid == defs.ExceptionPid {
		return false
	}
	return p.State == defs.Ready || p.State == defs.IoReady
}

/// select picks the next process to run among every runnable one,
/// breaking ties by longer wait_time then queue (creation) order, and
/// returns nil if nothing is runnable.
func (s *Scheduler_t) selectNext() *Process_t {
	var winner *Process_t
	var winnerWeight int
	var winnerInf bool

	for _, p := range s.procs {
		if !s.runnable(p) {
			continue
		}
		w, inf := s.weight(p)
		if winner == nil {
			winner, winnerWeight, winnerInf = p, w, inf
			continue
		}
		better := false
		switch {
		case inf && !winnerInf:
			better = true
		case inf == winnerInf && w > winnerWeight:
			better = true
		case inf == winnerInf && w == winnerWeight:
			if p.waitTime > winner.waitTime {
				better = true
			} else if p.waitTime == winner.waitTime && p.order < winner.order {
				better = true
			}
		}
		if better {
			winner, winnerWeight, winnerInf = p, w, inf
		}
	}
	return winner
}

/// promoteWaiting moves waiting processes whose deadline has passed (or
/// whose blocking pid has finished) into ready.
func (s *Scheduler_t) promoteWaiting(now time.Time) {
	for _, p := range s.procs {
		if p.State != defs.Waiting {
			continue
		}
		if !p.WaitUntil.IsZero() && !now.Before(p.WaitUntil) {
			p.State = defs.Ready
			p.WaitUntil = time.Time{}
			continue
		}
		if p.WaitForPid != 0 {
			if target, ok := s.procs[p.WaitForPid]; !ok || target.State == defs.Finished || target.State == defs.Zombie {
				p.State = defs.Ready
				if ok {
					p.BlockingExitCode = target.BlockingExitCode
				}
				p.WaitForPid = 0
			}
		}
	}
}

/// reapFinished dismantles finished processes: their owned directory
/// and signal-stream backing are released and they are removed from
/// the table (spec.md §4.3 "finished processes are dismantled by the
/// scheduler on its next pass").
func (s *Scheduler_t) reapFinished() {
	for pid, p := range s.procs {
		if p.State != defs.Finished {
			continue
		}
		if p.sigStream != nil {
			_ = p.sigStream.Free()
		}
		if err := s.paging.DeleteDirectory(pid); err != 0 && err != defs.EBUSY {
			p.State = defs.Zombie
			s.sink.Logf(errlog.Error, "proc", "pid %d could not be reaped, marking zombie: %s", pid, err)
			continue
		}
		if p.Type == defs.PThread {
			if parent, ok := s.procs[p.ParentPid]; ok {
				s.adjustAncestorDescendentCount(parent, -1)
			}
		}
		delete(s.procs, pid)
	}
}

/// Tick runs one scheduler pass: the software analogue of the timer
/// interrupt driving the hardware task gate (spec.md §4.3). It promotes
/// waiting processes whose deadline has passed, reaps finished ones,
/// recomputes cpu_percent every cpuPercentTimeslices ticks, and
/// switches Running to whichever runnable process has the highest
/// weight.
func (s *Scheduler_t) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.ticks++
	s.promoteWaiting(now)
	s.reapFinished()

	prev, hadPrev := s.procs[s.current]
	if hadPrev && prev.State == defs.Running {
		prev.State = defs.Ready
	}

	for _, p := range s.procs {
		if p != prev {
			if s.runnable(p) {
				p.waitTime++
			}
		}
	}

	winner := s.selectNext()
	if winner == nil {
		winner = s.procs[defs.IdlePid]
	}
	winner.State = defs.Running
	winner.waitTime = 0
	slice := time.Millisecond
	if winner.switchedByCall {
		slice = time.Microsecond * 100
		winner.switchedByCall = false
	}
	winner.CPUTime += slice
	winner.cpuTimeThisEpoch += slice
	winner.LastSlice = slice
	s.current = winner.Pid

	s.epochTicks++
	if s.epochTicks >= s.cpuPercentTimeslices {
		s.recalcCPUPercentLocked()
		s.epochTicks = 0
	}
}

func (s *Scheduler_t) recalcCPUPercentLocked() {
	var total time.Duration
	for _, p := range s.procs {
		total += p.cpuTimeThisEpoch
	}
	if total == 0 {
		return
	}
	for _, p := range s.procs {
		p.CPUPercent = int(p.cpuTimeThisEpoch * 100 / total)
		p.cpuTimeThisEpoch = 0
	}
}

/// CPUProfile exports accumulated per-process CPU time as a
/// github.com/google/pprof/profile.Profile, one sample per live
/// process named by its pid/name pair, so the CPU-time accounting
/// already tracked per spec.md §4.3's CPUTime field can be fed into the
/// standard pprof toolchain instead of a bespoke report format.
func (s *Scheduler_t) CPUProfile() *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpuType := &profile.ValueType{Type: "cpu", Unit: "nanoseconds"}
	p := &profile.Profile{
		SampleType:    []*profile.ValueType{cpuType},
		PeriodType:    cpuType,
		Period:        1,
		DurationNanos: int64(s.ticks) * int64(time.Millisecond),
	}

	functions := map[defs.Pid_t]*profile.Function{}
	pids := make([]defs.Pid_t, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		proc := s.procs[pid]
		fn := &profile.Function{ID: uint64(pid) + 1, Name: fmt.Sprintf("pid%d:%s", pid, proc.Name)}
		functions[pid] = fn
		p.Function = append(p.Function, fn)
		loc := &profile.Location{ID: uint64(pid) + 1, Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{proc.CPUTime.Nanoseconds()},
			Label:    map[string][]string{"state": {proc.State.String()}},
		})
	}
	return p
}

/// Signal appends n to pid's signal stream if it is in pid's mask;
/// otherwise pid is default-terminated (spec.md §4.3).
func (s *Scheduler_t) Signal(pid defs.Pid_t, n uint) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	if n < 64 && p.SigMask&(1<<n) != 0 {
		return p.sigStream.Push(uint8(n))
	}
	p.State = defs.Finished
	p.BlockingExitCode = defs.EKILLED
	return 0
}

/// Terminate transitions pid to finished once its descendent threads
/// have drained, waking any blocker (spec.md §4.3).
func (s *Scheduler_t) Terminate(pid defs.Pid_t, code defs.Err_t) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	if p.DescendentThreadCount > 0 {
		return defs.EBUSY
	}
	p.State = defs.Finished
	p.BlockingExitCode = code
	return 0
}

/// Kill forcibly terminates pid (and, if force, its children/threads).
/// The kernel, exception, idle, and the currently running process may
/// never be killed externally (spec.md §4.3).
func (s *Scheduler_t) Kill(pid defs.Pid_t, force bool) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unkillable(pid) {
		return defs.EPERMISSION
	}
	if pid == s.current {
		return defs.EINVAL
	}
	p, ok := s.procs[pid]
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	p.State = defs.Finished
	p.BlockingExitCode = defs.EKILLED

	if force {
		for _, c := range s.procs {
			if c.ParentPid == pid && (c.Type == defs.PThread || c.Pid != pid) {
				if s.unkillable(c.Pid) || c.Pid == s.current {
					continue
				}
				c.State = defs.Finished
				c.BlockingExitCode = defs.EKILLED
			}
		}
	}
	return 0
}

/// Get returns a snapshot-safe pointer to the process record for pid.
/// Callers must not retain it across a Tick without re-fetching pid's
/// membership: pointers into scheduler-owned state are only valid for
/// the duration of one scheduling decision.
func (s *Scheduler_t) Get(pid defs.Pid_t) (*Process_t, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return nil, defs.ENOSUCHPROCESS
	}
	return p, 0
}

/// Current returns the pid of the process the scheduler last selected
/// to run.
func (s *Scheduler_t) Current() defs.Pid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// --- Exceptions & lazy FPU save -------------------------------------

/// RaiseException switches to the dedicated exception thread (spec.md
/// §4.3): the fault is logged, with the instruction at faultPC
/// disassembled for any vector when codeBytes are supplied; a double
/// fault finishes pid with ERR_KILLED, and the exception pid is marked
/// Running.
func (s *Scheduler_t) RaiseException(pid defs.Pid_t, vec Vector_t, faultPC uint64, codeBytes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail := ""
	if len(codeBytes) > 0 {
		if insn, err := x86asm.Decode(codeBytes, 32); err == nil {
			detail = fmt.Sprintf(" insn=%s", x86asm.GNUSyntax(insn, faultPC, nil))
		}
	}
	s.sink.Logf(errlog.Error, "proc", "pid %d: exception %s at pc=0x%x%s", pid, vec, faultPC, detail)

	if p, ok := s.procs[pid]; ok {
		if vec == VecDoubleFault {
			p.State = defs.Finished
			p.BlockingExitCode = defs.EKILLED
		}
	}

	if exc, ok := s.procs[defs.ExceptionPid]; ok {
		exc.State = defs.Running
	}
}

/// DeviceNotAvailable implements the lazy FPU save/restore handler
/// (spec.md §4.3): on first FPU use after a context switch, any
/// previous owner's state is saved, and the new owner's saved state (if
/// any) is restored, else the unit is initialized.
func (s *Scheduler_t) DeviceNotAvailable(pid defs.Pid_t) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasFPUOwner && s.fpuOwner != pid {
		if prev, ok := s.procs[s.fpuOwner]; ok {
			prev.FPUSaved = true
		}
	}
	p, ok := s.procs[pid]
	if !ok {
		return defs.ENOSUCHPROCESS
	}
	if !p.FPUSaved {
		p.fpuState = [512]byte{}
	}
	s.fpuOwner = pid
	s.hasFPUOwner = true
	return 0
}
