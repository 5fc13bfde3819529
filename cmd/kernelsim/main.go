// Command kernelsim boots the simulated kernel core end to end: it
// loads a manifest, stands up the physical allocator and paging
// manager, creates a couple of scheduled processes and ticks the
// scheduler, then probes a simulated PCI bus seeded with one IDE
// controller and prints a sample PRD table built by the ATA driver's
// BuildPRDTable — a small standalone cmd
// that exercises the kernel's pieces without a real machine under it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"kernelcore/kernel/ata"
	"kernelcore/kernel/defs"
	"kernelcore/kernel/errlog"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/mem/bootcfg"
	"kernelcore/kernel/pci"
	"kernelcore/kernel/proc"
	"kernelcore/kernel/vm"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to a YAML boot manifest (default: built-in)")
	flag.Parse()

	cfg := bootcfg.Default()
	if *manifestPath != "" {
		doc, err := os.ReadFile(*manifestPath)
		if err != nil {
			log.Fatalf("reading manifest: %v", err)
		}
		parsed, err := bootcfg.Parse(doc)
		if err != nil {
			log.Fatalf("parsing manifest: %v", err)
		}
		cfg = parsed
	}

	sink := errlog.NewConsoleSink(os.Stdout)

	phys := mem.NewAllocator(cfg.TotalMemoryBytes, sink)
	for _, r := range cfg.Reserved {
		if err := phys.Reserve(mem.Range_t{Start: mem.Pa_t(r.Start), End: mem.Pa_t(r.End)}, defs.KernelPid, r.Desc); err != 0 {
			log.Fatalf("reserving %s: %s", r.Desc, err)
		}
	}
	fmt.Printf("physical allocator: %+v\n", phys.Stats())

	paging := vm.NewManager(phys, sink)
	shareCount, err := paging.ShareCount(defs.KernelPid)
	if err != 0 {
		log.Fatalf("reading kernel directory share count: %s", err)
	}
	fmt.Printf("kernel directory ready, share count %d\n", shareCount)

	sched := proc.NewScheduler(phys, paging, cfg.Scheduler.PriorityLevels, cfg.Scheduler.PriorityRatio, cfg.Scheduler.CPUPercentTimeslices, sink)
	shell, err := sched.CreateProcess("shell", defs.User, 1)
	if err != 0 {
		log.Fatalf("creating shell process: %s", err)
	}
	syslogd, err := sched.CreateProcess("syslogd", defs.User, 2)
	if err != 0 {
		log.Fatalf("creating syslogd process: %s", err)
	}
	sched.SetReady(shell.Pid)
	sched.SetReady(syslogd.Pid)

	for i := 0; i < 4; i++ {
		sched.Tick()
		fmt.Printf("tick %d: running pid %d\n", i, sched.Current())
	}

	io := pci.NewSimPortIO()
	io.PutFunction(0, 1, 0, 0x8086, 0x7010, 0x01, 0x01, 0x80, [6]uint32{0x1F0, 0, 0x3F6, 0, 0xC000, 0})
	bus := pci.NewBus(io, sink)

	targets, err := bus.GetTargets(context.Background())
	if err != 0 {
		log.Fatalf("scanning PCI bus: %s", err)
	}
	fmt.Printf("found %d PCI function(s)\n", len(targets))
	for _, t := range targets {
		fmt.Printf("  %02x:%02x.%x vendor=%04x device=%04x class=%02x/%02x\n",
			t.Bus, t.Dev, t.Fn, t.VendorID, t.DeviceID, t.Class, t.Subclass)
	}

	prds := ata.BuildPRDTable(0x200000, 512)
	fmt.Printf("sample single-sector PRD table: %+v\n", prds)
}
