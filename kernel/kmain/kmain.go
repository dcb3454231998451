// Package kmain is the top of the kernel's import graph: the single place
// that wires together every subsystem (memory, scheduling, capabilities,
// IPC, syscalls) into a running system. It is deliberately kept separate
// from package kernel itself (which only holds the shared Error/Panic
// vocabulary every other package depends on) so that subsystem packages can
// import kernel for that vocabulary without creating a cycle back through
// the orchestrator, the same separation gopher-os draws between its
// kernel package and kernel/kmain.
package kmain

import (
	"reflect"
	"unsafe"

	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/arch"
	"github.com/HTRMC/Graphene-Kernel/kernel/console/serial"
	"github.com/HTRMC/Graphene-Kernel/kernel/core"
	"github.com/HTRMC/Graphene-Kernel/kernel/elf"
	"github.com/HTRMC/Graphene-Kernel/kernel/goruntime"
	"github.com/HTRMC/Graphene-Kernel/kernel/heap"
	"github.com/HTRMC/Graphene-Kernel/kernel/irq"
	"github.com/HTRMC/Graphene-Kernel/kernel/kfmt/early"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/addrspace"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/pmm"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/vmm"
	"github.com/HTRMC/Graphene-Kernel/kernel/multiboot"
	"github.com/HTRMC/Graphene-Kernel/kernel/proc"
	"github.com/HTRMC/Graphene-Kernel/kernel/sched"
	"github.com/HTRMC/Graphene-Kernel/kernel/syscall"
)

// timerVector is the vector the timer-IRQ entry stub is installed on; it
// drives scheduler preemption and is never delivered to user space (§4.10).
const timerVector = 0x20

// legacyIrqBase is the vector the legacy PIC's lines are remapped to start
// at, chosen to land immediately after the CPU exception vectors (0-31).
const legacyIrqBase = 0x20

// Kmain is the only Go symbol the rt0 trampoline calls after setting up the
// GDT and a minimal g0 stack. It is never expected to return; if it does,
// the trampoline halts the CPU.
//
// It performs exactly the bring-up sequence described in spec.md §2: PFA
// init from the bootloader memory map, ASM init (adopt the bootloader's
// page table and share the kernel upper half with every future process),
// heap init, object pools and the process subsystem (via core.New),
// syscall/scheduler init, then constructs one user process per
// bootloader-supplied module before handing off to the scheduler.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	console := serial.New(serial.COM1)
	early.SetSink(console)
	early.Printf("Starting Graphene\n")

	pfa := bringUpPFA()
	vmm.SetFrameAllocator(pfa.AllocFrame)
	goruntime.SetFrameAllocator(pfa.AllocFrame)
	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	// Heap init step of the bring-up sequence. The returned heap is not
	// kept: nothing wired up here allocates from it (module images are
	// read in place through the HHDM), and the core object pools are
	// fixed-capacity and never draw from it, per §4.5's pool design.
	heap.New(pfa.AllocFrame)

	idleProc := proc.NewProcess(proc.KernelPID, proc.KernelPID, nil)
	idle := proc.NewThread(0, idleProc, 0, sched.WeightForNice(sched.NiceDefault))
	idle.Flags |= proc.FlagIdle | proc.FlagKernelThread

	k := core.New(idle, console)

	controller := irq.NewPIC(legacyIrqBase)
	for line := uint8(0); line < 16; line++ {
		controller.Mask(line)
	}

	arch.InstallIDT()
	installTimer(k, controller)
	installSyscallVector(k)

	k.Loader = elf.New()
	loadBootModules(k)

	controller.Unmask(0) // timer line
	arch.EnableInterrupts()

	runScheduler(k)
}

// bootstrapScratchPages is how many pages kmain reserves, starting at the
// first large-enough usable region, to back the PFA bitmap before the PFA
// itself exists to hand out frames. Sized generously for the largest
// memory map this kernel is expected to boot against (one bit per frame: a
// 512 MiB map needs a 16 KiB, four-page bitmap).
const bootstrapScratchPages = 8

// bringUpPFA reserves a small early scratch region for the frame bitmap
// (the one allocation that must happen before the PFA exists to do it
// itself) and initializes the allocator against it.
func bringUpPFA() *pmm.Allocator {
	var scratch uintptr
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		if region.Length < uint64(bootstrapScratchPages*mem.PageSize) {
			return true
		}
		scratch = (region.PhysAddress + mem.PageSize - 1) &^ (mem.PageSize - 1)
		return false
	})
	if scratch == 0 {
		kernel.Panic(&kernel.Error{Module: "kmain", Message: "no usable memory region large enough for the frame bitmap", Kind: kernel.ErrKindOutOfMemory})
	}

	pfa := &pmm.Allocator{}
	if err := pfa.Init(pmm.PhysToVirt(scratch)); err != nil {
		kernel.Panic(err)
	}
	return pfa
}

// installTimer wires vector timerVector to the scheduler tick: advance the
// running thread's vruntime and drain its slice, ack the interrupt
// controller, then switch only if §4.6's ShouldPreempt check says this tick
// actually warrants one (slice exhaustion, a now-earlier run-queue head, or
// needs_resched) rather than unconditionally re-picking every tick.
func installTimer(k *core.Kernel, controller *irq.PIC) {
	const tickNanos = 1_000_000_000 / 1000 // 1000 Hz
	arch.HandleVector(timerVector, func(frame *arch.TrapFrame) {
		running := k.Scheduler.Running()
		k.Scheduler.Tick(tickNanos)
		controller.EOI(0)

		if !k.Scheduler.ShouldPreempt() {
			return
		}
		next := k.Scheduler.Pick()
		if next != running {
			arch.SwitchContext(&running.Context, &next.Context)
		}
	})
}

// installSyscallVector wires the software-interrupt vector (0x80, DPL=3)
// to the syscall dispatcher, resolving "the calling thread" as whichever
// thread the scheduler currently has running.
func installSyscallVector(k *core.Kernel) {
	block := func(t *proc.Thread) {
		next := k.Scheduler.Pick()
		arch.SwitchContext(&t.Context, &next.Context)
	}
	arch.HandleVector(syscall.Vector, func(frame *arch.TrapFrame) {
		caller := k.Scheduler.Running()
		caller.SetInSyscall(true)
		syscall.Dispatch(k, caller, frame, block)
		caller.SetInSyscall(false)
	})
}

// unsafeModuleBytes overlays a []byte of the given length on top of a
// bootloader module's physical address via the HHDM, the same overlay
// idiom kernel/mem/pmm's bitmap allocator uses for its own bring-up data.
func unsafeModuleBytes(physAddr uintptr, size uint64) []byte {
	addr := pmm.PhysToVirt(physAddr)
	var hdr reflect.SliceHeader
	hdr.Data = addr
	hdr.Len = int(size)
	hdr.Cap = int(size)
	return *(*[]byte)(unsafe.Pointer(&hdr))
}

// loadBootModules constructs one process per bootloader-supplied module: a
// fresh address space, the module's image loaded via the ELF loader, a
// mapped user stack and a single ready main thread at the image's entry
// point. This is the module-loader step of §2's data flow ("module loader
// constructs user processes (ELF -> address space + user stack + main
// thread)").
func loadBootModules(k *core.Kernel) {
	multiboot.VisitModules(func(m *multiboot.Module) bool {
		image := unsafeModuleBytes(m.PhysAddress, m.Size)

		space, err := addrspace.Create(vmm.DefaultAllocFn)
		if err != nil {
			early.Printf("[kmain] module %q: address space create failed: %s\n", m.CmdLine, err.Message)
			return true
		}

		entry, lerr := k.Loader.Load(space, image)
		if lerr != nil {
			early.Printf("[kmain] module %q: load failed: %s\n", m.CmdLine, lerr.Message)
			return true
		}

		stackBase := mem.DefaultUserStackTop - uintptr(mem.DefaultUserStackSize)
		if serr := space.MapRegionAlloc(stackBase, mem.DefaultUserStackSize, addrspace.FlagRead|addrspace.FlagWrite|addrspace.FlagUser); serr != nil {
			early.Printf("[kmain] module %q: user stack map failed: %s\n", m.CmdLine, serr.Message)
			return true
		}

		p := k.NewProcess(space)
		t := k.NewThread(p, 0, sched.NiceDefault)
		t.Context.RIP = uint64(entry)
		t.Context.RSP = uint64(mem.DefaultUserStackTop)
		k.Scheduler.Enqueue(t)

		early.Printf("[kmain] started process %d (%s) at entry %#x\n", p.PID, m.CmdLine, entry)
		return true
	})
}

// runScheduler performs the very first scheduler switch (a one-way "load
// context", §4.6) and never returns: every subsequent switch happens from
// inside a trap handler (timer preemption, a blocking syscall, thread_exit).
func runScheduler(k *core.Kernel) {
	first := k.Scheduler.Pick()
	arch.SwitchContext(nil, &first.Context)
}
