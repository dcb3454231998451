// Package goruntime re-points the Go runtime's own memory allocator at the
// kernel's physical/virtual memory managers, the same way gopher-os's
// kernel/goruntime does via go:linkname: a freestanding kernel image has no
// hosted mmap/brk underneath it, so runtime.sysReserve/sysMap/sysAlloc must
// be satisfied from kernel/mem/pmm and kernel/mem/vmm instead.
//
// There is no copy-on-write or demand paging in this kernel (spec.md §1
// non-goals), so unlike gopher-os's sysMap this package always backs a
// reservation with real frames immediately rather than deferring the
// mapping to a later fault.
package goruntime

import (
	"unsafe"

	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/vmm"
)

var (
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// prngSeed seeds the pseudo-random number generator behind
	// getRandomData; there is no hardware RNG or /dev/random here.
	prngSeed = 0xdeadc0de
)

// reserveCursor is the next unused virtual address in the fixed
// [mem.GoHeapBase, mem.GoHeapLimit) window the Go runtime is allowed to
// grow its heap into. Bump-allocated only: this kernel never returns
// runtime heap memory to the PFA, matching the frame allocator's own
// bitmap-only bookkeeping.
var reserveCursor = mem.GoHeapBase

// allocFn is the frame source every sysReserve/sysMap/sysAlloc call draws
// from, installed by SetFrameAllocator once the PFA exists; goruntime has
// no allocator of its own.
var allocFn vmm.FrameAllocatorFn

// mapFn/activeRootFn are mocked by tests; automatically inlined by the
// compiler when building the kernel image.
var (
	mapFn        = vmm.Map
	activeRootFn = vmm.ActiveRoot
)

// SetFrameAllocator installs the kernel's frame allocator as the backing
// store for the Go runtime's own heap growth. Called once from kmain,
// right after the PFA is brought up and before Init.
func SetFrameAllocator(fn vmm.FrameAllocatorFn) {
	allocFn = fn
}

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings. This function replaces
// runtime.sysReserve.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := pageAlign(mem.Size(size))
	start := reserveCursor
	if start+uintptr(regionSize) > mem.GoHeapLimit {
		*reserved = false
		return unsafe.Pointer(uintptr(0))
	}
	reserveCursor += uintptr(regionSize)

	*reserved = true
	return unsafe.Pointer(start)
}

// pageAlign rounds size up to the next multiple of mem.PageSize.
func pageAlign(size mem.Size) mem.Size {
	return (size + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

// mapRegion backs [addr, addr+size) with freshly allocated physical frames
// mapped present/RW/no-execute. Used by both sysMap and sysAlloc since this
// kernel never defers a mapping the way gopher-os's sysMap defers to a
// copy-on-write fault.
func mapRegion(addr uintptr, size mem.Size) bool {
	if allocFn == nil {
		return false
	}
	root := activeRootFn()
	page := vmm.PageFromAddress(addr)
	pageCount := pageAlign(size) >> mem.PageShift

	for i := mem.Size(0); i < pageCount; i++ {
		frame, err := allocFn()
		if err != nil {
			return false
		}
		if mErr := mapFn(root, page+vmm.Page(i), frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, allocFn); mErr != nil {
			return false
		}
	}
	return true
}

// sysMap establishes a mapping for a region reserved previously via
// sysReserve. This function replaces runtime.sysMap.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}
	regionSize := pageAlign(mem.Size(size))
	if !mapRegion(uintptr(virtAddr), regionSize) {
		return unsafe.Pointer(uintptr(0))
	}
	mSysStatInc(sysStat, uintptr(regionSize))
	return virtAddr
}

// sysAlloc reserves and maps a region in one step. This function replaces
// runtime.sysAlloc.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	var reserved bool
	addr := sysReserve(nil, size, &reserved)
	if !reserved {
		return unsafe.Pointer(uintptr(0))
	}
	regionSize := pageAlign(mem.Size(size))
	if !mapRegion(uintptr(addr), regionSize) {
		return unsafe.Pointer(uintptr(0))
	}
	mSysStatInc(sysStat, uintptr(regionSize))
	return addr
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation pending a real timekeeper; it only needs to never return
// the same value twice in a row for the allocator's own bookkeeping.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	nanotimeTicks++
	return nanotimeTicks
}

// nanotimeTicks is the counter nanotime advances on every call.
var nanotimeTicks uint64

// getRandomData populates r with pseudo-random bytes. The runtime package
// normally reads /dev/random; there is no such device here, so a simple
// LCG stands in.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables the Go runtime features that depend on a working allocator:
// heap allocation (new/make), maps, and interfaces. Call once,
// SetFrameAllocator having already been called.
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // hash implementation for map keys
	modulesInitFn()   // populates activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not prove these functions
	// unreachable and strip them from the kernel image.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
