package pmm

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/kfmt/early"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
	"github.com/HTRMC/Graphene-Kernel/kernel/multiboot"
)

var (
	// ErrOutOfMemory is returned when no frame (or no large-enough
	// contiguous run of frames) is available. The PFA never panics on
	// exhaustion; callers decide whether that's fatal.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "no physical frames available", Kind: kernel.ErrKindOutOfMemory}

	// hhdmOffsetFn is swapped out by tests.
	hhdmOffsetFn = multiboot.HHDMOffset
)

// Allocator is a bitmap-backed physical frame allocator. One bit per 4 KiB
// frame of the highest physical address observed in the bootloader's memory
// map; 1 means used. kmain.bringUpPFA creates the one instance the running
// kernel uses; tests build their own values, so they never share allocator
// state.
type Allocator struct {
	bitmap     []uint64
	totalFrame uint32
	freeCount  uint32
	usedCount  uint32

	// allocHint/windowHint are rolling scan positions so repeated
	// single-frame/contiguous allocations don't re-scan from frame 0
	// every time.
	allocHint   uint32
	windowHint  uint32
	bitmapBytes mem.Size
}

// Init rebuilds the bitmap from the bootloader memory map: the whole bitmap
// starts marked used, then every usable/bootloader-reclaimable region (minus
// the page-aligned bytes the bitmap itself occupies) is marked free.
// bitmapBackingAddr must be an HHDM address (Init reserves the frames behind
// it via VirtToPhys) of a region at least Init-computed-size bytes long,
// already mapped and zeroable; kmain.bringUpPFA passes the start of the
// first usable region large enough for it.
func (a *Allocator) Init(bitmapBackingAddr uintptr) *kernel.Error {
	var highestAddr uintptr

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		end := region.PhysAddress + uintptr(region.Length)
		if end > highestAddr {
			highestAddr = end
		}
		return true
	})

	a.totalFrame = uint32(highestAddr >> mem.PageShift)
	words := (a.totalFrame + 63) / 64
	a.bitmapBytes = mem.Size(words * 8)

	a.bitmap = unsafeBitmapSlice(bitmapBackingAddr, int(words))
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	a.usedCount = a.totalFrame
	a.freeCount = 0

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable && region.Type != multiboot.MemBootloaderReclaimable {
			return true
		}
		a.markRangeFree(region.PhysAddress, region.Length)
		return true
	})

	// Reserve the frames the bitmap itself occupies.
	a.reserveRange(VirtToPhys(bitmapBackingAddr), uint64(a.bitmapBytes))

	early.Printf("[pmm] %d/%d frames free (%d reserved)\n", a.freeCount, a.totalFrame, a.usedCount)
	return nil
}

func (a *Allocator) markRangeFree(physAddr uintptr, length uint64) {
	pageMask := uintptr(mem.PageSize - 1)
	start := (physAddr + pageMask) &^ pageMask
	end := (physAddr + uintptr(length)) &^ pageMask
	for addr := start; addr < end; addr += mem.PageSize {
		a.setUsed(FrameFromAddress(addr), false)
	}
}

func (a *Allocator) reserveRange(physAddr uintptr, length uint64) {
	pageMask := uintptr(mem.PageSize - 1)
	start := physAddr &^ pageMask
	end := (physAddr + uintptr(length) + pageMask) &^ pageMask
	for addr := start; addr < end; addr += mem.PageSize {
		a.setUsed(FrameFromAddress(addr), true)
	}
}

func (a *Allocator) setUsed(f Frame, used bool) {
	if uint32(f) >= a.totalFrame {
		return
	}
	word, bit := uint32(f)/64, uint32(f)%64
	mask := uint64(1) << bit
	wasUsed := a.bitmap[word]&mask != 0
	if used == wasUsed {
		return
	}
	if used {
		a.bitmap[word] |= mask
		a.usedCount++
		a.freeCount--
	} else {
		a.bitmap[word] &^= mask
		a.usedCount--
		a.freeCount++
	}
}

func (a *Allocator) isUsed(f Frame) bool {
	word, bit := uint32(f)/64, uint32(f)%64
	return a.bitmap[word]&(uint64(1)<<bit) != 0
}

// AllocFrame reserves and returns a single free frame, or ErrOutOfMemory.
func (a *Allocator) AllocFrame() (Frame, *kernel.Error) {
	for i := uint32(0); i < a.totalFrame; i++ {
		f := Frame((a.allocHint + i) % a.totalFrame)
		if !a.isUsed(f) {
			a.setUsed(f, true)
			a.allocHint = uint32(f) + 1
			return f, nil
		}
	}
	return 0, ErrOutOfMemory
}

// AllocFrames reserves n contiguous frames using a sliding window and
// returns the first frame of the run, or ErrOutOfMemory if no such run
// exists. AllocFrames(1) behaves like AllocFrame.
func (a *Allocator) AllocFrames(n uint32) (Frame, *kernel.Error) {
	if n <= 1 {
		return a.AllocFrame()
	}
	if n > a.totalFrame {
		return 0, ErrOutOfMemory
	}

	run := uint32(0)
	for f := uint32(0); f < a.totalFrame; f++ {
		if a.isUsed(Frame(f)) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := f - n + 1
			for i := start; i <= f; i++ {
				a.setUsed(Frame(i), true)
			}
			a.allocHint = f + 1
			return Frame(start), nil
		}
	}
	return 0, ErrOutOfMemory
}

// FreeFrame releases a previously allocated frame. Idempotent: freeing an
// already-free frame is a no-op.
func (a *Allocator) FreeFrame(f Frame) {
	if a.isUsed(f) {
		a.setUsed(f, false)
	}
}

// FreeFrames releases n frames starting at f.
func (a *Allocator) FreeFrames(f Frame, n uint32) {
	for i := uint32(0); i < n; i++ {
		a.FreeFrame(Frame(uint32(f) + i))
	}
}

// TotalFrames returns the total number of frames tracked by the bitmap.
func (a *Allocator) TotalFrames() uint32 { return a.totalFrame }

// FreeCount returns the number of frames currently marked free.
func (a *Allocator) FreeCount() uint32 { return a.freeCount }

// UsedCount returns the number of frames currently marked used.
func (a *Allocator) UsedCount() uint32 { return a.usedCount }

// PhysToVirt converts a physical address to a kernel-reachable virtual
// address using the bootloader's higher-half direct map.
func PhysToVirt(phys uintptr) uintptr {
	return phys + hhdmOffsetFn()
}

// VirtToPhys is the inverse of PhysToVirt for addresses inside the HHDM.
func VirtToPhys(virt uintptr) uintptr {
	return virt - hhdmOffsetFn()
}
