// Package heap implements the kernel's dynamic allocator: a set of
// fixed-size slab classes for small allocations backed by per-class
// bitmaps, and a coalescing free-list for anything larger than the biggest
// slab class. Both tiers ultimately draw backing pages from the PFA.
package heap

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/kfmt/early"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/pmm"
)

// slabSizes are the supported small-allocation classes, in bytes.
var slabSizes = [...]uint32{16, 32, 64, 128, 256, 512, 1024, 2048}

// ErrOutOfMemory is returned when neither a slab class nor the free-list
// tier can satisfy an allocation.
var ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "heap exhausted", Kind: kernel.ErrKindOutOfMemory}

// ErrInvalidFree is returned by Free when ptr lies in none of this heap's
// slab pages and is not the payload start of one of its free-list blocks.
// A pointer inside a slab page is accepted whether or not its slot is live.
var ErrInvalidFree = &kernel.Error{Module: "heap", Message: "pointer does not match a live allocation", Kind: kernel.ErrKindInvalidArgument}

type allocFrameFn func() (pmm.Frame, *kernel.Error)

// physToVirtFn is a package variable (rather than a direct pmm.PhysToVirt
// call) so tests can back slab/free-list pages with plain Go memory instead
// of dereferencing the HHDM, the same seam pattern used by the vmm package.
var physToVirtFn = pmm.PhysToVirt

// slabClass manages every allocation of one fixed size. Each backing page
// is carved into equal-size slots; a bitmap tracks which slots are live.
type slabClass struct {
	size    uint32
	slots   []slabPage
	allocFn allocFrameFn
}

type slabPage struct {
	frame    pmm.Frame
	base     uintptr
	bitmap   uint64 // up to 64 slots per page; PageSize/size is always <= 64 for size >= 64... see below
	freeCnt  uint32
	capacity uint32
}

// Heap is the kernel's top-level dynamic allocator.
type Heap struct {
	classes  [len(slabSizes)]slabClass
	freeList freeList
	allocFn  allocFrameFn
}

// New constructs a Heap that draws backing pages from allocFn.
func New(allocFn allocFrameFn) *Heap {
	h := &Heap{allocFn: allocFn}
	for i, size := range slabSizes {
		h.classes[i] = slabClass{size: size, allocFn: allocFn}
	}
	h.freeList = freeList{allocFn: allocFn}
	return h
}

func classIndexFor(size uint32) int {
	for i, s := range slabSizes {
		if size <= s {
			return i
		}
	}
	return -1
}

// Alloc returns a pointer to a zeroed block of at least size bytes aligned
// to align (which must be a power of two, or 0 for no particular
// requirement beyond natural slab alignment), or ErrOutOfMemory if no
// backing page could be obtained. Every slab page is frame-allocated and so
// starts page-aligned, and every slot within a class sits at an offset that
// is a multiple of the class size (itself always a power of two dividing
// PageSize), so widening the requested size up to align before picking a
// class is enough to guarantee the result satisfies align without any
// class-specific padding logic. The free-list tier backing allocations
// above the largest slab class makes no such guarantee beyond pointer-size
// alignment of the in-band header; spec §4.4 does not ask more of it.
func (h *Heap) Alloc(size, align uint32) (uintptr, *kernel.Error) {
	if size == 0 {
		size = 1
	}
	if align == 0 {
		align = 1
	}
	need := size
	if align > need {
		need = align
	}

	var (
		ptr uintptr
		err *kernel.Error
	)
	if idx := classIndexFor(need); idx >= 0 {
		ptr, err = h.classes[idx].alloc()
	} else {
		ptr, err = h.freeList.alloc(mem.Size(need))
	}
	if err != nil {
		return 0, err
	}
	mem.Memset(ptr, 0, uintptr(need))
	return ptr, nil
}

// Realloc resizes a live allocation per spec §4.4: alloc-copy-free, except
// that shrinking (newSize <= oldSize) is in-place — the existing block is
// simply reinterpreted as smaller, with no copy and no new address, since
// every slab/free-list block is already sized to at least its class's
// capacity and a shrink never needs more room than it already has.
func (h *Heap) Realloc(ptr uintptr, oldSize, newSize uint32) (uintptr, *kernel.Error) {
	if newSize <= oldSize {
		return ptr, nil
	}
	newPtr, err := h.Alloc(newSize, 0)
	if err != nil {
		return 0, err
	}
	mem.Memcopy(ptr, newPtr, uintptr(oldSize))
	if err := h.Free(ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}

// Stats reports the heap's current occupancy across both tiers, for
// diagnostics (e.g. a debug_print dump of memory pressure).
type Stats struct {
	SlabPages      uint32
	SlabSlotsUsed  uint32
	SlabSlotsFree  uint32
	FreeListBlocks uint32
	FreeListUsed   uint32
	FreeListFree   uint32
}

// Stats walks every slab class and the free list and tallies their current
// usage. O(number of live pages/blocks); meant for occasional diagnostics,
// not a hot path.
func (h *Heap) Stats() Stats {
	var st Stats
	for i := range h.classes {
		for j := range h.classes[i].slots {
			p := &h.classes[i].slots[j]
			st.SlabPages++
			st.SlabSlotsUsed += p.capacity - p.freeCnt
			st.SlabSlotsFree += p.freeCnt
		}
	}
	for addr := h.freeList.head; addr != 0; addr = headerAt(addr).next {
		blk := headerAt(addr)
		st.FreeListBlocks++
		if blk.used {
			st.FreeListUsed += uint32(blk.size)
		} else {
			st.FreeListFree += uint32(blk.size)
		}
	}
	return st
}

// Free releases a block previously returned by Alloc. It tries every slab
// class first (cheap range checks against already-mapped pages) and falls
// back to the free-list tier.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	for i := range h.classes {
		if h.classes[i].owns(ptr) {
			h.classes[i].free(ptr)
			return nil
		}
	}
	if h.freeList.owns(ptr) {
		h.freeList.free(ptr)
		return nil
	}
	return ErrInvalidFree
}

func (c *slabClass) owns(ptr uintptr) bool {
	for i := range c.slots {
		p := &c.slots[i]
		if ptr >= p.base && ptr < p.base+uintptr(mem.PageSize) {
			return true
		}
	}
	return false
}

// alloc finds (or creates) a page in this class with a free slot.
func (c *slabClass) alloc() (uintptr, *kernel.Error) {
	for i := range c.slots {
		p := &c.slots[i]
		if p.freeCnt == 0 {
			continue
		}
		return c.allocFromPage(p), nil
	}

	frame, err := c.allocFn()
	if err != nil {
		return 0, ErrOutOfMemory
	}

	base := physToVirtFn(frame.Address())
	mem.Memset(base, 0, mem.PageSize)

	capacity := uint32(mem.PageSize) / c.size
	if capacity > 64 {
		capacity = 64
	}

	c.slots = append(c.slots, slabPage{
		frame:    frame,
		base:     base,
		bitmap:   0,
		freeCnt:  capacity,
		capacity: capacity,
	})
	p := &c.slots[len(c.slots)-1]
	early.Printf("heap: grew slab class %d bytes to %d pages\n", int(c.size), len(c.slots))

	return c.allocFromPage(p), nil
}

func (c *slabClass) allocFromPage(p *slabPage) uintptr {
	for slot := uint32(0); slot < p.capacity; slot++ {
		mask := uint64(1) << slot
		if p.bitmap&mask == 0 {
			p.bitmap |= mask
			p.freeCnt--
			return p.base + uintptr(slot)*uintptr(c.size)
		}
	}
	// unreachable: caller only gets here when freeCnt > 0.
	return 0
}

func (c *slabClass) free(ptr uintptr) {
	for i := range c.slots {
		p := &c.slots[i]
		if ptr < p.base || ptr >= p.base+uintptr(mem.PageSize) {
			continue
		}
		slot := uint32((ptr - p.base) / uintptr(c.size))
		mask := uint64(1) << slot
		if p.bitmap&mask != 0 {
			p.bitmap &^= mask
			p.freeCnt++
		}
		return
	}
}
