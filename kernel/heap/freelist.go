package heap

import (
	"unsafe"

	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
)

// blockHeader precedes every free-list allocation, live or free. size
// excludes the header itself. free-list blocks are singly linked; the
// pieces a page is split into stay consecutive in the list and in address
// order, so adjacent free pieces can be coalesced on release.
type blockHeader struct {
	size uintptr
	used bool
	next uintptr // address of the next blockHeader, 0 if none
}

const blockHeaderSize = unsafe.Sizeof(blockHeader{})

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// freeList serves allocations larger than the biggest slab class. It grows
// by requesting whole pages from the PFA and carves each into one free
// block; on Free it coalesces adjacent free blocks to fight fragmentation.
type freeList struct {
	head    uintptr // address of the first blockHeader, 0 if the list hasn't grown yet
	allocFn allocFrameFn
}

// maxBlockSize is the largest allocation the free-list tier can serve: one
// page, minus its header. Callers needing more than this should map a
// dedicated region instead (see kernel/mem/addrspace.MapRegionAlloc).
const maxBlockSize = uintptr(mem.PageSize) - blockHeaderSize

func (f *freeList) alloc(size mem.Size) (uintptr, *kernel.Error) {
	need := uintptr(size)
	if need > maxBlockSize {
		return 0, ErrOutOfMemory
	}

	for addr := f.head; addr != 0; addr = headerAt(addr).next {
		h := headerAt(addr)
		if h.used || h.size < need {
			continue
		}
		f.splitAndTake(addr, need)
		return addr + blockHeaderSize, nil
	}

	if err := f.grow(); err != nil {
		return 0, err
	}
	return f.alloc(size)
}

// grow requests a single page from the PFA and prepends it to the list as
// one new free block. Pages pulled from the PFA are not guaranteed physically
// contiguous, so each grow() call carves exactly one page-sized block
// rather than trying to assemble a larger contiguous run.
func (f *freeList) grow() *kernel.Error {
	frame, err := f.allocFn()
	if err != nil {
		return ErrOutOfMemory
	}
	base := physToVirtFn(frame.Address())
	mem.Memset(base, 0, mem.PageSize)

	h := headerAt(base)
	h.size = maxBlockSize
	h.used = false
	h.next = f.head
	f.head = base
	return nil
}

func (f *freeList) splitAndTake(addr uintptr, need uintptr) {
	h := headerAt(addr)
	const minSplitRemainder = blockHeaderSize + 16

	if h.size >= need+minSplitRemainder {
		newAddr := addr + blockHeaderSize + need
		newHdr := headerAt(newAddr)
		newHdr.size = h.size - need - blockHeaderSize
		newHdr.used = false
		newHdr.next = h.next

		h.size = need
		h.next = newAddr
	}
	h.used = true
}

func (f *freeList) owns(ptr uintptr) bool {
	for addr := f.head; addr != 0; addr = headerAt(addr).next {
		if addr+blockHeaderSize == ptr {
			return true
		}
	}
	return false
}

func (f *freeList) free(ptr uintptr) {
	addr := ptr - blockHeaderSize
	h := headerAt(addr)
	h.used = false
	f.coalesce()
}

// coalesce merges each free block with its list successor when that
// successor is also free and begins exactly where the block ends. A single
// forward pass suffices for split pieces: grow() prepends whole pages and
// splitAndTake links the remainder directly after the block it split.
func (f *freeList) coalesce() {
	for addr := f.head; addr != 0; {
		h := headerAt(addr)
		if h.used || h.next == 0 {
			addr = h.next
			continue
		}

		next := headerAt(h.next)
		if next.used {
			addr = h.next
			continue
		}

		if addr+blockHeaderSize+h.size == h.next {
			h.size += blockHeaderSize + next.size
			h.next = next.next
			continue // re-check from addr in case of a further merge
		}

		addr = h.next
	}
}
