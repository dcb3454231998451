package vmm

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/pmm"
)

// Map establishes a mapping between a virtual page and a physical frame in
// the page table directory rooted at root, allocating any missing
// intermediate tables via allocFn. It fails with ErrAlreadyMapped if the
// leaf is already present; use MapForce to overwrite.
func Map(root pmm.Frame, page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	return mapImpl(root, page, frame, flags, allocFn, false)
}

// MapForce behaves like Map but overwrites an existing leaf mapping instead
// of failing.
func MapForce(root pmm.Frame, page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	return mapImpl(root, page, frame, flags, allocFn, true)
}

func mapImpl(root pmm.Frame, page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn, force bool) *kernel.Error {
	return walk(root, page.Address(), allocFn, func(level int, pte *pageTableEntry) (bool, *kernel.Error) {
		if level != pageLevels-1 {
			return true, nil
		}

		if pte.HasFlags(FlagPresent) && !force {
			return false, ErrAlreadyMapped
		}

		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | flags)
		flushTLBEntryFn(page.Address())
		return false, nil
	})
}

// MapRange maps count consecutive pages starting at page to count
// consecutive frames starting at frame, rolling back any partial progress
// if an intermediate Map call fails.
func MapRange(root pmm.Frame, page Page, frame pmm.Frame, count int, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	for i := 0; i < count; i++ {
		if err := Map(root, page+Page(i), frame+pmm.Frame(i), flags, allocFn); err != nil {
			UnmapRange(root, page, i)
			return err
		}
	}
	return nil
}

// UnmapRange unmaps count consecutive pages starting at page. Unmapping an
// address that isn't mapped is a no-op, matching Unmap.
func UnmapRange(root pmm.Frame, page Page, count int) {
	for i := 0; i < count; i++ {
		Unmap(root, page+Page(i))
	}
}

// Unmap removes a mapping previously installed via Map. Unmapping an
// address that isn't mapped is a no-op.
func Unmap(root pmm.Frame, page Page) *kernel.Error {
	return walk(root, page.Address(), nil, func(level int, pte *pageTableEntry) (bool, *kernel.Error) {
		if level != pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				return false, nil // unmapped already; stop quietly
			}
			return true, nil
		}

		if pte.HasFlags(FlagPresent) {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
		}
		return false, nil
	})
}

// GetFlags returns the flags currently set on the leaf entry for vaddr.
func GetFlags(root pmm.Frame, vaddr uintptr) (PageTableEntryFlag, *kernel.Error) {
	pte, err := pteForAddress(root, vaddr)
	if err != nil {
		return 0, err
	}
	return PageTableEntryFlag(*pte) &^ PageTableEntryFlag(ptePhysPageMask), nil
}

// UpdateFlags replaces the flags on the leaf entry for vaddr, preserving
// its physical frame, and flushes the TLB entry for vaddr.
func UpdateFlags(root pmm.Frame, vaddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	pte, err := pteForAddress(root, vaddr)
	if err != nil {
		return err
	}
	frame := pte.Frame()
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | flags)
	flushTLBEntryFn(vaddr)
	return nil
}

// CopyKernelMappings copies the upper half (PML4 indices 256-511) of src
// verbatim into dst, so every address space shares the same kernel
// mappings. Both roots must already have their PML4 table allocated and
// zeroed.
func CopyKernelMappings(dst, src pmm.Frame) {
	dstTable := tableAtFn(dst)
	srcTable := tableAtFn(src)
	for i := 256; i < 512; i++ {
		dstTable[i] = srcTable[i]
	}
}

// ZeroTable clears every entry of the page table living at frame f, used to
// initialize a freshly allocated PML4/PDPT/PD/PT before it's linked in.
func ZeroTable(f pmm.Frame) {
	mem.Memset(pmm.PhysToVirt(f.Address()), 0, mem.PageSize)
}
