package vmm

import (
	"unsafe"

	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/arch"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/pmm"
)

// pageLevels is the number of levels in the amd64 4-level paging scheme
// (PML4, PDPT, PD, PT).
const pageLevels = 4

// pageLevelShifts[i] is the bit shift for the index consumed at level i.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

const pageLevelIndexBits = 9
const pageLevelIndexMask = (1 << pageLevelIndexBits) - 1

// FrameAllocatorFn allocates a physical frame, used to materialize missing
// intermediate page tables during a walk.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// tableAtFn returns a slice overlaying the 512 entries of the page table
// that lives at physical frame f, reached through the HHDM. It is a package
// variable (rather than a plain function) so tests can substitute an
// in-process fake page-table store instead of dereferencing real physical
// memory through the HHDM, the same way gopher-os's vmm tests override
// mapFn/activePDTFn/flushTLBEntryFn.
var tableAtFn = tableAt

func tableAt(f pmm.Frame) []pageTableEntry {
	addr := pmm.PhysToVirt(f.Address())
	return (*[512]pageTableEntry)(unsafe.Pointer(addr))[:]
}

// walk descends root's page tables for vaddr, calling visit once per level
// with the entry that governs the next step (for levels 0..2) and the leaf
// entry (for level pageLevels-1). allocFn materializes missing intermediate
// tables; if allocFn is nil, walk returns ErrInvalidMapping the first time
// it would need to allocate, so a walk without an allocator never mutates
// the tree.
func walk(root pmm.Frame, vaddr uintptr, allocFn FrameAllocatorFn, visit func(level int, pte *pageTableEntry) (cont bool, err *kernel.Error)) *kernel.Error {
	table := tableAtFn(root)

	for level := 0; level < pageLevels; level++ {
		idx := (vaddr >> pageLevelShifts[level]) & pageLevelIndexMask
		pte := &table[idx]

		cont, err := visit(level, pte)
		if err != nil {
			return err
		}
		if !cont || level == pageLevels-1 {
			return nil
		}

		if pte.HasFlags(FlagHugePage) {
			return errNoHugePageSupport
		}

		if !pte.HasFlags(FlagPresent) {
			if allocFn == nil {
				return ErrInvalidMapping
			}

			newFrame, err := allocFn()
			if err != nil {
				return err
			}

			newTable := tableAtFn(newFrame)
			for i := range newTable {
				newTable[i] = 0
			}
			*pte = 0
			pte.SetFrame(newFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUser)
		}

		table = tableAtFn(pte.Frame())
	}

	return nil
}

// pteForAddress returns the leaf entry for vaddr without allocating,
// returning ErrInvalidMapping if any level along the way is not present.
func pteForAddress(root pmm.Frame, vaddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		leaf *pageTableEntry
		err  *kernel.Error
	)

	walkErr := walk(root, vaddr, nil, func(level int, pte *pageTableEntry) (bool, *kernel.Error) {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false, nil
		}
		if level == pageLevels-1 {
			leaf = pte
		}
		return true, nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if err != nil {
		return nil, err
	}
	return leaf, nil
}

// flushTLBEntryFn is overridden in tests.
var flushTLBEntryFn = arch.Invlpg
