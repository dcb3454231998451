// Package addrspace implements the address-space manager (ASM): it tracks
// user/kernel regions atop the raw page-table engine in kernel/mem/vmm,
// enforces W^X, owns each process's page-table root and handles faults.
package addrspace

import (
	"unsafe"

	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/pmm"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/vmm"
)

// RegionFlag describes the permissions and nature of a tracked region.
type RegionFlag uint32

const (
	FlagRead RegionFlag = 1 << iota
	FlagWrite
	FlagExecute
	FlagUser
	FlagGuard
	FlagShared
)

var (
	ErrOverlap    = &kernel.Error{Module: "addrspace", Message: "region overlaps an existing region", Kind: kernel.ErrKindInvalidArgument}
	ErrWriteExec  = &kernel.Error{Module: "addrspace", Message: "region cannot be both writable and executable", Kind: kernel.ErrKindPermissionDenied}
	ErrOutOfRange = &kernel.Error{Module: "addrspace", Message: "region falls outside the permitted address range for its kind", Kind: kernel.ErrKindInvalidArgument}
	ErrNotFound   = &kernel.Error{Module: "addrspace", Message: "no region covers the given address", Kind: kernel.ErrKindNotFound}
)

// Region is a tracked [Start, Start+Size) window with a permission set.
type Region struct {
	Start uintptr
	Size  mem.Size
	Flags RegionFlag
}

func (r Region) end() uintptr { return r.Start + uintptr(r.Size) }

func (r Region) overlaps(start uintptr, size mem.Size) bool {
	end := start + uintptr(size)
	return r.Start < end && start < r.end()
}

// Space is a single process's (or the kernel's) address space: a page-table
// root plus the region trackers describing what the kernel believes is
// mapped and with what permissions.
type Space struct {
	root    pmm.Frame
	regions []Region
	alloc   vmm.FrameAllocatorFn
}

// Create allocates a fresh page-table root, zeroes it and copies the kernel
// upper half from the currently active address space so every process
// shares kernel mappings.
func Create(allocFn vmm.FrameAllocatorFn) (*Space, *kernel.Error) {
	root, err := allocFn()
	if err != nil {
		return nil, err
	}
	vmm.ZeroTable(root)
	vmm.CopyKernelMappings(root, vmm.ActiveRoot())

	return &Space{root: root, alloc: allocFn}, nil
}

// NewSpaceFromRegions builds a Space whose region tracker is already
// populated with regions, without mapping any page-table entries. It exists
// so packages layered on top of addrspace (e.g. usermode pointer
// validation) can be tested against a known region layout without a real
// page-table root.
func NewSpaceFromRegions(root pmm.Frame, regions []Region) *Space {
	return &Space{root: root, regions: regions}
}

// Root returns the physical address of this space's page-table root.
func (s *Space) Root() pmm.Frame { return s.root }

// AllocFn returns the frame allocator this space was created with, so a
// caller building another space (e.g. process_create's child process) can
// reuse the same source of physical frames.
func (s *Space) AllocFn() vmm.FrameAllocatorFn { return s.alloc }

// Activate installs this space's page-table root as the current one.
func (s *Space) Activate() { vmm.SwitchRoot(s.root) }

// Regions returns a snapshot of the currently tracked regions.
func (s *Space) Regions() []Region {
	out := make([]Region, len(s.regions))
	copy(out, s.regions)
	return out
}

func (s *Space) findOverlap(start uintptr, size mem.Size) int {
	for i, r := range s.regions {
		if r.overlaps(start, size) {
			return i
		}
	}
	return -1
}

// FindRegion returns the region (if any) that contains vaddr.
func (s *Space) FindRegion(vaddr uintptr) (Region, bool) {
	for _, r := range s.regions {
		if vaddr >= r.Start && vaddr < r.end() {
			return r, true
		}
	}
	return Region{}, false
}

func validateRegion(start uintptr, size mem.Size, flags RegionFlag) *kernel.Error {
	if flags&FlagWrite != 0 && flags&FlagExecute != 0 {
		return ErrWriteExec
	}

	end := start + uintptr(size)
	if flags&FlagUser != 0 {
		if start < mem.UserBase || end > mem.UserTop {
			return ErrOutOfRange
		}
	} else if start < mem.KernelBase {
		return ErrOutOfRange
	}

	return nil
}

func pageFlagsFor(flags RegionFlag) vmm.PageTableEntryFlag {
	pf := vmm.FlagPresent
	if flags&FlagWrite != 0 {
		pf |= vmm.FlagRW
	}
	if flags&FlagExecute == 0 {
		pf |= vmm.FlagNoExecute
	}
	if flags&FlagUser != 0 {
		pf |= vmm.FlagUser
	}
	return pf
}

// MapRegion registers a new region [vaddr, vaddr+size) backed by a
// caller-supplied contiguous physical range, then maps every page. W^X is
// enforced before anything is mapped; on any per-page mapping failure the
// region registration and any already-mapped pages are rolled back.
func (s *Space) MapRegion(vaddr, paddr uintptr, size mem.Size, flags RegionFlag) *kernel.Error {
	if err := validateRegion(vaddr, size, flags); err != nil {
		return err
	}
	if s.findOverlap(vaddr, size) >= 0 {
		return ErrOverlap
	}

	region := Region{Start: vaddr, Size: size, Flags: flags}
	s.regions = append(s.regions, region)

	pageCount := int((size + mem.PageSize - 1) / mem.PageSize)
	pageFlags := pageFlagsFor(flags)
	startPage := vmm.PageFromAddress(vaddr)
	startFrame := pmm.FrameFromAddress(paddr)

	for i := 0; i < pageCount; i++ {
		if err := vmm.Map(s.root, startPage+vmm.Page(i), startFrame+pmm.Frame(i), pageFlags, s.alloc); err != nil {
			vmm.UnmapRange(s.root, startPage, i)
			s.removeRegion(vaddr)
			return err
		}
	}

	return nil
}

// MapRegionAlloc behaves like MapRegion but allocates and zeroes each
// backing frame itself instead of taking a caller-supplied physical range.
func (s *Space) MapRegionAlloc(vaddr uintptr, size mem.Size, flags RegionFlag) *kernel.Error {
	if err := validateRegion(vaddr, size, flags); err != nil {
		return err
	}
	if s.findOverlap(vaddr, size) >= 0 {
		return ErrOverlap
	}

	region := Region{Start: vaddr, Size: size, Flags: flags}
	s.regions = append(s.regions, region)

	pageCount := int((size + mem.PageSize - 1) / mem.PageSize)
	pageFlags := pageFlagsFor(flags)
	startPage := vmm.PageFromAddress(vaddr)

	mapped := 0
	for i := 0; i < pageCount; i++ {
		frame, err := s.alloc()
		if err != nil {
			vmm.UnmapRange(s.root, startPage, mapped)
			s.removeRegion(vaddr)
			return err
		}
		vmm.ZeroTable(frame) // frame, not a table, but ZeroTable just clears a page

		if err := vmm.Map(s.root, startPage+vmm.Page(i), frame, pageFlags, s.alloc); err != nil {
			vmm.UnmapRange(s.root, startPage, mapped)
			s.removeRegion(vaddr)
			return err
		}
		mapped++
	}

	return nil
}

// MapRegionFromData registers and maps a region exactly like MapRegionAlloc,
// except each frame is populated from data (page i of the region receives
// data[i*PageSize:(i+1)*PageSize], clipped to len(data); the rest stays zero)
// before the final permissions are applied. Every frame is mapped writable
// while being populated regardless of flags, then — if flags denote a
// non-writable region — re-protected to flags' final permissions once every
// frame has been written. This is the ELF PT_LOAD loading sequence: segment
// bytes never pass through a page that is simultaneously executable and
// attacker-writable.
func (s *Space) MapRegionFromData(vaddr uintptr, size mem.Size, flags RegionFlag, data []byte) *kernel.Error {
	if err := validateRegion(vaddr, size, flags); err != nil {
		return err
	}
	if s.findOverlap(vaddr, size) >= 0 {
		return ErrOverlap
	}

	region := Region{Start: vaddr, Size: size, Flags: flags}
	s.regions = append(s.regions, region)

	pageCount := int((size + mem.PageSize - 1) / mem.PageSize)
	writableFlags := pageFlagsFor(flags | FlagWrite)
	startPage := vmm.PageFromAddress(vaddr)

	mapped := 0
	for i := 0; i < pageCount; i++ {
		frame, err := s.alloc()
		if err != nil {
			vmm.UnmapRange(s.root, startPage, mapped)
			s.removeRegion(vaddr)
			return err
		}
		vmm.ZeroTable(frame)

		pageStart := i * int(mem.PageSize)
		pageEnd := pageStart + int(mem.PageSize)
		if pageStart < len(data) {
			end := pageEnd
			if end > len(data) {
				end = len(data)
			}
			dst := pmm.PhysToVirt(frame.Address())
			mem.Memcopy(uintptr(unsafe.Pointer(&data[pageStart])), dst, uintptr(end-pageStart))
		}

		if err := vmm.Map(s.root, startPage+vmm.Page(i), frame, writableFlags, s.alloc); err != nil {
			vmm.UnmapRange(s.root, startPage, mapped)
			s.removeRegion(vaddr)
			return err
		}
		mapped++
	}

	if flags&FlagWrite == 0 {
		finalFlags := pageFlagsFor(flags)
		for i := 0; i < pageCount; i++ {
			if err := vmm.UpdateFlags(s.root, (startPage + vmm.Page(i)).Address(), finalFlags); err != nil {
				return err
			}
		}
	}

	return nil
}

// UnmapRegion unmaps every page of, and removes the tracker of, the region
// starting at vaddr. The backing frames are not returned to the frame
// allocator.
func (s *Space) UnmapRegion(vaddr uintptr) *kernel.Error {
	region, idx := s.regionAt(vaddr)
	if idx < 0 {
		return ErrNotFound
	}

	pageCount := int((region.Size + mem.PageSize - 1) / mem.PageSize)
	startPage := vmm.PageFromAddress(region.Start)
	for i := 0; i < pageCount; i++ {
		vmm.Unmap(s.root, startPage+vmm.Page(i))
	}

	s.regions = append(s.regions[:idx], s.regions[idx+1:]...)
	return nil
}

func (s *Space) regionAt(vaddr uintptr) (Region, int) {
	for i, r := range s.regions {
		if r.Start == vaddr {
			return r, i
		}
	}
	return Region{}, -1
}

func (s *Space) removeRegion(vaddr uintptr) {
	for i, r := range s.regions {
		if r.Start == vaddr {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return
		}
	}
}

// FaultErrorBits mirrors the x86 page-fault error code bit layout.
type FaultErrorBits uint64

const (
	FaultPresent FaultErrorBits = 1 << iota
	FaultWrite
	FaultUser
	FaultReservedBit
	FaultInstructionFetch
)

// HandlePageFault looks up the region containing vaddr and decides whether
// the fault is remediable. There is no demand paging in this core: a fault
// inside a legally-mapped region that doesn't violate permissions was never
// supposed to happen and is reported as unhandled (false) just like an
// access outside any region.
func (s *Space) HandlePageFault(vaddr uintptr, errBits FaultErrorBits) bool {
	region, ok := s.FindRegion(vaddr)
	if !ok {
		return false
	}

	if errBits&FaultUser != 0 && region.Flags&FlagUser == 0 {
		return false
	}
	if errBits&FaultWrite != 0 && region.Flags&FlagWrite == 0 {
		return false
	}
	if errBits&FaultInstructionFetch != 0 && region.Flags&FlagExecute == 0 {
		return false
	}
	if region.Flags&FlagGuard != 0 {
		return false
	}

	return false
}

// Destroy frees every user region's backing frames and the page-table root
// itself. Intermediate page tables allocated while mapping those regions
// are a documented, bounded leak (proportional to region count) — see
// DESIGN.md's Open Question resolution for "destroy_address_space".
func (s *Space) Destroy(freeFn func(pmm.Frame)) {
	for _, r := range s.regions {
		pageCount := int((r.Size + mem.PageSize - 1) / mem.PageSize)
		startPage := vmm.PageFromAddress(r.Start)
		for i := 0; i < pageCount; i++ {
			if phys, err := vmm.Translate(s.root, (startPage + vmm.Page(i)).Address()); err == nil {
				freeFn(pmm.FrameFromAddress(phys))
			}
			vmm.Unmap(s.root, startPage+vmm.Page(i))
		}
	}
	s.regions = nil
	freeFn(s.root)
}
