package vmm

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/arch"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/pmm"
)

var (
	frameAllocator FrameAllocatorFn

	// loadCR3Fn/readCR3Fn are mocked by tests; automatically inlined by
	// the compiler when building the kernel image.
	loadCR3Fn = arch.LoadCR3
	readCR3Fn = arch.ReadCR3
)

// SetFrameAllocator registers the function the vmm package uses whenever a
// Map call needs to materialize a missing intermediate page table.
func SetFrameAllocator(fn FrameAllocatorFn) {
	frameAllocator = fn
}

// DefaultAllocFn adapts the registered frame allocator to FrameAllocatorFn,
// for callers (ASM, ELF loader) that just want "the" allocator rather than
// a specific one.
func DefaultAllocFn() (pmm.Frame, *kernel.Error) {
	return frameAllocator()
}

// ActiveRoot returns the physical frame of the currently loaded page table root.
func ActiveRoot() pmm.Frame {
	return pmm.FrameFromAddress(readCR3Fn())
}

// SwitchRoot installs root as the active page table directory.
func SwitchRoot(root pmm.Frame) {
	loadCR3Fn(root.Address())
}
