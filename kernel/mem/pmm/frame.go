// Package pmm implements the physical frame allocator (PFA): a bitmap
// tracking one bit per 4 KiB frame of observed physical memory, with
// single- and contiguous-frame allocation.
package pmm

import "github.com/HTRMC/Graphene-Kernel/kernel/mem"

// Frame identifies a physical page frame by index (physical address >> PageShift).
type Frame uintptr

// Address returns the physical address of the start of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down if addr isn't page-aligned.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}
