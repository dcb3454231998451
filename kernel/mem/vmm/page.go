package vmm

import "github.com/HTRMC/Graphene-Kernel/kernel/mem"

// Page identifies a virtual page by index (virtual address >> PageShift).
type Page uintptr

// Address returns the virtual address of the start of this page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns the Page containing the given virtual address,
// rounding down if it isn't page-aligned.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ uintptr(mem.PageSize-1)) >> mem.PageShift)
}
