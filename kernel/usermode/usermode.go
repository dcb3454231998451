// Package usermode implements the ring-0/ring-3 boundary: launching a
// thread's first entry into user code, and validating every pointer a
// syscall handler is handed before the kernel dereferences it.
package usermode

import (
	"unsafe"

	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/arch"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/addrspace"
)

var (
	ErrBadPointer  = &kernel.Error{Module: "usermode", Message: "pointer is outside any mapped user region", Kind: kernel.ErrKindInvalidArgument}
	ErrNotReadable = &kernel.Error{Module: "usermode", Message: "region is not readable by user code", Kind: kernel.ErrKindPermissionDenied}
	ErrNotWritable = &kernel.Error{Module: "usermode", Message: "region is not writable by user code", Kind: kernel.ErrKindPermissionDenied}
)

// Enter performs a thread's one-time transition from kernel setup into its
// user-mode entry point. It never returns: control resumes in ring 3 at ip
// with the stack pointer sp and arg in RAX (see arch.EnterUser).
// kernelStack is that thread's kernel stack, installed as RSP0 in the TSS so the
// next trap into ring 0 (syscall, interrupt, fault) lands on top of it.
func Enter(ip, sp, arg, kernelStack uintptr) {
	arch.SetKernelStack(kernelStack)
	arch.EnterUser(ip, sp, arg)
}

// validateRegion checks that [addr, addr+size) lies entirely within a
// single user-accessible region of space that permits the access in want,
// returning that region. A write needs FlagWrite; a read is refused only
// for guard regions.
func validateRegion(space *addrspace.Space, addr uintptr, size mem.Size, want addrspace.RegionFlag) (addrspace.Region, *kernel.Error) {
	if size == 0 {
		return addrspace.Region{}, ErrBadPointer
	}
	region, ok := space.FindRegion(addr)
	if !ok {
		return addrspace.Region{}, ErrBadPointer
	}
	end := addr + uintptr(size)
	if end > region.Start+uintptr(region.Size) || end < addr {
		return addrspace.Region{}, ErrBadPointer
	}
	if region.Flags&addrspace.FlagUser == 0 {
		return addrspace.Region{}, ErrBadPointer
	}
	if want&addrspace.FlagWrite != 0 && region.Flags&addrspace.FlagWrite == 0 {
		return addrspace.Region{}, ErrNotWritable
	}
	if want&addrspace.FlagRead != 0 && region.Flags&addrspace.FlagGuard != 0 {
		return addrspace.Region{}, ErrNotReadable
	}
	return region, nil
}

// ValidateRead checks that a syscall argument describing a user buffer of
// size bytes starting at addr is entirely mapped, user-accessible and
// readable, without copying anything.
func ValidateRead(space *addrspace.Space, addr uintptr, size mem.Size) *kernel.Error {
	_, err := validateRegion(space, addr, size, addrspace.FlagRead)
	return err
}

// ValidateWrite is ValidateRead plus a check that the region is writable.
func ValidateWrite(space *addrspace.Space, addr uintptr, size mem.Size) *kernel.Error {
	_, err := validateRegion(space, addr, size, addrspace.FlagRead|addrspace.FlagWrite)
	return err
}

// CopyFromUser validates [addr, addr+len(dst)) against space and, if legal,
// copies that many bytes from user memory into dst.
func CopyFromUser(space *addrspace.Space, addr uintptr, dst []byte) *kernel.Error {
	if err := ValidateRead(space, addr, mem.Size(len(dst))); err != nil {
		return err
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(dst))
	copy(dst, src)
	return nil
}

// CopyToUser validates [addr, addr+len(src)) against space and, if legal,
// copies src into user memory.
func CopyToUser(space *addrspace.Space, addr uintptr, src []byte) *kernel.Error {
	if err := ValidateWrite(space, addr, mem.Size(len(src))); err != nil {
		return err
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(src))
	copy(dst, src)
	return nil
}
