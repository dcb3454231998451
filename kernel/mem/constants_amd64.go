package mem

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the size in bytes of a single page (4 KiB on amd64).
	PageSize = 1 << PageShift

	// PointerShift is log2(sizeof(uintptr)).
	PointerShift = 3

	// UserBase is the lowest usable user-space virtual address. Chosen to
	// keep the null page permanently unmapped.
	UserBase = uintptr(0x0000000000400000)

	// UserTop is the highest usable user-space virtual address: the end
	// of the low canonical half.
	UserTop = uintptr(0x00007FFFFFFFFFFF)

	// KernelBase is the lowest address of the canonical upper half where
	// kernel mappings live.
	KernelBase = uintptr(0xFFFFFFFF80000000)

	// DefaultUserStackTop is where a freshly created user thread's stack
	// starts (stacks grow down from here).
	DefaultUserStackTop = uintptr(0x00007FFFFFF00000)

	// DefaultUserStackSize is the default size of a user stack.
	DefaultUserStackSize = 64 * Kb

	// KernelStackSize is the size of a thread's kernel-mode stack.
	KernelStackSize = 16 * Kb

	// GoHeapBase is the start of the fixed virtual window the Go runtime's
	// own allocator is given to grow into (see kernel/goruntime). Chosen
	// well clear of both the HHDM (bootloader-supplied, variable) and the
	// kernel image's own mappings at KernelBase.
	GoHeapBase = uintptr(0xFFFFFE0000000000)

	// GoHeapLimit bounds how far the Go runtime's reservation window may
	// grow; exceeding it is treated as a fatal bring-up error, not a
	// recoverable allocation failure, since this kernel has no swap or
	// demand paging to fall back on.
	GoHeapLimit = uintptr(0xFFFFFE0040000000) // 1 GiB window
)
