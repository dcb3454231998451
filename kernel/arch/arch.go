// Package arch confines every architecture-specific primitive the portable
// kernel core needs behind a narrow interface. Nothing outside this package
// (and its per-arch asm files) may contain inline assembly or touch
// privileged registers directly.
package arch

// PortWidth is the operand width of an I/O-port access.
type PortWidth uint8

const (
	Width8  PortWidth = 1
	Width16 PortWidth = 2
	Width32 PortWidth = 4
)

// TrapFrame is the uniform register/frame snapshot pushed by the CPU and the
// entry stubs on every exception, IRQ and syscall entry.
type TrapFrame struct {
	// General purpose registers, pushed by the entry stub.
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64

	// Vector is the exception/IRQ/syscall vector number.
	Vector uint64
	// ErrorCode is the CPU-pushed error code, or 0 for vectors that don't push one.
	ErrorCode uint64

	// Return frame, pushed by the CPU itself.
	RIP, CS, RFlags, RSP, SS uint64
}

// SavedContext is the callee-saved register set preserved across a context
// switch. Field order is load-bearing: SwitchContext's assembly indexes it
// by fixed byte offset (0, 8, 16, 24, 32, 40, 48, 56).
type SavedContext struct {
	R15, R14, R13, R12, RBX, RBP, RSP uint64
	RIP                               uint64
}

// Halt stops the CPU until the next interrupt arrives.
func Halt()

// EnableInterrupts turns hardware interrupts on (sti).
func EnableInterrupts()

// DisableInterrupts turns hardware interrupts off (cli).
func DisableInterrupts()

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// LoadCR3 installs root as the active page-table directory. This implicitly
// flushes the entire TLB.
func LoadCR3(root uintptr)

// ReadCR3 returns the physical address of the currently active page-table root.
func ReadCR3() uintptr

// Invlpg invalidates a single TLB entry for the given virtual address.
func Invlpg(vaddr uintptr)

// InPort reads a value of the given width from an I/O port.
func InPort(port uint16, width PortWidth) uint32

// OutPort writes a value of the given width to an I/O port.
func OutPort(port uint16, value uint32, width PortWidth)

// SetKernelStack updates the TSS RSP0 field so that the next ring-3 to
// ring-0 transition lands on top of the given kernel stack.
func SetKernelStack(top uintptr)

// SwitchContext saves the running thread's callee-saved registers into old
// and restores new's, transferring control to it. If old is nil this is a
// one-way "load context" used for the very first scheduler switch.
func SwitchContext(old, new *SavedContext)

// EnterUser performs the one-time ring-0 to ring-3 transition for a brand
// new user thread: it builds an IRETQ frame for (ip, sp) with interrupts
// enabled, places arg in RAX (the ABI return-value register) and executes IRETQ. It
// never returns.
func EnterUser(ip, sp, arg uintptr)

// InstallIDT programs the interrupt descriptor table and loads it.
func InstallIDT()

// HandleVector is implemented in dispatch_amd64.go: it registers handler to
// run (with interrupts disabled) whenever vector fires. handler receives the
// trap frame assembled by the common entry stub; modifications to *TrapFrame
// propagate back on IRETQ.
