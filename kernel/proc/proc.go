// Package proc implements thread and process control blocks: the kernel
// data backing a Thread/Process object.Ref, their lifecycle transitions,
// and the intrusive wait-queue used by everything that blocks (IPC, locks,
// the scheduler's idle path).
package proc

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/arch"
	"github.com/HTRMC/Graphene-Kernel/kernel/capability"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/addrspace"
	"github.com/HTRMC/Graphene-Kernel/kernel/object"
)

// State is a thread's scheduling state.
type State uint8

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateExited
)

// KernelPID is the reserved PID of the kernel process: orphaned threads and
// processes are reparented to it rather than left parentless.
const KernelPID = 0

// Process is the unit of resource ownership: an address space and a
// capability table shared by every thread in the process.
type Process struct {
	Header object.Header

	PID      uint32
	ParentID uint32
	Space    *addrspace.Space
	Caps     capability.Table

	threads  []*Thread
	exitCode int32
	exited   bool
}

// Flags holds a thread's scheduler-visible mode bits (spec §3: "flags
// {kernel_thread, idle, needs_resched, in_syscall}").
type Flags uint8

const (
	// FlagKernelThread marks a thread with no user address space of its
	// own (runs entirely in the shared upper half).
	FlagKernelThread Flags = 1 << iota
	// FlagIdle marks the scheduler's permanently-runnable idle thread.
	FlagIdle
	// FlagNeedsResched requests that the scheduler preempt this thread at
	// its next opportunity, independent of slice/vruntime comparisons.
	FlagNeedsResched
	// FlagInSyscall marks a thread currently executing inside a syscall
	// handler, set for the handler's duration by the dispatcher.
	FlagInSyscall
)

// Thread is the unit of scheduling: one stream of execution inside a
// Process, with its own kernel stack and saved register context.
type Thread struct {
	Header object.Header

	TID     uint32
	Proc    *Process
	State   State
	Context arch.SavedContext

	// KernelStack is the virtual address of the top of this thread's
	// kernel-mode stack, installed into the TSS on every entry to ring 0.
	KernelStack uintptr

	// Vruntime, Nice and Weight are consumed by kernel/sched; proc itself
	// doesn't interpret them beyond initializing Weight from a nice value
	// at creation. Nice is kept alongside the derived Weight so a thread's
	// scheduling class can be reported or re-derived without round-tripping
	// through the weight table.
	Vruntime uint64
	Nice     int8
	Weight   uint32

	// Slice is the nanoseconds of runtime remaining in this thread's
	// current quantum; Quantum is the full length it was given when last
	// picked to run. Both are zero until the scheduler's Pick first
	// selects this thread. Slice reaching zero is one of §4.6's three
	// independent preemption triggers.
	Slice   uint64
	Quantum uint64

	Flags Flags

	// waitLink is the intrusive doubly-linked list node used by WaitQueue.
	waitLink waitLink

	blockedOn *WaitQueue
	exitCode  int32
}

// NeedsResched reports whether FlagNeedsResched is set.
func (t *Thread) NeedsResched() bool { return t.Flags&FlagNeedsResched != 0 }

// SetNeedsResched sets or clears FlagNeedsResched.
func (t *Thread) SetNeedsResched(v bool) {
	if v {
		t.Flags |= FlagNeedsResched
	} else {
		t.Flags &^= FlagNeedsResched
	}
}

// InSyscall reports whether FlagInSyscall is set.
func (t *Thread) InSyscall() bool { return t.Flags&FlagInSyscall != 0 }

// SetInSyscall sets or clears FlagInSyscall, called by the syscall
// dispatcher around a handler's execution.
func (t *Thread) SetInSyscall(v bool) {
	if v {
		t.Flags |= FlagInSyscall
	} else {
		t.Flags &^= FlagInSyscall
	}
}

// IsKernelThread reports whether FlagKernelThread is set.
func (t *Thread) IsKernelThread() bool { return t.Flags&FlagKernelThread != 0 }

// IsIdle reports whether FlagIdle is set.
func (t *Thread) IsIdle() bool { return t.Flags&FlagIdle != 0 }

// ExitCode returns the code passed to Exit, valid once State is StateExited.
func (t *Thread) ExitCode() int32 { return t.exitCode }

type waitLink struct {
	prev, next *Thread
}

var (
	ErrAlreadyExited = &kernel.Error{Module: "proc", Message: "process has already exited", Kind: kernel.ErrKindInvalidArgument}
	ErrNotBlocked    = &kernel.Error{Module: "proc", Message: "thread is not blocked on any wait queue", Kind: kernel.ErrKindInvalidArgument}
)

// NewProcess constructs a Process with an empty thread list and no exit
// status, owning the given address space.
func NewProcess(pid, parentID uint32, space *addrspace.Space) *Process {
	return &Process{PID: pid, ParentID: parentID, Space: space}
}

// NewThread constructs a thread belonging to proc, in StateNew, and
// registers it on the process's thread list.
func NewThread(tid uint32, proc *Process, kernelStack uintptr, weight uint32) *Thread {
	t := &Thread{TID: tid, Proc: proc, State: StateNew, KernelStack: kernelStack, Weight: weight}
	proc.threads = append(proc.threads, t)
	return t
}

// Threads returns the process's current thread list.
func (p *Process) Threads() []*Thread { return p.threads }

// RemoveThread drops t from its process's thread list, e.g. once it has
// fully exited and been reaped.
func (p *Process) RemoveThread(t *Thread) {
	for i, th := range p.threads {
		if th == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// Exit marks the process exited with the given code. Idempotent: exiting an
// already-exited process is a no-op rather than an error, matching the
// common pattern of reaping racing with a second exit call.
func (p *Process) Exit(code int32) {
	if p.exited {
		return
	}
	p.exited = true
	p.exitCode = code
}

// Exited reports whether Exit has been called, and its exit code.
func (p *Process) Exited() (bool, int32) { return p.exited, p.exitCode }

// Reparent sets parentID, used when a process's parent exits: its surviving
// children are reparented to KernelPID rather than left dangling.
func (p *Process) Reparent(parentID uint32) { p.ParentID = parentID }

// Exit transitions a thread to StateExited and dequeues it from any wait
// queue it was blocked on. A thread cannot be resumed after this; its
// kernel stack and object slot are reclaimed by the caller once every
// reference has been released. Exiting the process that owns this thread,
// if warranted, is the caller's decision (e.g. the last-thread-exits or an
// explicit process_exit syscall), not this method's.
func (t *Thread) Exit(code int32) {
	t.State = StateExited
	t.exitCode = code
	if t.blockedOn != nil {
		t.blockedOn.Remove(t)
	}
}
