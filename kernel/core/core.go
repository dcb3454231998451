// Package core factors the kernel's global state into a single Kernel
// value: the object pools, the scheduler, the process table and the
// currently-running thread. Nothing here is a package-level singleton, so
// a test can build as many independent Kernel values as it wants.
package core

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/capability"
	"github.com/HTRMC/Graphene-Kernel/kernel/ipc"
	"github.com/HTRMC/Graphene-Kernel/kernel/irq"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/addrspace"
	"github.com/HTRMC/Graphene-Kernel/kernel/object"
	"github.com/HTRMC/Graphene-Kernel/kernel/proc"
	"github.com/HTRMC/Graphene-Kernel/kernel/sched"
)

// Pool capacities: design parameters, not contracts. Exhaustion is a normal
// failure, never a panic.
const (
	MaxAddressSpaces = 64
	MaxThreads       = 256
	MaxProcesses     = 64
	MaxEndpoints     = 256
	MaxChannels      = 128
	MaxIrqObjects    = 16
	MaxIoPortObjects = 32
)

// IoPortRange is the backing object for a KindIoPort capability: the
// inclusive/exclusive port window [Base, Base+Count) it authorizes access
// to, regardless of what rights a given capability narrows that down to.
type IoPortRange struct {
	Base  uint16
	Count uint16
}

// MemoryRange is the backing object for a KindMemory capability: a
// contiguous run of physical frames a process can mem_map into its address
// space.
type MemoryRange struct {
	Base  uintptr
	Pages uint32
}

// ImageLoader loads an ELF image into space and returns its entry point.
// Set by kmain once the ELF loader is constructed; kept as an interface
// here so core doesn't need to import the loader package directly.
type ImageLoader interface {
	Load(space *addrspace.Space, image []byte) (entry uintptr, err *kernel.Error)
}

// Console receives debug_print output and kernel log lines.
type Console interface {
	WriteString(s string)
}

// Kernel owns every pool and the scheduler. Exactly one is expected to
// exist in a running system (constructed by kmain), but nothing here
// prevents a test from building several independent ones.
type Kernel struct {
	Scheduler *sched.Scheduler
	Console   Console
	Loader    ImageLoader

	Processes map[uint32]*proc.Process
	nextPID   uint32
	nextTID   uint32

	EndpointPool *object.Pool
	Endpoints    []ipc.Endpoint

	ChannelPool *object.Pool
	Channels    []ipc.Channel

	IrqPool  *object.Pool
	IrqLines []*irq.Line

	IoPortPool   *object.Pool
	IoPortRanges []IoPortRange

	MemoryPool   *object.Pool
	MemoryRanges []MemoryRange

	// pendingReply records, per receiving thread, which endpoint call it
	// last Recv'd and who it now implicitly owes a Reply to. This resolves
	// the "reply delivery identity" design question in favor of a
	// per-thread implicit reply endpoint rather than a distinct reply
	// capability: the syscall layer's cap_send doubles as cap_reply for an
	// Endpoint capability whenever the sending thread has an outstanding
	// entry here for that same endpoint.
	pendingReply map[uint32]pendingReply
}

type pendingReply struct {
	endpoint object.Ref
	caller   *proc.Thread
}

// RecordPendingReply notes that receiverTID just Recv'd a call from caller
// on the endpoint named by ref, and so now owes it a Reply.
func (k *Kernel) RecordPendingReply(receiverTID uint32, ref object.Ref, caller *proc.Thread) {
	if k.pendingReply == nil {
		k.pendingReply = make(map[uint32]pendingReply)
	}
	k.pendingReply[receiverTID] = pendingReply{endpoint: ref, caller: caller}
}

// TakePendingReply consumes and returns the reply obligation recorded for
// receiverTID, if any.
func (k *Kernel) TakePendingReply(receiverTID uint32) (object.Ref, *proc.Thread, bool) {
	pr, ok := k.pendingReply[receiverTID]
	if !ok {
		return object.Ref{}, nil, false
	}
	delete(k.pendingReply, receiverTID)
	return pr.endpoint, pr.caller, true
}

// New constructs an empty Kernel with every pool sized per the design
// parameters above, and registers the kernel process itself (PID 0, no
// address space of its own since it runs entirely in the shared upper
// half).
func New(idleThread *proc.Thread, console Console) *Kernel {
	k := &Kernel{
		Scheduler: sched.New(idleThread),
		Console:   console,
		Processes: make(map[uint32]*proc.Process),
		nextPID:   proc.KernelPID + 1,

		EndpointPool: object.NewPool(object.KindEndpoint, MaxEndpoints),
		Endpoints:    make([]ipc.Endpoint, MaxEndpoints),

		ChannelPool: object.NewPool(object.KindChannel, MaxChannels),
		Channels:    make([]ipc.Channel, MaxChannels),

		IrqPool:  object.NewPool(object.KindIrq, MaxIrqObjects),
		IrqLines: make([]*irq.Line, MaxIrqObjects),

		IoPortPool:   object.NewPool(object.KindIoPort, MaxIoPortObjects),
		IoPortRanges: make([]IoPortRange, MaxIoPortObjects),

		MemoryPool:   object.NewPool(object.KindMemory, MaxAddressSpaces),
		MemoryRanges: make([]MemoryRange, MaxAddressSpaces),
	}
	kernelProc := proc.NewProcess(proc.KernelPID, proc.KernelPID, nil)
	k.Processes[proc.KernelPID] = kernelProc
	return k
}

// NewProcess allocates a fresh PID and registers a process owning space,
// parented to the kernel process.
func (k *Kernel) NewProcess(space *addrspace.Space) *proc.Process {
	pid := k.nextPID
	k.nextPID++
	p := proc.NewProcess(pid, proc.KernelPID, space)
	k.Processes[pid] = p
	return p
}

// NewThread allocates a fresh TID and constructs a thread owned by p with
// the given kernel stack and niceness, ready to be hydrated with an entry
// point and enqueued on the scheduler.
func (k *Kernel) NewThread(p *proc.Process, kernelStack uintptr, nice int) *proc.Thread {
	tid := k.nextTID
	k.nextTID++
	t := proc.NewThread(tid, p, kernelStack, sched.WeightForNice(nice))
	t.Nice = int8(nice)
	return t
}

// DestroyProcess removes p from the process table. Callers are expected to
// have already exited every thread and released the address space.
func (k *Kernel) DestroyProcess(p *proc.Process) {
	delete(k.Processes, p.PID)
}

// AllocEndpoint reserves an endpoint object slot, in the given mode
// (0 for synchronous rendezvous, ipc.FlagAsync for a queued fire-and-forget
// endpoint), and returns the Ref naming it; *ipc.Endpoint is looked up
// again via Endpoint(ref).
func (k *Kernel) AllocEndpoint(flags ipc.Flags) (object.Ref, *kernel.Error) {
	ref, err := k.EndpointPool.Alloc()
	if err != nil {
		return object.Ref{}, err
	}
	k.Endpoints[ref.Index] = ipc.NewEndpoint(flags)
	return ref, nil
}

// Endpoint resolves ref to its backing *ipc.Endpoint, validating the
// generation first.
func (k *Kernel) Endpoint(ref object.Ref) (*ipc.Endpoint, *kernel.Error) {
	if _, err := k.EndpointPool.Header(ref); err != nil {
		return nil, err
	}
	return &k.Endpoints[ref.Index], nil
}

// AllocChannel reserves a channel object slot: a pair of partner-linked
// Endpoints (spec §3/§4.9). Both ends default to async mode, since a
// channel's usual role is bulk producer/consumer transfer between two
// processes that are not necessarily rendezvousing in lockstep, unlike a
// bare Endpoint's default synchronous call/reply rendezvous.
func (k *Kernel) AllocChannel() (object.Ref, *kernel.Error) {
	ref, err := k.ChannelPool.Alloc()
	if err != nil {
		return object.Ref{}, err
	}
	k.Channels[ref.Index] = ipc.Channel{
		Ends: [2]ipc.Endpoint{ipc.NewEndpoint(ipc.FlagAsync), ipc.NewEndpoint(ipc.FlagAsync)},
	}
	k.Channels[ref.Index].Link()
	return ref, nil
}

// Channel resolves ref to its backing *ipc.Channel.
func (k *Kernel) Channel(ref object.Ref) (*ipc.Channel, *kernel.Error) {
	if _, err := k.ChannelPool.Header(ref); err != nil {
		return nil, err
	}
	return &k.Channels[ref.Index], nil
}

// EndpointFor resolves a capability's (kind, ref) pair to the *ipc.Endpoint
// it denotes: a bare Endpoint object, or end 0 of a Channel pair (the
// conventional "local" side — the other end, reachable via Partner, is
// what gets granted away to a peer process). This is the single resolution
// point cap_send/cap_recv/cap_call use so both capability kinds run
// through the exact same send/recv/call/reply logic.
func (k *Kernel) EndpointFor(kind object.Kind, ref object.Ref) (*ipc.Endpoint, *kernel.Error) {
	switch kind {
	case object.KindEndpoint:
		return k.Endpoint(ref)
	case object.KindChannel:
		ch, err := k.Channel(ref)
		if err != nil {
			return nil, err
		}
		return ch.End(0), nil
	default:
		return nil, capability.ErrTypeMismatch
	}
}

// AllocIrqLine reserves an IRQ object slot bound to the given line number.
func (k *Kernel) AllocIrqLine(number uint8) (object.Ref, *kernel.Error) {
	ref, err := k.IrqPool.Alloc()
	if err != nil {
		return object.Ref{}, err
	}
	k.IrqLines[ref.Index] = irq.NewLine(number)
	return ref, nil
}

// IrqLine resolves ref to its backing *irq.Line.
func (k *Kernel) IrqLine(ref object.Ref) (*irq.Line, *kernel.Error) {
	if _, err := k.IrqPool.Header(ref); err != nil {
		return nil, err
	}
	return k.IrqLines[ref.Index], nil
}

// AllocIoPortRange reserves an I/O-port object slot authorizing [base, base+count).
func (k *Kernel) AllocIoPortRange(base, count uint16) (object.Ref, *kernel.Error) {
	ref, err := k.IoPortPool.Alloc()
	if err != nil {
		return object.Ref{}, err
	}
	k.IoPortRanges[ref.Index] = IoPortRange{Base: base, Count: count}
	return ref, nil
}

// IoPortRangeOf resolves ref to its backing IoPortRange.
func (k *Kernel) IoPortRangeOf(ref object.Ref) (IoPortRange, *kernel.Error) {
	if _, err := k.IoPortPool.Header(ref); err != nil {
		return IoPortRange{}, err
	}
	return k.IoPortRanges[ref.Index], nil
}

// AllocMemoryRange reserves a memory object slot naming [base, base+pages*PageSize).
func (k *Kernel) AllocMemoryRange(base uintptr, pages uint32) (object.Ref, *kernel.Error) {
	ref, err := k.MemoryPool.Alloc()
	if err != nil {
		return object.Ref{}, err
	}
	k.MemoryRanges[ref.Index] = MemoryRange{Base: base, Pages: pages}
	return ref, nil
}

// MemoryRangeOf resolves ref to its backing MemoryRange.
func (k *Kernel) MemoryRangeOf(ref object.Ref) (MemoryRange, *kernel.Error) {
	if _, err := k.MemoryPool.Header(ref); err != nil {
		return MemoryRange{}, err
	}
	return k.MemoryRanges[ref.Index], nil
}

// PoolFor returns the object pool backing the given kind, or nil for kinds
// core doesn't own a pool for (e.g. KindThread/KindProcess, which live in
// Processes rather than a generic object.Pool).
func (k *Kernel) PoolFor(kind object.Kind) *object.Pool {
	switch kind {
	case object.KindEndpoint:
		return k.EndpointPool
	case object.KindChannel:
		return k.ChannelPool
	case object.KindIrq:
		return k.IrqPool
	case object.KindIoPort:
		return k.IoPortPool
	case object.KindMemory:
		return k.MemoryPool
	default:
		return nil
	}
}

// InsertCapability is a small convenience wrapping capability.Table.Insert
// for the common case of granting the rights of a just-allocated object.
func InsertCapability(table *capability.Table, kind object.Kind, ref object.Ref, rights capability.Rights) (capability.Index, *kernel.Error) {
	return table.Insert(kind, ref, rights)
}
