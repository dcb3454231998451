package syscall

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/arch"
	"github.com/HTRMC/Graphene-Kernel/kernel/capability"
	"github.com/HTRMC/Graphene-Kernel/kernel/core"
	"github.com/HTRMC/Graphene-Kernel/kernel/ipc"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/addrspace"
	"github.com/HTRMC/Graphene-Kernel/kernel/object"
	"github.com/HTRMC/Graphene-Kernel/kernel/proc"
	"github.com/HTRMC/Graphene-Kernel/kernel/usermode"
)

// portReadFn/portWriteFn are overridden by tests.
var (
	portReadFn  = arch.InPort
	portWriteFn = arch.OutPort
)

func portWidth(width uint8) arch.PortWidth {
	switch width {
	case 2:
		return arch.Width16
	case 4:
		return arch.Width32
	default:
		return arch.Width8
	}
}

const maxMessageBytes = 64

// readMessage copies up to maxMessageBytes from the caller's buffer into a
// fresh Message. The syscall ABI carries no separate capability-transfer
// argument, so every message built this way has NCap == 0; capability
// transfer over Endpoint/Channel is a kernel-internal facility exercised
// directly by their own callers (e.g. the module loader), not reachable
// through cap_send/cap_recv/cap_call.
func readMessage(caller *proc.Thread, buf uintptr, length uint32) (ipc.Message, int64) {
	if length > maxMessageBytes {
		length = maxMessageBytes
	}
	var msg ipc.Message
	if length > 0 {
		if err := usermode.CopyFromUser(caller.Proc.Space, buf, msg.Data[:length]); err != nil {
			return msg, translate(err)
		}
	}
	msg.Len = length
	return msg, Success
}

// writeMessage copies msg's payload (truncated to bufLen) out to the
// caller's buffer, returning the byte count written as the syscall result.
func writeMessage(caller *proc.Thread, buf uintptr, bufLen uint32, msg ipc.Message) int64 {
	n := msg.Len
	if n > bufLen {
		n = bufLen
	}
	if n > 0 {
		if err := usermode.CopyToUser(caller.Proc.Space, buf, msg.Data[:n]); err != nil {
			return translate(err)
		}
	}
	return int64(n)
}

func wakeFn(k *core.Kernel) func(*proc.Thread) {
	return func(t *proc.Thread) { k.Scheduler.Enqueue(t) }
}

// lookupEndpoint resolves idx against table as either a bare Endpoint or a
// Channel capability (tried in that order), returning whichever kind
// actually matched so the caller can resolve it to a *ipc.Endpoint via
// core.Kernel.EndpointFor. Every IPC syscall goes through this so a Channel
// capability and an Endpoint capability run the identical send/recv/call
// protocol against whatever *ipc.Endpoint they name.
func lookupEndpoint(table *capability.Table, idx capability.Index, rights capability.Rights) (object.Kind, object.Ref, *kernel.Error) {
	if ref, _, err := table.Lookup(idx, object.KindEndpoint, rights); err == nil {
		return object.KindEndpoint, ref, nil
	}
	if ref, _, err := table.Lookup(idx, object.KindChannel, rights); err == nil {
		return object.KindChannel, ref, nil
	}
	_, _, err := table.Lookup(idx, object.KindEndpoint, rights)
	return object.KindNone, object.Ref{}, err
}

// capSend implements cap_send. If the calling thread currently owes a
// reply on this slot (recorded by a prior cap_recv), the message is
// delivered as that Reply; otherwise it's a plain one-way Send per
// spec §4.9, which blocks on a non-async endpoint until a receiver drains
// it (or queues immediately in async mode).
func capSend(k *core.Kernel, caller *proc.Thread, slot uint32, buf uintptr, length uint32, block BlockFn) int64 {
	table := &caller.Proc.Caps
	idx := capability.Index(slot)

	kind, ref, err := lookupEndpoint(table, idx, capability.RightSend)
	if err != nil {
		return translate(err)
	}
	ep, kerr := k.EndpointFor(kind, ref)
	if kerr != nil {
		return translate(kerr)
	}

	if owedEndpoint, owedCaller, ok := k.TakePendingReply(caller.TID); ok && owedEndpoint == ref {
		msg, rc := readMessage(caller, buf, length)
		if rc != Success {
			return rc
		}
		return translate(ep.Reply(owedCaller, table, msg, wakeFn(k)))
	}

	msg, rc := readMessage(caller, buf, length)
	if rc != Success {
		return rc
	}
	return translate(ep.Send(caller, table, msg, false, wakeFn(k), block))
}

// capRecv implements cap_recv: drains a pending message (async queue, a
// waiting sender, or a direct Send handoff), blocking if none is available
// yet. If the delivered message was the request half of a call, records a
// reply obligation keyed by this thread so a later cap_send on the same
// slot delivers the reply.
func capRecv(k *core.Kernel, caller *proc.Thread, slot uint32, buf uintptr, length uint32, block BlockFn) int64 {
	table := &caller.Proc.Caps
	idx := capability.Index(slot)

	kind, ref, err := lookupEndpoint(table, idx, capability.RightReceive)
	if err != nil {
		return translate(err)
	}
	ep, kerr := k.EndpointFor(kind, ref)
	if kerr != nil {
		return translate(kerr)
	}

	msg, wantsReply, sender, ok, rerr := ep.Recv(caller, table, wakeFn(k))
	if !ok && rerr == nil {
		ep.RecvWaiters().Enqueue(caller)
		block(caller)
		msg, wantsReply, sender, ok, rerr = ep.Recv(caller, table, wakeFn(k))
	}
	if rerr != nil {
		return translate(rerr)
	}
	if !ok {
		return ErrWouldBlock
	}
	if wantsReply && sender != nil {
		k.RecordPendingReply(caller.TID, ref, sender)
	}
	return writeMessage(caller, buf, length, msg)
}

// capCall implements cap_call: send msg and block until the server Replys,
// then copy the reply out to the caller's reply buffer.
func capCall(k *core.Kernel, caller *proc.Thread, slot uint32, msgBuf uintptr, msgLen uint32, replyBuf uintptr, replyLen uint32, block BlockFn) int64 {
	table := &caller.Proc.Caps
	kind, ref, err := lookupEndpoint(table, capability.Index(slot), capability.RightSend)
	if err != nil {
		return translate(err)
	}
	ep, kerr := k.EndpointFor(kind, ref)
	if kerr != nil {
		return translate(kerr)
	}
	msg, rc := readMessage(caller, msgBuf, msgLen)
	if rc != Success {
		return rc
	}
	reply, cerr := ep.Call(caller, table, msg, wakeFn(k), block)
	if cerr != nil {
		return translate(cerr)
	}
	return writeMessage(caller, replyBuf, replyLen, reply)
}

// capCopy implements cap_copy: duplicate the capability at src into dst
// within the calling process's own table, narrowing rights to mask.
func capCopy(caller *proc.Thread, src, dst, mask uint32) int64 {
	table := &caller.Proc.Caps
	err := capability.CopyAt(table, table, capability.Index(src), capability.Index(dst), capability.Rights(mask))
	return translate(err)
}

// capDelete implements cap_delete: empty the slot without touching the
// underlying object's refcount (the object outlives other capabilities
// naming it).
func capDelete(caller *proc.Thread, slot uint32) int64 {
	return translate(caller.Proc.Caps.Delete(capability.Index(slot)))
}

// capRevoke implements cap_revoke: invalidate the object itself by bumping
// its generation, so every other capability naming it (in any table) goes
// stale on next use. Which pool to revoke against is determined by the
// slot's own kind. The syscall ABI (§6) has no separate close_endpoint
// request, so revoking an Endpoint or Channel also performs the
// close_endpoint step of §4.9: every thread parked on the endpoint's wait
// queues is woken with ErrEndpointClosed rather than left blocked forever
// on an object that's about to disappear out from under it.
func capRevoke(k *core.Kernel, caller *proc.Thread, slot uint32) int64 {
	table := &caller.Proc.Caps
	idx := capability.Index(slot)
	ref, _, err := table.Lookup(idx, object.KindNone, 0)
	if err != nil {
		return translate(err)
	}
	kind := kindOf(table, idx)

	switch kind {
	case object.KindEndpoint:
		if ep, kerr := k.Endpoint(ref); kerr == nil {
			ep.Close(wakeFn(k))
		}
	case object.KindChannel:
		if ch, kerr := k.Channel(ref); kerr == nil {
			ch.End(0).Close(wakeFn(k))
			ch.End(1).Close(wakeFn(k))
		}
	}

	pool := k.PoolFor(kind)
	if pool == nil {
		return ErrInvalidCapability
	}
	return translate(pool.Destroy(ref))
}

// memMap implements mem_map: map a MemoryRange capability's backing pages
// into the caller's address space at vaddr with the requested flags,
// enforcing W^X (addrspace.validateRegion rejects write+execute before any
// page is touched).
func memMap(k *core.Kernel, caller *proc.Thread, slot uint32, vaddr uintptr, size uint32, flags uint32) int64 {
	table := &caller.Proc.Caps
	want := capability.Rights(0)
	regionFlags := addrspace.RegionFlag(0)
	if flags&uint32(addrspace.FlagRead) != 0 {
		want |= capability.RightRead
		regionFlags |= addrspace.FlagRead
	}
	if flags&uint32(addrspace.FlagWrite) != 0 {
		want |= capability.RightWrite
		regionFlags |= addrspace.FlagWrite
	}
	if flags&uint32(addrspace.FlagExecute) != 0 {
		want |= capability.RightExecute
		regionFlags |= addrspace.FlagExecute
	}
	regionFlags |= addrspace.FlagUser

	ref, _, err := table.Lookup(capability.Index(slot), object.KindMemory, want)
	if err != nil {
		return translate(err)
	}
	rng, kerr := k.MemoryRangeOf(ref)
	if kerr != nil {
		return translate(kerr)
	}

	kerr = caller.Proc.Space.MapRegion(vaddr, rng.Base, mem.Size(size), regionFlags)
	return translate(kerr)
}

// memUnmap implements mem_unmap.
func memUnmap(caller *proc.Thread, vaddr uintptr, size uint32) int64 {
	return translate(caller.Proc.Space.UnmapRegion(vaddr))
}

// threadCreate implements thread_create: start a new thread in the current
// process at entry, running on the stack named by stackCap. arg is accepted
// but not passed on: the new thread's saved context has no argument
// register, so it starts with only RIP and RSP set.
func threadCreate(k *core.Kernel, caller *proc.Thread, entry uintptr, stackCap uint32, arg uintptr) int64 {
	table := &caller.Proc.Caps
	ref, _, err := table.Lookup(capability.Index(stackCap), object.KindMemory, capability.RightRead|capability.RightWrite)
	if err != nil {
		return translate(err)
	}
	rng, kerr := k.MemoryRangeOf(ref)
	if kerr != nil {
		return translate(kerr)
	}
	stackTop := rng.Base + uintptr(rng.Pages)*uintptr(mem.PageSize)

	t := k.NewThread(caller.Proc, 0, 0)
	t.Context.RIP = uint64(entry)
	t.Context.RSP = uint64(stackTop)
	k.Scheduler.Enqueue(t)
	return int64(t.TID)
}

// threadExit implements thread_exit: terminal for the calling thread.
func threadExit(k *core.Kernel, caller *proc.Thread, code int32, block BlockFn) int64 {
	caller.Exit(code)
	k.Scheduler.Remove(caller)
	block(caller)
	return Success
}

// threadYield implements thread_yield: a voluntary reschedule that keeps
// the caller ready.
func threadYield(k *core.Kernel, caller *proc.Thread, block BlockFn) int64 {
	k.Scheduler.Enqueue(caller)
	block(caller)
	return Success
}

// processCreate implements process_create: build a fresh address space,
// load the named image into it via the kernel's configured loader, and
// start its first thread.
func processCreate(k *core.Kernel, caller *proc.Thread, imageCap uint32, grantsAddr uintptr, grantsLen uint32) int64 {
	table := &caller.Proc.Caps
	ref, _, err := table.Lookup(capability.Index(imageCap), object.KindMemory, capability.RightRead)
	if err != nil {
		return translate(err)
	}
	rng, kerr := k.MemoryRangeOf(ref)
	if kerr != nil {
		return translate(kerr)
	}

	space, kerr := addrspace.Create(caller.Proc.Space.AllocFn())
	if kerr != nil {
		return translate(kerr)
	}

	if k.Loader == nil {
		return ErrNotImplemented
	}
	image := make([]byte, uintptr(rng.Pages)*uintptr(mem.PageSize))
	if cerr := usermode.CopyFromUser(caller.Proc.Space, rng.Base, image); cerr != nil {
		return translate(cerr)
	}
	entry, lerr := k.Loader.Load(space, image)
	if lerr != nil {
		return translate(lerr)
	}

	newProc := k.NewProcess(space)
	if grantsLen > 0 {
		copyGrants(table, &newProc.Caps, caller, grantsAddr, grantsLen)
	}

	t := k.NewThread(newProc, 0, 0)
	t.Context.RIP = uint64(entry)
	k.Scheduler.Enqueue(t)
	return int64(newProc.PID)
}

// copyGrants reads a user array of capability.Index values from the
// creating process's table and CopyAt's each (if Grant-able) into the new
// process's table at the same slot, so a child can start with a known,
// fixed capability layout.
func copyGrants(parent *capability.Table, child *capability.Table, caller *proc.Thread, addr uintptr, count uint32) {
	raw := make([]byte, count*4)
	if err := usermode.CopyFromUser(caller.Proc.Space, addr, raw); err != nil {
		return
	}
	for i := uint32(0); i < count; i++ {
		idx := capability.Index(uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24)
		_ = capability.CopyAt(child, parent, idx, idx, capability.RightRead|capability.RightWrite|capability.RightExecute|capability.RightSend|capability.RightReceive|capability.RightDestroy)
	}
}

// processExit implements process_exit: terminal for the calling process.
func processExit(k *core.Kernel, caller *proc.Thread, code int32, block BlockFn) int64 {
	caller.Proc.Exit(code)
	for _, t := range caller.Proc.Threads() {
		if t != caller {
			t.Exit(code)
			k.Scheduler.Remove(t)
		}
	}
	caller.Exit(code)
	k.Scheduler.Remove(caller)
	block(caller)
	return Success
}

// irqWait implements irq_wait: block until the named line's controller
// signals it.
func irqWait(k *core.Kernel, caller *proc.Thread, slot uint32, block BlockFn) int64 {
	table := &caller.Proc.Caps
	ref, _, err := table.Lookup(capability.Index(slot), object.KindIrq, capability.RightReceive)
	if err != nil {
		return translate(err)
	}
	line, kerr := k.IrqLine(ref)
	if kerr != nil {
		return translate(kerr)
	}
	line.Wait(caller, block)
	return Success
}

// irqAck implements irq_ack by checking that slot names a live IRQ object
// the caller may receive on. It does not touch the interrupt controller:
// the line is neither unmasked nor acknowledged here.
func irqAck(k *core.Kernel, caller *proc.Thread, slot uint32) int64 {
	table := &caller.Proc.Caps
	ref, _, err := table.Lookup(capability.Index(slot), object.KindIrq, capability.RightReceive)
	if err != nil {
		return translate(err)
	}
	_, kerr := k.IrqLine(ref)
	return translate(kerr)
}

// debugPrint implements debug_print: copy a user buffer and write it to the
// kernel console, unconditionally available with no capability required.
func debugPrint(k *core.Kernel, caller *proc.Thread, buf uintptr, length uint32) int64 {
	const maxDebugBytes = 256
	if length > maxDebugBytes {
		length = maxDebugBytes
	}
	data := make([]byte, length)
	if err := usermode.CopyFromUser(caller.Proc.Space, buf, data); err != nil {
		return translate(err)
	}
	if k.Console != nil {
		k.Console.WriteString(string(data))
	}
	return int64(length)
}

// capInfo implements cap_info: report a slot's object kind and rights
// packed into a single result word (kind in the low byte, rights shifted
// up by 8).
func capInfo(caller *proc.Thread, slot uint32) int64 {
	table := &caller.Proc.Caps
	idx := capability.Index(slot)
	_, rights, err := table.Lookup(idx, object.KindNone, 0)
	if err != nil {
		return translate(err)
	}
	kind := kindOf(table, idx)
	return int64(uint32(kind) | uint32(rights)<<8)
}

func kindOf(table *capability.Table, idx capability.Index) object.Kind {
	for _, kind := range []object.Kind{
		object.KindMemory, object.KindThread, object.KindProcess, object.KindEndpoint,
		object.KindChannel, object.KindIrq, object.KindIoPort, object.KindDeviceMmio,
	} {
		if _, _, err := table.Lookup(idx, kind, 0); err == nil {
			return kind
		}
	}
	return object.KindNone
}

// processInfo implements process_info: a small fixed lookup table keyed by
// what.
func processInfo(k *core.Kernel, caller *proc.Thread, what uint32) int64 {
	switch what {
	case 0: // own PID
		return int64(caller.Proc.PID)
	case 1: // own TID
		return int64(caller.TID)
	case 2: // parent PID
		return int64(caller.Proc.ParentID)
	default:
		return ErrInvalidArgument
	}
}

// ioPortRead implements io_port_read: validate the port lies within the
// capability's authorized range before touching hardware.
func ioPortRead(k *core.Kernel, caller *proc.Thread, slot uint32, port uint16, width uint8) int64 {
	table := &caller.Proc.Caps
	ref, _, err := table.Lookup(capability.Index(slot), object.KindIoPort, capability.RightRead)
	if err != nil {
		return translate(err)
	}
	rng, kerr := k.IoPortRangeOf(ref)
	if kerr != nil {
		return translate(kerr)
	}
	if port < rng.Base || port >= rng.Base+rng.Count {
		return ErrPermissionDenied
	}
	return int64(portReadFn(port, portWidth(width)))
}

// ioPortWrite implements io_port_write.
func ioPortWrite(k *core.Kernel, caller *proc.Thread, slot uint32, port uint16, value uint32, width uint8) int64 {
	table := &caller.Proc.Caps
	ref, _, err := table.Lookup(capability.Index(slot), object.KindIoPort, capability.RightWrite)
	if err != nil {
		return translate(err)
	}
	rng, kerr := k.IoPortRangeOf(ref)
	if kerr != nil {
		return translate(kerr)
	}
	if port < rng.Base || port >= rng.Base+rng.Count {
		return ErrPermissionDenied
	}
	portWriteFn(port, value, portWidth(width))
	return Success
}
