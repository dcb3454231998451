// Package ipc implements the kernel's single IPC primitive, the Endpoint:
// a receiver FIFO, a sender FIFO, a bounded pending-message queue and an
// optional partner link, capable of both blocking rendezvous (plain
// send/recv, call/reply) and non-blocking queued delivery (async mode). A
// Channel is nothing more than two Endpoints with their partner links
// pointed at each other, plus an optional shared-memory object, per
// spec §3/§4.9.
package ipc

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/capability"
	"github.com/HTRMC/Graphene-Kernel/kernel/object"
	"github.com/HTRMC/Graphene-Kernel/kernel/proc"
)

// MaxPendingMessages bounds an Endpoint's async pending-message queue: a
// sender in async mode gets ErrQueueFull once this many messages are
// buffered and unreceived.
const MaxPendingMessages = 16

// MaxCapsPerMessage bounds how many capabilities one Message can carry.
const MaxCapsPerMessage = 4

var (
	ErrQueueFull      = &kernel.Error{Module: "ipc", Message: "endpoint's pending message queue is full", Kind: kernel.ErrKindWouldBlock}
	ErrQueueEmpty     = &kernel.Error{Module: "ipc", Message: "no message is pending", Kind: kernel.ErrKindWouldBlock}
	ErrNoPendingCall  = &kernel.Error{Module: "ipc", Message: "no caller is waiting for a reply on this endpoint", Kind: kernel.ErrKindInvalidArgument}
	ErrEndpointClosed = &kernel.Error{Module: "ipc", Message: "endpoint is closed", Kind: kernel.ErrKindNotFound}
)

// CapTransfer names one capability to copy from the sender's table into the
// receiver's as part of a message, along with the rights the receiver ends
// up with (narrowed against the source capability's own rights).
type CapTransfer struct {
	SrcIndex capability.Index
	Rights   capability.Rights
}

// Message is the fixed-shape payload exchanged over an endpoint: a small
// inline data buffer plus up to MaxCapsPerMessage capability transfers.
// DeliveredCaps is filled in by the receiving call with the
// destination-table index each transferred capability landed at; it is
// meaningless until then.
type Message struct {
	Data          [64]byte
	Len           uint32
	Caps          [MaxCapsPerMessage]CapTransfer
	NCap          uint32
	DeliveredCaps [MaxCapsPerMessage]capability.Index
}

// Flags holds an Endpoint's mode bits (spec §3: "flags {async_mode, closed}").
type Flags uint8

const (
	// FlagAsync makes Send enqueue onto the bounded pending queue instead
	// of blocking when no receiver is currently waiting.
	FlagAsync Flags = 1 << iota
	// FlagClosed marks an endpoint that Close has torn down: every
	// further Send/Recv fails with ErrEndpointClosed instead of blocking.
	FlagClosed
)

// deliverCaps copies every capability named in msg from srcTable into
// dstTable, recording the destination indices in msg.DeliveredCaps. On any
// failure (e.g. a non-Grant source capability) every capability already
// copied in this call is deleted from dstTable before the error is
// returned, so a partially failed transfer never leaves a half-delivered
// message sitting in the receiver's table.
func deliverCaps(dstTable, srcTable *capability.Table, msg *Message) *kernel.Error {
	for i := uint32(0); i < msg.NCap; i++ {
		idx, err := capability.Copy(dstTable, srcTable, msg.Caps[i].SrcIndex, msg.Caps[i].Rights)
		if err != nil {
			for j := uint32(0); j < i; j++ {
				dstTable.Delete(msg.DeliveredCaps[j])
			}
			return err
		}
		msg.DeliveredCaps[i] = idx
	}
	return nil
}

// stagedMessage is what a blocked sender (synchronous rendezvous) or a
// queued async sender leaves behind for a receiver to pick up later.
type stagedMessage struct {
	msg        Message
	srcTable   *capability.Table
	wantsReply bool
}

// handoff is what Send leaves for a receiver it found already waiting:
// the capability transfer has already happened (into the receiver's own
// table), so Recv only has to hand the result back.
type handoff struct {
	msg        Message
	sender     *proc.Thread
	wantsReply bool
}

// Endpoint is the single IPC rendezvous object defined by spec §3/§4.9: a
// receiver wait queue, a sender wait queue, a bounded pending-message
// queue, an optional partner (set when this Endpoint is one end of a
// Channel) and mode flags. Every send/recv/call/reply on either a bare
// Endpoint capability or a Channel capability goes through this one type.
type Endpoint struct {
	recvWaiters  proc.WaitQueue
	sendWaiters  proc.WaitQueue
	replyWaiters proc.WaitQueue

	pending []stagedMessage // async-mode queue, bounded by MaxPendingMessages
	staged  map[*proc.Thread]stagedMessage
	sendErr map[*proc.Thread]*kernel.Error
	handoff map[*proc.Thread]handoff

	awaitingReply map[*proc.Thread]bool
	replies       map[*proc.Thread]Message

	// Partner is set when this Endpoint is one end of a Channel: the
	// other end, cross-referenced the way spec §4.9 describes.
	Partner *Endpoint

	Flags Flags
}

// NewEndpoint constructs a bare Endpoint with the given mode flags (pass 0
// for the default synchronous rendezvous behavior, FlagAsync for a
// fire-and-forget queue).
func NewEndpoint(flags Flags) Endpoint {
	return Endpoint{Flags: flags}
}

// Closed reports whether Close has been called on this endpoint.
func (e *Endpoint) Closed() bool { return e.Flags&FlagClosed != 0 }

// RecvWaiters exposes the endpoint's receive-side wait queue so a blocking
// Recv caller can enqueue itself when Recv returns ok == false, err == nil.
func (e *Endpoint) RecvWaiters() *proc.WaitQueue { return &e.recvWaiters }

// Send implements spec §4.9's send protocol. If a receiver is already
// waiting, the message (and any capability transfer) is handed off to it
// immediately and it is woken. Otherwise, in async mode, the message is
// queued (ErrQueueFull once MaxPendingMessages are buffered); in
// synchronous mode the sender is parked on the send queue and blockFn
// suspends it until a receiver's Recv drains it. wantsReply marks the
// message as the send half of a call, consumed by the eventual Recv to
// decide whether the receiving thread now owes a reply.
func (e *Endpoint) Send(sender *proc.Thread, senderTable *capability.Table, msg Message, wantsReply bool, wakeFn, blockFn func(*proc.Thread)) *kernel.Error {
	if e.Closed() {
		return ErrEndpointClosed
	}

	if r := e.recvWaiters.Dequeue(); r != nil {
		delivered := msg
		if err := deliverCaps(&r.Proc.Caps, senderTable, &delivered); err != nil {
			e.recvWaiters.Enqueue(r)
			return err
		}
		if e.handoff == nil {
			e.handoff = make(map[*proc.Thread]handoff)
		}
		e.handoff[r] = handoff{msg: delivered, sender: sender, wantsReply: wantsReply}
		wakeFn(r)
		return nil
	}

	if e.Flags&FlagAsync != 0 {
		if len(e.pending) >= MaxPendingMessages {
			return ErrQueueFull
		}
		e.pending = append(e.pending, stagedMessage{msg: msg, srcTable: senderTable, wantsReply: wantsReply})
		return nil
	}

	if e.staged == nil {
		e.staged = make(map[*proc.Thread]stagedMessage)
	}
	e.staged[sender] = stagedMessage{msg: msg, srcTable: senderTable, wantsReply: wantsReply}
	e.sendWaiters.Enqueue(sender)
	blockFn(sender)

	delete(e.staged, sender)
	if e.Closed() {
		return ErrEndpointClosed
	}
	if err, ok := e.sendErr[sender]; ok {
		delete(e.sendErr, sender)
		return err
	}
	return nil
}

// Recv implements spec §4.9's receive protocol for receiver, which must be
// the thread actually calling Recv (it is the key a prior Send handoff is
// filed under). ok is true iff a message was retrieved; ok == false with
// err == nil means nothing is available yet and the caller should enqueue
// itself on RecvWaiters and invoke blockFn before retrying. wantsReply and
// sender describe an outstanding call obligation the caller now owes a
// Reply for (sender is nil for async-queued messages, which never expect
// one).
func (e *Endpoint) Recv(receiver *proc.Thread, dstTable *capability.Table, wakeFn func(*proc.Thread)) (msg Message, wantsReply bool, sender *proc.Thread, ok bool, err *kernel.Error) {
	if h, found := e.handoff[receiver]; found {
		delete(e.handoff, receiver)
		e.noteReplyObligation(h.wantsReply, h.sender)
		return h.msg, h.wantsReply, h.sender, true, nil
	}

	if len(e.pending) > 0 {
		sm := e.pending[0]
		e.pending = e.pending[1:]
		delivered := sm.msg
		if derr := deliverCaps(dstTable, sm.srcTable, &delivered); derr != nil {
			return delivered, false, nil, false, derr
		}
		return delivered, false, nil, true, nil
	}

	if s := e.sendWaiters.Dequeue(); s != nil {
		sm := e.staged[s]
		delivered := sm.msg
		derr := deliverCaps(dstTable, sm.srcTable, &delivered)
		if derr != nil {
			if e.sendErr == nil {
				e.sendErr = make(map[*proc.Thread]*kernel.Error)
			}
			e.sendErr[s] = derr
			wakeFn(s)
			return delivered, false, nil, false, derr
		}
		wakeFn(s)
		e.noteReplyObligation(sm.wantsReply, s)
		return delivered, sm.wantsReply, s, true, nil
	}

	if e.Closed() {
		return Message{}, false, nil, false, ErrEndpointClosed
	}
	return Message{}, false, nil, false, nil
}

// noteReplyObligation records that caller now expects a Reply once it's
// legitimate (wantsReply and a real sender), so a spurious Reply from an
// unrelated thread still fails with ErrNoPendingCall.
func (e *Endpoint) noteReplyObligation(wantsReply bool, caller *proc.Thread) {
	if !wantsReply || caller == nil {
		return
	}
	if e.awaitingReply == nil {
		e.awaitingReply = make(map[*proc.Thread]bool)
	}
	e.awaitingReply[caller] = true
}

// Call sends msg as the request half of a call (wantsReply = true) and
// blocks the calling thread until the eventual Reply delivers a result.
func (e *Endpoint) Call(caller *proc.Thread, callerTable *capability.Table, msg Message, wakeFn, blockFn func(*proc.Thread)) (Message, *kernel.Error) {
	if err := e.Send(caller, callerTable, msg, true, wakeFn, blockFn); err != nil {
		return Message{}, err
	}

	if _, ok := e.replies[caller]; !ok {
		e.replyWaiters.Enqueue(caller)
		blockFn(caller)
	}
	reply := e.replies[caller]
	delete(e.replies, caller)
	return reply, nil
}

// Reply delivers reply (whose own capability transfers are resolved
// against serverTable, the replying thread's table) to caller, copying
// them into caller.Proc.Caps, and wakes caller via wakeFn.
// ErrNoPendingCall if caller never made a call this endpoint is still
// waiting to answer.
func (e *Endpoint) Reply(caller *proc.Thread, serverTable *capability.Table, reply Message, wakeFn func(*proc.Thread)) *kernel.Error {
	if !e.awaitingReply[caller] {
		return ErrNoPendingCall
	}
	delivered := reply
	if err := deliverCaps(&caller.Proc.Caps, serverTable, &delivered); err != nil {
		return err
	}
	delete(e.awaitingReply, caller)

	if e.replies == nil {
		e.replies = make(map[*proc.Thread]Message)
	}
	e.replies[caller] = delivered
	e.replyWaiters.Remove(caller)
	wakeFn(caller)
	return nil
}

// Close marks the endpoint closed and wakes every thread parked on any of
// its wait queues with ErrEndpointClosed, per spec §4.9.
func (e *Endpoint) Close(wakeFn func(*proc.Thread)) {
	e.Flags |= FlagClosed
	for {
		t := e.recvWaiters.Dequeue()
		if t == nil {
			break
		}
		wakeFn(t)
	}
	for {
		t := e.sendWaiters.Dequeue()
		if t == nil {
			break
		}
		delete(e.staged, t)
		wakeFn(t)
	}
	for {
		t := e.replyWaiters.Dequeue()
		if t == nil {
			break
		}
		wakeFn(t)
	}
}

// Pending returns the number of messages currently buffered in the async
// queue.
func (e *Endpoint) Pending() int { return len(e.pending) }

// Channel is a pair of Endpoints cross-referenced as partners, plus an
// optional shared memory object, exactly as spec §3/§4.9 define it: there
// is no channel-specific mailbox logic, only two Endpoints pointed at each
// other.
type Channel struct {
	Ends [2]Endpoint

	SharedMemory    object.Ref
	HasSharedMemory bool
}

// Link cross-references the channel's two Endpoints as each other's
// Partner. Must be called once the Channel is sitting at its final storage
// address (e.g. inside a pool's backing slice) — taking the address of a
// field before that would cross-link pointers into a value that is about
// to be copied away.
func (c *Channel) Link() {
	c.Ends[0].Partner = &c.Ends[1]
	c.Ends[1].Partner = &c.Ends[0]
}

// End returns a pointer to one of the channel's two partner-linked
// Endpoints (i must be 0 or 1).
func (c *Channel) End(i int) *Endpoint { return &c.Ends[i] }
