package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HTRMC/Graphene-Kernel/kernel/capability"
	"github.com/HTRMC/Graphene-Kernel/kernel/object"
	"github.com/HTRMC/Graphene-Kernel/kernel/proc"
)

func newTestThread() *proc.Thread {
	p := proc.NewProcess(1, proc.KernelPID, nil)
	return proc.NewThread(1, p, 0, 1024)
}

func noop(*proc.Thread) {}

func TestEndpointAsyncSendRecvRoundTrip(t *testing.T) {
	ep := NewEndpoint(FlagAsync)
	var src, dst capability.Table

	var msg Message
	msg.Len = 3
	copy(msg.Data[:], "hi!")

	require.Nil(t, ep.Send(newTestThread(), &src, msg, false, noop, noop))
	require.Equal(t, 1, ep.Pending())

	got, wantsReply, sender, ok, err := ep.Recv(newTestThread(), &dst, noop)
	require.Nil(t, err)
	require.True(t, ok)
	require.False(t, wantsReply)
	require.Nil(t, sender)
	require.Equal(t, msg.Len, got.Len)
	require.Equal(t, 0, ep.Pending())
}

func TestEndpointAsyncQueueFull(t *testing.T) {
	ep := NewEndpoint(FlagAsync)
	var src capability.Table
	sender := newTestThread()

	for i := 0; i < MaxPendingMessages; i++ {
		require.Nil(t, ep.Send(sender, &src, Message{}, false, noop, noop))
	}
	require.Equal(t, ErrQueueFull, ep.Send(sender, &src, Message{}, false, noop, noop))
}

func TestEndpointRecvEmptyIsNonBlockingNil(t *testing.T) {
	ep := NewEndpoint(FlagAsync)
	var dst capability.Table
	_, _, _, ok, err := ep.Recv(newTestThread(), &dst, noop)
	require.False(t, ok)
	require.Nil(t, err)
}

func TestEndpointCapabilityTransferRequiresGrant(t *testing.T) {
	ep := NewEndpoint(FlagAsync)
	var src, dst capability.Table

	srcIdx, err := src.Insert(object.KindMemory, object.Ref{Index: 1, Generation: 1}, capability.RightRead)
	require.Nil(t, err)

	var msg Message
	msg.NCap = 1
	msg.Caps[0] = CapTransfer{SrcIndex: srcIdx, Rights: capability.RightRead}

	require.Nil(t, ep.Send(newTestThread(), &src, msg, false, noop, noop))
	_, _, _, ok, rerr := ep.Recv(newTestThread(), &dst, noop)
	require.False(t, ok)
	require.Equal(t, capability.ErrNotGrantable, rerr)
}

func TestEndpointCapabilityTransferDelivers(t *testing.T) {
	ep := NewEndpoint(FlagAsync)
	var src, dst capability.Table

	ref := object.Ref{Index: 5, Generation: 2}
	srcIdx, err := src.Insert(object.KindChannel, ref, capability.RightSend|capability.RightGrant)
	require.Nil(t, err)

	var msg Message
	msg.NCap = 1
	msg.Caps[0] = CapTransfer{SrcIndex: srcIdx, Rights: capability.RightSend}

	require.Nil(t, ep.Send(newTestThread(), &src, msg, false, noop, noop))
	got, _, _, ok, rerr := ep.Recv(newTestThread(), &dst, noop)
	require.Nil(t, rerr)
	require.True(t, ok)

	dstIdx := got.DeliveredCaps[0]
	gotRef, gotRights, lerr := dst.Lookup(dstIdx, object.KindChannel, capability.RightSend)
	require.Nil(t, lerr)
	require.Equal(t, ref, gotRef)
	require.Equal(t, capability.RightSend, gotRights)
}

// TestEndpointCallRecvReply drives Call while synchronously acting as the
// server (Recv then Reply) from inside blockFn, since this test has no
// scheduler to actually suspend/resume the caller thread the way a real
// blocking Call would.
func TestEndpointCallRecvReply(t *testing.T) {
	ep := NewEndpoint(0)
	var callerTable, serverTable capability.Table
	caller := newTestThread()
	server := newTestThread()

	var callMsg Message
	callMsg.Len = 1
	callMsg.Data[0] = 42

	blocked := false
	blockFn := func(*proc.Thread) {
		blocked = true

		msg, wantsReply, sender, ok, err := ep.Recv(server, &serverTable, noop)
		require.True(t, ok)
		require.Nil(t, err)
		require.True(t, wantsReply)
		require.Same(t, caller, sender)
		require.Equal(t, callMsg.Len, msg.Len)

		var reply Message
		reply.Data[0] = 7
		require.Nil(t, ep.Reply(sender, &serverTable, reply, noop))
	}

	result, err := ep.Call(caller, &callerTable, callMsg, noop, blockFn)
	require.Nil(t, err)
	require.True(t, blocked)
	require.EqualValues(t, 7, result.Data[0])
}

func TestEndpointSendHandsOffToWaitingReceiver(t *testing.T) {
	ep := NewEndpoint(0)
	var srcTable, dstTable capability.Table
	sender := newTestThread()
	receiver := newTestThread()

	ep.RecvWaiters().Enqueue(receiver)
	require.Equal(t, proc.StateBlocked, receiver.State)

	woken := false
	wakeFn := func(th *proc.Thread) {
		require.Same(t, receiver, th)
		woken = true
	}

	var msg Message
	msg.Len = 2
	require.Nil(t, ep.Send(sender, &srcTable, msg, false, wakeFn, noop))
	require.True(t, woken)

	got, _, gotSender, ok, err := ep.Recv(receiver, &dstTable, noop)
	require.Nil(t, err)
	require.True(t, ok)
	require.Same(t, sender, gotSender)
	require.Equal(t, msg.Len, got.Len)
}

func TestEndpointReplyWithoutPendingCallFails(t *testing.T) {
	ep := NewEndpoint(0)
	var serverTable capability.Table
	caller := newTestThread()

	err := ep.Reply(caller, &serverTable, Message{}, noop)
	require.Equal(t, ErrNoPendingCall, err)
}

func TestEndpointSendAfterCloseFails(t *testing.T) {
	ep := NewEndpoint(FlagAsync)
	var src capability.Table
	ep.Close(noop)
	require.True(t, ep.Closed())

	err := ep.Send(newTestThread(), &src, Message{}, false, noop, noop)
	require.Equal(t, ErrEndpointClosed, err)
}

func TestEndpointCloseWakesQueuedReceiver(t *testing.T) {
	ep := NewEndpoint(0)
	receiver := newTestThread()
	ep.RecvWaiters().Enqueue(receiver)

	woken := false
	ep.Close(func(th *proc.Thread) {
		require.Same(t, receiver, th)
		woken = true
	})
	require.True(t, woken)
	require.True(t, ep.Closed())
}

func TestChannelEndsAreCrossLinkedPartners(t *testing.T) {
	var ch Channel
	ch.Link()

	require.Same(t, ch.End(1), ch.End(0).Partner)
	require.Same(t, ch.End(0), ch.End(1).Partner)
}
