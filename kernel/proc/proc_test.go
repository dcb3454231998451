package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewThreadRegistersOnProcess(t *testing.T) {
	p := NewProcess(1, KernelPID, nil)
	th := NewThread(1, p, 0x1000, 1024)

	require.Equal(t, StateNew, th.State)
	require.Len(t, p.Threads(), 1)
	require.Same(t, th, p.Threads()[0])
}

func TestRemoveThread(t *testing.T) {
	p := NewProcess(1, KernelPID, nil)
	th1 := NewThread(1, p, 0x1000, 1024)
	NewThread(2, p, 0x2000, 1024)

	p.RemoveThread(th1)
	require.Len(t, p.Threads(), 1)
	require.EqualValues(t, 2, p.Threads()[0].TID)
}

func TestProcessExitIsIdempotent(t *testing.T) {
	p := NewProcess(1, KernelPID, nil)
	p.Exit(7)
	p.Exit(9)

	exited, code := p.Exited()
	require.True(t, exited)
	require.EqualValues(t, 7, code, "first Exit call wins")
}

func TestWaitQueueFIFOOrder(t *testing.T) {
	var wq WaitQueue
	p := NewProcess(1, KernelPID, nil)
	t1 := NewThread(1, p, 0, 1024)
	t2 := NewThread(2, p, 0, 1024)
	t3 := NewThread(3, p, 0, 1024)

	wq.Enqueue(t1)
	wq.Enqueue(t2)
	wq.Enqueue(t3)
	require.Equal(t, 3, wq.Len())

	require.Same(t, t1, wq.Dequeue())
	require.Same(t, t2, wq.Dequeue())
	require.Same(t, t3, wq.Dequeue())
	require.Nil(t, wq.Dequeue())
	require.True(t, wq.Empty())
}

func TestWaitQueueRemoveFromMiddle(t *testing.T) {
	var wq WaitQueue
	p := NewProcess(1, KernelPID, nil)
	t1 := NewThread(1, p, 0, 1024)
	t2 := NewThread(2, p, 0, 1024)
	t3 := NewThread(3, p, 0, 1024)

	wq.Enqueue(t1)
	wq.Enqueue(t2)
	wq.Enqueue(t3)

	wq.Remove(t2)
	require.Equal(t, 2, wq.Len())
	require.Same(t, t1, wq.Dequeue())
	require.Same(t, t3, wq.Dequeue())
}

func TestThreadFlagsDefaultClearAndToggle(t *testing.T) {
	p := NewProcess(1, KernelPID, nil)
	th := NewThread(1, p, 0, 1024)

	require.False(t, th.IsKernelThread())
	require.False(t, th.IsIdle())
	require.False(t, th.NeedsResched())
	require.False(t, th.InSyscall())

	th.SetNeedsResched(true)
	require.True(t, th.NeedsResched())
	th.SetNeedsResched(false)
	require.False(t, th.NeedsResched())

	th.SetInSyscall(true)
	require.True(t, th.InSyscall())
	th.Flags |= FlagKernelThread | FlagIdle
	require.True(t, th.IsKernelThread())
	require.True(t, th.IsIdle())
	require.True(t, th.InSyscall(), "unrelated flag bits must not clobber InSyscall")
}

func TestThreadExitDequeuesFromWaitQueue(t *testing.T) {
	var wq WaitQueue
	p := NewProcess(1, KernelPID, nil)
	th := NewThread(1, p, 0, 1024)

	wq.Enqueue(th)
	th.Exit(42)

	require.Equal(t, StateExited, th.State)
	require.EqualValues(t, 42, th.ExitCode())
	require.Equal(t, 0, wq.Len())
}
