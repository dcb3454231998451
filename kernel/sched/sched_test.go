package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HTRMC/Graphene-Kernel/kernel/proc"
)

func newTestThread(tid uint32, vruntime uint64, weight uint32) *proc.Thread {
	p := proc.NewProcess(1, proc.KernelPID, nil)
	th := proc.NewThread(tid, p, 0, weight)
	th.Vruntime = vruntime
	return th
}

func TestWeightForNiceMonotonic(t *testing.T) {
	require.Equal(t, uint32(1024), WeightForNice(NiceDefault))
	require.Greater(t, WeightForNice(NiceMin), WeightForNice(NiceDefault))
	require.Less(t, WeightForNice(NiceMax), WeightForNice(NiceDefault))
}

func TestWeightForNiceClampsOutOfRange(t *testing.T) {
	require.Equal(t, WeightForNice(NiceMin), WeightForNice(NiceMin-100))
	require.Equal(t, WeightForNice(NiceMax), WeightForNice(NiceMax+100))
}

func TestPickPrefersSmallestVruntime(t *testing.T) {
	idle := newTestThread(0, 0, 1024)
	s := New(idle)

	a := newTestThread(1, 500, 1024)
	b := newTestThread(2, 100, 1024)
	s.Enqueue(a)
	s.Enqueue(b)

	next := s.Pick()
	require.Same(t, b, next)
}

func TestPickFallsBackToIdleWhenQueueEmpty(t *testing.T) {
	idle := newTestThread(0, 0, 1024)
	s := New(idle)

	require.Same(t, idle, s.Pick())
}

func TestRunningThreadIsReEnqueuedOnNextPick(t *testing.T) {
	idle := newTestThread(0, 0, 1024)
	s := New(idle)

	a := newTestThread(1, 10, 1024)
	b := newTestThread(2, 20, 1024)
	s.Enqueue(a)
	s.Enqueue(b)

	first := s.Pick()
	require.Same(t, a, first)

	// Simulate a's time slice running out: its vruntime advances past b's,
	// so re-enqueuing it should not win the next Pick.
	s.Tick(30)

	second := s.Pick()
	require.Same(t, b, second, "b now has the smaller vruntime")

	s.Tick(30)

	third := s.Pick()
	require.Same(t, a, third, "a was re-enqueued and should come back around")
}

func TestTickAdvancesVruntimeInverseToWeight(t *testing.T) {
	idle := newTestThread(0, 0, 1024)
	s := New(idle)

	heavy := newTestThread(1, 0, 2048) // double weight, half the vruntime cost
	s.Enqueue(heavy)
	s.Pick()

	s.Tick(1000)
	require.EqualValues(t, 500, heavy.Vruntime)
}

func TestRemoveDropsFromReadyQueue(t *testing.T) {
	idle := newTestThread(0, 0, 1024)
	s := New(idle)

	a := newTestThread(1, 10, 1024)
	s.Enqueue(a)
	require.Equal(t, 1, s.Len())

	s.Remove(a)
	require.Equal(t, 0, s.Len())
}

func TestPickAssignsFreshQuantumAndClearsNeedsResched(t *testing.T) {
	idle := newTestThread(0, 0, 1024)
	s := New(idle)

	a := newTestThread(1, 10, 1024)
	a.SetNeedsResched(true)
	s.Enqueue(a)

	s.Pick()
	require.EqualValues(t, DefaultQuantumNanos, a.Slice)
	require.EqualValues(t, DefaultQuantumNanos, a.Quantum)
	require.False(t, a.NeedsResched())
}

func TestShouldPreemptOnSliceExhaustion(t *testing.T) {
	idle := newTestThread(0, 0, 1024)
	s := New(idle)

	a := newTestThread(1, 0, 1024)
	s.Enqueue(a)
	s.Pick()

	require.False(t, s.ShouldPreempt())
	s.Tick(DefaultQuantumNanos)
	require.True(t, s.ShouldPreempt())
}

func TestShouldPreemptOnLowerVruntimeHead(t *testing.T) {
	idle := newTestThread(0, 0, 1024)
	s := New(idle)

	a := newTestThread(1, 100, 1024)
	s.Enqueue(a)
	s.Pick()
	require.False(t, s.ShouldPreempt())

	// Run a for 1000ns (vruntime 100 -> 1100) so b, which Enqueue raises
	// only to the floor of 100 that Pick recorded, lands ahead of it.
	s.Tick(1000)
	b := newTestThread(2, 10, 1024)
	s.Enqueue(b)
	require.True(t, s.ShouldPreempt())
}

func TestShouldPreemptOnNeedsResched(t *testing.T) {
	idle := newTestThread(0, 0, 1024)
	s := New(idle)

	a := newTestThread(1, 0, 1024)
	s.Enqueue(a)
	s.Pick()
	require.False(t, s.ShouldPreempt())

	a.SetNeedsResched(true)
	require.True(t, s.ShouldPreempt())
}
