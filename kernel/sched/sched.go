// Package sched implements the single-core weighted-fair scheduler: a
// vruntime-ordered run queue, a nice-to-weight table modeled on the
// classic 1.25-per-step progression, and a permanently-runnable idle
// thread that never wins a comparison against anything else ready.
package sched

import (
	"container/heap"

	"github.com/HTRMC/Graphene-Kernel/kernel/proc"
)

// NiceMin and NiceMax bound the supported niceness range; NiceDefault (0)
// maps to weight 1024.
const (
	NiceMin     = -20
	NiceMax     = 19
	NiceDefault = 0
)

// weightTable[i] is the weight for nice value (i + NiceMin), a 40-entry
// table where each step is approximately 1.25x the previous, same shape as
// the table real weighted-fair schedulers use to make "one nice step"
// mean "this thread gets ~10% more/less CPU than its neighbor".
var weightTable = buildWeightTable()

func buildWeightTable() [NiceMax - NiceMin + 1]uint32 {
	var t [NiceMax - NiceMin + 1]uint32
	const base = 1024.0
	const ratio = 1.25
	mid := -NiceMin // index of nice==0

	w := base
	for i := mid; i < len(t); i++ {
		t[i] = uint32(w)
		w /= ratio
	}
	w = base
	for i := mid; i >= 0; i-- {
		t[i] = uint32(w)
		w *= ratio
	}
	return t
}

// WeightForNice maps a niceness value (clamped to [NiceMin, NiceMax]) to its
// scheduler weight.
func WeightForNice(nice int) uint32 {
	if nice < NiceMin {
		nice = NiceMin
	}
	if nice > NiceMax {
		nice = NiceMax
	}
	return weightTable[nice-NiceMin]
}

// idleVruntime is used as the idle thread's permanent vruntime so any ready
// thread is always picked ahead of it.
const idleVruntime = ^uint64(0)

// DefaultQuantumNanos is the time slice a thread is given each time Pick
// selects it to run, spent in full unless a higher-priority thread becomes
// ready or the thread sets needs_resched itself (e.g. after waking a
// higher-priority waiter). 4ms, same order of magnitude as the quanta used
// by the weighted-fair schedulers this one is modeled on.
const DefaultQuantumNanos = 4_000_000

// runQueue is a min-heap of ready threads ordered by Vruntime, implementing
// container/heap.Interface. No third-party priority-queue package appeared
// anywhere in the retrieved corpus, so this one case stays on the standard
// library (see DESIGN.md).
type runQueue []*proc.Thread

func (q runQueue) Len() int            { return len(q) }
func (q runQueue) Less(i, j int) bool  { return q[i].Vruntime < q[j].Vruntime }
func (q runQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *runQueue) Push(x interface{}) { *q = append(*q, x.(*proc.Thread)) }
func (q *runQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	*q = old[:n-1]
	return t
}

// Scheduler holds the run queue and the currently running thread.
type Scheduler struct {
	queue   runQueue
	running *proc.Thread
	idle    *proc.Thread

	// minVruntime is the vruntime of the thread Pick last selected (the
	// run queue's minimum at that moment) and never decreases. Enqueue
	// raises any thread below it up to it, so newly woken/created threads
	// don't start so far behind the pack that they monopolize the CPU
	// catching up.
	minVruntime uint64
}

// New constructs a Scheduler whose idle thread is idleThread, given
// idleVruntime so it is only ever picked when the run queue is empty.
func New(idleThread *proc.Thread) *Scheduler {
	idleThread.Vruntime = idleVruntime
	idleThread.State = proc.StateReady
	return &Scheduler{idle: idleThread, running: idleThread}
}

// Enqueue admits t to the ready queue, re-basing its vruntime to the
// scheduler's current floor if it's fallen behind (the "don't let a
// long-sleeping thread hog the CPU on wakeup" rule).
func (s *Scheduler) Enqueue(t *proc.Thread) {
	if t.Vruntime < s.minVruntime {
		t.Vruntime = s.minVruntime
	}
	t.State = proc.StateReady
	heap.Push(&s.queue, t)
}

// Running returns the thread currently selected to run.
func (s *Scheduler) Running() *proc.Thread { return s.running }

// Pick selects the next thread to run: the ready thread with the smallest
// vruntime, or the idle thread if the queue is empty. The previously
// running thread (if still runnable) is re-enqueued first.
func (s *Scheduler) Pick() *proc.Thread {
	if s.running != nil && s.running != s.idle && s.running.State == proc.StateRunning {
		s.Enqueue(s.running)
	}

	if s.queue.Len() == 0 {
		s.running = s.idle
		s.running.State = proc.StateRunning
		return s.running
	}

	next := heap.Pop(&s.queue).(*proc.Thread)
	next.State = proc.StateRunning
	next.Quantum = DefaultQuantumNanos
	next.Slice = DefaultQuantumNanos
	next.SetNeedsResched(false)
	s.minVruntime = next.Vruntime
	s.running = next
	return next
}

// Tick accounts deltaNanos of runtime against the currently running
// thread's vruntime, scaled inversely by its weight (higher weight, i.e.
// higher priority, advances vruntime more slowly so it gets picked again
// sooner), and drains the same amount from its remaining slice.
func (s *Scheduler) Tick(deltaNanos uint64) {
	if s.running == nil || s.running == s.idle {
		return
	}
	weight := s.running.Weight
	if weight == 0 {
		weight = NiceDefault + 1024
	}
	s.running.Vruntime += deltaNanos * 1024 / uint64(weight)

	if s.running.Slice <= deltaNanos {
		s.running.Slice = 0
	} else {
		s.running.Slice -= deltaNanos
	}
}

// ShouldPreempt reports whether the currently running thread should be
// preempted, per §4.6's three independent triggers: its time slice has
// reached zero, the run-queue head now has a lower vruntime than it does, or
// it has needs_resched set directly (e.g. a higher-priority thread was just
// woken by an IPC handoff). container/heap keeps the minimum at index 0, so
// peeking s.queue[0] is safe without popping.
func (s *Scheduler) ShouldPreempt() bool {
	if s.running == nil {
		return false
	}
	if s.running.NeedsResched() {
		return true
	}
	if s.running != s.idle && s.running.Slice == 0 {
		return true
	}
	if s.queue.Len() > 0 && s.queue[0].Vruntime < s.running.Vruntime {
		return true
	}
	return false
}

// Remove drops t from the ready queue, used when a thread blocks or exits
// while still queued rather than running.
func (s *Scheduler) Remove(t *proc.Thread) {
	for i, q := range s.queue {
		if q == t {
			heap.Remove(&s.queue, i)
			return
		}
	}
}

// Len returns the number of threads currently ready (not counting the
// running thread or the idle thread).
func (s *Scheduler) Len() int { return s.queue.Len() }
