// Package irq implements the IRQ object: a line a thread can wait on, a
// per-line pending counter and wait queue fed by a Controller. Controller
// has two concrete implementations (legacy 8259 PIC and local APIC); full
// ACPI/AML parsing to auto-select and route between them is out of scope,
// so the line-to-vector routing table is built by the caller rather than
// discovered here.
package irq

import "github.com/HTRMC/Graphene-Kernel/kernel/proc"

// Controller abstracts the two interrupt-routing chips this kernel
// supports: acknowledging (EOI) a line and masking/unmasking it.
type Controller interface {
	// EOI acknowledges line so the controller delivers further interrupts
	// on it.
	EOI(line uint8)
	// Mask prevents line from being delivered until Unmask is called.
	Mask(line uint8)
	// Unmask re-enables delivery of line.
	Unmask(line uint8)
}

// Line is one IRQ object: a pending counter (interrupts can arrive faster
// than a waiting thread drains them) plus the threads blocked waiting for
// the next one.
type Line struct {
	Number  uint8
	pending uint32
	waiters proc.WaitQueue
}

// NewLine constructs a Line object for the given IRQ number.
func NewLine(number uint8) *Line {
	return &Line{Number: number}
}

// Signal is called from the trap dispatch path when this line's vector
// fires: it increments the pending counter and wakes the oldest waiter, if
// any.
func (l *Line) Signal() {
	l.pending++
	if w := l.waiters.Dequeue(); w != nil {
		w.State = proc.StateReady
	}
}

// Wait blocks the calling thread on this line via blockFn until the next
// Signal, then consumes one pending interrupt and returns.
func (l *Line) Wait(caller *proc.Thread, blockFn func(*proc.Thread)) {
	if l.pending > 0 {
		l.pending--
		return
	}
	l.waiters.Enqueue(caller)
	blockFn(caller)
	if l.pending > 0 {
		l.pending--
	}
}

// Pending returns the current count of un-waited-for interrupts.
func (l *Line) Pending() uint32 { return l.pending }

// Waiters exposes this line's wait queue, e.g. so the process exit path can
// remove a killed thread from it directly.
func (l *Line) Waiters() *proc.WaitQueue { return &l.waiters }
