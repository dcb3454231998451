package arch

import "github.com/HTRMC/Graphene-Kernel/kernel/kfmt/early"

const vectorCount = 256

var handlers [vectorCount]func(*TrapFrame)

// HandleVector registers handler to run (with interrupts disabled) whenever
// vector fires.
func HandleVector(vector uint8, handler func(*TrapFrame)) {
	handlers[vector] = handler
}

// dispatchTrap is invoked by the common assembly entry stub (commonEntry in
// idt_amd64.s), which CALLs it by name with RDI = *TrapFrame pointing at the
// trap frame it just assembled on the stack.
//
//go:nosplit
func dispatchTrap(frame *TrapFrame) {
	h := handlers[uint8(frame.Vector)]
	if h == nil {
		early.Printf("[arch] unhandled vector %d (no handler installed)\n", frame.Vector)
		return
	}
	h(frame)
}
