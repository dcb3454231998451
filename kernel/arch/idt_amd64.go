package arch

// idtEntry is the layout of a single 64-bit interrupt gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	istAndZero uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

var idt [vectorCount]idtEntry

// buildIDT populates idt with one gate per vector, all pointing at the
// shared assembly trampoline (commonEntry) that pushes a TrapFrame and calls
// dispatchTrap. It is invoked from InstallIDT before LIDT loads the table.
func buildIDT()

// commonEntry is the per-vector assembly trampoline. There are vectorCount
// of these generated at build time (one per vector, so the vector number
// itself can be pushed as an immediate before falling through to a shared
// tail that assembles the rest of the TrapFrame and calls dispatchTrap).
func commonEntry()
