package main

import "github.com/HTRMC/Graphene-Kernel/kernel/kmain"

// multibootInfoPtr is populated by the rt0 assembly stub before it jumps
// into main; declaring it as a package-level variable (rather than passing
// a literal) keeps the compiler from proving the argument constant and
// inlining Kmain away entirely.
var multibootInfoPtr uintptr

// main is the only Go symbol visible to the rt0 initialization code. It is a
// trampoline for the real kernel entrypoint (kmain.Kmain) and is never
// expected to return; if it does, the rt0 stub halts the CPU.
//
// rt0 invokes main after setting up the GDT and a minimal g0 struct so Go
// code can run on the small bootstrap stack the bootloader left behind.
func main() {
	kmain.Kmain(multibootInfoPtr)
}
