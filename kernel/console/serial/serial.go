// Package serial drives a 16550-compatible UART as the kernel's log/panic
// console. It is the minimal diagnostic sink spec.md §1 carves out as an
// external collaborator ("serial console ... used for logs/panics only");
// on-screen framebuffer font rendering is not re-specified or implemented
// here, only this narrow byte sink kernel.Panic and kfmt write through.
package serial

import "github.com/HTRMC/Graphene-Kernel/kernel/arch"

// COM1 is the standard legacy I/O port base for the first serial port.
const COM1 uint16 = 0x3F8

const (
	regData        = 0
	regIntEnable   = 1
	regFIFOCtrl    = 2
	regLineCtrl    = 3
	regModemCtrl   = 4
	regLineStatus  = 5
	divisorLatchLo = 0
	divisorLatchHi = 1

	lineStatusTxEmpty = 1 << 5
)

// outPortFn/inPortFn are overridden by tests.
var (
	outPortFn = arch.OutPort
	inPortFn  = arch.InPort
)

// Port is a 16550 UART at a fixed I/O port base, satisfying both
// early.Sink (WriteByte) and core.Console (WriteString).
type Port struct {
	base uint16
}

// New initializes the UART at base: disables interrupts, sets the baud
// divisor for 38400 baud, 8 data bits / no parity / 1 stop bit, and enables
// a FIFO with a 14-byte trigger level.
func New(base uint16) *Port {
	out := func(reg uint16, v uint32) { outPortFn(base+reg, v, arch.Width8) }

	out(regIntEnable, 0x00)
	out(regLineCtrl, 0x80) // enable DLAB to set the baud divisor
	out(divisorLatchLo, 0x03)
	out(divisorLatchHi, 0x00)
	out(regLineCtrl, 0x03) // 8N1, DLAB off
	out(regFIFOCtrl, 0xC7)
	out(regModemCtrl, 0x0B)

	return &Port{base: base}
}

func (p *Port) txReady() bool {
	return inPortFn(p.base+regLineStatus, arch.Width8)&lineStatusTxEmpty != 0
}

// WriteByte blocks until the transmit holding register is empty, then
// writes b. Implements early.Sink.
func (p *Port) WriteByte(b byte) {
	for !p.txReady() {
	}
	outPortFn(p.base+regData, uint32(b), arch.Width8)
}

// WriteString writes every byte of s in order. Implements core.Console.
func (p *Port) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		p.WriteByte(s[i])
	}
}
