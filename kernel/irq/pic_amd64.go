package irq

import "github.com/HTRMC/Graphene-Kernel/kernel/arch"

// Legacy 8259 PIC I/O ports and commands.
const (
	picMasterCmd  = 0x20
	picMasterData = 0x21
	picSlaveCmd   = 0xA0
	picSlaveData  = 0xA1

	picEOI = 0x20

	icw1Init = 0x11 // ICW4 present, cascade mode, edge triggered
	icw4Mode = 0x01 // 8086/88 mode
)

// outPortFn/inPortFn are overridden by tests.
var (
	outPortFn = arch.OutPort
	inPortFn  = arch.InPort
)

// PIC drives the legacy master/slave 8259 pair remapped so master lines
// land at vectors [offset, offset+8) and slave lines at [offset+8, offset+16).
type PIC struct {
	offset uint8
}

// NewPIC remaps the PIC so IRQ 0-15 land at vectors [offset, offset+16),
// masking every line until the caller unmasks what it's prepared to handle.
func NewPIC(offset uint8) *PIC {
	p := &PIC{offset: offset}

	outPortFn(picMasterCmd, icw1Init, arch.Width8)
	outPortFn(picSlaveCmd, icw1Init, arch.Width8)
	outPortFn(picMasterData, uint32(offset), arch.Width8)
	outPortFn(picSlaveData, uint32(offset+8), arch.Width8)
	outPortFn(picMasterData, 4, arch.Width8) // tell master there's a slave at IRQ2
	outPortFn(picSlaveData, 2, arch.Width8)  // tell slave its cascade identity
	outPortFn(picMasterData, icw4Mode, arch.Width8)
	outPortFn(picSlaveData, icw4Mode, arch.Width8)

	outPortFn(picMasterData, 0xFF, arch.Width8)
	outPortFn(picSlaveData, 0xFF, arch.Width8)

	return p
}

// EOI acknowledges line, also notifying the slave PIC if line came from it.
func (p *PIC) EOI(line uint8) {
	if line >= 8 {
		outPortFn(picSlaveCmd, picEOI, arch.Width8)
	}
	outPortFn(picMasterCmd, picEOI, arch.Width8)
}

// Mask disables delivery of line.
func (p *PIC) Mask(line uint8) {
	port, bit := p.portAndBit(line)
	cur := inPortFn(port, arch.Width8)
	outPortFn(port, cur|bit, arch.Width8)
}

// Unmask re-enables delivery of line.
func (p *PIC) Unmask(line uint8) {
	port, bit := p.portAndBit(line)
	cur := inPortFn(port, arch.Width8)
	outPortFn(port, cur&^bit, arch.Width8)
}

func (p *PIC) portAndBit(line uint8) (port uint16, bit uint32) {
	if line >= 8 {
		return picSlaveData, 1 << (line - 8)
	}
	return picMasterData, 1 << line
}
