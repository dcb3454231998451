package irq

import "unsafe"

// Local APIC MMIO register offsets (byte offsets from the APIC base).
const (
	apicRegEOI      = 0x0B0
	apicRegSpurious = 0x0F0
	apicSpuriousOn  = 0x100 // software-enable bit
)

// mmioWriteFn is overridden by tests so the APIC can be driven without a
// real MMIO-mapped page.
var mmioWriteFn = mmioWrite

func mmioWrite(addr uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = value
}

// APIC drives a single local APIC reached through its MMIO register page,
// mapped into kernel space at virtBase by the caller before NewAPIC is
// called.
type APIC struct {
	virtBase uintptr
}

// NewAPIC wraps the local APIC whose register page is already mapped at
// virtBase, and enables it via the spurious-interrupt vector register.
func NewAPIC(virtBase uintptr, spuriousVector uint8) *APIC {
	a := &APIC{virtBase: virtBase}
	mmioWriteFn(virtBase+apicRegSpurious, apicSpuriousOn|uint32(spuriousVector))
	return a
}

// EOI acknowledges the current in-service interrupt. Unlike the PIC, this
// isn't per-line: software writes a fixed 0 to the EOI register regardless
// of which vector fired.
func (a *APIC) EOI(line uint8) {
	mmioWriteFn(a.virtBase+apicRegEOI, 0)
}

// Mask is a no-op for the local APIC in this design: per-line masking here
// would require programming the I/O APIC's redirection table, which is out
// of scope (see SPEC_FULL.md's bounded-simplification note on ACPI/AML).
// Callers that need a line silenced should route interrupts away from it at
// the I/O APIC instead once that support exists.
func (a *APIC) Mask(line uint8) {}

// Unmask is a no-op for the same reason as Mask.
func (a *APIC) Unmask(line uint8) {}
