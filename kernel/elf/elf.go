// Package elf implements the ELF64 image loader: it validates a candidate
// executable's header and program headers, then maps each PT_LOAD segment
// into a target address space with W^X-correct final permissions.
//
// Parsing works directly off the in-memory image via unsafe struct overlays
// rather than encoding/binary, the same way kernel/multiboot reads the
// bootloader's info tags: there is no io.Reader available this early, and
// the image is already a flat byte slice.
package elf

import (
	"unsafe"

	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/addrspace"
)

const (
	magic0, magic1, magic2, magic3 = 0x7F, 'E', 'L', 'F'

	classNone  = 0
	class32    = 1
	class64    = 2
	dataNone   = 0
	dataLSB    = 1
	versionCur = 1

	typeExec = 2
	typeDyn  = 3

	machineX86_64 = 0x3E

	ptLoad = 1

	pfExecute = 1 << 0
	pfWrite   = 1 << 1
	pfRead    = 1 << 2
)

var (
	ErrBadMagic      = &kernel.Error{Module: "elf", Message: "missing or incorrect ELF magic", Kind: kernel.ErrKindInvalidArgument}
	ErrUnsupported   = &kernel.Error{Module: "elf", Message: "image is not a supported 64-bit little-endian x86-64 executable", Kind: kernel.ErrKindInvalidArgument}
	ErrTruncated     = &kernel.Error{Module: "elf", Message: "image is too short to hold its own header or program headers", Kind: kernel.ErrKindInvalidArgument}
	ErrNoProgramHdrs = &kernel.Error{Module: "elf", Message: "image has no program headers", Kind: kernel.ErrKindInvalidArgument}
	ErrSegmentBounds = &kernel.Error{Module: "elf", Message: "a PT_LOAD segment's file range falls outside the image", Kind: kernel.ErrKindInvalidArgument}
	ErrSegmentRange  = &kernel.Error{Module: "elf", Message: "a PT_LOAD segment's memory size is smaller than its file size", Kind: kernel.ErrKindInvalidArgument}
	ErrWriteExec     = &kernel.Error{Module: "elf", Message: "a PT_LOAD segment is both writable and executable", Kind: kernel.ErrKindPermissionDenied}
)

// header64 overlays the first 64 bytes of a little-endian 64-bit ELF image.
type header64 struct {
	ident                           [16]byte
	typ                             uint16
	machine                         uint16
	version                         uint32
	entry, phoff, shoff             uint64
	flags                           uint32
	ehsize, phentsize, phnum        uint16
	shentsize, shnum, shstrndx      uint16
}

// progHeader64 overlays one 56-byte Elf64_Phdr entry.
type progHeader64 struct {
	typ            uint32
	flags          uint32
	offset         uint64
	vaddr          uint64
	paddr          uint64
	filesz, memsz  uint64
	align          uint64
}

// Loader implements core.ImageLoader.
type Loader struct{}

// New constructs an ELF64 loader. It carries no state: every Load call is
// independent.
func New() *Loader { return &Loader{} }

// Load validates image as a 64-bit x86-64 executable, then maps every
// PT_LOAD segment into space with its final (W^X-checked) permissions,
// returning the entry point recorded in the header.
func (l *Loader) Load(space *addrspace.Space, image []byte) (uintptr, *kernel.Error) {
	hdr, err := parseHeader(image)
	if err != nil {
		return 0, err
	}

	phOff := hdr.phoff
	phEntSize := uint64(hdr.phentsize)
	phCount := uint64(hdr.phnum)
	if phCount == 0 {
		return 0, ErrNoProgramHdrs
	}
	if phOff+phCount*phEntSize > uint64(len(image)) {
		return 0, ErrTruncated
	}

	for i := uint64(0); i < phCount; i++ {
		ph := (*progHeader64)(unsafe.Pointer(&image[phOff+i*phEntSize]))
		if ph.typ != ptLoad {
			continue
		}
		if err := loadSegment(space, image, ph); err != nil {
			return 0, err
		}
	}

	return uintptr(hdr.entry), nil
}

func parseHeader(image []byte) (*header64, *kernel.Error) {
	if len(image) < int(unsafe.Sizeof(header64{})) {
		return nil, ErrTruncated
	}
	hdr := (*header64)(unsafe.Pointer(&image[0]))

	if hdr.ident[0] != magic0 || hdr.ident[1] != magic1 || hdr.ident[2] != magic2 || hdr.ident[3] != magic3 {
		return nil, ErrBadMagic
	}
	if hdr.ident[4] != class64 || hdr.ident[5] != dataLSB {
		return nil, ErrUnsupported
	}
	if hdr.version != versionCur {
		return nil, ErrUnsupported
	}
	if hdr.typ != typeExec && hdr.typ != typeDyn {
		return nil, ErrUnsupported
	}
	if hdr.machine != machineX86_64 {
		return nil, ErrUnsupported
	}

	return hdr, nil
}

func loadSegment(space *addrspace.Space, image []byte, ph *progHeader64) *kernel.Error {
	if ph.flags&pfWrite != 0 && ph.flags&pfExecute != 0 {
		return ErrWriteExec
	}
	if ph.offset+ph.filesz > uint64(len(image)) {
		return ErrSegmentBounds
	}
	if ph.memsz < ph.filesz {
		return ErrSegmentRange
	}

	pageBase := ph.vaddr &^ uint64(mem.PageSize-1)
	pageEnd := (ph.vaddr + ph.memsz + uint64(mem.PageSize) - 1) &^ uint64(mem.PageSize-1)
	regionSize := mem.Size(pageEnd - pageBase)

	flags := addrspace.FlagUser
	if ph.flags&pfRead != 0 {
		flags |= addrspace.FlagRead
	}
	if ph.flags&pfWrite != 0 {
		flags |= addrspace.FlagWrite
	}
	if ph.flags&pfExecute != 0 {
		flags |= addrspace.FlagExecute
	}

	inPageOffset := uint64(ph.vaddr) - pageBase
	segData := make([]byte, inPageOffset+ph.filesz)
	copy(segData[inPageOffset:], image[ph.offset:ph.offset+ph.filesz])

	return space.MapRegionFromData(uintptr(pageBase), regionSize, flags, segData)
}
