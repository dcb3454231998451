// Package object implements the kernel's object model: every resource a
// capability can name (memory, threads, processes, IPC endpoints and
// channels, IRQ lines, I/O ports, MMIO regions) is a typed object living in
// a fixed-size pool, addressed indirectly through capabilities rather than
// raw pointers.
package object

import "github.com/HTRMC/Graphene-Kernel/kernel"

// Kind identifies the concrete type an object slot holds.
type Kind uint8

const (
	KindNone Kind = iota
	KindMemory
	KindThread
	KindProcess
	KindEndpoint
	KindChannel
	KindIrq
	KindIoPort
	KindDeviceMmio
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindThread:
		return "thread"
	case KindProcess:
		return "process"
	case KindEndpoint:
		return "endpoint"
	case KindChannel:
		return "channel"
	case KindIrq:
		return "irq"
	case KindIoPort:
		return "ioport"
	case KindDeviceMmio:
		return "device_mmio"
	default:
		return "none"
	}
}

// Ref identifies one object slot: its index in a Pool plus the generation
// that was current when the object occupying that slot was created. A Ref
// whose generation doesn't match the slot's current generation refers to a
// destroyed (and possibly reused) object.
type Ref struct {
	Index      uint32
	Generation uint32
}

// ErrDestroyed is returned by Pool.Header (and so by Retain, Release and
// Destroy) when a Ref is out of range or its generation is stale.
var ErrDestroyed = &kernel.Error{Module: "object", Message: "object was destroyed", Kind: kernel.ErrKindInvalidCapability}

// ErrTableFull is returned by Pool.Alloc when every slot is occupied.
var ErrTableFull = &kernel.Error{Module: "object", Message: "object pool exhausted", Kind: kernel.ErrKindTableFull}

// Header is embedded at the front of every concrete object type (Memory,
// Thread, Process, ...) tracked by a Pool.
type Header struct {
	Kind       Kind
	Generation uint32
	RefCount   uint32
	Destroyed  bool
}

// Pool is a fixed-capacity slot table for one Kind of object. It tracks
// only each slot's occupancy and Header; the concrete objects live in
// per-kind slices the caller keeps and indexes by Ref.Index (see
// core.Kernel), so one Pool implementation serves every object kind.
type Pool struct {
	kind    Kind
	inUse   []bool
	headers []Header
	freeIdx uint32
}

// NewPool creates a pool with room for capacity objects of the given kind.
func NewPool(kind Kind, capacity int) *Pool {
	return &Pool{
		kind:    kind,
		inUse:   make([]bool, capacity),
		headers: make([]Header, capacity),
	}
}

// Alloc reserves a free slot and returns its Ref with a fresh header
// (refcount 1, not destroyed, generation bumped from whatever the slot's
// last tenant left behind).
func (p *Pool) Alloc() (Ref, *kernel.Error) {
	n := uint32(len(p.inUse))
	for i := uint32(0); i < n; i++ {
		idx := (p.freeIdx + i) % n
		if !p.inUse[idx] {
			p.inUse[idx] = true
			p.headers[idx].Kind = p.kind
			p.headers[idx].Generation++
			p.headers[idx].RefCount = 1
			p.headers[idx].Destroyed = false
			p.freeIdx = idx + 1
			return Ref{Index: idx, Generation: p.headers[idx].Generation}, nil
		}
	}
	return Ref{}, ErrTableFull
}

// Header returns a pointer to the header at ref, validating its generation.
func (p *Pool) Header(ref Ref) (*Header, *kernel.Error) {
	if ref.Index >= uint32(len(p.headers)) {
		return nil, ErrDestroyed
	}
	h := &p.headers[ref.Index]
	if h.Destroyed || h.Generation != ref.Generation {
		return nil, ErrDestroyed
	}
	return h, nil
}

// Retain increments the refcount on the object at ref.
func (p *Pool) Retain(ref Ref) *kernel.Error {
	h, err := p.Header(ref)
	if err != nil {
		return err
	}
	h.RefCount++
	return nil
}

// Release decrements the refcount on the object at ref, freeing its slot
// (marking it destroyed and available for reuse) once it reaches zero.
func (p *Pool) Release(ref Ref) *kernel.Error {
	h, err := p.Header(ref)
	if err != nil {
		return err
	}
	h.RefCount--
	if h.RefCount == 0 {
		h.Destroyed = true
		p.inUse[ref.Index] = false
	}
	return nil
}

// Destroy forcibly marks the object at ref destroyed regardless of
// remaining refcount, e.g. for explicit revocation. Any outstanding
// capability referencing this Ref will fail generation validation on its
// next lookup.
func (p *Pool) Destroy(ref Ref) *kernel.Error {
	h, err := p.Header(ref)
	if err != nil {
		return err
	}
	h.Destroyed = true
	p.inUse[ref.Index] = false
	return nil
}

// InUseCount returns how many slots are currently occupied.
func (p *Pool) InUseCount() int {
	n := 0
	for _, used := range p.inUse {
		if used {
			n++
		}
	}
	return n
}

// Capacity returns the total number of slots in the pool.
func (p *Pool) Capacity() int { return len(p.inUse) }
