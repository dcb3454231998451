// Package capability implements the per-process capability table: the only
// way kernel code reaches an object.Ref is through a validated capability
// slot that also carries a rights mask, so rights can be checked at the
// point of use and can never silently escalate across a copy.
package capability

import (
	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/object"
)

// MaxSlots is the fixed size of every process's capability table.
const MaxSlots = 1024

// Rights is a bitmask of operations a capability permits on its object.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute
	RightGrant // may be copied into another process's table
	RightSend
	RightReceive
	RightDestroy
)

var (
	ErrInvalidSlot   = &kernel.Error{Module: "capability", Message: "capability slot is empty or out of range", Kind: kernel.ErrKindInvalidCapability}
	ErrTableFull     = &kernel.Error{Module: "capability", Message: "capability table exhausted", Kind: kernel.ErrKindTableFull}
	ErrMissingRights = &kernel.Error{Module: "capability", Message: "capability lacks the rights required for this operation", Kind: kernel.ErrKindPermissionDenied}
	ErrTypeMismatch  = &kernel.Error{Module: "capability", Message: "capability does not reference an object of the expected kind", Kind: kernel.ErrKindTypeMismatch}
	ErrNotGrantable  = &kernel.Error{Module: "capability", Message: "capability lacks Grant and cannot be copied to another table", Kind: kernel.ErrKindPermissionDenied}
)

// slot is one entry of a Table: empty unless occupied is true.
type slot struct {
	occupied bool
	kind     object.Kind
	ref      object.Ref
	rights   Rights
}

// Table is one process's capability table: a fixed array of slots, each
// either empty or naming an object.Ref plus the rights this process holds
// over it.
type Table struct {
	slots [MaxSlots]slot
}

// Index identifies a slot within a Table, the handle user code and syscall
// arguments actually carry.
type Index uint32

// Insert occupies the first free slot with (kind, ref, rights) and returns
// its Index.
func (t *Table) Insert(kind object.Kind, ref object.Ref, rights Rights) (Index, *kernel.Error) {
	for i := range t.slots {
		if !t.slots[i].occupied {
			t.slots[i] = slot{occupied: true, kind: kind, ref: ref, rights: rights}
			return Index(i), nil
		}
	}
	return 0, ErrTableFull
}

// InsertAt occupies a specific slot index, used by process bootstrap to
// place well-known capabilities (e.g. the initial process's root endpoint)
// at fixed indices.
func (t *Table) InsertAt(idx Index, kind object.Kind, ref object.Ref, rights Rights) *kernel.Error {
	if uint32(idx) >= MaxSlots {
		return ErrInvalidSlot
	}
	t.slots[idx] = slot{occupied: true, kind: kind, ref: ref, rights: rights}
	return nil
}

// Lookup validates idx and returns the object.Ref and rights stored there,
// failing if the slot is empty, doesn't match wantKind (when wantKind is
// not KindNone) or lacks any bit of wantRights.
func (t *Table) Lookup(idx Index, wantKind object.Kind, wantRights Rights) (object.Ref, Rights, *kernel.Error) {
	if uint32(idx) >= MaxSlots || !t.slots[idx].occupied {
		return object.Ref{}, 0, ErrInvalidSlot
	}
	s := &t.slots[idx]
	if wantKind != object.KindNone && s.kind != wantKind {
		return object.Ref{}, 0, ErrTypeMismatch
	}
	if s.rights&wantRights != wantRights {
		return object.Ref{}, 0, ErrMissingRights
	}
	return s.ref, s.rights, nil
}

// Delete empties a slot without touching the underlying object's refcount;
// callers that also want the object released should Pool.Release its ref
// themselves first.
func (t *Table) Delete(idx Index) *kernel.Error {
	if uint32(idx) >= MaxSlots || !t.slots[idx].occupied {
		return ErrInvalidSlot
	}
	t.slots[idx] = slot{}
	return nil
}

// Copy duplicates the capability at srcIdx of src into the first free slot
// of dst, restricted to at most the rights the source capability holds
// (rights can only narrow across a copy, never widen) and only if the
// source capability carries RightGrant.
func Copy(dst *Table, src *Table, srcIdx Index, rights Rights) (Index, *kernel.Error) {
	if uint32(srcIdx) >= MaxSlots || !src.slots[srcIdx].occupied {
		return 0, ErrInvalidSlot
	}
	s := src.slots[srcIdx]
	if s.rights&RightGrant == 0 {
		return 0, ErrNotGrantable
	}

	narrowed := rights & s.rights
	return dst.Insert(s.kind, s.ref, narrowed)
}

// CopyAt behaves like Copy but places the duplicate at a caller-chosen slot
// of dst rather than its first free one, used by cap_copy where the syscall
// ABI names an explicit destination slot.
func CopyAt(dst *Table, src *Table, srcIdx, dstIdx Index, rights Rights) *kernel.Error {
	if uint32(srcIdx) >= MaxSlots || !src.slots[srcIdx].occupied {
		return ErrInvalidSlot
	}
	s := src.slots[srcIdx]
	if s.rights&RightGrant == 0 {
		return ErrNotGrantable
	}

	narrowed := rights & s.rights
	return dst.InsertAt(dstIdx, s.kind, s.ref, narrowed)
}
