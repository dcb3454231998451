package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HTRMC/Graphene-Kernel/kernel"
	"github.com/HTRMC/Graphene-Kernel/kernel/mem/pmm"
)

// fakeTables backs tableAtFn with plain Go memory so tests can exercise the
// 4-level walk without a real HHDM-mapped physical address space, the same
// way gopher-os's vmm tests substitute mapFn/activePDTFn with in-process
// fakes.
type fakeTables struct {
	byFrame map[pmm.Frame]*[512]pageTableEntry
	next    pmm.Frame
}

func newFakeTables() *fakeTables {
	return &fakeTables{byFrame: map[pmm.Frame]*[512]pageTableEntry{}, next: 1}
}

func (f *fakeTables) get(frame pmm.Frame) []pageTableEntry {
	t, ok := f.byFrame[frame]
	if !ok {
		t = &[512]pageTableEntry{}
		f.byFrame[frame] = t
	}
	return t[:]
}

func (f *fakeTables) alloc() (pmm.Frame, *kernel.Error) {
	frame := f.next
	f.next++
	f.byFrame[frame] = &[512]pageTableEntry{}
	return frame, nil
}

func withFakeTables(t *testing.T) (*fakeTables, func()) {
	t.Helper()
	ft := newFakeTables()

	origTableAtFn := tableAtFn
	origFlush := flushTLBEntryFn
	tableAtFn = ft.get
	flushTLBEntryFn = func(uintptr) {}

	return ft, func() {
		tableAtFn = origTableAtFn
		flushTLBEntryFn = origFlush
	}
}

func TestMapAndTranslate(t *testing.T) {
	ft, restore := withFakeTables(t)
	defer restore()

	root, _ := ft.alloc()
	vaddr := uintptr(0x400000)
	frame := pmm.Frame(0x10)

	err := Map(root, PageFromAddress(vaddr), frame, FlagRW|FlagUser, ft.alloc)
	require.Nil(t, err)

	phys, err := Translate(root, vaddr+0x123)
	require.Nil(t, err)
	require.EqualValues(t, frame.Address()+0x123, phys)
}

func TestMapAlreadyMapped(t *testing.T) {
	ft, restore := withFakeTables(t)
	defer restore()

	root, _ := ft.alloc()
	page := PageFromAddress(0x400000)

	require.Nil(t, Map(root, page, pmm.Frame(1), FlagRW, ft.alloc))
	err := Map(root, page, pmm.Frame(2), FlagRW, ft.alloc)
	require.Equal(t, ErrAlreadyMapped, err)

	// MapForce overwrites instead of failing.
	require.Nil(t, MapForce(root, page, pmm.Frame(2), FlagRW, ft.alloc))
	phys, err := Translate(root, page.Address())
	require.Nil(t, err)
	require.EqualValues(t, pmm.Frame(2).Address(), phys)
}

func TestTranslateUnmapped(t *testing.T) {
	ft, restore := withFakeTables(t)
	defer restore()

	root, _ := ft.alloc()
	_, err := Translate(root, 0)
	require.Equal(t, ErrInvalidMapping, err)
}

func TestUnmapRoundTrip(t *testing.T) {
	ft, restore := withFakeTables(t)
	defer restore()

	root, _ := ft.alloc()
	page := PageFromAddress(0x400000)

	require.Nil(t, Map(root, page, pmm.Frame(5), FlagRW, ft.alloc))
	require.Nil(t, Unmap(root, page))

	_, err := Translate(root, page.Address())
	require.Equal(t, ErrInvalidMapping, err)

	// Unmapping again is a no-op, not an error.
	require.Nil(t, Unmap(root, page))
}

func TestCopyKernelMappings(t *testing.T) {
	ft, restore := withFakeTables(t)
	defer restore()

	src, _ := ft.alloc()
	dst, _ := ft.alloc()

	srcTable := ft.get(src)
	srcTable[300].SetFlags(FlagPresent | FlagRW)
	srcTable[300].SetFrame(pmm.Frame(42))

	CopyKernelMappings(dst, src)

	dstTable := ft.get(dst)
	require.Equal(t, srcTable[300], dstTable[300])
	require.False(t, dstTable[0].HasFlags(FlagPresent), "lower half must not be copied")
}
