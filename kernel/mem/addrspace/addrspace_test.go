package addrspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HTRMC/Graphene-Kernel/kernel/mem"
)

func TestValidateRegionRejectsWriteExec(t *testing.T) {
	err := validateRegion(mem.UserBase, mem.PageSize, FlagWrite|FlagExecute|FlagUser)
	require.Equal(t, ErrWriteExec, err)
}

func TestValidateRegionRejectsKernelRegionBelowKernelBase(t *testing.T) {
	err := validateRegion(0x1000, mem.PageSize, 0)
	require.Equal(t, ErrOutOfRange, err)
}

func TestValidateRegionRejectsUserRegionPastUserTop(t *testing.T) {
	err := validateRegion(mem.UserTop-mem.PageSize/2, mem.PageSize, FlagUser)
	require.Equal(t, ErrOutOfRange, err)
}

func TestValidateRegionAcceptsOrdinaryUserRegion(t *testing.T) {
	err := validateRegion(mem.UserBase, mem.PageSize, FlagRead|FlagUser)
	require.Nil(t, err)
}

func TestFindOverlap(t *testing.T) {
	s := &Space{regions: []Region{{Start: 0x400000, Size: 2 * mem.PageSize, Flags: FlagRead | FlagUser}}}

	require.GreaterOrEqual(t, s.findOverlap(0x400000+mem.PageSize, mem.PageSize), 0)
	require.Equal(t, -1, s.findOverlap(0x500000, mem.PageSize))
}

func TestFindRegion(t *testing.T) {
	s := &Space{regions: []Region{{Start: 0x400000, Size: 2 * mem.PageSize, Flags: FlagRead | FlagUser}}}

	r, ok := s.FindRegion(0x400000 + 10)
	require.True(t, ok)
	require.EqualValues(t, 0x400000, r.Start)

	_, ok = s.FindRegion(0x500000)
	require.False(t, ok)
}

func TestRegionAtAndRemove(t *testing.T) {
	s := &Space{regions: []Region{
		{Start: 0x400000, Size: mem.PageSize, Flags: FlagRead | FlagUser},
		{Start: 0x401000, Size: mem.PageSize, Flags: FlagRead | FlagUser},
	}}

	_, idx := s.regionAt(0x401000)
	require.Equal(t, 1, idx)

	s.removeRegion(0x400000)
	require.Len(t, s.regions, 1)
	require.EqualValues(t, 0x401000, s.regions[0].Start)
}

func TestHandlePageFaultOutsideAnyRegionIsUnhandled(t *testing.T) {
	s := &Space{}
	require.False(t, s.HandlePageFault(0x999000, FaultUser))
}

func TestHandlePageFaultWriteToReadOnlyRegionIsUnhandled(t *testing.T) {
	s := &Space{regions: []Region{{Start: 0x400000, Size: mem.PageSize, Flags: FlagRead | FlagUser}}}
	require.False(t, s.HandlePageFault(0x400000, FaultWrite|FaultUser))
}

func TestHandlePageFaultInGuardRegionIsUnhandled(t *testing.T) {
	s := &Space{regions: []Region{{Start: 0x400000, Size: mem.PageSize, Flags: FlagGuard | FlagUser}}}
	require.False(t, s.HandlePageFault(0x400000, FaultUser))
}

func TestHandlePageFaultExecOnNonExecRegionIsUnhandled(t *testing.T) {
	s := &Space{regions: []Region{{Start: 0x400000, Size: mem.PageSize, Flags: FlagRead | FlagWrite | FlagUser}}}
	require.False(t, s.HandlePageFault(0x400000, FaultInstructionFetch))
}
