package capability

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HTRMC/Graphene-Kernel/kernel/object"
)

func TestInsertAndLookup(t *testing.T) {
	var tbl Table
	ref := object.Ref{Index: 3, Generation: 1}

	idx, err := tbl.Insert(object.KindEndpoint, ref, RightSend|RightReceive)
	require.Nil(t, err)

	gotRef, gotRights, err := tbl.Lookup(idx, object.KindEndpoint, RightSend)
	require.Nil(t, err)
	require.Equal(t, ref, gotRef)
	require.Equal(t, RightSend|RightReceive, gotRights)
}

func TestLookupRejectsTypeMismatch(t *testing.T) {
	var tbl Table
	idx, err := tbl.Insert(object.KindThread, object.Ref{}, RightRead)
	require.Nil(t, err)

	_, _, err = tbl.Lookup(idx, object.KindProcess, RightRead)
	require.Equal(t, ErrTypeMismatch, err)
}

func TestLookupRejectsMissingRights(t *testing.T) {
	var tbl Table
	idx, err := tbl.Insert(object.KindMemory, object.Ref{}, RightRead)
	require.Nil(t, err)

	_, _, err = tbl.Lookup(idx, object.KindMemory, RightWrite)
	require.Equal(t, ErrMissingRights, err)
}

func TestDeleteEmptiesSlot(t *testing.T) {
	var tbl Table
	idx, err := tbl.Insert(object.KindMemory, object.Ref{}, RightRead)
	require.Nil(t, err)

	require.Nil(t, tbl.Delete(idx))
	_, _, err = tbl.Lookup(idx, object.KindNone, 0)
	require.Equal(t, ErrInvalidSlot, err)
}

func TestCopyRequiresGrantRight(t *testing.T) {
	var src, dst Table
	idx, err := src.Insert(object.KindChannel, object.Ref{Index: 1}, RightSend)
	require.Nil(t, err)

	_, err = Copy(&dst, &src, idx, RightSend)
	require.Equal(t, ErrNotGrantable, err)
}

func TestCopyNarrowsRightsAndNeverEscalates(t *testing.T) {
	var src, dst Table
	ref := object.Ref{Index: 7, Generation: 2}
	idx, err := src.Insert(object.KindChannel, ref, RightSend|RightGrant)
	require.Nil(t, err)

	// Requesting RightReceive (which the source lacks) must not appear in
	// the resulting capability even though it's in the requested mask.
	dstIdx, err := Copy(&dst, &src, idx, RightSend|RightReceive)
	require.Nil(t, err)

	gotRef, gotRights, err := dst.Lookup(dstIdx, object.KindChannel, RightSend)
	require.Nil(t, err)
	require.Equal(t, ref, gotRef)
	require.Equal(t, RightSend, gotRights)
}

func TestCopyAtPlacesDuplicateAtChosenSlotWithNarrowedRights(t *testing.T) {
	var src, dst Table
	ref := object.Ref{Index: 9, Generation: 1}
	idx, err := src.Insert(object.KindEndpoint, ref, RightSend|RightGrant)
	require.Nil(t, err)

	err = CopyAt(&dst, &src, idx, 42, RightSend|RightReceive)
	require.Nil(t, err)

	gotRef, gotRights, err := dst.Lookup(42, object.KindEndpoint, RightSend)
	require.Nil(t, err)
	require.Equal(t, ref, gotRef)
	require.Equal(t, RightSend, gotRights)
}

func TestCopyAtRequiresGrantRight(t *testing.T) {
	var src, dst Table
	idx, err := src.Insert(object.KindEndpoint, object.Ref{}, RightSend)
	require.Nil(t, err)

	require.Equal(t, ErrNotGrantable, CopyAt(&dst, &src, idx, 3, RightSend))
}

func TestTableFullOnAllSlotsOccupied(t *testing.T) {
	var tbl Table
	for i := 0; i < MaxSlots; i++ {
		_, err := tbl.Insert(object.KindMemory, object.Ref{}, RightRead)
		require.Nil(t, err)
	}
	_, err := tbl.Insert(object.KindMemory, object.Ref{}, RightRead)
	require.Equal(t, ErrTableFull, err)
}
