package object

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocAndHeaderRoundTrip(t *testing.T) {
	p := NewPool(KindThread, 4)

	ref, err := p.Alloc()
	require.Nil(t, err)
	require.EqualValues(t, 0, ref.Index)

	h, err := p.Header(ref)
	require.Nil(t, err)
	require.Equal(t, KindThread, h.Kind)
	require.EqualValues(t, 1, h.RefCount)
}

func TestReleaseFreesSlotForReuse(t *testing.T) {
	p := NewPool(KindProcess, 1)

	ref, err := p.Alloc()
	require.Nil(t, err)

	_, err = p.Alloc()
	require.Equal(t, ErrTableFull, err)

	require.Nil(t, p.Release(ref))
	ref2, err := p.Alloc()
	require.Nil(t, err)
	require.Equal(t, ref.Index, ref2.Index)
	require.NotEqual(t, ref.Generation, ref2.Generation, "generation must bump on reuse")
}

func TestStaleRefAfterDestroyIsRejected(t *testing.T) {
	p := NewPool(KindEndpoint, 2)
	ref, err := p.Alloc()
	require.Nil(t, err)

	require.Nil(t, p.Destroy(ref))
	_, err = p.Header(ref)
	require.Equal(t, ErrDestroyed, err)
}

func TestRetainRequiresExplicitReleases(t *testing.T) {
	p := NewPool(KindChannel, 2)
	ref, err := p.Alloc()
	require.Nil(t, err)

	require.Nil(t, p.Retain(ref))
	require.Nil(t, p.Release(ref))

	// Still alive: one retain offsets one release.
	h, err := p.Header(ref)
	require.Nil(t, err)
	require.EqualValues(t, 1, h.RefCount)

	require.Nil(t, p.Release(ref))
	_, err = p.Header(ref)
	require.Equal(t, ErrDestroyed, err)
}

func TestOutOfRangeRefIsRejected(t *testing.T) {
	p := NewPool(KindIrq, 2)
	_, err := p.Header(Ref{Index: 99})
	require.Equal(t, ErrDestroyed, err)
}
