package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HTRMC/Graphene-Kernel/kernel/object"
	"github.com/HTRMC/Graphene-Kernel/kernel/proc"
)

type discardConsole struct{ lines []string }

func (c *discardConsole) WriteString(s string) { c.lines = append(c.lines, s) }

func newTestKernel() *Kernel {
	idleProc := proc.NewProcess(proc.KernelPID, proc.KernelPID, nil)
	idle := proc.NewThread(0, idleProc, 0, 1024)
	return New(idle, &discardConsole{})
}

func TestNewRegistersKernelProcess(t *testing.T) {
	k := newTestKernel()
	p, ok := k.Processes[proc.KernelPID]
	require.True(t, ok)
	require.EqualValues(t, proc.KernelPID, p.PID)
}

func TestNewProcessAssignsIncreasingPIDs(t *testing.T) {
	k := newTestKernel()
	a := k.NewProcess(nil)
	b := k.NewProcess(nil)
	require.NotEqual(t, a.PID, b.PID)
	require.Greater(t, b.PID, a.PID)
}

func TestNewThreadAssignsIncreasingTIDs(t *testing.T) {
	k := newTestKernel()
	p := k.NewProcess(nil)
	a := k.NewThread(p, 0x1000, 0)
	b := k.NewThread(p, 0x2000, 0)
	require.NotEqual(t, a.TID, b.TID)
}

func TestEndpointAllocAndResolveRoundTrip(t *testing.T) {
	k := newTestKernel()
	ref, err := k.AllocEndpoint(0)
	require.Nil(t, err)

	ep, err := k.Endpoint(ref)
	require.Nil(t, err)
	require.NotNil(t, ep)
}

func TestEndpointResolveRejectsStaleRef(t *testing.T) {
	k := newTestKernel()
	ref, err := k.AllocEndpoint(0)
	require.Nil(t, err)

	require.Nil(t, k.EndpointPool.Release(ref))
	_, err = k.Endpoint(ref)
	require.Equal(t, object.ErrDestroyed, err)
}

func TestIrqLineAllocBindsLineNumber(t *testing.T) {
	k := newTestKernel()
	ref, err := k.AllocIrqLine(5)
	require.Nil(t, err)

	line, err := k.IrqLine(ref)
	require.Nil(t, err)
	require.EqualValues(t, 5, line.Number)
}

func TestIoPortRangeAllocRoundTrip(t *testing.T) {
	k := newTestKernel()
	ref, err := k.AllocIoPortRange(0x3F8, 8)
	require.Nil(t, err)

	rng, err := k.IoPortRangeOf(ref)
	require.Nil(t, err)
	require.EqualValues(t, 0x3F8, rng.Base)
	require.EqualValues(t, 8, rng.Count)
}

func TestMemoryRangePoolExhaustion(t *testing.T) {
	k := newTestKernel()
	for i := 0; i < MaxAddressSpaces; i++ {
		_, err := k.AllocMemoryRange(0, 1)
		require.Nil(t, err)
	}
	_, err := k.AllocMemoryRange(0, 1)
	require.Equal(t, object.ErrTableFull, err)
}
