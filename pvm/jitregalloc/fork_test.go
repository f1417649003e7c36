package jitregalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForkBarrierRestoresEntryState(t *testing.T) {
	a := newTestAllocator()

	h, err := a.Bind(GPRBank, 1, Read)
	require.NoError(t, err)
	_, err = h.Realize()
	require.NoError(t, err)
	h.Release()
	entryReg := a.R(GPRBank, 1)

	fg, err := a.Fork()
	require.NoError(t, err)

	// Speculatively bind a second preg on the taken path.
	h2, err := a.Bind(GPRBank, 2, Read)
	require.NoError(t, err)
	_, err = h2.Realize()
	require.NoError(t, err)
	h2.Release()
	require.True(t, a.IsBound(GPRBank, 2))

	require.NoError(t, fg.Barrier())

	// Barrier must force the table back to exactly the fork-entry shape.
	require.False(t, a.IsBound(GPRBank, 2))
	require.True(t, a.IsBound(GPRBank, 1))
	require.Equal(t, entryReg, a.R(GPRBank, 1))

	require.NoError(t, fg.Join())
}

func TestForkBarrierForcesDirtyForLiveOutPreg(t *testing.T) {
	a := newTestAllocator()

	h, err := a.Bind(GPRBank, 1, Read)
	require.NoError(t, err)
	_, err = h.Realize()
	require.NoError(t, err)
	h.Release()
	require.False(t, a.GPR.Guest[1].Dirty)
	entryReg := a.R(GPRBank, 1)

	fg, err := a.Fork()
	require.NoError(t, err)
	fg.SetLiveOut(PregSet(0).Set(1), 0)

	// The fallthrough path writes preg 1 in place, without changing its
	// host register.
	h2, err := a.Bind(GPRBank, 1, Write)
	require.NoError(t, err)
	_, err = h2.Realize()
	require.NoError(t, err)
	h2.Release()
	require.True(t, a.GPR.Guest[1].Dirty)

	require.NoError(t, fg.Barrier())

	// restore alone copies the fork-entry snapshot back, which would
	// silently clean the dirty bit even though the value the region just
	// wrote is still live past it; the live-out set must force it dirty
	// again.
	require.True(t, a.IsBound(GPRBank, 1))
	require.Equal(t, entryReg, a.R(GPRBank, 1))
	require.True(t, a.GPR.Guest[1].Dirty, "live-out preg written inside the fork region must still be dirty after Barrier")

	require.NoError(t, fg.Join())

	e := a.GPR.emitter.(*x86Emitter)
	before := len(e.Bytes())
	require.NoError(t, a.FlushAll(GPRBank))
	require.Greater(t, len(e.Bytes()), before, "the forced-dirty preg must actually be flushed")
}

func TestForkPinPreventsEviction(t *testing.T) {
	a := newTestAllocator()
	order := a.GPR.AllocationOrder()

	h, err := a.Bind(GPRBank, 0, Read)
	require.NoError(t, err)
	_, err = h.Realize()
	require.NoError(t, err)
	h.Release()
	pinnedReg := a.R(GPRBank, 0)

	fg, err := a.Fork()
	require.NoError(t, err)
	require.NoError(t, fg.Pin(GPRBank, 0))

	// Fill and lock every other allocatable register so only the pinned
	// one would otherwise be a spill candidate.
	var held []*OperandHandle
	for i := 1; i < len(order); i++ {
		hh, err := a.Bind(GPRBank, i, Read)
		require.NoError(t, err)
		_, err = hh.Realize()
		require.NoError(t, err)
		held = append(held, hh)
	}

	extra, err := a.Bind(GPRBank, 20, Read)
	require.NoError(t, err)
	_, err = extra.Realize()
	require.ErrorIs(t, err, ErrOutOfRegisters, "pinned register must not be offered for eviction")
	extra.Release()

	for _, hh := range held {
		hh.Release()
	}
	require.NoError(t, fg.Barrier())
	require.NoError(t, fg.Join())
	require.Equal(t, pinnedReg, a.R(GPRBank, 0))
}

func TestForkAlreadyOpenErrors(t *testing.T) {
	a := newTestAllocator()
	_, err := a.Fork()
	require.NoError(t, err)
	_, err = a.Fork()
	require.ErrorIs(t, err, ErrForkGuardAlreadyOpen)
}

func TestDowncountBatchesAcrossInstructions(t *testing.T) {
	a := newTestAllocator()
	a.AddCycles(3)
	a.AddCycles(4)

	e := a.GPR.emitter.(*x86Emitter)
	require.Empty(t, e.Bytes(), "cycles must not be emitted until FlushDowncount")

	a.FlushDowncount()
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 1)

	before := len(e.Bytes())
	a.FlushDowncount()
	require.Equal(t, before, len(e.Bytes()), "flushing with nothing pending must be a no-op")
}
