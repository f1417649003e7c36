package jitregalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Walks through the allocator's core codegen paths end to end, the way a
// recompiler loop would drive them across a handful of guest instructions.

func TestImmediateMaterializesIntoFirstSysVOrderRegister(t *testing.T) {
	a := newTestAllocator()
	a.SetConstGPR(3, 0x10)
	require.True(t, a.IsImm(GPRBank, 3))

	h, err := a.Bind(GPRBank, 3, Write)
	require.NoError(t, err)
	loc, err := h.Realize()
	require.NoError(t, err)

	require.Equal(t, Bound, loc.Kind)
	require.Equal(t, gprR12, loc.Host, "first SysV allocation-order register")
	require.False(t, a.IsImm(GPRBank, 3), "constant cleared once materialized")
	require.True(t, a.GPR.Guest[3].Dirty)
	require.False(t, a.GPR.Guest[3].IsMem())

	e := a.GPR.emitter.(*x86Emitter)
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 1, "only the mov-immediate, no load from memory")
	h.Release()
}

func TestReuseAfterReleaseSkipsReload(t *testing.T) {
	a := newTestAllocator()
	a.SetConstGPR(3, 0x10)
	h, err := a.Bind(GPRBank, 3, Write)
	require.NoError(t, err)
	_, err = h.Realize()
	require.NoError(t, err)
	h.Release()

	boundReg := a.R(GPRBank, 3)
	e := a.GPR.emitter.(*x86Emitter)
	before := len(e.Bytes())

	h2, err := a.Use(GPRBank, 3, Read)
	require.NoError(t, err)
	loc, err := h2.Realize()
	require.NoError(t, err)

	require.Equal(t, Bound, loc.Kind)
	require.Equal(t, boundReg, loc.Host)
	require.Equal(t, before, len(e.Bytes()), "still-bound register must not reload")
	h2.Release()
}

func TestSpillUnderPressurePicksMinimumScoreVictim(t *testing.T) {
	a := newTestAllocator()
	order := a.GPR.AllocationOrder()

	for i, hr := range order {
		h, err := a.Bind(GPRBank, i, ReadWrite)
		require.NoError(t, err)
		_, err = h.Realize()
		require.NoError(t, err)
		require.Equal(t, hr, a.R(GPRBank, i))
		h.Release()
	}
	require.True(t, a.GPR.Guest[0].Dirty)
	victimReg := a.R(GPRBank, 0)

	h, err := a.Bind(GPRBank, len(order), Write)
	require.NoError(t, err)
	_, err = h.Realize()
	require.NoError(t, err)

	require.False(t, a.IsBound(GPRBank, 0), "preg 0 (no use recorded, evenly dirty) is a valid minimum-score victim")
	require.True(t, a.GPR.Guest[0].IsMem())

	e := a.GPR.emitter.(*x86Emitter)
	insts := decodeAll(t, e.Bytes())
	require.NotEmpty(t, insts, "the dirty victim's spill store must have been emitted")
	_ = victimReg
	h.Release()
}

func TestRevertableLoadRollsBackOnFault(t *testing.T) {
	a := newTestAllocator()

	h, err := a.RevertableBind(GPRBank, 5, Write)
	require.NoError(t, err)
	loc, err := h.Realize()
	require.NoError(t, err)
	require.Equal(t, Bound, loc.Kind)
	require.True(t, a.GPR.Guest[5].Revertable)

	// The emitter now emits the host instruction for the potentially-
	// faulting guest load, targeting loc.Host — simulated here by the
	// allocator already having marked the register dirty under Write.
	require.True(t, a.GPR.Guest[5].Dirty)
	h.Release()

	// The guest load faults; the exception-check path rolls back.
	require.NoError(t, a.Revert())

	require.False(t, a.IsBound(GPRBank, 5), "host xreg freed")
	require.True(t, a.GPR.Guest[5].IsMem(), "back in default location")
	require.False(t, a.GPR.Guest[5].Revertable)
}

func TestForkBarrierRestoresRegisterAndRecordsFixup(t *testing.T) {
	a := newTestAllocator()

	h, err := a.Bind(GPRBank, 3, Write)
	require.NoError(t, err)
	_, err = h.Realize()
	require.NoError(t, err)
	h.Release()
	entryReg := a.R(GPRBank, 3)
	entryDirty := a.GPR.Guest[3].Dirty

	fg, err := a.Fork()
	require.NoError(t, err)

	fixupSite := len(a.GPR.emitter.Bytes())
	fg.AddFixup(fixupSite, 12)

	// Speculative codegen along the taken path binds a second preg.
	h2, err := a.Bind(GPRBank, 7, Read)
	require.NoError(t, err)
	_, err = h2.Realize()
	require.NoError(t, err)
	h2.Release()
	require.True(t, a.IsBound(GPRBank, 7))

	require.NoError(t, fg.Barrier())
	barrierAddr := len(a.GPR.emitter.Bytes())

	require.False(t, a.IsBound(GPRBank, 7), "speculative binding undone at the barrier")
	require.True(t, a.IsBound(GPRBank, 3))
	require.Equal(t, entryReg, a.R(GPRBank, 3))
	require.Equal(t, entryDirty, a.GPR.Guest[3].Dirty)

	fixups := fg.Fixups()
	require.Len(t, fixups, 1)
	require.Equal(t, fixupSite, fixups[0].site)
	require.Equal(t, 12, fixups[0].target)
	require.GreaterOrEqual(t, barrierAddr, fixupSite, "barrier address resolves at or after the recorded fixup site")

	require.NoError(t, fg.Join())
}

func TestFlushMaintainStateLeavesBothRegistersBoundAndClean(t *testing.T) {
	a := newTestAllocator()

	h3, err := a.Bind(GPRBank, 3, Write)
	require.NoError(t, err)
	_, err = h3.Realize()
	require.NoError(t, err)
	h3.Release()

	h4, err := a.Bind(GPRBank, 4, Write)
	require.NoError(t, err)
	_, err = h4.Realize()
	require.NoError(t, err)
	h4.Release()

	reg3, reg4 := a.R(GPRBank, 3), a.R(GPRBank, 4)

	require.NoError(t, a.Flush(GPRBank, []int{3, 4}, MaintainState))

	e := a.GPR.emitter.(*x86Emitter)
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 2, "one store per dirty preg")

	require.True(t, a.IsBound(GPRBank, 3))
	require.True(t, a.IsBound(GPRBank, 4))
	require.Equal(t, reg3, a.R(GPRBank, 3))
	require.Equal(t, reg4, a.R(GPRBank, 4))
	require.False(t, a.GPR.Guest[3].IsMem(), "still bound, not in default location")
	require.False(t, a.GPR.Guest[3].Dirty)
	require.False(t, a.GPR.Guest[4].Dirty)
}
