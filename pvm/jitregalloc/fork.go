package jitregalloc

import (
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/ppcjit64/log"
)

// SelectForkRegion picks a fork region: starting at op
// index `start`, it walks forward adding in-block branches in order as
// long as the cumulative union of their GPR/FPR footprints still fits
// within each bank's GetMaxPreloadableRegisters, and returns the region's
// exclusive end index. A forward branch extends the end to its target
// plus one; a backward branch only needs the region to cover past the
// branch instruction itself, since its target was already visited (and
// recorded via ForkGuard.RecordTarget) earlier in the walk. An Outside
// branch is never absorbed into the region — it leaves the block, so
// nothing past it can share the fork's cached-state snapshot.
func SelectForkRegion(ops []OpInfo, start int, gpr, fpr *Bank) int {
	gprBudget := gpr.GetMaxPreloadableRegisters()
	fprBudget := fpr.GetMaxPreloadableRegisters()

	end := start + 1
	var gprUnion, fprUnion PregSet
	for i := start; i < len(ops); i++ {
		op := &ops[i]
		if op.Branch == nil || op.Branch.Direction == DirOutside {
			continue
		}
		candidateGPR := gprUnion | op.GPRUse | op.GPRWrite
		candidateFPR := fprUnion | op.FPRUse | op.FPRWrite
		if bits.OnesCount32(uint32(candidateGPR)) > gprBudget || bits.OnesCount32(uint32(candidateFPR)) > fprBudget {
			break
		}
		gprUnion, fprUnion = candidateGPR, candidateFPR

		if op.Branch.Direction == DirBackward {
			if i+1 > end {
				end = i + 1
			}
		} else if op.Branch.BranchTarget+1 > end {
			end = op.Branch.BranchTarget + 1
		}
	}
	return end
}

// bankSnapshot is a full copy of one bank's cached-state tables, taken
// at a branch point so the region between Fork and Join can speculate
// on both paths and then be forced back to a single, known-consistent
// table before either path's successor is generated.
type bankSnapshot struct {
	guest [numPregs]GuestRegState
	host  [numHostRegs]HostRegState
}

func snapshotBank(b *Bank) bankSnapshot {
	var s bankSnapshot
	copy(s.guest[:], b.Guest[:])
	copy(s.host[:], b.Host[:])
	return s
}

// fixup is a forward branch awaiting the patch that will splice in its
// target's real address once that address is known, the same two-pass
// shape as pvm/recompiler/recompiler.go's initDJumpFunc entryPatch
// placeholder (0x99999999 sentinel).
type fixup struct {
	site   int // byte offset in the emitted stream of the 4-byte placeholder
	target int // op-stream index the patch should resolve to
}

// ForkGuard coordinates an in-block branch region: both the fallthrough
// and taken paths are generated against the same entry cached-state
// table, so whichever one actually executes at runtime finds the
// register cache in the state the other one also left it in.
type ForkGuard struct {
	a   *Allocator
	gpr bankSnapshot
	fpr bankSnapshot

	gprLiveOut PregSet
	fprLiveOut PregSet

	fixups  []fixup
	targets map[int]bankPairSnapshot
}

type bankPairSnapshot struct {
	gpr bankSnapshot
	fpr bankSnapshot
}

// Fork opens a branch region. Only one can be open at a time — nested
// branches are handled by the caller joining the inner one before
// forking again, not by this package stacking guards.
func (a *Allocator) Fork() (*ForkGuard, error) {
	if a.fork != nil {
		return nil, ErrForkGuardAlreadyOpen
	}
	fg := &ForkGuard{
		a:       a,
		gpr:     snapshotBank(a.GPR),
		fpr:     snapshotBank(a.FPR),
		targets: make(map[int]bankPairSnapshot),
	}
	a.fork = fg
	log.Debug(log.ForkMonitoring, "fork", "gpr_in_use", a.GPR.RegistersInUse(), "fpr_in_use", a.FPR.RegistersInUse())
	return fg, nil
}

// Pin prevents the allocator from evicting a binding for the duration of
// the fork region, so both the taken and fallthrough paths can rely on
// it staying put (e.g. a loop induction variable kept live across the
// back edge). Delegates to the allocator's FixHostRegisters.
func (fg *ForkGuard) Pin(bank BankKind, preg int) error {
	return fg.a.FixHostRegisters(bank, []int{preg})
}

// SetLiveOut records the region's live-out preg sets — the pregs still
// live past the region regardless of which path executed it, matching
// Jit_InBlockBranch.cpp's regsOut/fregsOut. Barrier re-asserts the dirty
// bit on every one of these that ends up bound, since restoring the
// fork's entry snapshot would otherwise silently clean a value the
// region's fallthrough or taken path just wrote. Safe to skip if nothing
// inside the region writes a preg that outlives it.
func (fg *ForkGuard) SetLiveOut(gpr, fpr PregSet) {
	fg.gprLiveOut = gpr
	fg.fprLiveOut = fpr
}

// AddFixup records a forward branch whose target address isn't known
// yet; `site` is the byte offset of the placeholder the caller already
// emitted (mirroring recompiler.go's 0x99999999 entryPatch convention)
// and `target` is the op-stream index it should eventually resolve to.
func (fg *ForkGuard) AddFixup(site, target int) {
	fg.fixups = append(fg.fixups, fixup{site: site, target: target})
}

// Fixups returns the recorded forward-branch patch sites, for the
// caller's own code-patching pass once all targets' addresses are known.
func (fg *ForkGuard) Fixups() []fixup {
	out := make([]fixup, len(fg.fixups))
	copy(out, fg.fixups)
	return out
}

// RecordTarget snapshots the cached state at a backward-branch target
// (a loop head reached before its back edge is generated), keyed by op
// index. The snapshot is only stored: Join and Barrier do not compare
// later state against it.
func (fg *ForkGuard) RecordTarget(opIndex int) {
	fg.targets[opIndex] = bankPairSnapshot{gpr: snapshotBank(fg.a.GPR), fpr: snapshotBank(fg.a.FPR)}
}

// Barrier restores both banks to the fork's entry snapshot, spilling or
// reloading whatever the speculative path changed, and is called once
// per path (fallthrough and taken) before that path's successor code is
// generated — forcing convergence instead of tracking divergent tables.
func (fg *ForkGuard) Barrier() error {
	if fg.a.fork != fg {
		return ErrForkGuardNotOpen
	}
	if err := fg.restore(fg.a.GPR, fg.gpr); err != nil {
		return err
	}
	if err := fg.restore(fg.a.FPR, fg.fpr); err != nil {
		return err
	}
	fg.a.ForceDirty(GPRBank, fg.gprLiveOut)
	fg.a.ForceDirty(FPRBank, fg.fprLiveOut)
	log.Debug(log.ForkMonitoring, "barrier")
	return nil
}

// restore reconciles a bank's current table with the snapshot taken at
// Fork: anything bound now that the snapshot had at Mem gets spilled,
// and anything the snapshot had bound that is no longer bound gets
// reloaded, so the table is byte-for-byte what it was at Fork.
func (fg *ForkGuard) restore(b *Bank, snap bankSnapshot) error {
	for p := range b.Guest {
		g := &b.Guest[p]
		want := snap.guest[p]
		if g.IsLocked() || g.Revertable {
			return fmt.Errorf("%s preg %d: %w", b.Kind, p, ErrLockedDuringFlush)
		}
		switch {
		case g.IsBound() && !want.IsBound():
			if g.Dirty {
				if b.Kind == GPRBank {
					b.emitter.StoreGPR(g.HostRegister, g.Default)
				} else {
					b.emitter.StoreFPR(g.HostRegister, g.Default)
				}
			}
			b.Host[g.HostRegister].BoundPreg = NoPreg
		case !g.IsBound() && want.IsBound():
			hr := want.HostRegister
			if b.Host[hr].BoundPreg != NoPreg {
				return fmt.Errorf("%s preg %d: %w (xreg %d already reclaimed)", b.Kind, p, ErrConstraintConflict, hr)
			}
			if g.IsImm() {
				if b.Kind == GPRBank {
					b.emitter.MovGPRImm(hr, *g.Immediate)
				}
			} else {
				if b.Kind == GPRBank {
					b.emitter.LoadGPR(hr, g.Default)
				} else {
					b.emitter.LoadFPR(hr, g.Default)
				}
			}
			g.HostRegister = hr
			g.Dirty = want.Dirty
			b.Host[hr].BoundPreg = int8(p)
		}
		*g = want
		if g.IsBound() {
			b.Host[g.HostRegister].BoundPreg = int8(p)
		}
	}
	return nil
}

// Join closes the fork region: unpins every register Pin fixed (only one
// fork region is ever open at a time, so a full UnfixHostRegisters is
// always correct here) and clears the guard so
// a subsequent Fork can open.
func (fg *ForkGuard) Join() error {
	if fg.a.fork != fg {
		return ErrForkGuardNotOpen
	}
	fg.a.UnfixHostRegisters(GPRBank)
	fg.a.UnfixHostRegisters(FPRBank)
	fg.a.fork = nil
	log.Debug(log.ForkMonitoring, "join", "fixups", len(fg.fixups))
	return nil
}

// --- downcount batching -------------------------------------------------

// AddCycles accumulates guest-instruction cycle cost without emitting
// anything yet, so a straight-line run of instructions debits the
// downcount counter once instead of once per instruction.
func (a *Allocator) AddCycles(n int32) { a.pendingCycles += n }

// FlushDowncount emits the accumulated SUB against the downcount counter
// and resets the accumulator; callers must call this before any branch,
// call, or block exit that might read downcount.
func (a *Allocator) FlushDowncount() {
	if a.pendingCycles == 0 {
		return
	}
	a.GPR.emitter.SubDowncount(a.downcountAddr, a.pendingCycles)
	log.Debug(log.RegAllocMonitoring, "downcount flushed", "cycles", a.pendingCycles)
	a.pendingCycles = 0
}
