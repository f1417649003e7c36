package jitregalloc

import (
	"fmt"

	"github.com/colorfulnotion/ppcjit64/log"
)

// FlushMode selects what Flush does to a register's binding after
// writing its value back to memory.
type FlushMode uint8

const (
	// Full stores (if dirty) and unbinds: the preg ends up at Mem.
	Full FlushMode = iota
	// MaintainState stores (if dirty) but keeps the host binding intact;
	// used at a conditional block exit whose continuation still expects
	// the cache in its current shape.
	MaintainState
	// Undirty stores (if dirty) and clears the dirty bit but, like
	// MaintainState, keeps the binding.
	Undirty
)

func (m FlushMode) String() string {
	switch m {
	case MaintainState:
		return "maintain_state"
	case Undirty:
		return "undirty"
	default:
		return "full"
	}
}

// Flush writes every preg in pregs that isn't already at its default
// location back to memory, then applies mode to the binding: Full
// unbinds, MaintainState and Undirty leave the binding in place (Undirty
// additionally clears the dirty bit that a store already made stale).
// Fails without emitting anything if any preg in the set is locked or
// under a revertable transaction.
func (a *Allocator) Flush(bank BankKind, pregs []int, mode FlushMode) error {
	b := a.bank(bank)
	for _, p := range pregs {
		g := &b.Guest[p]
		if g.IsLocked() {
			return fmt.Errorf("%s preg %d: %w", bank, p, ErrLockedDuringFlush)
		}
		if g.Revertable {
			return revertableErr(bank, p)
		}
		if g.IsDiscarded() {
			return fmt.Errorf("%s preg %d: %w", bank, p, ErrDiscardedRegister)
		}
	}
	for _, p := range pregs {
		g := &b.Guest[p]
		if !g.IsBound() {
			g.Immediate = nil
			g.InDefaultLocation = true
			continue
		}
		if g.Dirty {
			if b.Kind == GPRBank {
				b.emitter.StoreGPR(g.HostRegister, g.Default)
			} else {
				b.emitter.StoreFPR(g.HostRegister, g.Default)
			}
		}
		switch mode {
		case Full:
			b.Host[g.HostRegister].BoundPreg = NoPreg
			g.HostRegister = NoHostReg
			g.Dirty = false
			g.InDefaultLocation = true
		case Undirty:
			g.Dirty = false
			g.InDefaultLocation = false
		case MaintainState:
			// binding survives; the store already made memory consistent
			// with the register's value, so the dirty bit clears too.
			g.Dirty = false
			g.InDefaultLocation = false
		}
		g.Immediate = nil
		log.Debug(log.FlushMonitoring, "flush", "bank", bank.String(), "preg", p, "mode", mode.String())
	}
	return nil
}

// FlushAll flushes every register in a bank with Full, for use at block
// boundaries where the full PowerPC state block must be coherent in
// memory (e.g. before a guest call or trap).
func (a *Allocator) FlushAll(bank BankKind) error {
	return a.Flush(bank, allPregs(), Full)
}

// Discard marks every preg in pregs as holding a dead value: any host
// binding is dropped without a writeback, and any constant-propagated
// immediate is cleared. Locked or revertable pregs cannot be discarded.
func (a *Allocator) Discard(bank BankKind, pregs []int) error {
	b := a.bank(bank)
	for _, p := range pregs {
		g := &b.Guest[p]
		if g.IsLocked() {
			return fmt.Errorf("%s preg %d: %w", bank, p, ErrLockedDuringFlush)
		}
		if g.Revertable {
			return revertableErr(bank, p)
		}
	}
	for _, p := range pregs {
		g := &b.Guest[p]
		if g.IsBound() {
			b.Host[g.HostRegister].BoundPreg = NoPreg
		}
		g.HostRegister = NoHostReg
		g.Dirty = false
		g.Immediate = nil
		g.InDefaultLocation = false
		log.Debug(log.FlushMonitoring, "discard", "bank", bank.String(), "preg", p)
	}
	return nil
}

// Reset declares every preg in pregs back at its default location
// without emitting a store — for when the caller already wrote memory
// directly. Any preg still bound fails the whole call with
// ResetOfBoundRegister; the caller must Flush or Discard it first.
func (a *Allocator) Reset(bank BankKind, pregs []int) error {
	b := a.bank(bank)
	for _, p := range pregs {
		if b.Guest[p].IsBound() {
			return fmt.Errorf("%s preg %d: %w", bank, p, ErrResetOfBoundRegister)
		}
	}
	for _, p := range pregs {
		g := &b.Guest[p]
		*g = GuestRegState{HostRegister: NoHostReg, Default: g.Default, InDefaultLocation: true}
	}
	return nil
}

// ResetAll resets every register in a bank; callers must FlushAll or
// Discard first if any register may still be bound.
func (a *Allocator) ResetAll(bank BankKind) error {
	return a.Reset(bank, allPregs())
}

// Preload opportunistically binds and loads the given pregs, without
// taking a lock, to warm the cache ahead of a region that will need
// them. Refuses if doing so would leave fewer than two host registers
// free in the bank afterward. Pregs already Bound or Imm are left alone;
// immediates are never preloaded into a register.
func (a *Allocator) Preload(bank BankKind, pregs []int) error {
	b := a.bank(bank)
	need := 0
	for _, p := range pregs {
		g := &b.Guest[p]
		if g.IsDiscarded() {
			return fmt.Errorf("%s preg %d: %w", bank, p, ErrDiscardedRegister)
		}
		if !g.IsBound() && !g.IsImm() {
			need++
		}
	}
	if need == 0 {
		return nil
	}
	free := 0
	for _, hr := range b.Order {
		if b.Host[hr].Free() {
			free++
		}
	}
	if free-need < 2 {
		return fmt.Errorf("%s: %w (preload of %d pregs would leave fewer than 2 free)", bank, ErrOutOfRegisters, len(pregs))
	}
	for _, p := range pregs {
		g := &b.Guest[p]
		if g.IsBound() || g.IsImm() {
			continue
		}
		hr, err := a.bindFromMemory(b, p, Read)
		if err != nil {
			return fmt.Errorf("%s preg %d: %w", bank, p, err)
		}
		log.Debug(log.RegAllocMonitoring, "preload", "bank", bank.String(), "preg", p, "xreg", hr)
	}
	return nil
}

// ForceDirty marks every already-bound preg in pregs as dirty, without
// emitting anything or touching pregs that aren't currently bound —
// for a caller that wrote a host register through a path this package
// didn't itself drive, most notably a fork barrier re-asserting a
// region's live-out set after restore's snapshot copy clobbered the
// dirty bit back to whatever it was at Fork time. Named and grounded
// after Dolphin's RegCache::ForceDirty, called from the in-block-branch
// barrier as gpr.ForceDirty(regsOut)/fpr.ForceDirty(fregsOut).
func (a *Allocator) ForceDirty(bank BankKind, pregs PregSet) {
	b := a.bank(bank)
	for p := 0; p < numPregs; p++ {
		if !pregs.Has(p) {
			continue
		}
		g := &b.Guest[p]
		if g.IsBound() {
			g.Dirty = true
			g.InDefaultLocation = false
		}
	}
}

func allPregs() []int {
	out := make([]int, numPregs)
	for i := range out {
		out[i] = i
	}
	return out
}
