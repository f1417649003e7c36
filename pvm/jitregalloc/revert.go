package jitregalloc

import (
	"fmt"

	"github.com/colorfulnotion/ppcjit64/log"
)

// RegistersRevertable returns the current revertable set for the bank —
// every preg still part of an open revertable transaction — so a fault
// handler can iterate the exact set instead of only learning that one
// exists. The empty set means no revertable transaction is open.
func (a *Allocator) RegistersRevertable(bank BankKind) PregSet {
	b := a.bank(bank)
	var s PregSet
	for i := range b.Guest {
		if b.Guest[i].Revertable {
			s = s.Set(i)
		}
	}
	return s
}

// Commit finalizes every outstanding revertable transaction in both
// banks: the speculative writes are kept, and the affected registers
// behave like any other Bind result from now on.
func (a *Allocator) Commit() error {
	if a.RegistersRevertable(GPRBank) == 0 && a.RegistersRevertable(FPRBank) == 0 {
		return ErrNoActiveRevertable
	}
	clearRevertable(a.GPR)
	clearRevertable(a.FPR)
	log.Debug(log.RevertMonitoring, "commit")
	return nil
}

func clearRevertable(b *Bank) {
	for i := range b.Guest {
		b.Guest[i].Revertable = false
	}
}

// Revert undoes every outstanding revertable transaction. Equivalent to
// SetFlushed(maintain_host_register = false) applied to each revertable
// preg: because realizeRevertable
// already spilled the prior authoritative value to memory (mode
// Undirty) before the speculative write landed, rolling back needs no
// saved snapshot — it only has to drop the binding and discard the
// speculative value, leaving memory's already-correct contents as the
// preg's default location.
func (a *Allocator) Revert() error {
	if a.RegistersRevertable(GPRBank) == 0 && a.RegistersRevertable(FPRBank) == 0 {
		return ErrNoActiveRevertable
	}
	revertBank(a.GPR)
	revertBank(a.FPR)
	log.Debug(log.RevertMonitoring, "revert")
	return nil
}

func revertBank(b *Bank) {
	for p := range b.Guest {
		g := &b.Guest[p]
		if !g.Revertable {
			continue
		}
		if g.IsBound() {
			b.Host[g.HostRegister].BoundPreg = NoPreg
			g.HostRegister = NoHostReg
		}
		g.Dirty = false
		g.Immediate = nil
		g.Revertable = false
		g.InDefaultLocation = true
	}
}

func revertableErr(bank BankKind, preg int) error {
	return fmt.Errorf("%s preg %d: %w", bank, preg, ErrRevertableDuringFlush)
}
