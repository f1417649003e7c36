package jitregalloc

import (
	"fmt"

	"github.com/colorfulnotion/ppcjit64/log"
)

// OperandHandle is the scoped, move-only reference to one guest register
// returned by the allocator's five constructors (Use, UseNoImm, BindOrImm,
// Bind, RevertableBind). Constructing a handle only records a
// constraint; Realize commits to a location and emits any loads/spills
// needed to get there. A handle must be Release()d exactly once, and
// must not be used (copied, read twice, held past its owning code path)
// after release — Go has no compile-time move checking, so this is
// enforced at runtime via the released flag.
type OperandHandle struct {
	a        *Allocator
	bank     BankKind
	preg     int
	kind     HandleKind
	mode     Mode
	realized bool
	released bool
	loc      OperandLocation
}

// Realize commits the handle to a concrete OperandLocation, emitting
// whatever loads or evictions are required to get there. Idempotent:
// calling it again just returns the previously computed location.
func (h *OperandHandle) Realize() (OperandLocation, error) {
	if h.released {
		return OperandLocation{}, fmt.Errorf("preg %d: %w (Realize after Release)", h.preg, ErrUnrealizedHandle)
	}
	if h.realized {
		return h.loc, nil
	}
	loc, err := h.a.realize(h.bank, h.preg, h.kind, h.mode)
	if err != nil {
		return OperandLocation{}, err
	}
	h.loc = loc
	h.realized = true
	return loc, nil
}

// Release drops this handle's lock on its guest register. When it is the
// last outstanding lock, the register's constraint accumulator resets so
// a future, unrelated handle starts from a clean slate.
func (h *OperandHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.a.release(h.bank, h.preg)
}

// Preg returns the guest register index this handle covers, for callers
// building diagnostic messages.
func (h *OperandHandle) Preg() int { return h.preg }

// ExclusiveHandle is a raw scratch host register, not tied to any guest
// preg — the allocator's answer to codegen sequences (address
// computation, temporary widen/narrow) that need a register with no
// guest-visible meaning. Grounded on recompiler.go's ad hoc scratch-reg
// use around BuildWriteContextSlotCode, formalized here as its own
// handle type instead of borrowing a guest preg's slot.
type ExclusiveHandle struct {
	a        *Allocator
	bank     BankKind
	host     HostReg
	released bool
}

// Reg returns the host register this handle owns.
func (h *ExclusiveHandle) Reg() HostReg { return h.host }

// Release frees the scratch register for reuse.
func (h *ExclusiveHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	bank := h.a.bank(h.bank)
	bank.Host[h.host].LockCount--
	if bank.Host[h.host].LockCount == 0 {
		bank.Host[h.host].BoundPreg = NoPreg
	}
	log.Debug(log.RegAllocMonitoring, "scratch released", "bank", h.bank.String(), "xreg", h.host)
}
