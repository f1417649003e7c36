package jitregalloc

import (
	"errors"
	"fmt"
)

const numPregs = 32
const numHostRegs = 16

// GuestRegState is the cached-state row for one PowerPC register (GPR or
// FPR). Its current authoritative location is exactly one of: bound to
// HostRegister, constant-propagated into Immediate, or (when neither of
// those holds) sitting at Default, its in-memory location. Dirty is only
// meaningful while bound: it marks a host register value newer than
// memory, so Flush knows whether a spill store is required.
type GuestRegState struct {
	Default MemOperand

	HostRegister HostReg // NoHostReg if not bound to an xreg
	Dirty        bool    // HostRegister holds a value newer than Default
	Immediate    *uint32 // non-nil only for constant-propagated GPRs

	// InDefaultLocation tracks whether Default currently holds this
	// preg's value, independent of IsBound/IsImm: a preg can be neither
	// bound nor immediate and still not be safe to read from Default,
	// if it was Discarded and never rebound since. Set true by Start,
	// Reset, ClearConstGPR, and whenever a flush, eviction or Revert leaves the preg
	// unbound; set false by Discard and by anything that takes the preg
	// bound or immediate (a flush that keeps the binding leaves it false).
	InDefaultLocation bool

	LockCount  int
	Revertable bool

	Constraint Constraint
}

func (g *GuestRegState) IsBound() bool  { return g.HostRegister != NoHostReg }
func (g *GuestRegState) IsImm() bool    { return g.Immediate != nil }
func (g *GuestRegState) IsMem() bool    { return !g.IsBound() && !g.IsImm() && g.InDefaultLocation }
func (g *GuestRegState) IsDiscarded() bool {
	return !g.IsBound() && !g.IsImm() && !g.InDefaultLocation
}
func (g *GuestRegState) IsLocked() bool { return g.LockCount > 0 }

// HostRegState is the cached-state row for one x86_64 register.
type HostRegState struct {
	BoundPreg int8 // NoPreg if free
	LockCount int
	Reserved  bool // never handed out by the allocator (SP/BP/base/scratch XMM)
}

func (h *HostRegState) Free() bool {
	return !h.Reserved && h.BoundPreg == NoPreg && h.LockCount == 0
}

// BankKind names the two independent register files for logging and
// error messages.
type BankKind uint8

const (
	GPRBank BankKind = iota
	FPRBank
)

func (k BankKind) String() string {
	if k == FPRBank {
		return "fpr"
	}
	return "gpr"
}

// Bank is one of the two independent cached-state tables (GPR, FPR)
// described by the data model — a struct-of-arrays of guest rows
// and host rows plus the fixed allocation order for this ABI, grounded
// on pvm/x86_registers.go's flat X86Reg table split here into two banks
// instead of one shared register file.
type Bank struct {
	Kind  BankKind
	Guest [numPregs]GuestRegState
	Host  [numHostRegs]HostRegState
	Order []HostReg

	fixed   RegSet // xregs pinned by an open ForkGuard, never chosen for eviction
	emitter Emitter
}

func newGPRBank(abi ABI, emitter Emitter, defaultBase int32) *Bank {
	b := &Bank{Kind: GPRBank, Order: gprAllocOrder(abi), emitter: emitter}
	for i := range b.Guest {
		b.Guest[i].HostRegister = NoHostReg
		b.Guest[i].Default = MemOperand{Base: PPCStateReg, Offset: defaultBase + int32(i)*8}
		b.Guest[i].InDefaultLocation = true
	}
	for i := range b.Host {
		b.Host[i].BoundPreg = NoPreg
		b.Host[i].Reserved = reservedGPR(HostReg(i))
	}
	return b
}

func newFPRBank(emitter Emitter, defaultBase int32) *Bank {
	b := &Bank{Kind: FPRBank, Order: fprAllocOrder, emitter: emitter}
	for i := range b.Guest {
		b.Guest[i].HostRegister = NoHostReg
		b.Guest[i].Default = MemOperand{Base: PPCStateReg, Offset: defaultBase + int32(i)*8}
		b.Guest[i].InDefaultLocation = true
	}
	for i := range b.Host {
		b.Host[i].BoundPreg = NoPreg
		b.Host[i].Reserved = reservedFPR(HostReg(i))
	}
	return b
}

// RegistersInUse returns the set of xregs currently bound or locked; it
// never includes reserved-but-unbound registers.
func (b *Bank) RegistersInUse() RegSet {
	var s RegSet
	for i := range b.Host {
		if b.Host[i].BoundPreg != NoPreg || b.Host[i].LockCount > 0 {
			s = s.Set(HostReg(i))
		}
	}
	return s
}

// GetMaxPreloadableRegisters is the ceiling SelectForkRegion uses when
// deciding how many live pregs an in-block branch region's combined
// footprint may touch without guaranteeing a spill: the bank's entire
// allocatable register count.
func (b *Bank) GetMaxPreloadableRegisters() int {
	return len(b.Order)
}

// AllocationOrder exposes the fixed per-bank iteration order, added so
// tests and callers can assert on allocator determinism without
// duplicating the ABI tables.
func (b *Bank) AllocationOrder() []HostReg {
	out := make([]HostReg, len(b.Order))
	copy(out, b.Order)
	return out
}

// SanityCheck walks both tables looking for state the invariants forbid:
// a binding that is not symmetric between the guest and host rows, a
// bank-level double bind, a bound or immediate preg also marked in its
// default location, a bound preg that is also immediate, or a negative
// lock count. Constraints of locked pregs are not inspected. Mirrors pvm/program/analysis.go's ProgramStats-style
// aggregate validation, adapted to cross-check two parallel tables
// instead of summarizing one instruction stream.
func (b *Bank) SanityCheck() error {
	var errs []error
	seen := make(map[HostReg]int8)
	for p := range b.Guest {
		g := &b.Guest[p]
		if g.IsBound() {
			hr := g.HostRegister
			if int(hr) < 0 || int(hr) >= numHostRegs {
				errs = append(errs, fmt.Errorf("%s preg %d: %w (host index %d out of range)", b.Kind, p, ErrConstraintConflict, hr))
				continue
			}
			if prev, ok := seen[hr]; ok {
				errs = append(errs, fmt.Errorf("%s xreg %d: %w (bound by pregs %d and %d)", b.Kind, hr, ErrDoubleBind, prev, p))
			}
			seen[hr] = int8(p)
			if b.Host[hr].BoundPreg != int8(p) {
				errs = append(errs, fmt.Errorf("%s preg %d claims xreg %d but host row points to preg %d", b.Kind, p, hr, b.Host[hr].BoundPreg))
			}
			if g.IsImm() {
				errs = append(errs, fmt.Errorf("%s preg %d: bound and constant-propagated simultaneously", b.Kind, p))
			}
			if g.InDefaultLocation {
				errs = append(errs, fmt.Errorf("%s preg %d: bound and in default location simultaneously", b.Kind, p))
			}
		}
		if g.IsImm() && g.InDefaultLocation {
			errs = append(errs, fmt.Errorf("%s preg %d: constant-propagated and in default location simultaneously", b.Kind, p))
		}
		if g.LockCount < 0 {
			errs = append(errs, fmt.Errorf("%s preg %d: negative lock count %d", b.Kind, p, g.LockCount))
		}
	}
	for r := range b.Host {
		h := &b.Host[r]
		if h.BoundPreg != NoPreg {
			g := &b.Guest[h.BoundPreg]
			if g.HostRegister != HostReg(r) {
				errs = append(errs, fmt.Errorf("%s xreg %d claims preg %d but guest row points to xreg %d", b.Kind, r, h.BoundPreg, g.HostRegister))
			}
		}
		if h.LockCount < 0 {
			errs = append(errs, fmt.Errorf("%s xreg %d: negative lock count %d", b.Kind, r, h.LockCount))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
