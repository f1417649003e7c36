package jitregalloc

import (
	"fmt"

	"github.com/colorfulnotion/ppcjit64/log"
)

// Allocator owns both register banks and the op-stream lookahead state
// the spill heuristic and fork guard need. One Allocator corresponds to
// one in-flight recompiled block, mirroring the scope of
// pvm/recompiler/recompiler.go's RecompilerVM for a single compiled function.
type Allocator struct {
	GPR *Bank
	FPR *Bank

	ops []OpInfo
	pc  int

	downcountAddr MemOperand
	pendingCycles int32

	fork *ForkGuard
}

// NewAllocator wires up both banks against a single emitter and the
// default-location base offsets for the GPR and FPR blocks inside the
// PowerPC state structure.
func NewAllocator(abi ABI, emitter Emitter, gprBase, fprBase int32, downcountAddr MemOperand) *Allocator {
	return &Allocator{
		GPR:           newGPRBank(abi, emitter, gprBase),
		FPR:           newFPRBank(emitter, fprBase),
		downcountAddr: downcountAddr,
	}
}

// Start resets both banks to block-begin state: every preg back at its
// default location with no binding, no immediate, no lock, no revertable
// transaction, and no constraint; every host register free and unfixed.
// Named and grounded after Dolphin's RegCache::Start, the reset a new
// block's codegen runs before touching either cache — distinct from
// NewAllocator, which only ever runs once per emitter/ABI pairing.
func (a *Allocator) Start() {
	startBank(a.GPR)
	startBank(a.FPR)
	a.fork = nil
	a.pendingCycles = 0
	a.ops = nil
	a.pc = 0
}

func startBank(b *Bank) {
	for i := range b.Guest {
		b.Guest[i] = GuestRegState{HostRegister: NoHostReg, Default: b.Guest[i].Default, InDefaultLocation: true}
	}
	for i := range b.Host {
		b.Host[i] = HostRegState{BoundPreg: NoPreg, Reserved: b.Host[i].Reserved}
	}
	b.fixed = 0
}

// SetOps installs the analyzer's per-instruction use/def summary for the
// block currently being compiled; getFreeXReg's distance-to-next-use
// scoring reads it via nextUseBonus.
func (a *Allocator) SetOps(ops []OpInfo) {
	a.ops = ops
	a.pc = 0
}

// Advance moves the lookahead cursor to the next guest instruction,
// called by the caller's codegen loop once per compiled instruction.
func (a *Allocator) Advance() { a.pc++ }

func (a *Allocator) bank(kind BankKind) *Bank {
	if kind == FPRBank {
		return a.FPR
	}
	return a.GPR
}

// --- handle constructors -------------------------------------------------

func (a *Allocator) newHandle(bank BankKind, preg int, kind HandleKind, mode Mode) (*OperandHandle, error) {
	b := a.bank(bank)
	g := &b.Guest[preg]
	if err := g.Constraint.accumulate(kind, mode); err != nil {
		return nil, fmt.Errorf("%s preg %d: %w", bank, preg, err)
	}
	g.LockCount++
	if kind == RevertableBindKind {
		g.Revertable = true
	}
	log.Debug(log.RegAllocMonitoring, "handle constructed", "bank", bank.String(), "preg", preg, "kind", kind, "mode", mode)
	return &OperandHandle{a: a, bank: bank, preg: preg, kind: kind, mode: mode}, nil
}

// Use requests read and/or write access, allowing the realized location
// to end up Bound, Imm, or Mem — whichever the register already is.
func (a *Allocator) Use(bank BankKind, preg int, mode Mode) (*OperandHandle, error) {
	return a.newHandle(bank, preg, UseKind, mode)
}

// UseNoImm is like Use but forbids an Imm result: callers that cannot
// consume a constant operand (e.g. an instruction with no immediate
// encoding) use this to force materialization into a register or memory.
func (a *Allocator) UseNoImm(bank BankKind, preg int, mode Mode) (*OperandHandle, error) {
	return a.newHandle(bank, preg, UseNoImmKind, mode)
}

// BindOrImm allows the realized location to be Bound or Imm, but never
// Mem — for instructions whose encoding takes a register or an immediate
// but not a memory operand.
func (a *Allocator) BindOrImm(bank BankKind, preg int, mode Mode) (*OperandHandle, error) {
	return a.newHandle(bank, preg, BindOrImmKind, mode)
}

// Bind forces the realized location to Bound, evicting memory/immediate
// state into a host register if needed.
func (a *Allocator) Bind(bank BankKind, preg int, mode Mode) (*OperandHandle, error) {
	return a.newHandle(bank, preg, BindKind, mode)
}

// RevertableBind is Bind plus a two-phase transaction: the caller must
// follow with Commit or Revert before the register can be flushed,
// giving guest-fault handlers a chance to roll codegen speculation back.
// Multiple pregs (even across both banks) may be revertable at once;
// Commit and Revert act on the whole set together.
func (a *Allocator) RevertableBind(bank BankKind, preg int, mode Mode) (*OperandHandle, error) {
	return a.newHandle(bank, preg, RevertableBindKind, mode)
}

func (a *Allocator) release(bank BankKind, preg int) {
	b := a.bank(bank)
	g := &b.Guest[preg]
	g.LockCount--
	if g.LockCount < 0 {
		g.LockCount = 0
	}
	if g.LockCount == 0 {
		g.Constraint.reset()
	}
	log.Debug(log.RegAllocMonitoring, "handle released", "bank", bank.String(), "preg", preg, "lock_count", g.LockCount)
}

// --- realize --------------------------------------------------------------

func (a *Allocator) currentLocation(b *Bank, preg int) OperandLocation {
	g := &b.Guest[preg]
	switch {
	case g.IsBound():
		return OperandLocation{Kind: Bound, Host: g.HostRegister}
	case g.IsImm():
		return OperandLocation{Kind: Imm, Immediate: *g.Immediate}
	default:
		return OperandLocation{Kind: Mem, Mem: g.Default}
	}
}

// realize follows a fixed five-step order: a revertable constraint is
// checked first (it can apply regardless of the preg's current
// location), then immediate, then memory, then the already-bound
// fallthrough. Each branch stamps RealizedAt terminal and returns.
func (a *Allocator) realize(bank BankKind, preg int, kind HandleKind, mode Mode) (OperandLocation, error) {
	b := a.bank(bank)
	g := &b.Guest[preg]

	if g.Constraint.RealizedAt != Unset {
		return a.currentLocation(b, preg), nil
	}

	if g.Constraint.Revertable {
		hr, err := a.realizeRevertable(b, preg, mode)
		if err != nil {
			return OperandLocation{}, fmt.Errorf("%s preg %d: %w", bank, preg, err)
		}
		g.Constraint.RealizedAt = Bound
		return OperandLocation{Kind: Bound, Host: hr}, nil
	}

	if g.IsImm() {
		if g.Constraint.KillImmediate || g.Constraint.Write {
			hr, err := a.materializeImm(b, preg)
			if err != nil {
				return OperandLocation{}, fmt.Errorf("%s preg %d: %w", bank, preg, err)
			}
			g.Constraint.RealizedAt = Bound
			return OperandLocation{Kind: Bound, Host: hr}, nil
		}
		g.Constraint.RealizedAt = Imm
		return a.currentLocation(b, preg), nil
	}

	if !g.IsBound() {
		if g.Constraint.KillMemory {
			hr, err := a.bindFromMemory(b, preg, mode)
			if err != nil {
				return OperandLocation{}, fmt.Errorf("%s preg %d: %w", bank, preg, err)
			}
			g.Constraint.RealizedAt = Bound
			log.Debug(log.RegAllocMonitoring, "bind preg", "bank", bank.String(), "preg", preg, "xreg", hr)
			return OperandLocation{Kind: Bound, Host: hr}, nil
		}
		if (mode == Read || mode == ReadWrite) && g.IsDiscarded() {
			return OperandLocation{}, fmt.Errorf("%s preg %d: %w", bank, preg, ErrDiscardedRegister)
		}
		g.Constraint.RealizedAt = Mem
		return a.currentLocation(b, preg), nil
	}

	// Already bound: update the dirty bit and stamp.
	if mode == Write || mode == ReadWrite {
		g.Dirty = true
		g.InDefaultLocation = false
	}
	g.Constraint.RealizedAt = Bound
	return a.currentLocation(b, preg), nil
}

// materializeImm allocates a host register and writes a constant-
// propagated value into it directly, with no load from memory — the
// register's value now disagrees with Default until the next flush, so
// it's marked dirty unconditionally.
func (a *Allocator) materializeImm(b *Bank, preg int) (HostReg, error) {
	g := &b.Guest[preg]
	hr, err := a.getFreeXReg(b, preg)
	if err != nil {
		return NoHostReg, err
	}
	if b.Kind == GPRBank {
		b.emitter.MovGPRImm(hr, *g.Immediate)
	}
	g.Immediate = nil
	g.HostRegister = hr
	g.Dirty = true
	g.InDefaultLocation = false
	b.Host[hr].BoundPreg = int8(preg)
	return hr, nil
}

// bindFromMemory allocates a host register for a preg currently at its
// default (Mem) location, loading it iff the access reads and marking it
// dirty iff the access writes — independent choices, unlike a plain
// load-then-clean.
func (a *Allocator) bindFromMemory(b *Bank, preg int, mode Mode) (HostReg, error) {
	g := &b.Guest[preg]
	if (mode == Read || mode == ReadWrite) && g.IsDiscarded() {
		return NoHostReg, ErrDiscardedRegister
	}
	hr, err := a.getFreeXReg(b, preg)
	if err != nil {
		return NoHostReg, err
	}
	if mode == Read || mode == ReadWrite {
		if b.Kind == GPRBank {
			b.emitter.LoadGPR(hr, g.Default)
		} else {
			b.emitter.LoadFPR(hr, g.Default)
		}
	}
	g.Dirty = mode == Write || mode == ReadWrite
	g.HostRegister = hr
	g.InDefaultLocation = false
	b.Host[hr].BoundPreg = int8(preg)
	return hr, nil
}

// realizeRevertable: before the (possibly faulting) new value lands in
// the host register, the prior authoritative value is guaranteed to
// already be in memory via an Undirty spill — so Revert never needs to
// restore a saved copy, it only has to drop the binding.
func (a *Allocator) realizeRevertable(b *Bank, preg int, mode Mode) (HostReg, error) {
	g := &b.Guest[preg]
	if g.IsBound() && g.Dirty {
		if b.Kind == GPRBank {
			b.emitter.StoreGPR(g.HostRegister, g.Default)
		} else {
			b.emitter.StoreFPR(g.HostRegister, g.Default)
		}
		g.Dirty = false
	}
	switch {
	case g.IsBound():
		if mode == Write || mode == ReadWrite {
			g.Dirty = true
			g.InDefaultLocation = false
		}
		return g.HostRegister, nil
	case g.IsImm():
		hr, err := a.materializeImm(b, preg)
		if err != nil {
			return NoHostReg, err
		}
		// The constant never lived in memory; store it so Revert can
		// fall back to Default.
		b.emitter.StoreGPR(hr, g.Default)
		g.Dirty = mode == Write || mode == ReadWrite
		return hr, nil
	default:
		return a.bindFromMemory(b, preg, mode)
	}
}

// getFreeXReg picks a host register for `preg`, reusing a genuinely free
// one if the allocation order contains one, otherwise spilling the
// candidate with the minimum clobber score. Ties go to whichever
// candidate the allocation order reaches first.
func (a *Allocator) getFreeXReg(b *Bank, forPreg int) (HostReg, error) {
	for _, hr := range b.Order {
		if b.fixed.Has(hr) {
			continue
		}
		if b.Host[hr].Free() {
			return hr, nil
		}
	}

	bestScore := 0
	bestReg := NoHostReg
	found := false
	for _, hr := range b.Order {
		if b.fixed.Has(hr) {
			continue
		}
		h := &b.Host[hr]
		if h.LockCount > 0 {
			continue
		}
		if h.BoundPreg == NoPreg {
			continue
		}
		candidate := &b.Guest[h.BoundPreg]
		if candidate.IsLocked() || candidate.Revertable {
			continue
		}
		bonus, used := a.nextUseBonus(b.Kind, int(h.BoundPreg))
		score := clobberScore(candidate.Dirty, bonus, used)
		if !found || score < bestScore {
			bestScore = score
			bestReg = hr
			found = true
		}
	}
	if bestReg == NoHostReg {
		return NoHostReg, ErrOutOfRegisters
	}

	if err := a.evict(b, bestReg); err != nil {
		return NoHostReg, err
	}
	log.Debug(log.RegAllocMonitoring, "spill chosen", "bank", b.Kind.String(), "xreg", bestReg, "for_preg", forPreg, "score", bestScore)
	return bestReg, nil
}

// clobberScore: +2 if the candidate is dirty (the cost of the writeback
// its eviction forces), plus a
// log2-weighted next-use term when the candidate is referenced again
// within the lookahead window (few intervening pregs before that use
// means it's needed again almost immediately, so the term is large).
// getFreeXReg spills the *minimum* score, so a clean register with no
// use left in the window — bonus omitted entirely — is always the
// cheapest target available.
func clobberScore(dirty bool, bonus int, used bool) int {
	score := 0
	if dirty {
		score += 2
	}
	if used {
		score += bonus
	}
	return score
}

// evict writes a bound register's value back to its default location if
// it is dirty, then clears the binding on both sides of the table.
func (a *Allocator) evict(b *Bank, hr HostReg) error {
	h := &b.Host[hr]
	if h.BoundPreg == NoPreg {
		return nil
	}
	g := &b.Guest[h.BoundPreg]
	if g.IsLocked() {
		return fmt.Errorf("%s xreg %d: %w", b.Kind, hr, ErrLockedDuringFlush)
	}
	if g.Revertable {
		return fmt.Errorf("%s xreg %d: %w", b.Kind, hr, ErrRevertableDuringFlush)
	}
	if g.Dirty {
		if b.Kind == GPRBank {
			b.emitter.StoreGPR(hr, g.Default)
		} else {
			b.emitter.StoreFPR(hr, g.Default)
		}
	}
	g.HostRegister = NoHostReg
	g.Dirty = false
	g.InDefaultLocation = true
	h.BoundPreg = NoPreg
	return nil
}

// --- scratch registers ------------------------------------------------

// Scratch acquires a free host register with no guest meaning, for
// codegen sequences that need a temporary (e.g. address computation).
func (a *Allocator) Scratch(bank BankKind) (*ExclusiveHandle, error) {
	b := a.bank(bank)
	hr, err := a.getFreeXReg(b, -1)
	if err != nil {
		return nil, err
	}
	b.Host[hr].LockCount++
	return &ExclusiveHandle{a: a, bank: bank, host: hr}, nil
}

// ScratchReg acquires a specific host register as a scratch, evicting its
// current occupant (spilling it if dirty) if necessary. Used when the
// emitter needs a fixed register for a hardware-mandated reason (e.g. an
// instruction form that only encodes RCX as a shift count).
func (a *Allocator) ScratchReg(bank BankKind, hr HostReg) (*ExclusiveHandle, error) {
	b := a.bank(bank)
	if b.fixed.Has(hr) {
		return nil, fmt.Errorf("%s xreg %d: %w (fixed by an open fork region)", bank, hr, ErrConstraintConflict)
	}
	if b.Host[hr].Reserved {
		return nil, fmt.Errorf("%s xreg %d: %w (reserved)", bank, hr, ErrConstraintConflict)
	}
	if !b.Host[hr].Free() {
		if err := a.evict(b, hr); err != nil {
			return nil, err
		}
	}
	b.Host[hr].LockCount++
	return &ExclusiveHandle{a: a, bank: bank, host: hr}, nil
}

// FixHostRegisters pins the host registers currently bound to the given
// pregs so getFreeXReg will never offer them as spill candidates, for the
// duration of an in-block branch region. Every
// preg must already be bound; ForkGuard.Pin is the usual caller.
func (a *Allocator) FixHostRegisters(bank BankKind, pregs []int) error {
	b := a.bank(bank)
	for _, p := range pregs {
		g := &b.Guest[p]
		if !g.IsBound() {
			return fmt.Errorf("%s preg %d: cannot fix, not bound", bank, p)
		}
		b.fixed = b.fixed.Set(g.HostRegister)
	}
	return nil
}

// UnfixHostRegisters releases every pin FixHostRegisters placed on a bank.
func (a *Allocator) UnfixHostRegisters(bank BankKind) {
	a.bank(bank).fixed = 0
}

// --- introspection ------------------------------------------------------

// IsBound, IsImm report a guest register's current location without
// constructing a handle; used by codegen to pick a fast path (e.g. an
// instruction form that folds in an immediate) before committing to one.
func (a *Allocator) IsBound(bank BankKind, preg int) bool { return a.bank(bank).Guest[preg].IsBound() }
func (a *Allocator) IsImm(bank BankKind, preg int) bool   { return a.bank(bank).Guest[preg].IsImm() }

// Imm32 returns the constant-propagated value for a GPR preg currently
// in Imm form; callers must check IsImm first.
func (a *Allocator) Imm32(preg int) uint32 {
	return *a.GPR.Guest[preg].Immediate
}

// R returns the xreg a bound preg currently occupies; callers must check
// IsBound first. Named after Dolphin's GPRRegCache.R().
func (a *Allocator) R(bank BankKind, preg int) HostReg {
	return a.bank(bank).Guest[preg].HostRegister
}

// RX is R for the FPR bank specifically, matching the accessor name
// Dolphin's FPURegCache uses for the same query (its GPR and FPU caches
// are separate types with separate method names; this package unifies
// them into one Allocator, so RX is kept only for interface parity with
// Dolphin's split accessor naming.
func (a *Allocator) RX(preg int) HostReg {
	return a.R(FPRBank, preg)
}

// RegistersInUse reports the xregs currently bound or locked in a bank.
func (a *Allocator) RegistersInUse(bank BankKind) RegSet {
	return a.bank(bank).RegistersInUse()
}

// GetImmSet returns the set of pregs currently constant-propagated in a
// bank, named after Dolphin's GPRRegCache::GetImmSet. Useful for a
// caller preloading a region's footprint that wants to skip pregs
// already resolved to a compile-time constant.
func (a *Allocator) GetImmSet(bank BankKind) PregSet {
	b := a.bank(bank)
	var s PregSet
	for i := range b.Guest {
		if b.Guest[i].IsImm() {
			s = s.Set(i)
		}
	}
	return s
}

// IsAllUnlocked reports whether every preg and every host register in a
// bank is free of outstanding locks, the precondition RevertStaged and
// CommitStaged assert in Dolphin's RegCache before touching the table.
func (a *Allocator) IsAllUnlocked(bank BankKind) bool {
	b := a.bank(bank)
	for i := range b.Guest {
		if b.Guest[i].IsLocked() {
			return false
		}
	}
	for i := range b.Host {
		if b.Host[i].LockCount > 0 {
			return false
		}
	}
	return true
}

// SanityCheck validates both banks; see Bank.SanityCheck.
func (a *Allocator) SanityCheck() error {
	gErr := a.GPR.SanityCheck()
	fErr := a.FPR.SanityCheck()
	if gErr == nil {
		return fErr
	}
	if fErr == nil {
		return gErr
	}
	return fmt.Errorf("%w; %v", gErr, fErr)
}

// SetConstGPR seeds a GPR with a constant-propagated value ahead of
// codegen, e.g. for an instruction the analyzer proved loads a literal.
func (a *Allocator) SetConstGPR(preg int, v uint32) {
	g := &a.GPR.Guest[preg]
	if g.IsBound() {
		a.GPR.Host[g.HostRegister].BoundPreg = NoPreg
	}
	g.HostRegister = NoHostReg
	g.Dirty = false
	g.InDefaultLocation = false
	imm := v
	g.Immediate = &imm
}

// ClearConstGPR drops a GPR's constant-propagated value, forcing future
// accesses back to its default location.
func (a *Allocator) ClearConstGPR(preg int) {
	g := &a.GPR.Guest[preg]
	if g.IsImm() {
		g.Immediate = nil
		g.InDefaultLocation = true
	}
}
