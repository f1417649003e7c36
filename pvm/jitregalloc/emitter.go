package jitregalloc

// Emitter is the byte-emission boundary the allocator codegens against.
// It is deliberately narrow: every method the allocator needs to move a
// guest register between its default location, an xreg, and (for GPRs)
// an immediate. Kept as an interface, rather than baking x86Emitter
// calls directly into the allocator, so another implementation (such as
// NopEmitter below) can be substituted the way
// pvm/recompiler/recompiler.go substitutes RecompilerSandboxVM for
// RecompilerVM in unicorn-gated tests.
type Emitter interface {
	// LoadGPR emits `mov dst, [mem]`.
	LoadGPR(dst HostReg, mem MemOperand)
	// StoreGPR emits `mov [mem], src`.
	StoreGPR(src HostReg, mem MemOperand)
	// LoadFPR emits `movsd dst, [mem]`.
	LoadFPR(dst HostReg, mem MemOperand)
	// StoreFPR emits `movsd [mem], src`.
	StoreFPR(src HostReg, mem MemOperand)
	// MovGPRImm emits `mov dst, imm32` (zero-extended into the 64-bit reg).
	MovGPRImm(dst HostReg, imm uint32)
	// MovGPRReg emits `mov dst, src`.
	MovGPRReg(dst, src HostReg)
	// MovFPRReg emits `movsd dst, src`.
	MovFPRReg(dst, src HostReg)
	// SubDowncount emits `sub dword [downcount], imm`, batching the
	// per-block instruction-count debit the guest interpreter would
	// otherwise charge one instruction at a time.
	SubDowncount(downcount MemOperand, imm int32)
	// Bytes returns everything emitted so far.
	Bytes() []byte
}

// NopEmitter discards every call, keeping only a count; useful for
// dry-run allocation passes (e.g. computing the final cached-state table
// for a block without wanting the code bytes).
type NopEmitter struct {
	Count int
}

func (n *NopEmitter) LoadGPR(HostReg, MemOperand)          { n.Count++ }
func (n *NopEmitter) StoreGPR(HostReg, MemOperand)         { n.Count++ }
func (n *NopEmitter) LoadFPR(HostReg, MemOperand)          { n.Count++ }
func (n *NopEmitter) StoreFPR(HostReg, MemOperand)         { n.Count++ }
func (n *NopEmitter) MovGPRImm(HostReg, uint32)            { n.Count++ }
func (n *NopEmitter) MovGPRReg(HostReg, HostReg)           { n.Count++ }
func (n *NopEmitter) MovFPRReg(HostReg, HostReg)           { n.Count++ }
func (n *NopEmitter) SubDowncount(MemOperand, int32)       { n.Count++ }
func (n *NopEmitter) Bytes() []byte                        { return nil }
