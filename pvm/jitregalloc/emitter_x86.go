package jitregalloc

// x86Emitter is the default Emitter, encoding straight-line mov/movsd/sub
// sequences by hand the way pvm/recompiler_helper.go's
// encodeMovImm/encodeMovRegToMem family and
// pvm/recompiler/recompiler.go's WriteContextSlot/BuildWriteContextSlotCode
// build instructions byte by byte, rather than through an assembler
// dependency.
// Only the addressing modes the register allocator actually needs are
// supported: register-direct and base+disp32.
type x86Emitter struct {
	buf []byte
}

// NewX86Emitter returns an Emitter that assembles into an in-memory byte
// buffer, ready for placement into an executable mapping the way
// RecompilerVM.ExecuteX86Code mmaps and mprotects its generated code.
func NewX86Emitter() Emitter {
	return &x86Emitter{}
}

func (e *x86Emitter) Bytes() []byte { return e.buf }

func rexByte(w, r, x, b byte) byte {
	return 0x40 | w<<3 | r<<2 | x<<1 | b
}

func modrmByte(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

// encodeMem appends ModRM (+ SIB if the base register needs one) + disp32
// for `[base+disp]`, addressing regField (0-7, already masked) as the
// other ModRM operand. Returns the REX.B bit contributed by base.
func (e *x86Emitter) encodeMem(regField byte, base HostReg, disp int32) (rexB byte) {
	baseBits := gprRegs[base].RegBits
	rexB = gprRegs[base].REXBit
	e.buf = append(e.buf, modrmByte(0b10, regField, baseBits))
	if baseBits == 0b100 { // RSP/R12 require a SIB byte to avoid the RIP-relative encoding
		e.buf = append(e.buf, 0x24) // scale=00 index=100(none) base=100
	}
	e.buf = append(e.buf, byte(disp), byte(disp>>8), byte(disp>>16), byte(disp>>24))
	return rexB
}

// LoadGPR emits `mov dst, [mem]` (REX.W + 8B /r).
func (e *x86Emitter) LoadGPR(dst HostReg, mem MemOperand) {
	d := gprRegs[dst]
	rexB := gprRegs[mem.Base].REXBit
	e.buf = append(e.buf, rexByte(1, d.REXBit, 0, rexB), 0x8B)
	e.encodeMem(d.RegBits, mem.Base, mem.Offset)
}

// StoreGPR emits `mov [mem], src` (REX.W + 89 /r).
func (e *x86Emitter) StoreGPR(src HostReg, mem MemOperand) {
	s := gprRegs[src]
	rexB := gprRegs[mem.Base].REXBit
	e.buf = append(e.buf, rexByte(1, s.REXBit, 0, rexB), 0x89)
	e.encodeMem(s.RegBits, mem.Base, mem.Offset)
}

// LoadFPR emits `movsd dst, [mem]` (F2 0F 10 /r).
func (e *x86Emitter) LoadFPR(dst HostReg, mem MemOperand) {
	dReg := fprRegBits(dst)
	rexB := gprRegs[mem.Base].REXBit
	e.buf = append(e.buf, 0xF2)
	e.emitFPRPrefix(fprRexBit(dst), rexB)
	e.buf = append(e.buf, 0x0F, 0x10)
	e.encodeMem(dReg, mem.Base, mem.Offset)
}

// StoreFPR emits `movsd [mem], src` (F2 0F 11 /r).
func (e *x86Emitter) StoreFPR(src HostReg, mem MemOperand) {
	sReg := fprRegBits(src)
	rexB := gprRegs[mem.Base].REXBit
	e.buf = append(e.buf, 0xF2)
	e.emitFPRPrefix(fprRexBit(src), rexB)
	e.buf = append(e.buf, 0x0F, 0x11)
	e.encodeMem(sReg, mem.Base, mem.Offset)
}

// emitFPRPrefix appends a REX prefix only when one of the two operand
// bits requires it; movsd's memory operand never needs REX.W. Callers
// emit the F2 mandatory prefix first, since REX must directly precede
// the 0F opcode bytes.
func (e *x86Emitter) emitFPRPrefix(rBit, bBit byte) {
	if rBit != 0 || bBit != 0 {
		e.buf = append(e.buf, rexByte(0, rBit, 0, bBit))
	}
}

func fprRegBits(r HostReg) byte { return byte(r) & 7 }
func fprRexBit(r HostReg) byte {
	if r >= 8 {
		return 1
	}
	return 0
}

// MovGPRImm emits `mov dst, imm32` (B8+rd id), zero-extending into the
// full 64-bit register per the x86-64 default for 32-bit destinations.
func (e *x86Emitter) MovGPRImm(dst HostReg, imm uint32) {
	d := gprRegs[dst]
	if d.REXBit != 0 {
		e.buf = append(e.buf, rexByte(0, 0, 0, d.REXBit))
	}
	e.buf = append(e.buf, 0xB8+d.RegBits, byte(imm), byte(imm>>8), byte(imm>>16), byte(imm>>24))
}

// MovGPRReg emits `mov dst, src` (REX.W + 89 /r, register-direct).
func (e *x86Emitter) MovGPRReg(dst, src HostReg) {
	d, s := gprRegs[dst], gprRegs[src]
	e.buf = append(e.buf, rexByte(1, s.REXBit, 0, d.REXBit), 0x89, modrmByte(0b11, s.RegBits, d.RegBits))
}

// MovFPRReg emits `movsd dst, src` (F2 0F 10 /r, register-direct).
func (e *x86Emitter) MovFPRReg(dst, src HostReg) {
	rBit, bBit := fprRexBit(dst), fprRexBit(src)
	e.buf = append(e.buf, 0xF2)
	e.emitFPRPrefix(rBit, bBit)
	e.buf = append(e.buf, 0x0F, 0x10, modrmByte(0b11, fprRegBits(dst), fprRegBits(src)))
}

// SubDowncount emits `sub dword [mem], imm32` (81 /5 id), a 32-bit
// operation since the guest downcount counter is a signed 32-bit value.
func (e *x86Emitter) SubDowncount(mem MemOperand, imm int32) {
	rexB := gprRegs[mem.Base].REXBit
	if rexB != 0 {
		e.buf = append(e.buf, rexByte(0, 0, 0, rexB))
	}
	e.buf = append(e.buf, 0x81)
	e.encodeMem(5, mem.Base, mem.Offset)
	u := uint32(imm)
	e.buf = append(e.buf, byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
}
