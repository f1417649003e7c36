package jitregalloc

import "golang.org/x/arch/x86/x86asm"

// HostReg identifies a host x86_64 register slot within a bank's fixed
// 16-entry table. For the GPR bank it is the register's natural x86
// encoding (0=RAX ... 15=R15); for the FPR bank it is the XMM index
// (0=XMM0 ... 15=XMM15).
type HostReg int8

// NoHostReg marks a guest preg as not currently bound to any xreg.
const NoHostReg HostReg = -1

// NoPreg marks a host xreg as not currently bound to any guest preg.
const NoPreg int8 = -1

// X86Reg carries the operand-encoding bits the emitter needs, the same
// shape pvm/x86_registers.go uses for its single PVM register bank
// (pvm/x86_registers.go's X86Reg{Name, RegBits, REXBit}), generalized
// here to two independent 16-entry tables (GPR, XMM) instead of one.
type X86Reg struct {
	Name    string
	RegBits byte // 3-bit code for ModRM/SIB
	REXBit  byte // 1 if register index >= 8
}

// gprRegs is indexed by HostReg 0..15 using the natural x86-64 GPR
// encoding, so HostReg doubles as the REX.B/ModRM register number.
var gprRegs = [16]X86Reg{
	{"rax", 0, 0}, {"rcx", 1, 0}, {"rdx", 2, 0}, {"rbx", 3, 0},
	{"rsp", 4, 0}, {"rbp", 5, 0}, {"rsi", 6, 0}, {"rdi", 7, 0},
	{"r8", 0, 1}, {"r9", 1, 1}, {"r10", 2, 1}, {"r11", 3, 1},
	{"r12", 4, 1}, {"r13", 5, 1}, {"r14", 6, 1}, {"r15", 7, 1},
}

const (
	gprRAX HostReg = 0
	gprRCX HostReg = 1
	gprRDX HostReg = 2
	gprRBX HostReg = 3
	gprRSP HostReg = 4
	gprRBP HostReg = 5
	gprRSI HostReg = 6
	gprRDI HostReg = 7
	gprR8  HostReg = 8
	gprR9  HostReg = 9
	gprR10 HostReg = 10
	gprR11 HostReg = 11
	gprR12 HostReg = 12
	gprR13 HostReg = 13
	gprR14 HostReg = 14
	gprR15 HostReg = 15
)

// PPCStateReg is the GPR permanently reserved to hold the base address
// of the PowerPC register-file memory block; every MemOperand in this
// package is relative to it. Dolphin's real JIT64 reserves RBX for the
// same purpose.
const PPCStateReg = gprRBX

// ABI selects the GPR allocation order; the FPR order is ABI-independent.
type ABI int

const (
	SysV ABI = iota
	Windows
)

// gprAllocOrderSysV favors the callee-saved bank first (R12-R15), then
// the remaining SysV-volatile registers — a call the emitted code makes
// (e.g. a fallback to the interpreter) clobbers the volatile bank
// regardless, so preferring it last keeps a live guest value out of the
// registers most likely to need an unplanned flush. Skips RSP/RBP
// (frame) and RBX (PPCStateReg). Directly grounded on pvm/x86_registers.go's
// single fixed regInfoList order, generalized into two ABI-specific
// tables.
var gprAllocOrderSysV = []HostReg{
	gprR12, gprR13, gprR14, gprR15, gprRSI, gprRDI,
	gprR8, gprR9, gprR10, gprR11, gprRAX, gprRCX, gprRDX,
}

// gprAllocOrderWindows mirrors the Win64 volatile/non-volatile split:
// RSI/RDI/R12-R15 are callee-saved, RAX/RCX/RDX/R8-R11 are caller-saved
// (RBX/RBP/RSP reserved as above).
var gprAllocOrderWindows = []HostReg{
	gprRSI, gprRDI, gprR12, gprR13, gprR14, gprR15,
	gprRAX, gprRCX, gprRDX, gprR8, gprR9, gprR10, gprR11,
}

func gprAllocOrder(abi ABI) []HostReg {
	if abi == Windows {
		return gprAllocOrderWindows
	}
	return gprAllocOrderSysV
}

// fprRegs maps HostReg 0..15 to golang.org/x/arch/x86/x86asm's XMM
// register constants — pvm/recompiler/recompiler.go's Disassemble
// already imports x86asm for disassembly, so reusing
// its Reg enum as the FPR bank's identifier type lets tests round-trip
// emitted operands through x86asm.Decode instead of inventing a
// parallel naming scheme.
var fprRegs = [16]x86asm.Reg{
	x86asm.X0, x86asm.X1, x86asm.X2, x86asm.X3,
	x86asm.X4, x86asm.X5, x86asm.X6, x86asm.X7,
	x86asm.X8, x86asm.X9, x86asm.X10, x86asm.X11,
	x86asm.X12, x86asm.X13, x86asm.X14, x86asm.X15,
}

// fprAllocOrder favors the high XMM registers, then the low ones,
// skipping XMM0/XMM1 (reserved scratch for conversions and ABI
// float-return values). Fixed regardless of ABI.
var fprAllocOrder = []HostReg{
	6, 7, 8, 9, 10, 11, 12, 13, 14, 15, // XMM6-XMM15
	2, 3, 4, 5, // XMM2-XMM5
}

func reservedGPR(r HostReg) bool {
	return r == gprRSP || r == gprRBP || r == PPCStateReg
}

func reservedFPR(r HostReg) bool {
	return r == 0 || r == 1
}
