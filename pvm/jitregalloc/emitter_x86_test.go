package jitregalloc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

// decodeAll decodes every instruction in code and fails the test if any
// byte fails to decode, the same round-trip check Disassemble supports
// when eyeballing generated blocks.
func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		require.NoError(t, err, "undecodable byte at offset %d: %s", offset, Disassemble(code))
		insts = append(insts, inst)
		offset += inst.Len
	}
	return insts
}

func TestEmitterLoadGPRDecodesAsMov(t *testing.T) {
	e := NewX86Emitter()
	e.LoadGPR(gprR12, MemOperand{Base: PPCStateReg, Offset: 0x18})
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 1)
	require.Equal(t, x86asm.MOV, insts[0].Op)
	require.Contains(t, strings.ToUpper(insts[0].String()), "R12")
}

func TestEmitterStoreGPRDecodesAsMov(t *testing.T) {
	e := NewX86Emitter()
	e.StoreGPR(gprR9, MemOperand{Base: PPCStateReg, Offset: -8})
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 1)
	require.Equal(t, x86asm.MOV, insts[0].Op)
}

func TestEmitterMovImmDecodes(t *testing.T) {
	e := NewX86Emitter()
	e.MovGPRImm(gprRAX, 0x12345678)
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 1)
	require.Equal(t, x86asm.MOV, insts[0].Op)
}

func TestEmitterMovRegRegDecodes(t *testing.T) {
	e := NewX86Emitter()
	e.MovGPRReg(gprR15, gprRCX)
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 1)
	require.Equal(t, x86asm.MOV, insts[0].Op)
}

func TestEmitterFPRLoadStoreDecode(t *testing.T) {
	e := NewX86Emitter()
	e.LoadFPR(14, MemOperand{Base: PPCStateReg, Offset: 0x100})
	e.StoreFPR(2, MemOperand{Base: PPCStateReg, Offset: 0x108})
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 2)
	for _, in := range insts {
		require.Equal(t, x86asm.MOVSD, in.Op)
	}
}

func TestEmitterSubDowncountDecodes(t *testing.T) {
	e := NewX86Emitter()
	e.SubDowncount(MemOperand{Base: PPCStateReg, Offset: 0x200}, 7)
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 1)
	require.Equal(t, x86asm.SUB, insts[0].Op)
}

func TestEmitterBaseRequiringSIB(t *testing.T) {
	// RSP (RegBits==4) needs a SIB byte to avoid the disp32-only /
	// RIP-relative encoding; make sure it still decodes cleanly.
	e := NewX86Emitter()
	e.LoadGPR(gprRAX, MemOperand{Base: gprRSP, Offset: 0x10})
	insts := decodeAll(t, e.Bytes())
	require.Len(t, insts, 1)
	require.Equal(t, x86asm.MOV, insts[0].Op)
}
