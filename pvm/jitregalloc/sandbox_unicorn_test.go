//go:build unicorn

package jitregalloc

import (
	"testing"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// TestSandboxExecutesGeneratedLoads runs emitted code through a real
// unicorn CPU and checks the emitted mov encodings actually do what the
// allocator assumed, catching ModRM/REX mistakes that a pure Go decode
// check can miss. Grounded on pvm/recompiler_sandbox.go's
// RecompilerSandboxVM, which maps guest RAM and runs generated x86
// through the same engine rather than trusting the encoder
// unconditionally.
func TestSandboxExecutesGeneratedLoads(t *testing.T) {
	const (
		guestBase = uint64(0x10000000)
		stateBase = uint64(0x20000000)
		codeSize  = uint64(0x1000)
		stateSize = uint64(0x1000)
	)

	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		t.Fatalf("new unicorn: %v", err)
	}
	defer mu.Close()

	if err := mu.MemMap(guestBase, codeSize); err != nil {
		t.Fatalf("map code: %v", err)
	}
	if err := mu.MemMap(stateBase, stateSize); err != nil {
		t.Fatalf("map state: %v", err)
	}

	// Seed PowerPC GPR3's default slot (offset 3*8) with a known value.
	const gpr3Offset = 3 * 8
	want := uint64(0xdeadbeef)
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(want >> (8 * i))
	}
	if err := mu.MemWrite(stateBase+gpr3Offset, buf); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	e := NewX86Emitter().(*x86Emitter)
	e.LoadGPR(gprRAX, MemOperand{Base: PPCStateReg, Offset: gpr3Offset})
	code := e.Bytes()

	if err := mu.MemWrite(guestBase, code); err != nil {
		t.Fatalf("write code: %v", err)
	}
	if err := mu.RegWrite(uc.X86_REG_RBX, stateBase); err != nil {
		t.Fatalf("seed rbx: %v", err)
	}

	if err := mu.Start(guestBase, guestBase+uint64(len(code))); err != nil {
		t.Fatalf("start: %v", err)
	}

	got, err := mu.RegRead(uc.X86_REG_RAX)
	if err != nil {
		t.Fatalf("read rax: %v", err)
	}
	if got != want {
		t.Fatalf("rax = %#x, want %#x", got, want)
	}
}
