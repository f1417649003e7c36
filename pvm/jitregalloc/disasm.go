package jitregalloc

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders emitted bytes as a debug listing, one line per
// decoded instruction (or raw byte, if decoding fails), the same shape
// as pvm/recompiler/recompiler.go's RecompilerVM.Disassemble. Decode-only:
// this package never encodes through x86asm, only verifies against it.
func Disassemble(code []byte) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			fmt.Fprintf(&sb, "0x%04x: db 0x%02x\n", offset, code[offset])
			offset++
			continue
		}
		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		fmt.Fprintf(&sb, "0x%04x: %-24s %s\n", offset, strings.Join(hexBytes, " "), inst.String())
		offset += inst.Len
	}
	return sb.String()
}
