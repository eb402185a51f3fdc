package amd64

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/isseis/go-patch-engine/internal/isa"
)

// General-purpose register families in hardware encoding order.
const (
	RAX isa.Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	numRegs = 16
)

var regNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// family folds an x86asm register (any width) into its 64-bit family.
// Non general-purpose registers (rip, segment, vector, ...) are reported as
// not found.
func family(r x86asm.Reg) (isa.Reg, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		i := int(r - x86asm.AL)
		// AL CL DL BL | AH CH DH BH | SPB BPB SIB DIB R8B..R15B
		if i >= 4 {
			i -= 4
		}
		return isa.Reg(i), true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return isa.Reg(r - x86asm.AX), true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return isa.Reg(r - x86asm.EAX), true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return isa.Reg(r - x86asm.RAX), true
	}
	return isa.NoReg, false
}

// rex returns the REX.B bit and the low three encoding bits of r.
func rex(r isa.Reg) (byte, byte) {
	if r >= R8 {
		return 0x01, byte(r - R8)
	}
	return 0x00, byte(r)
}
