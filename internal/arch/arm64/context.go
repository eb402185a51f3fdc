// Package arm64 provides the AArch64 CPU context: a decoder built on
// golang.org/x/arch/arm64/arm64asm and the instruction building blocks used
// by patch generators.
package arm64

import (
	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/isa"
)

// defaultScratch lists temporaries first, then argument registers, then
// callee-saved registers. x16/x17 are left to absolute branches and x18 is
// the platform register.
var defaultScratch = func() []isa.Reg {
	regs := make([]isa.Reg, 0, 26)
	for r := X9; r <= X15; r++ {
		regs = append(regs, r)
	}
	regs = append(regs, X8)
	for r := X(7); ; r-- {
		regs = append(regs, r)
		if r == X0 {
			break
		}
	}
	for r := X19; r <= X28; r++ {
		regs = append(regs, r)
	}
	return regs
}()

// NewContext returns the AAPCS64 context.
func NewContext() *arch.Context {
	dec := NewDecoder()
	return &arch.Context{
		Arch:           isa.ArchARM64,
		RegisterBits:   64,
		RegisterCount:  numRegs,
		StackPointer:   SP,
		LinkRegister:   LR,
		ReturnRegister: X0,
		ArgRegisters:   []isa.Reg{X(0), X(1), X(2), X(3), X(4), X(5), X(6), X(7)},
		Scratch:        append([]isa.Reg(nil), defaultScratch...),
		Decoder:        dec,
		Disassembler:   dec,
		Builder:        Builder{},
		Names:          regNames,
	}
}
