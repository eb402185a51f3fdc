// Package amd64 provides the x86-64 CPU context: a decoder built on
// golang.org/x/arch/x86/x86asm and the instruction building blocks used by
// patch generators.
package amd64

import (
	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/isa"
)

// defaultScratch is the allocation order of the scratch pool: caller-saved
// registers without argument roles first, callee-saved registers last.
var defaultScratch = []isa.Reg{
	R11, R10, R9, R8, RAX, RCX, RDX, RSI, RDI, RBX, R12, R13, R14, R15,
}

// NewContext returns the System V x86-64 context.
func NewContext() *arch.Context {
	dec := NewDecoder()
	return &arch.Context{
		Arch:           isa.ArchAMD64,
		RegisterBits:   64,
		RegisterCount:  numRegs,
		StackPointer:   RSP,
		LinkRegister:   isa.NoReg,
		ReturnRegister: RAX,
		ArgRegisters:   []isa.Reg{RDI, RSI, RDX, RCX, R8, R9},
		Scratch:        append([]isa.Reg(nil), defaultScratch...),
		Decoder:        dec,
		Disassembler:   dec,
		Builder:        Builder{},
		Names:          regNames,
	}
}
