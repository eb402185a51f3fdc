package arm64

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/isseis/go-patch-engine/internal/isa"
)

// Register numbers follow the encoding: x0..x30, with 31 standing for sp.
// The zero register is never tracked.
const (
	X0  isa.Reg = 0
	X8  isa.Reg = 8
	X9  isa.Reg = 9
	X15 isa.Reg = 15
	X16 isa.Reg = 16
	X17 isa.Reg = 17
	X19 isa.Reg = 19
	X28 isa.Reg = 28
	FP  isa.Reg = 29
	LR  isa.Reg = 30
	SP  isa.Reg = 31

	numRegs = 32
)

// X returns the register xn.
func X(n int) isa.Reg {
	return isa.Reg(n)
}

var regNames = func() []string {
	names := make([]string, numRegs)
	for i := 0; i < 31; i++ {
		names[i] = fmt.Sprintf("x%d", i)
	}
	names[SP] = "sp"
	return names
}()

// family folds an arm64asm general-purpose register into its 64-bit number.
func family(r arm64asm.Reg) (isa.Reg, bool) {
	switch {
	case r >= arm64asm.W0 && r <= arm64asm.W30:
		return isa.Reg(r - arm64asm.W0), true
	case r >= arm64asm.X0 && r <= arm64asm.X30:
		return isa.Reg(r - arm64asm.X0), true
	}
	return isa.NoReg, false
}

// familySP is family for operands where register 31 encodes the stack pointer.
func familySP(r arm64asm.RegSP) (isa.Reg, bool) {
	if arm64asm.Reg(r) == arm64asm.SP || arm64asm.Reg(r) == arm64asm.WSP {
		return SP, true
	}
	return family(arm64asm.Reg(r))
}
