// Package isa defines the architecture-neutral view of a decoded machine
// instruction consumed by the patch engine: register sets, control-flow
// classes, PC-relative displacement fields and the decoder boundary.
//
// Nothing in this package knows about a concrete instruction set. The
// architecture packages under internal/arch translate decoder output into
// these types.
package isa

import (
	"fmt"
	"math/bits"
	"strings"
)

// Arch identifies an instruction set architecture.
type Arch string

// Supported architectures
const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// ParseArch converts a configuration string into an Arch.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "amd64", "x86_64", "x86-64":
		return ArchAMD64, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownArch, s)
}

// Reg is an architecture-local general-purpose register number. Sub-registers
// (eax, w0, ...) are folded into their 64-bit family.
type Reg uint8

// NoReg marks an absent ABI role (e.g. the link register on amd64).
const NoReg Reg = 0xff

// MaxRegs is the number of registers a RegSet can hold.
const MaxRegs = 64

// RegSet is a set of registers.
type RegSet uint64

// NewRegSet builds a set from the given registers.
func NewRegSet(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s = s.With(r)
	}
	return s
}

// Has reports whether r is in the set.
func (s RegSet) Has(r Reg) bool {
	if r >= MaxRegs {
		return false
	}
	return s&(1<<r) != 0
}

// With returns the set with r added. Out-of-range registers are ignored.
func (s RegSet) With(r Reg) RegSet {
	if r >= MaxRegs {
		return s
	}
	return s | 1<<r
}

// Union returns s ∪ o.
func (s RegSet) Union(o RegSet) RegSet {
	return s | o
}

// Len returns the number of registers in the set.
func (s RegSet) Len() int {
	return bits.OnesCount64(uint64(s))
}

// Regs returns the members in ascending order.
func (s RegSet) Regs() []Reg {
	out := make([]Reg, 0, s.Len())
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, Reg(bits.TrailingZeros64(v)))
	}
	return out
}

// Class is the control-flow class of an instruction.
type Class uint8

// Control-flow classes
const (
	ClassOther Class = iota
	ClassBranch
	ClassCall
	ClassReturn
)

var classNames = [...]string{
	ClassOther:  "other",
	ClassBranch: "branch",
	ClassCall:   "call",
	ClassReturn: "return",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// IsControlFlow reports whether instructions of this class end a basic block.
func (c Class) IsControlFlow() bool {
	return c != ClassOther
}

// ParseClass converts a configuration string into a Class.
func ParseClass(s string) (Class, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "ret" {
		name = "return"
	}
	for i, n := range classNames {
		if n == name {
			return Class(i), nil
		}
	}
	return ClassOther, fmt.Errorf("%w: %q", ErrUnknownClass, s)
}
