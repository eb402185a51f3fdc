// Package arch defines the CPU context threaded through every patch
// operation: ABI register roles, the scratch-register pool, the decoder and
// the per-architecture instruction building blocks used by generators.
//
// A Context is read-only once constructed and may be shared by any number of
// concurrent patch operations.
package arch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/reloc"
)

// Static errors
var (
	// ErrInvalidContext is returned by Validate for incomplete contexts.
	ErrInvalidContext = errors.New("invalid CPU context")

	// ErrUnknownRegister is returned when a register name cannot be resolved.
	ErrUnknownRegister = errors.New("unknown register")

	// ErrNotDirectBranch is returned by builders asked to redirect an
	// instruction without a PC-relative branch target.
	ErrNotDirectBranch = errors.New("instruction is not a direct branch")

	// ErrReservedScratch is returned when a scratch pool contains a register
	// reserved by the ABI (stack pointer, link register).
	ErrReservedScratch = errors.New("scratch pool contains a reserved register")
)

// Builder produces architecture-specific instruction sequences for generators.
type Builder interface {
	// Copy reproduces inst unchanged. PC-relative operands keep reaching
	// their original targets once relocated.
	Copy(inst *isa.Instruction) reloc.Instr

	// RelocateBranch rewrites a PC-relative branch so that it tolerates
	// relocation, widening short displacements when the ISA allows.
	RelocateBranch(inst *isa.Instruction) ([]reloc.Instr, error)

	// JumpAbsolute redirects a direct branch or call through an absolute
	// target, preserving its condition and the original return address.
	JumpAbsolute(inst *isa.Instruction) ([]reloc.Instr, error)

	// Call calls target without clobbering guest registers. The call is
	// PC-relative when target is reachable from the emission address and
	// goes through an inline literal otherwise; both forms have the same size.
	Call(target uint64) []reloc.Instr

	// CallTemp calls the address held in temp.
	CallTemp(temp reloc.TempID) []reloc.Instr

	// LoadImmediate loads value into temp.
	LoadImmediate(temp reloc.TempID, value uint64) []reloc.Instr

	// SaveTemp and RestoreTemp preserve the guest value of temp around
	// instrumentation code.
	SaveTemp(temp reloc.TempID) []reloc.Instr
	RestoreTemp(temp reloc.TempID) []reloc.Instr

	// Exit continues execution at target. Blocks whose last instruction can
	// fall through end with it.
	Exit(target uint64) []reloc.Instr

	Nop() reloc.Instr
	Breakpoint() reloc.Instr
}

// Context describes one CPU/ABI configuration.
type Context struct {
	Arch          isa.Arch
	RegisterBits  int
	RegisterCount int

	StackPointer   isa.Reg
	LinkRegister   isa.Reg
	ReturnRegister isa.Reg
	ArgRegisters   []isa.Reg

	// Scratch lists the registers a patch may borrow, in allocation order.
	Scratch []isa.Reg

	Decoder      isa.Decoder
	Disassembler isa.Disassembler
	Builder      Builder

	// Names maps register numbers to their canonical lower-case names.
	Names []string
}

// Key identifies the context for code-cache lookups. Contexts that can
// generate different code for the same input have different keys.
func (c *Context) Key() string {
	parts := make([]string, 0, len(c.Scratch))
	for _, r := range c.Scratch {
		parts = append(parts, c.RegName(r))
	}
	return fmt.Sprintf("%s/%s", c.Arch, strings.Join(parts, ","))
}

// RegName returns the canonical name of r.
func (c *Context) RegName(r isa.Reg) string {
	if int(r) < len(c.Names) {
		return c.Names[r]
	}
	return fmt.Sprintf("r%d", r)
}

// RegByName resolves a register name (case-insensitive).
func (c *Context) RegByName(name string) (isa.Reg, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range c.Names {
		if s == n {
			return isa.Reg(i), nil
		}
	}
	return isa.NoReg, fmt.Errorf("%w: %q on %s", ErrUnknownRegister, name, c.Arch)
}

// MaxTemps returns the size of the temporary-register table of one patch.
func (c *Context) MaxTemps() int {
	return len(c.Scratch)
}

// WithScratch returns a copy restricted to the given scratch pool.
func (c *Context) WithScratch(regs ...isa.Reg) (*Context, error) {
	cp := *c
	cp.Scratch = append([]isa.Reg(nil), regs...)
	cp.ArgRegisters = append([]isa.Reg(nil), c.ArgRegisters...)
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Validate checks that the context can drive the engine.
func (c *Context) Validate() error {
	if c.Arch == "" {
		return fmt.Errorf("%w: missing architecture", ErrInvalidContext)
	}
	if c.Decoder == nil || c.Builder == nil {
		return fmt.Errorf("%w: decoder and builder are required", ErrInvalidContext)
	}
	if c.RegisterCount <= 0 || c.RegisterCount > isa.MaxRegs {
		return fmt.Errorf("%w: register count %d", ErrInvalidContext, c.RegisterCount)
	}
	seen := isa.RegSet(0)
	for _, r := range c.Scratch {
		if int(r) >= c.RegisterCount {
			return fmt.Errorf("%w: scratch register %d out of range", ErrInvalidContext, r)
		}
		if r == c.StackPointer || r == c.LinkRegister {
			return fmt.Errorf("%w: %s", ErrReservedScratch, c.RegName(r))
		}
		if seen.Has(r) {
			return fmt.Errorf("%w: duplicate scratch register %s", ErrInvalidContext, c.RegName(r))
		}
		seen = seen.With(r)
	}
	return nil
}
