package patchrule

import (
	"fmt"
	"slices"
	"strings"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/isa"
)

// Condition decides whether a rule applies to an instruction. Match must be
// total, free of side effects and safe for concurrent use.
//
// The built-in conditions form a closed set; Func is the extension point.
type Condition interface {
	Match(inst *isa.Instruction, ctx *arch.Context) bool
	String() string

	condition()
}

type trueCond struct{}

// True matches every instruction.
func True() Condition { return trueCond{} }

func (trueCond) Match(*isa.Instruction, *arch.Context) bool { return true }
func (trueCond) String() string                             { return "true" }
func (trueCond) condition()                                 {}

type classCond struct {
	classes []isa.Class
}

// ClassIs matches instructions of any of the given control-flow classes.
func ClassIs(classes ...isa.Class) Condition {
	return classCond{classes: slices.Clone(classes)}
}

func (c classCond) Match(inst *isa.Instruction, _ *arch.Context) bool {
	return slices.Contains(c.classes, inst.Class)
}

func (c classCond) String() string {
	names := make([]string, len(c.classes))
	for i, cl := range c.classes {
		names[i] = cl.String()
	}
	return fmt.Sprintf("class in [%s]", strings.Join(names, " "))
}

func (classCond) condition() {}

type mnemonicCond struct {
	names []string
}

// MnemonicIs matches instructions whose mnemonic equals one of names
// (case-insensitive).
func MnemonicIs(names ...string) Condition {
	lower := make([]string, len(names))
	for i, n := range names {
		lower[i] = strings.ToLower(n)
	}
	return mnemonicCond{names: lower}
}

func (c mnemonicCond) Match(inst *isa.Instruction, _ *arch.Context) bool {
	return slices.Contains(c.names, inst.Mnemonic)
}

func (c mnemonicCond) String() string {
	return fmt.Sprintf("mnemonic in [%s]", strings.Join(c.names, " "))
}

func (mnemonicCond) condition() {}

type regCond struct {
	regs   isa.RegSet
	writes bool
}

// ReadsReg matches instructions reading any of regs.
func ReadsReg(regs ...isa.Reg) Condition {
	return regCond{regs: isa.NewRegSet(regs...)}
}

// WritesReg matches instructions writing any of regs.
func WritesReg(regs ...isa.Reg) Condition {
	return regCond{regs: isa.NewRegSet(regs...), writes: true}
}

func (c regCond) Match(inst *isa.Instruction, _ *arch.Context) bool {
	set := inst.Reads
	if c.writes {
		set = inst.Writes
	}
	return set&c.regs != 0
}

func (c regCond) String() string {
	verb := "reads"
	if c.writes {
		verb = "writes"
	}
	return fmt.Sprintf("%s %v", verb, c.regs.Regs())
}

func (regCond) condition() {}

type addrCond struct {
	lo, hi uint64
}

// AddressIn matches instructions whose address lies in [lo, hi).
func AddressIn(lo, hi uint64) Condition {
	return addrCond{lo: lo, hi: hi}
}

func (c addrCond) Match(inst *isa.Instruction, _ *arch.Context) bool {
	return inst.Address >= c.lo && inst.Address < c.hi
}

func (c addrCond) String() string {
	return fmt.Sprintf("address in [%#x, %#x)", c.lo, c.hi)
}

func (addrCond) condition() {}

// flagCond tests one boolean property of the instruction.
type flagCond struct {
	name string
	get  func(*isa.Instruction) bool
}

// PCRelative matches instructions with a PC-relative operand.
func PCRelative() Condition {
	return flagCond{name: "pc-relative", get: (*isa.Instruction).IsPCRelative}
}

// Conditional matches conditional branches.
func Conditional() Condition {
	return flagCond{name: "conditional", get: func(i *isa.Instruction) bool { return i.Conditional }}
}

// Indirect matches indirect control transfers.
func Indirect() Condition {
	return flagCond{name: "indirect", get: func(i *isa.Instruction) bool { return i.Indirect }}
}

func (c flagCond) Match(inst *isa.Instruction, _ *arch.Context) bool { return c.get(inst) }
func (c flagCond) String() string                                    { return c.name }
func (flagCond) condition()                                          {}

type andCond struct {
	conds []Condition
}

// And matches when every condition matches. And() matches everything.
func And(conds ...Condition) Condition {
	return andCond{conds: slices.Clone(conds)}
}

func (c andCond) Match(inst *isa.Instruction, ctx *arch.Context) bool {
	for _, sub := range c.conds {
		if !sub.Match(inst, ctx) {
			return false
		}
	}
	return true
}

func (c andCond) String() string { return join("and", c.conds) }
func (andCond) condition()       {}

type orCond struct {
	conds []Condition
}

// Or matches when any condition matches. Or() matches nothing.
func Or(conds ...Condition) Condition {
	return orCond{conds: slices.Clone(conds)}
}

func (c orCond) Match(inst *isa.Instruction, ctx *arch.Context) bool {
	for _, sub := range c.conds {
		if sub.Match(inst, ctx) {
			return true
		}
	}
	return false
}

func (c orCond) String() string { return join("or", c.conds) }
func (orCond) condition()       {}

type notCond struct {
	cond Condition
}

// Not negates cond.
func Not(cond Condition) Condition {
	return notCond{cond: cond}
}

func (c notCond) Match(inst *isa.Instruction, ctx *arch.Context) bool {
	return !c.cond.Match(inst, ctx)
}

func (c notCond) String() string { return "not(" + c.cond.String() + ")" }
func (notCond) condition()       {}

// MatchFunc is the signature of custom conditions.
type MatchFunc func(inst *isa.Instruction, ctx *arch.Context) bool

type funcCond struct {
	name string
	fn   MatchFunc
}

// Func wraps a custom predicate. fn must obey the Condition contract.
func Func(name string, fn MatchFunc) Condition {
	return funcCond{name: name, fn: fn}
}

func (c funcCond) Match(inst *isa.Instruction, ctx *arch.Context) bool { return c.fn(inst, ctx) }
func (c funcCond) String() string                                      { return c.name }
func (funcCond) condition()                                            {}

// Children returns the operator and operands of a composite condition, for
// listings. Leaves return an empty operator.
func Children(c Condition) (string, []Condition) {
	switch v := c.(type) {
	case andCond:
		return "and", slices.Clone(v.conds)
	case orCond:
		return "or", slices.Clone(v.conds)
	case notCond:
		return "not", []Condition{v.cond}
	}
	return "", nil
}

func join(op string, conds []Condition) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}
