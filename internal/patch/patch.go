// Package patch implements the per-instruction rewrite accumulator.
//
// A Patch owns one decoded instruction, the ordered relocatable instructions
// generated for it and, while a rule is being applied, a temporary register
// table. A Patch is owned by a single goroutine and is not safe for
// concurrent use.
package patch

import (
	"fmt"
	"slices"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/reloc"
)

// State is the application state of a Patch.
type State uint8

// Patch states
const (
	Unapplied State = iota
	Applied
	Invalid
)

func (s State) String() string {
	switch s {
	case Unapplied:
		return "unapplied"
	case Applied:
		return "applied"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Patch accumulates the rewrite of a single source instruction.
type Patch struct {
	inst     isa.Instruction
	state    State
	instrs   []reloc.Instr
	bindings reloc.Bindings
	rule     string
	err      error
	scope    *scope
}

// scope is the temporary register table of one rule application. temps is
// indexed by TempID and sized to the scratch pool.
type scope struct {
	ctx      *arch.Context
	temps    []isa.Reg
	taken    isa.RegSet
	saved    map[reloc.TempID]int
	resolved bool
}

// New creates an unapplied Patch for inst.
func New(inst isa.Instruction) *Patch {
	return &Patch{inst: inst}
}

// Instruction returns the source instruction. Callers must not modify it.
func (p *Patch) Instruction() *isa.Instruction {
	return &p.inst
}

// Address returns the source address.
func (p *Patch) Address() uint64 {
	return p.inst.Address
}

// State returns the application state.
func (p *Patch) State() State {
	return p.state
}

// Rule returns the name of the applied rule.
func (p *Patch) Rule() string {
	return p.rule
}

// Err returns the error that invalidated the patch, if any.
func (p *Patch) Err() error {
	return p.err
}

// Instrs returns a copy of the sequence generated so far.
func (p *Patch) Instrs() []reloc.Instr {
	return slices.Clone(p.instrs)
}

// Size returns the number of bytes the generated sequence emits.
func (p *Patch) Size() int {
	return reloc.TotalSize(p.instrs)
}

// BeginScope opens the temporary register scope for one rule application.
func (p *Patch) BeginScope(ctx *arch.Context) error {
	if p.state != Unapplied {
		return fmt.Errorf("%w: %s at %#x", ErrAlreadyApplied, p.state, p.inst.Address)
	}
	if p.scope != nil {
		return fmt.Errorf("%w: scope already open at %#x", ErrAlreadyApplied, p.inst.Address)
	}
	temps := make([]isa.Reg, ctx.MaxTemps())
	for i := range temps {
		temps[i] = isa.NoReg
	}
	p.scope = &scope{ctx: ctx, temps: temps, saved: make(map[reloc.TempID]int)}
	return nil
}

// RequestTemp binds id to a scratch register and returns it. Requesting the
// same id again returns the same register. Registers read or written by the
// source instruction are never handed out.
func (p *Patch) RequestTemp(id reloc.TempID) (isa.Reg, error) {
	s, err := p.openScope()
	if err != nil {
		return isa.NoReg, err
	}
	if id < 0 || int(id) >= len(s.temps) {
		return isa.NoReg, p.exhausted(id)
	}
	if r := s.temps[id]; r != isa.NoReg {
		return r, nil
	}
	live := p.inst.Uses()
	for _, r := range s.ctx.Scratch {
		if live.Has(r) || s.taken.Has(r) {
			continue
		}
		s.temps[id] = r
		s.taken = s.taken.With(r)
		return r, nil
	}
	return isa.NoReg, p.exhausted(id)
}

func (p *Patch) exhausted(id reloc.TempID) error {
	usable := 0
	live := p.inst.Uses()
	for _, r := range p.scope.ctx.Scratch {
		if !live.Has(r) {
			usable++
		}
	}
	return &RegisterExhaustionError{Addr: p.inst.Address, Temp: id, Available: usable}
}

// Append adds instructions to the output in order.
func (p *Patch) Append(instrs ...reloc.Instr) error {
	if _, err := p.openScope(); err != nil {
		return err
	}
	p.instrs = append(p.instrs, instrs...)
	return nil
}

// SaveTemp allocates id if needed, records a save obligation and returns
// the code preserving the guest value of its register. Every save must be
// matched by RestoreTemp within the scope.
func (p *Patch) SaveTemp(id reloc.TempID) ([]reloc.Instr, error) {
	if _, err := p.RequestTemp(id); err != nil {
		return nil, err
	}
	p.scope.saved[id]++
	return p.scope.ctx.Builder.SaveTemp(id), nil
}

// RestoreTemp discharges a save obligation and returns the code restoring
// the guest value of id.
func (p *Patch) RestoreTemp(id reloc.TempID) ([]reloc.Instr, error) {
	s, err := p.openScope()
	if err != nil {
		return nil, err
	}
	if s.saved[id] == 0 {
		return nil, fmt.Errorf("%w: temp %d at %#x", ErrTempNotSaved, id, p.inst.Address)
	}
	s.saved[id]--
	return s.ctx.Builder.RestoreTemp(id), nil
}

// ResolveScope rewrites every instruction that references a temporary into
// its bound form.
func (p *Patch) ResolveScope() error {
	s, err := p.openScope()
	if err != nil {
		return err
	}
	for id, n := range s.saved {
		if n > 0 {
			return fmt.Errorf("%w: temp %d at %#x", ErrTempNotRestored, id, p.inst.Address)
		}
	}
	b := make(reloc.Bindings)
	for id, r := range s.temps {
		if r != isa.NoReg {
			b[reloc.TempID(id)] = r
		}
	}
	for i, in := range p.instrs {
		if in.Kind() != reloc.KindTemp {
			continue
		}
		bound, err := in.Resolve(b)
		if err != nil {
			return fmt.Errorf("resolving %s at %#x: %w", in, p.inst.Address, err)
		}
		p.instrs[i] = bound
	}
	p.bindings = b
	s.resolved = true
	return nil
}

// EndScope releases the temporary register table and freezes the output as
// the result of rule.
func (p *Patch) EndScope(rule string) error {
	s, err := p.openScope()
	if err != nil {
		return err
	}
	if !s.resolved {
		return fmt.Errorf("%w: at %#x", ErrScopeNotResolved, p.inst.Address)
	}
	p.scope = nil
	p.rule = rule
	p.state = Applied
	return nil
}

// Abort marks the patch invalid and discards its partial output.
func (p *Patch) Abort(err error) {
	p.scope = nil
	p.instrs = nil
	p.bindings = nil
	p.err = err
	p.state = Invalid
}

// Output returns the frozen sequence and the bindings of its temporaries.
func (p *Patch) Output() ([]reloc.Instr, reloc.Bindings, error) {
	switch p.state {
	case Applied:
		return slices.Clone(p.instrs), p.bindings.Clone(), nil
	case Invalid:
		return nil, nil, fmt.Errorf("%w at %#x: %w", ErrInvalidPatch, p.inst.Address, p.err)
	}
	return nil, nil, fmt.Errorf("%w at %#x", ErrNotApplied, p.inst.Address)
}

func (p *Patch) openScope() (*scope, error) {
	if p.scope == nil || p.state != Unapplied {
		return nil, fmt.Errorf("%w at %#x", ErrNoScope, p.inst.Address)
	}
	return p.scope, nil
}
