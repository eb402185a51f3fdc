// Package reloc implements relocatable instructions: position-independent
// instruction templates that produce final machine bytes once their
// emission address and the owning patch's temporary-register bindings are
// known.
//
// An Instr never depends on the address of any other instruction, so a
// linker can place each one independently.
package reloc

import (
	"fmt"

	"github.com/isseis/go-patch-engine/internal/isa"
)

// Kind tags the variant held by an Instr.
type Kind uint8

// Instruction variants
const (
	// KindRaw is a fixed byte sequence.
	KindRaw Kind = iota
	// KindPCRel is a template whose displacement is recomputed at emission.
	KindPCRel
	// KindTemp references temporary registers not yet bound.
	KindTemp
	// KindCustom delegates to an Emitter.
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindPCRel:
		return "pcrel"
	case KindTemp:
		return "temp"
	case KindCustom:
		return "custom"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// TempID is a logical temporary-register id, scoped to a single patch.
type TempID int

// Bindings maps temporaries of one patch to physical registers.
type Bindings map[TempID]isa.Reg

// Lookup returns the register bound to id.
func (b Bindings) Lookup(id TempID) (isa.Reg, bool) {
	r, ok := b[id]
	return r, ok
}

// Clone returns an independent copy.
func (b Bindings) Clone() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// TempBuilder produces the bound form of a temp-register instruction. regs
// holds the physical registers in the order the TempIDs were declared.
type TempBuilder func(regs []isa.Reg) (Instr, error)

// Emitter is the extension point for instruction kinds not covered by the
// built-in variants.
type Emitter interface {
	Size() int
	Emit(addr uint64, b Bindings) ([]byte, error)
}

// Instr is an immutable relocatable instruction.
type Instr struct {
	kind   Kind
	code   []byte
	field  isa.DispField
	target uint64
	temps  []TempID
	build  TempBuilder
	size   int
	ext    Emitter
	label  string
}

// Raw returns an instruction emitting exactly code.
func Raw(code ...byte) Instr {
	return Instr{kind: KindRaw, code: clone(code), size: len(code)}
}

// PCRelative returns an instruction whose displacement field is rewritten so
// that it reaches target from wherever the instruction is emitted.
func PCRelative(code []byte, field isa.DispField, target uint64) Instr {
	return Instr{kind: KindPCRel, code: clone(code), field: field, target: target, size: len(code)}
}

// WithTemps returns an instruction referencing temporaries ids. size is the
// length of the bound form, which must not depend on the chosen registers.
func WithTemps(size int, build TempBuilder, ids ...TempID) Instr {
	return Instr{kind: KindTemp, temps: append([]TempID(nil), ids...), build: build, size: size}
}

// Custom wraps an Emitter. A nil Emitter yields an empty instruction whose
// Emit fails with ErrNilEmitter.
func Custom(e Emitter) Instr {
	if e == nil {
		return Instr{kind: KindCustom}
	}
	return Instr{kind: KindCustom, ext: e, size: e.Size()}
}

// WithLabel returns a copy annotated with a short description for listings.
func (i Instr) WithLabel(label string) Instr {
	i.label = label
	return i
}

// Label returns the listing annotation.
func (i Instr) Label() string {
	return i.label
}

// Kind returns the variant tag.
func (i Instr) Kind() Kind {
	return i.kind
}

// Size returns the number of bytes Emit produces.
func (i Instr) Size() int {
	return i.size
}

// Temps returns the temporaries referenced by a KindTemp instruction.
func (i Instr) Temps() []TempID {
	return append([]TempID(nil), i.temps...)
}

// Target returns the absolute target of a KindPCRel instruction.
func (i Instr) Target() (uint64, bool) {
	return i.target, i.kind == KindPCRel
}

// Field returns the displacement field of a KindPCRel instruction.
func (i Instr) Field() isa.DispField {
	return i.field
}

// Template returns a copy of the byte template of a raw or PC-relative instruction.
func (i Instr) Template() []byte {
	return clone(i.code)
}

// Resolve binds the temporaries of a KindTemp instruction. Other kinds are
// returned unchanged.
func (i Instr) Resolve(b Bindings) (Instr, error) {
	if i.kind != KindTemp {
		return i, nil
	}
	if i.build == nil {
		return Instr{}, ErrNilBuilder
	}
	regs := make([]isa.Reg, len(i.temps))
	for n, id := range i.temps {
		r, ok := b.Lookup(id)
		if !ok {
			return Instr{}, fmt.Errorf("%w: temp %d", ErrUnboundTemp, id)
		}
		regs[n] = r
	}
	bound, err := i.build(regs)
	if err != nil {
		return Instr{}, err
	}
	if bound.kind == KindTemp {
		return Instr{}, fmt.Errorf("%w: builder returned an unbound instruction", ErrUnboundTemp)
	}
	if bound.size != i.size {
		return Instr{}, fmt.Errorf("%w: declared %d, bound %d", ErrSizeMismatch, i.size, bound.size)
	}
	if bound.label == "" {
		bound.label = i.label
	}
	return bound, nil
}

// Emit produces the final bytes for the instruction placed at addr.
func (i Instr) Emit(addr uint64, b Bindings) ([]byte, error) {
	switch i.kind {
	case KindRaw:
		return clone(i.code), nil
	case KindPCRel:
		return i.emitPCRel(addr)
	case KindTemp:
		bound, err := i.Resolve(b)
		if err != nil {
			return nil, err
		}
		return bound.Emit(addr, b)
	case KindCustom:
		if i.ext == nil {
			return nil, ErrNilEmitter
		}
		out, err := i.ext.Emit(addr, b)
		if err != nil {
			return nil, err
		}
		if len(out) != i.size {
			return nil, fmt.Errorf("%w: declared %d, emitted %d", ErrSizeMismatch, i.size, len(out))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown instruction kind %s", i.kind)
}

func (i Instr) emitPCRel(addr uint64) ([]byte, error) {
	out := clone(i.code)
	disp, err := i.field.Displacement(addr, len(out), i.target)
	if err != nil {
		return nil, &RelocationError{
			Addr:         addr,
			Target:       i.target,
			Displacement: disp,
			Width:        i.field.Width(),
			Err:          err,
		}
	}
	if err := i.field.Put(out, disp); err != nil {
		return nil, &RelocationError{Addr: addr, Target: i.target, Displacement: disp, Width: i.field.Width(), Err: err}
	}
	return out, nil
}

func (i Instr) String() string {
	var s string
	switch i.kind {
	case KindPCRel:
		s = fmt.Sprintf("pcrel(% x -> %#x)", i.code, i.target)
	case KindTemp:
		s = fmt.Sprintf("temp(%v, %d bytes)", i.temps, i.size)
	case KindCustom:
		s = fmt.Sprintf("custom(%d bytes)", i.size)
	default:
		s = fmt.Sprintf("raw(% x)", i.code)
	}
	if i.label != "" {
		s += " ; " + i.label
	}
	return s
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
