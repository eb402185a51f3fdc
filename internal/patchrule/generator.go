package patchrule

import (
	"fmt"
	"iter"
	"strings"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/patch"
	"github.com/isseis/go-patch-engine/internal/reloc"
)

// Generator produces the relocatable instructions of one rewrite step.
//
// Generate returns a lazy, finite sequence that the rule drains once and
// appends to the patch in order. A generator may request temporaries from
// p and read its instruction; it must not append to p itself. A non-nil
// error ends the sequence and invalidates the patch.
type Generator interface {
	Generate(p *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error]
	String() string
}

// emit yields instrs in order, stopping early when the consumer does.
func emit(yield func(reloc.Instr, error) bool, instrs ...reloc.Instr) bool {
	for _, in := range instrs {
		if !yield(in, nil) {
			return false
		}
	}
	return true
}

func fail(err error) iter.Seq2[reloc.Instr, error] {
	return func(yield func(reloc.Instr, error) bool) {
		yield(reloc.Instr{}, err)
	}
}

func sequence(instrs ...reloc.Instr) iter.Seq2[reloc.Instr, error] {
	return func(yield func(reloc.Instr, error) bool) {
		emit(yield, instrs...)
	}
}

type copyGen struct{}

// CopyOriginal emits the source instruction unchanged.
func CopyOriginal() Generator { return copyGen{} }

func (copyGen) Generate(p *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	return sequence(ctx.Builder.Copy(p.Instruction()))
}

func (copyGen) String() string { return "copy" }

type relocateGen struct{}

// RelocateBranch emits the source instruction in a form that reaches its
// original target from anywhere in the code cache.
func RelocateBranch() Generator { return relocateGen{} }

func (relocateGen) Generate(p *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	seq, err := ctx.Builder.RelocateBranch(p.Instruction())
	if err != nil {
		return fail(err)
	}
	return sequence(seq...)
}

func (relocateGen) String() string { return "relocate_branch" }

type indirectGen struct{}

// IndirectBranch redirects a direct branch or call through an absolute
// target. It emits nothing for other instructions.
func IndirectBranch() Generator { return indirectGen{} }

func (indirectGen) Generate(p *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	inst := p.Instruction()
	if !inst.IsDirectBranch() {
		return sequence()
	}
	seq, err := ctx.Builder.JumpAbsolute(inst)
	if err != nil {
		return fail(err)
	}
	return sequence(seq...)
}

func (indirectGen) String() string { return "indirect_branch" }

type callbackGen struct {
	target uint64
}

// CallCallback emits a call to target. The call is PC-relative when target
// is within reach of the emission address and absolute otherwise.
func CallCallback(target uint64) Generator { return callbackGen{target: target} }

func (g callbackGen) Generate(_ *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	return sequence(ctx.Builder.Call(g.target)...)
}

func (g callbackGen) String() string { return fmt.Sprintf("callback %#x", g.target) }

type callbackTempGen struct {
	target uint64
	temp   reloc.TempID
}

// CallCallbackTemp calls target through temporary temp, preserving the
// register's guest value around the call.
func CallCallbackTemp(target uint64, temp reloc.TempID) Generator {
	return callbackTempGen{target: target, temp: temp}
}

func (g callbackTempGen) Generate(p *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	return func(yield func(reloc.Instr, error) bool) {
		save, err := p.SaveTemp(g.temp)
		if err != nil {
			yield(reloc.Instr{}, err)
			return
		}
		if !emit(yield, save...) ||
			!emit(yield, ctx.Builder.LoadImmediate(g.temp, g.target)...) ||
			!emit(yield, ctx.Builder.CallTemp(g.temp)...) {
			return
		}
		restore, err := p.RestoreTemp(g.temp)
		if err != nil {
			yield(reloc.Instr{}, err)
			return
		}
		emit(yield, restore...)
	}
}

func (g callbackTempGen) String() string {
	return fmt.Sprintf("callback %#x via temp %d", g.target, g.temp)
}

type loadImmGen struct {
	temp  reloc.TempID
	value uint64
}

// LoadImmediate loads value into temporary temp. The register's previous
// value is not preserved; wrap it in PreserveTemp unless the guest may
// observe the change.
func LoadImmediate(temp reloc.TempID, value uint64) Generator {
	return loadImmGen{temp: temp, value: value}
}

func (g loadImmGen) Generate(p *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	if _, err := p.RequestTemp(g.temp); err != nil {
		return fail(err)
	}
	return sequence(ctx.Builder.LoadImmediate(g.temp, g.value)...)
}

func (g loadImmGen) String() string { return fmt.Sprintf("load_immediate temp %d = %#x", g.temp, g.value) }

type preserveGen struct {
	temp  reloc.TempID
	inner []Generator
}

// PreserveTemp runs inner between a save and a restore of temporary temp,
// so the guest value of its register survives whatever inner loads into it.
func PreserveTemp(temp reloc.TempID, inner ...Generator) Generator {
	return preserveGen{temp: temp, inner: append([]Generator(nil), inner...)}
}

func (g preserveGen) Generate(p *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	return func(yield func(reloc.Instr, error) bool) {
		save, err := p.SaveTemp(g.temp)
		if err != nil {
			yield(reloc.Instr{}, err)
			return
		}
		if !emit(yield, save...) {
			return
		}
		for _, gen := range g.inner {
			for in, err := range gen.Generate(p, ctx) {
				if !yield(in, err) || err != nil {
					return
				}
			}
		}
		restore, err := p.RestoreTemp(g.temp)
		if err != nil {
			yield(reloc.Instr{}, err)
			return
		}
		emit(yield, restore...)
	}
}

func (g preserveGen) String() string {
	names := make([]string, len(g.inner))
	for i, gen := range g.inner {
		names[i] = gen.String()
	}
	return fmt.Sprintf("preserve temp %d [%s]", g.temp, strings.Join(names, "; "))
}

type bytesGen struct {
	code []byte
}

// EmitBytes emits code verbatim.
func EmitBytes(code ...byte) Generator {
	return bytesGen{code: append([]byte(nil), code...)}
}

func (g bytesGen) Generate(*patch.Patch, *arch.Context) iter.Seq2[reloc.Instr, error] {
	if len(g.code) == 0 {
		return sequence()
	}
	return sequence(reloc.Raw(g.code...))
}

func (g bytesGen) String() string { return fmt.Sprintf("bytes % x", g.code) }

type nopGen struct{}

// Nop emits one no-op instruction.
func Nop() Generator { return nopGen{} }

func (nopGen) Generate(_ *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	return sequence(ctx.Builder.Nop())
}

func (nopGen) String() string { return "nop" }

type breakpointGen struct{}

// Breakpoint emits a breakpoint trap.
func Breakpoint() Generator { return breakpointGen{} }

func (breakpointGen) Generate(_ *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	return sequence(ctx.Builder.Breakpoint())
}

func (breakpointGen) String() string { return "breakpoint" }

// GenerateFunc is the signature of custom generators.
type GenerateFunc func(p *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error]

type funcGen struct {
	name string
	fn   GenerateFunc
}

// GeneratorFunc wraps a custom generator function.
func GeneratorFunc(name string, fn GenerateFunc) Generator {
	return funcGen{name: name, fn: fn}
}

func (g funcGen) Generate(p *patch.Patch, ctx *arch.Context) iter.Seq2[reloc.Instr, error] {
	return g.fn(p, ctx)
}

func (g funcGen) String() string { return g.name }
