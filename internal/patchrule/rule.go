// Package patchrule implements patch rules: a condition selecting the
// instructions a rule applies to and the ordered generators producing their
// rewrite.
//
// Rules, conditions and generators are immutable and may be shared by any
// number of goroutines. All per-instruction state lives in the patch.Patch
// passed to Apply.
package patchrule

import (
	"fmt"
	"slices"
	"strings"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/patch"
)

// PassThroughName is the name of the default copy rule.
const PassThroughName = "passthrough"

// Rule binds a condition to an ordered list of generators.
type Rule struct {
	name       string
	cond       Condition
	generators []Generator
}

// NewRule creates a rule. The rule takes ownership of cond and generators;
// a nil condition matches every instruction.
func NewRule(name string, cond Condition, generators ...Generator) *Rule {
	if cond == nil {
		cond = True()
	}
	return &Rule{name: name, cond: cond, generators: slices.Clone(generators)}
}

// PassThrough returns the rule copying every instruction unchanged.
func PassThrough() *Rule {
	return NewRule(PassThroughName, True(), CopyOriginal())
}

// Name returns the rule name.
func (r *Rule) Name() string {
	return r.name
}

// Condition returns the rule condition.
func (r *Rule) Condition() Condition {
	return r.cond
}

// Generators returns the generators in application order.
func (r *Rule) Generators() []Generator {
	return slices.Clone(r.generators)
}

// CanBeApplied reports whether the rule's condition holds for the patch's
// instruction.
func (r *Rule) CanBeApplied(p *patch.Patch, ctx *arch.Context) bool {
	return r.cond.Match(p.Instruction(), ctx)
}

// Apply rewrites the patch: it opens a temporary register scope, appends
// the output of every generator in declared order, binds the temporaries
// and closes the scope. On failure the patch is left Invalid and an
// *ApplyError is returned.
func (r *Rule) Apply(p *patch.Patch, ctx *arch.Context) error {
	if err := p.BeginScope(ctx); err != nil {
		return &ApplyError{Rule: r.name, Index: -1, Addr: p.Address(), Err: err}
	}
	for i, g := range r.generators {
		for in, err := range g.Generate(p, ctx) {
			if err == nil {
				err = p.Append(in)
			}
			if err != nil {
				return r.abort(p, &ApplyError{Rule: r.name, Generator: g.String(), Index: i, Addr: p.Address(), Err: err})
			}
		}
	}
	if err := p.ResolveScope(); err != nil {
		return r.abort(p, &ApplyError{Rule: r.name, Index: -1, Addr: p.Address(), Err: err})
	}
	if err := p.EndScope(r.name); err != nil {
		return r.abort(p, &ApplyError{Rule: r.name, Index: -1, Addr: p.Address(), Err: err})
	}
	return nil
}

func (r *Rule) abort(p *patch.Patch, err *ApplyError) error {
	p.Abort(err)
	return err
}

func (r *Rule) String() string {
	gens := make([]string, len(r.generators))
	for i, g := range r.generators {
		gens[i] = g.String()
	}
	return fmt.Sprintf("%s: when %s -> [%s]", r.name, r.cond, strings.Join(gens, "; "))
}

// ApplyError reports a failed rule application. Index is the position of
// the failing generator, or -1 when the failure happened outside any
// generator.
type ApplyError struct {
	Rule      string
	Generator string
	Index     int
	Addr      uint64
	Err       error
}

func (e *ApplyError) Error() string {
	if e.Generator == "" {
		return fmt.Sprintf("rule %q at %#x: %v", e.Rule, e.Addr, e.Err)
	}
	return fmt.Sprintf("rule %q at %#x: generator %d (%s): %v", e.Rule, e.Addr, e.Index, e.Generator, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
