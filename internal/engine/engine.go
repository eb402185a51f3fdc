// Package engine dispatches decoded instructions to patch rules and
// translates basic blocks into linkable units.
//
// The engine holds an ordered rule list fixed at construction. For every
// instruction the first rule whose condition holds is applied; when none
// does the configured NoMatchPolicy decides between the default rule and
// an error. Instructions are never dropped.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/isseis/go-patch-engine/internal/arch"
	"github.com/isseis/go-patch-engine/internal/isa"
	"github.com/isseis/go-patch-engine/internal/patch"
	"github.com/isseis/go-patch-engine/internal/patchrule"
)

const tracerName = "github.com/isseis/go-patch-engine/internal/engine"

// Memory provides the code of the instrumented program.
type Memory interface {
	// Bytes returns the mapped bytes starting at addr, or an empty slice
	// when addr is not mapped.
	Bytes(addr uint64) []byte
}

// Engine is the rule dispatcher. It is immutable after New and safe for
// concurrent use.
type Engine struct {
	rules           []*patchrule.Rule
	policy          NoMatchPolicy
	fallback        *patchrule.Rule
	logger          *slog.Logger
	parallelism     int
	maxInstructions int
	tracer          trace.Tracer
}

// New creates an Engine trying rules in order.
func New(rules []*patchrule.Rule, opts ...Option) *Engine {
	e := &Engine{
		rules:           slices.Clone(rules),
		policy:          PolicyPassThrough,
		fallback:        patchrule.PassThrough(),
		logger:          slog.Default(),
		parallelism:     1,
		maxInstructions: DefaultMaxInstructions,
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the rule list in dispatch order.
func (e *Engine) Rules() []*patchrule.Rule {
	return slices.Clone(e.rules)
}

// Policy returns the no-match policy.
func (e *Engine) Policy() NoMatchPolicy {
	return e.policy
}

// Select returns the first rule applicable to the patch, or the fallback
// dictated by the no-match policy.
func (e *Engine) Select(p *patch.Patch, ctx *arch.Context) (*patchrule.Rule, error) {
	for _, r := range e.rules {
		if r.CanBeApplied(p, ctx) {
			return r, nil
		}
	}
	if e.policy == PolicyError {
		inst := p.Instruction()
		return nil, &NoMatchingRuleError{Addr: inst.Address, Mnemonic: inst.Mnemonic}
	}
	return e.fallback, nil
}

// PatchInstruction creates a patch for inst and applies the selected rule
// to it. The returned patch is Applied on success and Invalid otherwise.
func (e *Engine) PatchInstruction(ctx *arch.Context, inst isa.Instruction) (*patch.Patch, error) {
	p := patch.New(inst)
	r, err := e.Select(p, ctx)
	if err != nil {
		p.Abort(err)
		return p, err
	}
	if err := r.Apply(p, ctx); err != nil {
		return p, err
	}
	e.logger.Debug("Instruction patched",
		"addr", fmt.Sprintf("%#x", inst.Address),
		"mnemonic", inst.Mnemonic,
		"rule", r.Name(),
		"size", p.Size())
	return p, nil
}

// TranslateBlock decodes the basic block starting at addr and patches every
// instruction in it. The block ends after the first control-flow
// instruction, at the end of mapped memory or after the instruction limit.
// When the last instruction can fall through, the block gets an exit to
// its end address.
func (e *Engine) TranslateBlock(ctx context.Context, cpu *arch.Context, mem Memory, addr uint64) (*Block, error) {
	_, span := e.tracer.Start(ctx, "TranslateBlock", trace.WithAttributes(
		attribute.String("arch", string(cpu.Arch)),
		attribute.String("addr", fmt.Sprintf("%#x", addr)),
	))
	defer span.End()

	block, err := e.translate(ctx, cpu, mem, addr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("Block translation failed", "addr", fmt.Sprintf("%#x", addr), "error", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("instructions", block.Len()),
		attribute.Int("size", block.Size()),
	)
	e.logger.Debug("Block translated",
		"addr", fmt.Sprintf("%#x", addr),
		"end", fmt.Sprintf("%#x", block.End),
		"instructions", block.Len(),
		"size", block.Size())
	return block, nil
}

func (e *Engine) translate(ctx context.Context, cpu *arch.Context, mem Memory, addr uint64) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cpu.Validate(); err != nil {
		return nil, err
	}

	insts, err := e.decodeBlock(cpu, mem, addr)
	if err != nil {
		return nil, err
	}

	patches := make([]*patch.Patch, len(insts))
	errs := make([]error, len(insts))
	if e.parallelism < 2 || len(insts) < 2 {
		for i, inst := range insts {
			patches[i], errs[i] = e.PatchInstruction(cpu, inst)
			if errs[i] != nil {
				break
			}
		}
	} else {
		var g errgroup.Group
		g.SetLimit(e.parallelism)
		for i, inst := range insts {
			g.Go(func() error {
				patches[i], errs[i] = e.PatchInstruction(cpu, inst)
				return nil
			})
		}
		_ = g.Wait()
	}
	// Report the failure closest to the block start, whatever the order of
	// generation.
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	last := insts[len(insts)-1]
	block := &Block{Arch: cpu.Arch, Start: addr, End: last.End(), Patches: patches}
	if fallsThrough(&last) {
		block.Exit = cpu.Builder.Exit(block.End)
	}
	return block, nil
}

// fallsThrough reports whether execution may continue after inst.
func fallsThrough(inst *isa.Instruction) bool {
	switch inst.Class {
	case isa.ClassReturn:
		return false
	case isa.ClassBranch:
		return inst.Conditional
	}
	return true
}

func (e *Engine) decodeBlock(cpu *arch.Context, mem Memory, addr uint64) ([]isa.Instruction, error) {
	var insts []isa.Instruction
	pc := addr
	for len(insts) < e.maxInstructions {
		code := mem.Bytes(pc)
		if len(code) == 0 {
			if len(insts) == 0 {
				return nil, fmt.Errorf("%w: %#x", ErrUnmapped, pc)
			}
			break
		}
		inst, err := cpu.Decoder.Decode(code, pc)
		if err != nil {
			return nil, err
		}
		insts = append(insts, inst)
		if inst.Class.IsControlFlow() {
			break
		}
		pc = inst.End()
	}
	return insts, nil
}
